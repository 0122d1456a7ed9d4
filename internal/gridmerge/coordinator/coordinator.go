// Package coordinator runs the two loops that drive a merge run.
//
// The Listener turns worker completion signals into READY transitions; the Dispatcher merges READY
// jobs and writes one artifact per projection. Both share one StateTable and one SlotPool.
// A fatal error in either loop cancels the other, and is published to the workers when the
// signal source supports it.
package coordinator

import (
	"context"
	"io"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/gridmerge/internal/common/logging"
	"github.com/G-Research/gridmerge/internal/gridmerge/signal"
)

type Coordinator struct {
	listener   *Listener
	dispatcher *Dispatcher
	// Closed by Join once both loops have stopped.
	closers []io.Closer
	group   *errgroup.Group
	mu      sync.Mutex
	// Optional logger.
	// If not provided, the default logrus logger is used.
	Logger *logrus.Entry
}

func NewCoordinator(listener *Listener, dispatcher *Dispatcher, closers ...io.Closer) *Coordinator {
	return &Coordinator{
		listener:   listener,
		dispatcher: dispatcher,
		closers:    closers,
	}
}

func (c *Coordinator) logger() *logrus.Entry {
	if c.Logger != nil {
		return c.Logger.WithField("service", "Coordinator")
	}
	return logrus.StandardLogger().WithField("service", "Coordinator")
}

// Start launches the listener and the dispatcher. It may only be called once.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.group != nil {
		return errors.New("coordinator already started")
	}
	log := c.logger()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.listener.Run(ctxlogrus.ToContext(ctx, log.WithField("service", "Listener")))
	})
	g.Go(func() error {
		return c.dispatcher.Run(ctxlogrus.ToContext(ctx, log.WithField("service", "Dispatcher")))
	})
	c.group = g
	log.Info("coordinator started")
	return nil
}

// Join waits for both loops to stop and then closes the owned resources.
// It returns the first loop error, or otherwise the aggregated close errors.
func (c *Coordinator) Join() error {
	c.mu.Lock()
	g := c.group
	c.mu.Unlock()
	if g == nil {
		return errors.New("coordinator not started")
	}
	log := c.logger()

	runErr := g.Wait()
	if runErr != nil {
		c.abortWorkers(log)
	}

	var closeErr *multierror.Error
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil {
			closeErr = multierror.Append(closeErr, err)
		}
	}

	if runErr != nil {
		logging.WithStacktrace(log, runErr).Error("coordinator stopped with error")
		if closeErr != nil {
			log.WithError(closeErr).Warn("failed to release resources")
		}
		return runErr
	}
	log.Infof("coordinator finished after %d signals", c.listener.Applied())
	return closeErr.ErrorOrNil()
}

func (c *Coordinator) abortWorkers(log *logrus.Entry) {
	aborter, ok := c.listener.source.(signal.Aborter)
	if !ok {
		return
	}
	if err := aborter.Abort(); err != nil {
		log.WithError(err).Warn("failed to tell the workers to stop")
		return
	}
	log.Info("workers told to stop")
}

// Run starts the coordinator and waits for it.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	return c.Join()
}
