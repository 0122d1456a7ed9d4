package signal

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Channel is an in-process transport. It is both a Source and a Sink.
type Channel struct {
	c         chan Signal
	done      chan struct{}
	closeOnce sync.Once
}

func NewChannel(buffer int) *Channel {
	return &Channel{
		c:    make(chan Signal, buffer),
		done: make(chan struct{}),
	}
}

func (ch *Channel) Send(ctx context.Context, s Signal) error {
	select {
	case <-ch.done:
		return ErrClosed
	default:
	}
	select {
	case ch.c <- s:
		return nil
	case <-ch.done:
		return ErrClosed
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

func (ch *Channel) Receive(ctx context.Context) (Signal, error) {
	select {
	case s := <-ch.c:
		return s, nil
	case <-ch.done:
		return Signal{}, ErrClosed
	case <-ctx.Done():
		return Signal{}, errors.WithStack(ctx.Err())
	}
}

func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() { close(ch.done) })
	return nil
}

// Sink returns a view of the channel whose Close does nothing, so that several workers can share it.
func (ch *Channel) Sink() Sink {
	return sharedSink{ch}
}

type sharedSink struct {
	ch *Channel
}

func (s sharedSink) Send(ctx context.Context, sig Signal) error {
	return s.ch.Send(ctx, sig)
}

func (s sharedSink) Close() error {
	return nil
}
