package journal

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned by Async.Record once the journal is closed.
var ErrClosed = errors.New("journal closed")

// Async records entries on a single goroutine, in the order Record was called.
// Record only blocks while the buffer is full, so callers holding a lock never wait on disk.
// Failures of the wrapped journal are logged and reported again by Close.
type Async struct {
	journal Journal
	entries chan Entry
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	failed  int
}

func NewAsync(journal Journal, buffer int) *Async {
	a := &Async{
		journal: journal,
		entries: make(chan Entry, buffer),
		done:    make(chan struct{}),
	}
	go a.write()
	return a
}

func (a *Async) write() {
	defer close(a.done)
	for entry := range a.entries {
		if err := a.journal.Record(entry); err != nil {
			a.failed++
			log.WithError(err).Warnf("failed to journal transition of job (%d,%d)", entry.SubSim, entry.Projection)
		}
	}
}

func (a *Async) Record(entry Entry) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.WithStack(ErrClosed)
	}
	a.entries <- entry
	return nil
}

// Close waits for every queued entry to be recorded and then closes the wrapped journal.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.entries)
	a.mu.Unlock()
	<-a.done

	var result *multierror.Error
	if a.failed > 0 {
		result = multierror.Append(result, errors.Errorf("journal entries lost: %d", a.failed))
	}
	if err := a.journal.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
