// Package journal records job state transitions.
//
// A journal receives one Entry per committed transition, in commit order. Journals are append-only
// and are never read back by the coordinator; they exist for operators and post-mortem analysis.
package journal

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Entry is a single committed state change.
type Entry struct {
	Time       time.Time
	SubSim     int
	Projection int
	From       string
	To         string
}

// Line renders the entry in the format used by the text journal.
func (e Entry) Line() string {
	return fmt.Sprintf("%s: (%d,%d) %s to %s", e.Time.Format(time.RFC3339), e.SubSim, e.Projection, e.From, e.To)
}

type Journal interface {
	Record(entry Entry) error
	Close() error
}

// Multi fans each entry out to all of its journals.
// Record and Close visit every journal even if some of them fail.
type Multi []Journal

func (m Multi) Record(entry Entry) error {
	var result *multierror.Error
	for _, j := range m {
		if err := j.Record(entry); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m Multi) Close() error {
	var result *multierror.Error
	for _, j := range m {
		if err := j.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(Entry) error { return nil }
func (Nop) Close() error       { return nil }
