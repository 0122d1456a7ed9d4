package griderrors

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIsProtocolViolation(t *testing.T) {
	tests := map[string]struct {
		err      error
		expected bool
	}{
		"invalid transition": {
			err:      &ErrInvalidTransition{SubSim: 1, Projection: 2, From: "SLEEPING", To: "WRITING"},
			expected: true,
		},
		"wrapped invalid transition": {
			err:      errors.WithMessage(&ErrInvalidTransition{From: "READY", To: "WRITING"}, "dispatcher"),
			expected: true,
		},
		"unexpected signal": {
			err:      errors.WithStack(&ErrUnexpectedSignal{Kind: 0, Worker: 3}),
			expected: true,
		},
		"invalid argument": {
			err:      &ErrInvalidArgument{Name: "capacity", Value: 0},
			expected: false,
		},
		"run aborted": {
			err:      errors.WithStack(&ErrRunAborted{Worker: 2}),
			expected: false,
		},
		"plain error": {
			err:      fmt.Errorf("boom"),
			expected: false,
		},
		"nil": {
			err:      nil,
			expected: false,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsProtocolViolation(tc.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "invalid transition for job (1,2): SLEEPING to WRITING",
		(&ErrInvalidTransition{SubSim: 1, Projection: 2, From: "SLEEPING", To: "WRITING"}).Error())
	assert.Equal(t, "unexpected signal of kind 0 from worker 3; only DONE is accepted",
		(&ErrUnexpectedSignal{Kind: 0, Worker: 3, Message: "only DONE is accepted"}).Error())
	assert.Equal(t, `value 0 is invalid for argument "capacity"; must be at least 1`,
		(&ErrInvalidArgument{Name: "capacity", Value: 0, Message: "must be at least 1"}).Error())
	assert.Equal(t, `resource "a.mac" of type "macfile" does not exist`,
		(&ErrNotFound{Type: "macfile", Value: "a.mac"}).Error())
	assert.Equal(t, "run aborted by worker 2 at job (1,3)", (&ErrRunAborted{Worker: 2, SubSim: 1, Projection: 3}).Error())
	assert.Equal(t, "run aborted by the coordinator", (&ErrRunAborted{}).Error())
}

func TestIsRunAborted(t *testing.T) {
	assert.True(t, IsRunAborted(errors.WithMessage(&ErrRunAborted{Worker: 1}, "listener")))
	assert.False(t, IsRunAborted(&ErrUnexpectedSignal{Kind: 2, Worker: 1}))
	assert.False(t, IsRunAborted(nil))
}
