// Package griderrors contains the error types shared by the coordinator, the workers and the command line.
//
// Errors that describe a broken protocol between the coordinator and its workers (an illegal state
// transition or an unexpected signal) are fatal for the whole run; callers detect them with
// IsProtocolViolation.
//
// If multiple errors occur in some function (e.g., while cleaning up several files), that
// function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package griderrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidTransition is returned when a job is asked to move to a state that is not reachable
// from its current state.
type ErrInvalidTransition struct {
	SubSim     int
	Projection int
	// Current state of the job
	From string
	// Requested state
	To string
}

func (err *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition for job (%d,%d): %s to %s", err.SubSim, err.Projection, err.From, err.To)
}

// ErrUnexpectedSignal is returned by the listener whenever a worker sends something other than a
// completion signal, or a signal naming a job outside of the grid.
type ErrUnexpectedSignal struct {
	Kind   int32
	Worker int32
	// Optional message included with the error message
	Message string
}

func (err *ErrUnexpectedSignal) Error() (s string) {
	s = fmt.Sprintf("unexpected signal of kind %d from worker %d", err.Kind, err.Worker)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrRunAborted is returned when another participant of the run stopped on a fatal error.
// Worker 0 stands for the coordinator.
type ErrRunAborted struct {
	Worker     int32
	SubSim     int32
	Projection int32
}

func (err *ErrRunAborted) Error() string {
	if err.Worker == 0 {
		return "run aborted by the coordinator"
	}
	return fmt.Sprintf("run aborted by worker %d at job (%d,%d)", err.Worker, err.SubSim, err.Projection)
}

// IsRunAborted returns true if err wraps an ErrRunAborted.
func IsRunAborted(err error) bool {
	var abortErr *ErrRunAborted
	return errors.As(err, &abortErr)
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field/argument that is invalid
	Value   interface{} // Value that was passed
	Message string      // An optional message to include with the error message
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for argument %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for argument %q; %s", err.Value, err.Name, err.Message)
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// IsProtocolViolation returns true if err wraps an ErrInvalidTransition or an ErrUnexpectedSignal.
func IsProtocolViolation(err error) bool {
	var transitionErr *ErrInvalidTransition
	if errors.As(err, &transitionErr) {
		return true
	}
	var signalErr *ErrUnexpectedSignal
	return errors.As(err, &signalErr)
}
