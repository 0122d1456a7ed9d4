// Package signal carries completion signals from workers to the coordinator.
//
// A signal is a fixed-width record of four little-endian int32 values:
//
//	kind | workerId | subSim | projection
//
// The same 16-byte encoding is used by every transport.
package signal

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

type Kind int32

const (
	Read Kind = iota
	Write
	// Sent by a worker that stopped on a fatal error.
	Close
	// The only kind the coordinator acts upon: the worker finished a job.
	Done
)

func (k Kind) String() string {
	switch k {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case Close:
		return "CLOSE"
	case Done:
		return "DONE"
	default:
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
}

// RecordSize is the encoded size of a Signal in bytes.
const RecordSize = 16

type Signal struct {
	Kind       Kind
	Worker     int32
	SubSim     int32
	Projection int32
}

func NewDone(worker int, subSim int, projection int) Signal {
	return Signal{Kind: Done, Worker: int32(worker), SubSim: int32(subSim), Projection: int32(projection)}
}

// NewAbort tells the coordinator that the worker stopped at job (subSim, projection) and will send nothing more.
func NewAbort(worker int, subSim int, projection int) Signal {
	return Signal{Kind: Close, Worker: int32(worker), SubSim: int32(subSim), Projection: int32(projection)}
}

func (s Signal) String() string {
	return fmt.Sprintf("%s from worker %d for job (%d,%d)", s.Kind, s.Worker, s.SubSim, s.Projection)
}

func (s Signal) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(s.Kind))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(s.Worker))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(s.SubSim))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(s.Projection))
	return buf, nil
}

func (s *Signal) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return errors.Errorf("signal record must be %d bytes, got %d", RecordSize, len(data))
	}
	s.Kind = Kind(int32(binary.LittleEndian.Uint32(data[0:4])))
	s.Worker = int32(binary.LittleEndian.Uint32(data[4:8]))
	s.SubSim = int32(binary.LittleEndian.Uint32(data[8:12]))
	s.Projection = int32(binary.LittleEndian.Uint32(data[12:16]))
	return nil
}

// WriteSignal writes one record to w.
func WriteSignal(w io.Writer, s Signal) error {
	buf, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return errors.WithStack(err)
}

// ReadSignal reads exactly one record from r.
// It returns io.EOF if r is exhausted before the first byte of a record.
func ReadSignal(r io.Reader) (Signal, error) {
	buf := make([]byte, RecordSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return Signal{}, err
		}
		return Signal{}, errors.WithStack(err)
	}
	var s Signal
	err := s.UnmarshalBinary(buf)
	return s, err
}

// Source yields signals sent by workers.
type Source interface {
	// Receive blocks until a signal arrives or ctx is done.
	Receive(ctx context.Context) (Signal, error)
	Close() error
}

// Sink sends signals to the coordinator.
type Sink interface {
	Send(ctx context.Context, s Signal) error
	Close() error
}

// Aborter is implemented by sources that can tell every worker the run was aborted.
type Aborter interface {
	// Abort marks the run as aborted. It must be called before Close.
	Abort() error
	// ResetAbort clears a mark left behind by an earlier run.
	ResetAbort() error
}

// AbortWatcher is implemented by sinks that see the mark set by Aborter.Abort.
// Transports without it rely on Send failing once the coordinator is gone.
type AbortWatcher interface {
	Aborted(ctx context.Context) (bool, error)
}

// ErrClosed is returned by Receive and Send once the transport is closed.
var ErrClosed = errors.New("signal transport closed")
