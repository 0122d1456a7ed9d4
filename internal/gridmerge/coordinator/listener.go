package coordinator

import (
	"context"
	"sync/atomic"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/pkg/errors"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
	"github.com/G-Research/gridmerge/internal/gridmerge/jobstate"
	"github.com/G-Research/gridmerge/internal/gridmerge/metrics"
	"github.com/G-Research/gridmerge/internal/gridmerge/signal"
)

// Listener receives completion signals from workers and marks the corresponding jobs READY.
// It is the only writer of READY and stops once no job is SLEEPING, or when a worker reports it aborted.
type Listener struct {
	states  *jobstate.StateTable
	source  signal.Source
	applied int64
}

func NewListener(states *jobstate.StateTable, source signal.Source) *Listener {
	return &Listener{states: states, source: source}
}

func (l *Listener) Run(ctx context.Context) error {
	log := ctxlogrus.Extract(ctx)
	log.Info("service started")
	for l.states.HasPendingSignals() {
		s, err := l.source.Receive(ctx)
		if err != nil {
			return errors.WithMessage(err, "failed to receive signal")
		}
		metrics.Get().RecordSignal(s.Kind.String())
		if s.Kind == signal.Close {
			return errors.WithStack(&griderrors.ErrRunAborted{Worker: s.Worker, SubSim: s.SubSim, Projection: s.Projection})
		}
		if s.Kind != signal.Done {
			return errors.WithStack(&griderrors.ErrUnexpectedSignal{
				Kind:    int32(s.Kind),
				Worker:  s.Worker,
				Message: "only DONE is accepted",
			})
		}
		job := jobstate.Job{SubSim: int(s.SubSim), Projection: int(s.Projection)}
		if !l.states.Contains(job) {
			return errors.WithStack(&griderrors.ErrUnexpectedSignal{
				Kind:    int32(s.Kind),
				Worker:  s.Worker,
				Message: "job " + job.String() + " is outside of the grid",
			})
		}
		if assignment, ok := l.states.Assignment(job); ok && assignment.Worker != int(s.Worker) {
			log.Warnf("job %s is assigned to worker %d but was reported by worker %d", job, assignment.Worker, s.Worker)
		}
		result := l.states.Transition(job, jobstate.Ready)
		if !result.Ok() {
			return errors.WithStack(result.Err)
		}
		metrics.Get().RecordTransition(jobstate.Ready.String())
		atomic.AddInt64(&l.applied, 1)
		log.Debugf("job %s is ready", job)
	}
	log.Info("all signals received")
	return nil
}

// Applied returns the number of READY transitions applied so far.
func (l *Listener) Applied() int {
	return int(atomic.LoadInt64(&l.applied))
}
