package coordinator

import (
	"context"
	"os"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
	"github.com/G-Research/gridmerge/internal/gridmerge/accumulator"
	"github.com/G-Research/gridmerge/internal/gridmerge/jobstate"
	"github.com/G-Research/gridmerge/internal/gridmerge/metrics"
	"github.com/G-Research/gridmerge/internal/gridmerge/slots"
)

// Dispatcher moves READY jobs through the merge pipeline.
//
// Each cycle it reserves merge slots for the projections of the ready jobs, reads the outputs of
// every job holding a slot in one batch per projection, writes the merged result of projections
// whose last job has just been read, and marks the jobs DONE.
// It is the only writer of READING, WRITING and DONE.
type Dispatcher struct {
	states      *jobstate.StateTable
	slots       *slots.SlotPool
	accumulator *accumulator.Accumulator
	locator     accumulator.OutputLocator
	// Sleep after a cycle that found nothing to do.
	idleBackoff time.Duration
	// Sleep after a cycle that processed jobs.
	busyBackoff time.Duration
	// If false, the config of each job is deleted once the job is DONE.
	keepConfigs bool
	// Outputs of jobs currently in flight, looked up once per job.
	outputs map[jobstate.Job]accumulator.Outputs
	clock   clock.Clock
}

func NewDispatcher(
	states *jobstate.StateTable,
	slotPool *slots.SlotPool,
	acc *accumulator.Accumulator,
	locator accumulator.OutputLocator,
	idleBackoff time.Duration,
	busyBackoff time.Duration,
	keepConfigs bool,
) *Dispatcher {
	return &Dispatcher{
		states:      states,
		slots:       slotPool,
		accumulator: acc,
		locator:     locator,
		idleBackoff: idleBackoff,
		busyBackoff: busyBackoff,
		keepConfigs: keepConfigs,
		outputs:     make(map[jobstate.Job]accumulator.Outputs),
		clock:       clock.RealClock{},
	}
}

// Run cycles until every job is DONE, ctx is cancelled or a cycle fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	log := ctxlogrus.Extract(ctx)
	log.Info("service started")
	for d.states.HasOutstandingWork() {
		worked, err := d.Cycle(ctx)
		if err != nil {
			return err
		}
		if !d.states.HasOutstandingWork() {
			break
		}
		backoff := d.idleBackoff
		if worked {
			backoff = d.busyBackoff
		}
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-d.clock.After(backoff):
		}
	}
	log.Info("all jobs done")
	return nil
}

// Cycle runs a single dispatch step and reports whether any job was processed.
func (d *Dispatcher) Cycle(ctx context.Context) (bool, error) {
	log := ctxlogrus.Extract(ctx)
	defer d.recordJobCounts()

	ready := d.states.ReadyJobs()
	if len(ready) == 0 {
		return false, nil
	}
	batch := make([]jobstate.Job, 0, len(ready))
	for _, job := range ready {
		if _, ok := d.slots.TryAcquire(job.Projection); ok {
			batch = append(batch, job)
		}
	}
	metrics.Get().RecordBoundSlots(d.slots.Bound())
	if len(batch) == 0 {
		log.Debugf("%d jobs ready but no merge slot is free", len(ready))
		return false, nil
	}

	for _, job := range batch {
		if err := d.transition(job, jobstate.Reading); err != nil {
			return true, err
		}
	}

	projections, jobsByProjection := groupByProjection(batch)
	for _, projection := range projections {
		if err := d.read(ctx, projection, jobsByProjection[projection]); err != nil {
			return true, err
		}
	}

	for _, job := range batch {
		if d.states.IsProjectionReadyToFinalize(job) {
			if err := d.transition(job, jobstate.Writing); err != nil {
				return true, err
			}
			if err := d.write(ctx, job); err != nil {
				return true, err
			}
		}
		if err := d.transition(job, jobstate.Done); err != nil {
			return true, err
		}
		if err := d.cleanup(job); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (d *Dispatcher) transition(job jobstate.Job, target jobstate.JobState) error {
	result := d.states.Transition(job, target)
	if !result.Ok() {
		return errors.WithStack(result.Err)
	}
	metrics.Get().RecordTransition(target.String())
	return nil
}

func (d *Dispatcher) read(ctx context.Context, projection int, jobs []jobstate.Job) error {
	slot, ok := d.slots.SlotOf(projection)
	if !ok {
		return errors.Errorf("projection %d has no merge slot", projection)
	}
	var inputs [][]string
	for i, job := range jobs {
		outputs, err := d.outputsOf(job)
		if err != nil {
			return err
		}
		if i == 0 {
			inputs = make([][]string, len(outputs.Images))
		} else if len(outputs.Images) != len(inputs) {
			return errors.Errorf(
				"job %s declares %d image outputs but job %s declares %d",
				job, len(outputs.Images), jobs[0], len(inputs))
		}
		for c, path := range outputs.Images {
			inputs[c] = append(inputs[c], path)
		}
	}
	ctxlogrus.Extract(ctx).Infof("reading %d jobs of projection %d into slot %d", len(jobs), projection, slot)
	start := d.clock.Now()
	if err := d.accumulator.MergeRead(slot, inputs); err != nil {
		return errors.WithMessagef(err, "failed to read outputs of projection %d", projection)
	}
	metrics.Get().RecordMergeTime(d.clock.Since(start))
	return nil
}

func (d *Dispatcher) write(ctx context.Context, job jobstate.Job) error {
	slot, ok := d.slots.SlotOf(job.Projection)
	if !ok {
		return errors.Errorf("projection %d has no merge slot", job.Projection)
	}
	outputs, err := d.outputsOf(job)
	if err != nil {
		return err
	}
	destinations := accumulator.MergedPaths(outputs.Images)
	ctxlogrus.Extract(ctx).Infof("writing projection %d from slot %d to %v", job.Projection, slot, destinations)
	start := d.clock.Now()
	if err := d.accumulator.FlushWrite(ctx, slot, destinations, accumulator.AuxTargetFor(outputs.Aux)); err != nil {
		return errors.WithMessagef(err, "failed to write projection %d", job.Projection)
	}
	metrics.Get().RecordFlushTime(d.clock.Since(start))
	d.slots.Release(job.Projection)
	metrics.Get().RecordBoundSlots(d.slots.Bound())
	return nil
}

func (d *Dispatcher) outputsOf(job jobstate.Job) (accumulator.Outputs, error) {
	if outputs, ok := d.outputs[job]; ok {
		return outputs, nil
	}
	assignment, ok := d.states.Assignment(job)
	if !ok {
		return accumulator.Outputs{}, errors.WithStack(&griderrors.ErrNotFound{Type: "assignment", Value: job.String()})
	}
	outputs, err := d.locator.Outputs(assignment.ConfigPath)
	if err != nil {
		return accumulator.Outputs{}, errors.WithMessagef(err, "failed to locate outputs of job %s", job)
	}
	d.outputs[job] = outputs
	return outputs, nil
}

func (d *Dispatcher) cleanup(job jobstate.Job) error {
	delete(d.outputs, job)
	if d.keepConfigs {
		return nil
	}
	assignment, ok := d.states.Assignment(job)
	if !ok || assignment.ConfigPath == "" {
		return nil
	}
	if err := os.Remove(assignment.ConfigPath); err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	return nil
}

func (d *Dispatcher) recordJobCounts() {
	counts := d.states.CountByState()
	named := make(map[string]int, len(counts))
	for state, n := range counts {
		named[state.String()] = n
	}
	metrics.Get().RecordJobCounts(named)
}

// groupByProjection groups jobs by projection, keeping projections in order of first appearance.
func groupByProjection(jobs []jobstate.Job) ([]int, map[int][]jobstate.Job) {
	var projections []int
	byProjection := make(map[int][]jobstate.Job)
	for _, job := range jobs {
		if _, ok := byProjection[job.Projection]; !ok {
			projections = append(projections, job.Projection)
		}
		byProjection[job.Projection] = append(byProjection[job.Projection], job)
	}
	return projections, byProjection
}
