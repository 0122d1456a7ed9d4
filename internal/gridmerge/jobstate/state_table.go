package jobstate

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
	"github.com/G-Research/gridmerge/internal/gridmerge/journal"
)

// StateTable holds the state of every job in a dense nSubSims x nProjs grid.
//
// All methods are safe for concurrent use. Every committed transition is handed to the journal
// while the table lock is held, so the journal order is the commit order. The journal should
// not do I/O in Record; see journal.Async.
type StateTable struct {
	nSubSims int
	nProjs   int
	// Indexed by projection*nSubSims + subSim, so iteration order is projection-major.
	states      []JobState
	assignments []Assignment
	assigned    []bool
	// Number of jobs not yet DONE, per projection.
	remaining []int
	// Number of jobs in SLEEPING.
	sleeping int
	// Number of jobs not in DONE.
	outstanding int
	// Number of jobs in READING or WRITING.
	busy    int
	journal journal.Journal
	clock   clock.PassiveClock
	mu      sync.Mutex
}

func NewStateTable(nSubSims int, nProjs int, j journal.Journal) (*StateTable, error) {
	if nSubSims < 1 {
		return nil, &griderrors.ErrInvalidArgument{Name: "nSubSims", Value: nSubSims, Message: "must be at least 1"}
	}
	if nProjs < 1 {
		return nil, &griderrors.ErrInvalidArgument{Name: "nProjs", Value: nProjs, Message: "must be at least 1"}
	}
	if j == nil {
		j = journal.Nop{}
	}
	n := nSubSims * nProjs
	remaining := make([]int, nProjs)
	for p := range remaining {
		remaining[p] = nSubSims
	}
	return &StateTable{
		nSubSims:    nSubSims,
		nProjs:      nProjs,
		states:      make([]JobState, n),
		assignments: make([]Assignment, n),
		assigned:    make([]bool, n),
		remaining:   remaining,
		sleeping:    n,
		outstanding: n,
		journal:     j,
		clock:       clock.RealClock{},
	}, nil
}

func (t *StateTable) Dims() (nSubSims int, nProjs int) {
	return t.nSubSims, t.nProjs
}

func (t *StateTable) Contains(job Job) bool {
	return job.SubSim >= 0 && job.SubSim < t.nSubSims && job.Projection >= 0 && job.Projection < t.nProjs
}

func (t *StateTable) index(job Job) int {
	return job.Projection*t.nSubSims + job.SubSim
}

func (t *StateTable) jobAt(i int) Job {
	return Job{SubSim: i % t.nSubSims, Projection: i / t.nSubSims}
}

// Assign attaches the worker and config path to a job. It must happen once, before the job's first transition.
func (t *StateTable) Assign(job Job, worker int, configPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Contains(job) {
		return &griderrors.ErrInvalidArgument{Name: "job", Value: job, Message: "outside of the grid"}
	}
	i := t.index(job)
	if t.assigned[i] {
		return &griderrors.ErrInvalidArgument{Name: "job", Value: job, Message: "already assigned"}
	}
	if t.states[i] != Sleeping {
		return &griderrors.ErrInvalidArgument{Name: "job", Value: job, Message: "already started"}
	}
	t.assignments[i] = Assignment{Worker: worker, ConfigPath: configPath}
	t.assigned[i] = true
	return nil
}

// Transition moves a job to target if the lifecycle allows it.
// On violation the table is left untouched and the result carries an *griderrors.ErrInvalidTransition.
func (t *StateTable) Transition(job Job, target JobState) TransitionResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Contains(job) {
		return TransitionResult{
			Job:  job,
			Kind: Violation,
			To:   target,
			Err:  &griderrors.ErrInvalidArgument{Name: "job", Value: job, Message: "outside of the grid"},
		}
	}
	i := t.index(job)
	current := t.states[i]
	kind := Allowed(current, target)
	if kind == Violation {
		return TransitionResult{
			Job:  job,
			Kind: Violation,
			From: current,
			To:   target,
			Err: &griderrors.ErrInvalidTransition{
				SubSim:     job.SubSim,
				Projection: job.Projection,
				From:       current.String(),
				To:         target.String(),
			},
		}
	}

	t.states[i] = target
	if current == Sleeping {
		t.sleeping--
	}
	if isBusy(current) {
		t.busy--
	}
	if isBusy(target) {
		t.busy++
	}
	if target == Done {
		t.outstanding--
		t.remaining[job.Projection]--
	}

	err := t.journal.Record(journal.Entry{
		Time:       t.clock.Now(),
		SubSim:     job.SubSim,
		Projection: job.Projection,
		From:       current.String(),
		To:         target.String(),
	})
	if err != nil {
		log.WithError(err).Warnf("failed to journal transition of job %s", job)
	}
	return TransitionResult{Job: job, Kind: kind, From: current, To: target}
}

func isBusy(s JobState) bool {
	return s == Reading || s == Writing
}

// ReadyJobs returns the jobs currently in READY, ordered by projection then subSim.
func (t *StateTable) ReadyJobs() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	var jobs []Job
	for i, s := range t.states {
		if s == Ready {
			jobs = append(jobs, t.jobAt(i))
		}
	}
	return jobs
}

// HasPendingSignals returns true while at least one job is still SLEEPING.
func (t *StateTable) HasPendingSignals() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sleeping > 0
}

// HasOutstandingWork returns true while at least one job is not DONE.
func (t *StateTable) HasOutstandingWork() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding > 0
}

// IsWorkerBusy returns true if any job is READING or WRITING.
func (t *StateTable) IsWorkerBusy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy > 0
}

// IsProjectionReadyToFinalize returns true iff job is the only job of its projection that is not DONE
// and it has at least reached READING. At most one job per projection satisfies this at any time.
func (t *StateTable) IsProjectionReadyToFinalize(job Job) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Contains(job) {
		return false
	}
	s := t.states[t.index(job)]
	return t.remaining[job.Projection] == 1 && s >= Reading && s != Done
}

func (t *StateTable) State(job Job) (JobState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Contains(job) {
		return Sleeping, false
	}
	return t.states[t.index(job)], true
}

func (t *StateTable) Assignment(job Job) (Assignment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Contains(job) {
		return Assignment{}, false
	}
	i := t.index(job)
	return t.assignments[i], t.assigned[i]
}

// Snapshot returns a copy of the grid indexed by [projection][subSim].
func (t *StateTable) Snapshot() [][]JobState {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([][]JobState, t.nProjs)
	for p := range result {
		row := make([]JobState, t.nSubSims)
		copy(row, t.states[p*t.nSubSims:(p+1)*t.nSubSims])
		result[p] = row
	}
	return result
}

func (t *StateTable) CountByState() map[JobState]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[JobState]int, len(AllStates))
	for _, s := range AllStates {
		counts[s] = 0
	}
	for _, s := range t.states {
		counts[s]++
	}
	return counts
}
