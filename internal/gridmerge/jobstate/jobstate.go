package jobstate

import "fmt"

// JobState is the lifecycle position of a single job. States are ordered.
type JobState int32

const (
	// Waiting for the worker to report completion.
	Sleeping JobState = iota
	// Worker has finished; outputs are on disk waiting to be merged.
	Ready
	// Outputs are being merged into the accumulator.
	Reading
	// This job was the last of its projection and the merged result is being written.
	Writing
	Done
)

var stateNames = map[JobState]string{
	Sleeping: "SLEEPING",
	Ready:    "READY",
	Reading:  "READING",
	Writing:  "WRITING",
	Done:     "DONE",
}

func (s JobState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("JobState(%d)", int32(s))
}

// AllStates lists every state in lifecycle order.
var AllStates = []JobState{Sleeping, Ready, Reading, Writing, Done}

// Job identifies one cell of the subSim x projection grid. Both coordinates are zero-based.
type Job struct {
	SubSim     int
	Projection int
}

func (j Job) String() string {
	return fmt.Sprintf("(%d,%d)", j.SubSim, j.Projection)
}

type TransitionKind int

const (
	Violation TransitionKind = iota
	// One step forward in the lifecycle.
	Advanced
	// READY or READING straight to DONE, taken by every job that does not write the merged result.
	Shortcut
)

func (k TransitionKind) String() string {
	switch k {
	case Advanced:
		return "Advanced"
	case Shortcut:
		return "Shortcut"
	default:
		return "Violation"
	}
}

// Allowed classifies the move from one state to another.
func Allowed(from, to JobState) TransitionKind {
	if from < Sleeping || from > Done || to < Sleeping || to > Done {
		return Violation
	}
	if to-from == 1 {
		return Advanced
	}
	if to == Done && (from == Reading || from == Ready) {
		return Shortcut
	}
	return Violation
}

// TransitionResult describes the outcome of StateTable.Transition.
// Err is set if and only if Kind is Violation.
type TransitionResult struct {
	Job  Job
	Kind TransitionKind
	From JobState
	To   JobState
	Err  error
}

func (r TransitionResult) Ok() bool {
	return r.Kind != Violation
}

// Assignment is the static metadata attached to a job before it starts.
type Assignment struct {
	Worker     int
	ConfigPath string
}
