package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle        State = "idle"
	StateClearing    State = "clearing"
	StateIngesting   State = "ingesting"
	StateAggregating State = "aggregating"
	StateCleanup     State = "cleanup"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Idle goes straight to Done when an import finds no source file, and
// straight to Aggregating for an optimize run.
var validTransitions = map[State][]State{
	StateIdle:        {StateClearing, StateAggregating, StateDone},
	StateClearing:    {StateIngesting, StateFailed},
	StateIngesting:   {StateAggregating, StateDone, StateFailed},
	StateAggregating: {StateCleanup, StateDone, StateFailed},
	StateCleanup:     {StateDone, StateFailed},
}

func (s State) CanTransition(to State) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

const (
	OpImport   = "import"
	OpOptimize = "optimize"
)

type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Run records one import or optimize execution.
type Run struct {
	ID         uuid.UUID     `json:"id"`
	Operation  string        `json:"operation"`
	State      State         `json:"state"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Error      string        `json:"error,omitempty"`
	Ingest     *IngestResult `json:"ingest,omitempty"`
	History    []Transition  `json:"history"`
}

func newRun(op string, now time.Time) *Run {
	return &Run{
		ID:        uuid.New(),
		Operation: op,
		State:     StateIdle,
		StartedAt: now,
		History:   []Transition{},
	}
}

func (r *Run) advance(to State, now time.Time) error {
	if !r.State.CanTransition(to) {
		return fmt.Errorf("invalid run transition %s -> %s", r.State, to)
	}
	r.History = append(r.History, Transition{From: r.State, To: to, At: now})
	r.State = to
	if to.Terminal() {
		r.FinishedAt = &now
	}
	return nil
}

func (r *Run) clone() *Run {
	c := *r
	c.History = append([]Transition{}, r.History...)
	if r.Ingest != nil {
		ing := *r.Ingest
		c.Ingest = &ing
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
