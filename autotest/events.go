package autotest

import (
	"fmt"
	"time"

	"github.com/omegaup/autotest/common"
)

// A Lane is an independent queue and execution slot pair.
type Lane int

const (
	// LaneStandard runs jobs created by pushes.
	LaneStandard Lane = iota
	// LaneExpress runs jobs that somebody is actively waiting for.
	LaneExpress
	// LaneRegression runs jobs that re-grade previous submissions.
	LaneRegression

	laneCount
)

// Lanes is the list of all lanes, in the order they are serviced.
var Lanes = []Lane{LaneStandard, LaneExpress, LaneRegression}

func (l Lane) String() string {
	switch l {
	case LaneStandard:
		return "standard"
	case LaneExpress:
		return "express"
	case LaneRegression:
		return "regression"
	}
	return fmt.Sprintf("lane(%d)", int(l))
}

// MarshalText implements encoding.TextMarshaler.
func (l Lane) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// EventType is the kind of scheduler Event.
type EventType string

const (
	// EventEnqueued is emitted when a job is added to a lane's queue.
	EventEnqueued EventType = "enqueued"
	// EventPromoted is emitted when a job is moved to the express queue.
	EventPromoted EventType = "promoted"
	// EventStarted is emitted when a job occupies an execution slot.
	EventStarted EventType = "started"
	// EventCompleted is emitted once a job's record has been persisted and
	// its slot has been released.
	EventCompleted EventType = "completed"
	// EventDropped is emitted when a malformed record is discarded.
	EventDropped EventType = "dropped"
)

// An Event describes a change in the state of a scheduler.
type Event struct {
	Type      EventType             `json:"type"`
	CourseID  string                `json:"courseId"`
	Lane      Lane                  `json:"lane"`
	From      *Lane                 `json:"from,omitempty"`
	Job       *common.JobInput      `json:"job,omitempty"`
	State     common.ExecutionState `json:"state,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// An EventListener is notified of every scheduler Event. It is called
// synchronously, so it must not block nor call back into the scheduler.
type EventListener func(event *Event)

// SchedulingError is a failure in the scheduler's own bookkeeping. It is only
// ever logged.
type SchedulingError struct {
	Op  string
	Err error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("scheduling %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *SchedulingError) Unwrap() error {
	return e.Err
}
