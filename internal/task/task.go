// Package task holds the task records and the status state machine for
// agent tasks and service tasks.
package task

import (
	"encoding/json"
	"errors"
	"time"
)

// Status of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validNext is the status state machine. Terminal states have no successors.
var validNext = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	// ErrNotFound is returned when no task matches the id.
	ErrNotFound = errors.New("task: not found")
	// ErrTerminal is returned when a transition is attempted on a task that
	// already reached a terminal status.
	ErrTerminal = errors.New("task: already in terminal status")
	// ErrInvalidTransition is returned for transitions the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("task: invalid status transition")
)

// OwnerKind identifies who initiated a task and receives its notifications.
type OwnerKind string

const (
	OwnerClient OwnerKind = "client"
	OwnerAgent  OwnerKind = "agent"
)

// AgentTask is a unit of work dispatched to an agent.
type AgentTask struct {
	TaskID        string
	AgentID       string
	OwnerKind     OwnerKind
	OwnerID       string
	OriginID      string // id of the message that created the task; replies to the owner reference it
	TaskType      string
	Input         json.RawMessage
	Status        Status
	Result        json.RawMessage
	Error         string
	StatusDetails json.RawMessage
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	CompletedAt   *time.Time
}

// ServiceTask is a function-shaped unit of work dispatched to a service.
// Its owner is always an agent.
type ServiceTask struct {
	TaskID        string
	ServiceID     string
	OwnerID       string // owning agent id
	OriginID      string
	FunctionName  string
	Params        json.RawMessage
	Status        Status
	Result        json.RawMessage
	Error         string
	StatusDetails json.RawMessage
	Sync          bool // terminal result delivered through the correlator, not the notifier
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	CompletedAt   *time.Time
}

// Update carries the details merged into a task on a status transition. The
// destination field depends on the new status: Result for completed, Error
// for failed/cancelled, Details otherwise.
type Update struct {
	Result  json.RawMessage
	Error   string
	Details json.RawMessage
}
