package task

import "fmt"

// State is the lifecycle position of a task.
type State int32

const (
	StateCreated State = iota
	StateEnqueued
	StateRunning
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateEnqueued:
		return "enqueued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == StateCompleted || s == StateCancelled }
