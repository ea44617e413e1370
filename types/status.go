package types

import "fmt"

// NodeState is the lifecycle phase of the local node.
type NodeState int

const (
	// StateStarting is set at construction.
	StateStarting NodeState = iota
	// StateRunning is set once the network and the sampler have started.
	StateRunning
	// StateShuttingDown is set on an explicit stop.
	StateShuttingDown
	// StateError is set on an unrecoverable failure. It is terminal.
	StateError
)

func (s NodeState) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("NodeState(%d)", int(s))
	}
}

// NodeStatus is the lifecycle status of the local node. Reason is only set for StateError.
type NodeStatus struct {
	State  NodeState `json:"state"`
	Reason string    `json:"reason,omitempty"`
}

// Starting returns the initial status.
func Starting() NodeStatus { return NodeStatus{State: StateStarting} }

// Running returns the running status.
func Running() NodeStatus { return NodeStatus{State: StateRunning} }

// ShuttingDown returns the shutting down status.
func ShuttingDown() NodeStatus { return NodeStatus{State: StateShuttingDown} }

// Failed returns an error status carrying reason.
func Failed(reason string) NodeStatus { return NodeStatus{State: StateError, Reason: reason} }

// CanTransition reports whether moving from s to next is allowed. Transitions only move
// forward; Error can be entered from any state and never left.
func (s NodeStatus) CanTransition(next NodeStatus) bool {
	if s.State == StateError {
		return false
	}

	if next.State == StateError {
		return true
	}

	return next.State > s.State
}

func (s NodeStatus) String() string {
	if s.State == StateError {
		return fmt.Sprintf("Error(%s)", s.Reason)
	}

	return s.State.String()
}
