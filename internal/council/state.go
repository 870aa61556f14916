package council

import "storyguard/internal/errs"

// State tracks where a role is in its review lifecycle.
type State string

const (
	StateCreated     State = "created"
	StateRunning     State = "running"
	StateWaitingTool State = "waiting_tool"
	StateReplying    State = "replying"
	StateFinalized   State = "finalized"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether no further transition is legal.
func (s State) Terminal() bool {
	switch s {
	case StateFinalized, StateFailed, StateCancelled:
		return true
	}
	return false
}

// transitions is the legal edge set. replying → running covers a role
// moving to its next diff chunk after finalizing the previous one.
var transitions = map[State][]State{
	StateCreated:     {StateRunning, StateFailed, StateCancelled},
	StateRunning:     {StateWaitingTool, StateReplying, StateFailed, StateCancelled},
	StateWaitingTool: {StateRunning, StateFailed, StateCancelled},
	StateReplying:    {StateRunning, StateFinalized, StateFailed, StateCancelled},
}

// transition validates and applies a state change. An illegal edge is
// a scheduler bug, not a runtime condition.
func transition(cur State, next State) State {
	for _, allowed := range transitions[cur] {
		if allowed == next {
			return next
		}
	}
	errs.Invariant("illegal role transition %s -> %s", cur, next)
	return next
}
