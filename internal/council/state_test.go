package council

import "testing"

func TestTransitionLegalPath(t *testing.T) {
	path := []State{StateRunning, StateWaitingTool, StateRunning, StateReplying, StateRunning, StateReplying, StateFinalized}
	cur := StateCreated
	for _, next := range path {
		cur = transition(cur, next)
	}
	if cur != StateFinalized {
		t.Fatalf("state = %s, want finalized", cur)
	}
}

func TestTransitionCancelAnywhere(t *testing.T) {
	for _, from := range []State{StateCreated, StateRunning, StateWaitingTool, StateReplying} {
		if got := transition(from, StateCancelled); got != StateCancelled {
			t.Fatalf("%s -> cancelled: got %s", from, got)
		}
		if got := transition(from, StateFailed); got != StateFailed {
			t.Fatalf("%s -> failed: got %s", from, got)
		}
	}
}

func TestTransitionIllegalEdgePanics(t *testing.T) {
	cases := []struct{ from, to State }{
		{StateCreated, StateFinalized},
		{StateRunning, StateFinalized},
		{StateFinalized, StateRunning},
		{StateCancelled, StateRunning},
		{StateWaitingTool, StateReplying},
	}
	for _, tc := range cases {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("transition(%s, %s) did not panic", tc.from, tc.to)
				}
			}()
			transition(tc.from, tc.to)
		}()
	}
}

func TestTerminal(t *testing.T) {
	for state, want := range map[State]bool{
		StateCreated:     false,
		StateRunning:     false,
		StateWaitingTool: false,
		StateReplying:    false,
		StateFinalized:   true,
		StateFailed:      true,
		StateCancelled:   true,
	} {
		if state.Terminal() != want {
			t.Fatalf("%s.Terminal() = %v, want %v", state, !want, want)
		}
	}
}
