package sessions

import "testing"

func TestTransitionTable(t *testing.T) {
	all := []SessionState{StateUnopened, StateNegotiating, StateReady, StateClosed}
	legal := map[[2]SessionState]bool{
		{StateUnopened, StateNegotiating}: true,
		{StateUnopened, StateClosed}:      true,
		{StateNegotiating, StateReady}:    true,
		{StateNegotiating, StateClosed}:   true,
		{StateReady, StateClosed}:         true,
	}

	for _, from := range all {
		for _, next := range all {
			want := legal[[2]SessionState{from, next}]
			if got := CanTransition(from, next); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, next, got, want)
			}
		}
	}
}

func TestClosedIsTerminal(t *testing.T) {
	for _, next := range []SessionState{StateUnopened, StateNegotiating, StateReady, StateClosed} {
		if CanTransition(StateClosed, next) {
			t.Errorf("closed sessions must not transition to %s", next)
		}
	}
}

func TestTransitionErrorMessage(t *testing.T) {
	err := &TransitionError{From: StateReady, To: StateNegotiating}
	if err.Error() != "illegal session transition ready -> negotiating" {
		t.Fatalf("message = %q", err.Error())
	}
}
