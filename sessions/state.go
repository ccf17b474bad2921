package sessions

import "fmt"

// SessionState tracks the lifecycle of a negotiated connection.
type SessionState string

const (
	// StateUnopened: no initialize request has been sent yet.
	StateUnopened SessionState = "unopened"
	// StateNegotiating: initialize is in flight; no other requests accepted.
	StateNegotiating SessionState = "negotiating"
	// StateReady: version agreed; arbitrary interleaved requests accepted.
	StateReady SessionState = "ready"
	// StateClosed: terminal. Entered on explicit termination or transport loss.
	StateClosed SessionState = "closed"
)

// validTransitions encodes the one-way lifecycle. Closed is reachable from
// every state so transport loss can always terminate; nothing leaves Closed.
var validTransitions = map[SessionState][]SessionState{
	StateUnopened:    {StateNegotiating, StateClosed},
	StateNegotiating: {StateReady, StateClosed},
	StateReady:       {StateClosed},
	StateClosed:      {},
}

// CanTransition reports whether moving from to next is legal.
func CanTransition(from, next SessionState) bool {
	for _, s := range validTransitions[from] {
		if s == next {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal state transition attempt.
type TransitionError struct {
	From SessionState
	To   SessionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal session transition %s -> %s", e.From, e.To)
}
