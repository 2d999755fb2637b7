package session

import "fmt"

// State is the pipeline stage a session is in.
type State int

const (
	Idle State = iota
	Fitting
	Fitted
	Predicting
	Explaining
	Composed
)

var stateNames = [...]string{"idle", "fitting", "fitted", "predicting", "explaining", "composed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TransitionFunc observes state changes.
type TransitionFunc func(from, to State)
