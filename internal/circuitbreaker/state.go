package circuitbreaker

// State of a breaker. It renders as text in JSON so operators see
// "open" rather than 1.
type State int

const (
	// StateClosed: calls pass through and failures are counted.
	StateClosed State = iota
	// StateOpen: calls are rejected with ErrCircuitOpen until the timeout.
	StateOpen
	// StateHalfOpen: a probe call decides between closing and reopening.
	StateHalfOpen
)

var stateNames = map[State]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
