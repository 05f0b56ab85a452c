package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit is open and the call was not attempted.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreaker stops hammering a failing dependency. The admission engine
// wraps its shared store with one so an outage turns into fast fail-open
// decisions instead of a timeout per request.
type CircuitBreaker struct {
	mu              sync.RWMutex
	state           State
	failureCount    int
	successCount    int
	rejectedCount   int64
	lastFailureTime time.Time
	lastStateChange time.Time
	lastError       string

	maxFailures     int
	timeout         time.Duration
	halfOpenSuccess int
	isFailure       func(error) bool
	onStateChange   func(from, to State)
	now             func() time.Time
}

type Config struct {
	MaxFailures     int           // Default: 5
	Timeout         time.Duration // Default: 30 seconds
	HalfOpenSuccess int           // Default: 1
	// IsFailure decides which errors count against the circuit. Defaults to any non-nil error.
	IsFailure func(error) bool
	// OnStateChange is called with the lock held released, after a transition.
	OnStateChange func(from, to State)
	Now           func() time.Time
}

func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccess <= 0 {
		cfg.HalfOpenSuccess = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		state:           StateClosed,
		maxFailures:     cfg.MaxFailures,
		timeout:         cfg.Timeout,
		halfOpenSuccess: cfg.HalfOpenSuccess,
		isFailure:       cfg.IsFailure,
		onStateChange:   cfg.OnStateChange,
		now:             cfg.Now,
		lastStateChange: cfg.Now(),
	}
}

// Call runs fn unless the circuit is open. fn's error is returned unchanged.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if transition, ok := cb.before(); !ok {
		return ErrCircuitOpen
	} else {
		cb.notify(transition)
	}

	err := fn()

	cb.notify(cb.after(err))
	return err
}

type transition struct {
	from, to State
	changed  bool
}

func (cb *CircuitBreaker) before() (transition, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return transition{}, true
	}
	if cb.now().Sub(cb.lastFailureTime) <= cb.timeout {
		cb.rejectedCount++
		return transition{}, false
	}

	t := cb.setState(StateHalfOpen)
	cb.successCount = 0
	return t, true
}

func (cb *CircuitBreaker) after(err error) transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.isFailure(err) {
		return cb.onFailure(err)
	}
	return cb.onSuccess()
}

func (cb *CircuitBreaker) onFailure(err error) transition {
	cb.failureCount++
	cb.lastFailureTime = cb.now()
	cb.lastError = err.Error()

	switch {
	case cb.state == StateHalfOpen:
		cb.successCount = 0
		return cb.setState(StateOpen)
	case cb.failureCount >= cb.maxFailures:
		return cb.setState(StateOpen)
	}
	return transition{}
}

func (cb *CircuitBreaker) onSuccess() transition {
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenSuccess {
			cb.failureCount = 0
			return cb.setState(StateClosed)
		}
	case StateClosed:
		cb.failureCount = 0
	}
	return transition{}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(next State) transition {
	if cb.state == next {
		return transition{}
	}
	t := transition{from: cb.state, to: next, changed: true}
	cb.state = next
	cb.lastStateChange = cb.now()
	return t
}

func (cb *CircuitBreaker) notify(t transition) {
	if t.changed && cb.onStateChange != nil {
		cb.onStateChange(t.from, t.to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset closes the circuit. Operators use it after fixing the store.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.setState(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastError = ""
	cb.mu.Unlock()

	cb.notify(t)
}

func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Metrics{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		RejectedCount:   cb.rejectedCount,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
		LastError:       cb.lastError,
	}
}

type Metrics struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	RejectedCount   int64     `json:"rejected_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastStateChange time.Time `json:"last_state_change"`
	LastError       string    `json:"last_error,omitempty"`
}
