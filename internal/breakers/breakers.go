package breakers

import (
	"time"

	cb "github.com/sony/gobreaker"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = cb.ErrOpenState

// Breaker wraps a gobreaker circuit breaker.
type Breaker struct{ cb *cb.CircuitBreaker }

// New returns a breaker that trips after three consecutive failures and
// probes again after timeout. A zero timeout uses one minute.
func New(name string, timeout time.Duration) *Breaker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = timeout
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Execute runs fn unless the breaker is open, in which case it returns
// ErrOpen without calling fn.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) { return b.cb.Execute(fn) }

// State reports "closed", "half-open" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }
