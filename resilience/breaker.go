package resilience

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"go.catga.dev/metrics"
	"go.catga.dev/result"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Name labels the breaker in logs and metrics
	Name string

	// ConsecutiveFailures opens the breaker after this many failures
	ConsecutiveFailures uint32

	// Cooldown is how long the breaker stays open before a trial
	Cooldown time.Duration

	// Window resets the failure count when no failure occurred within it
	Window time.Duration
}

// DefaultBreakerConfig returns 5 consecutive failures, 30s cooldown.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		ConsecutiveFailures: 5,
		Cooldown:            30 * time.Second,
		Window:              60 * time.Second,
	}
}

// Breaker guards an operation with circuit-breaker semantics:
// Closed -> Open after N consecutive failures, Open -> HalfOpen after
// the cooldown, and a single trial in HalfOpen decides the next state.
// Concurrent trials lose the race and fail fast with CIRCUIT_OPEN.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // single trial in half-open
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("Circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	}
	return &Breaker{name: cfg.Name, cb: gobreaker.NewCircuitBreaker(settings)}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// State returns the current breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// errFailure converts a failed result into an error so the breaker
// counts it; successful results pass through untouched.
type errFailure struct{ err *result.Error }

func (e errFailure) Error() string { return e.err.Error() }

// ExecuteBreaker runs op through the breaker. A rejected call (open
// circuit or lost trial race) fails fast with Unavailable/CIRCUIT_OPEN.
func ExecuteBreaker[T any](b *Breaker, op func() result.Result[T]) result.Result[T] {
	out, err := b.cb.Execute(func() (interface{}, error) {
		r := op()
		if !r.IsSuccess() {
			return r, errFailure{err: r.Err()}
		}
		return r, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return result.FailWith[T](result.NewError(result.KindUnavailable, "CIRCUIT_OPEN",
				"circuit breaker "+b.name+" is open"))
		}
		var ef errFailure
		if errors.As(err, &ef) {
			return result.FailWith[T](ef.err)
		}
		return result.FromError[T](err)
	}

	r, ok := out.(result.Result[T])
	if !ok {
		return result.Fail[T](result.KindInternal, "unexpected breaker result type")
	}
	return r
}
