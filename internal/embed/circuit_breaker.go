package embed

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker rejects requests to let a
// failing embedding backend recover.
var ErrCircuitOpen = errors.New("embed: circuit breaker is open")

// breakerConfig holds the circuit breaker tuning.
type breakerConfig struct {
	// maxFailures is the number of consecutive failures that trip the circuit.
	maxFailures uint32

	// timeout is how long the circuit stays open before going half-open.
	timeout time.Duration

	// halfOpenMaxSuccesses is the number of successes in half-open state
	// needed to close the circuit again.
	halfOpenMaxSuccesses uint32
}

// circuitBreaker wraps gobreaker for the embedding HTTP clients so a dead
// model server fails fast instead of tying up every refresh worker.
type circuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
}

// newCircuitBreaker creates a breaker with the defaults used by all clients:
// 3 consecutive failures trip it, it stays open for 30 seconds, and 2
// half-open successes close it.
func newCircuitBreaker(name string) *circuitBreaker {
	cfg := breakerConfig{
		maxFailures:          3,
		timeout:              30 * time.Second,
		halfOpenMaxSuccesses: 2,
	}
	return &circuitBreaker{
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.halfOpenMaxSuccesses,
			Timeout:     cfg.timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.maxFailures
			},
		}),
	}
}

// execute runs fn through the breaker, honoring ctx cancellation before
// dispatch. An open circuit reports ErrCircuitOpen.
func (cb *circuitBreaker) execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	result, err := cb.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return result, err
}
