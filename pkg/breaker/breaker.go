// Package breaker guards database access behind a circuit breaker. The
// breaker wraps the pool by composition; the pool has no knowledge of it.
package breaker

import (
	"errors"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tkersh/orderworker/internal/config"
	apperrors "github.com/tkersh/orderworker/internal/errors"
)

// Gauge values exported for the breaker state.
const (
	StateClosed   int64 = 0
	StateHalfOpen int64 = 1
	StateOpen     int64 = 2
)

// Breaker is a finite-state machine over the guarded database operation
// family. It trips after a configurable run of consecutive unavailable
// errors, cools down for the configured interval, and admits a single
// probe in half-open.
type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	log *zap.Logger
}

// New builds the breaker from configuration.
func New(cfg config.BreakerConfig, log *zap.Logger) *Breaker {
	b := &Breaker{log: log}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "db",
		MaxRequests: 1, // single probe in half-open
		Timeout:     cfg.Cooldown.Std(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return b
}

// countsAsFailure decides what trips the breaker: transport and
// availability failures only. Business errors — a missing row, a duplicate
// key — mean the database answered, so they reset the failure run.
func countsAsFailure(err error) bool {
	return apperrors.IsKind(err, apperrors.KindUnavailable)
}

// Execute runs op under the breaker. While open, calls fail fast with a
// circuit_open error and the database is never touched; the same error is
// returned to callers beyond the single admitted half-open probe.
func (b *Breaker) Execute(op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.Wrap(err, apperrors.KindCircuitOpen, "database circuit is open")
	}
	return err
}

// State reports the numeric gauge value for the current state.
func (b *Breaker) State() int64 {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
