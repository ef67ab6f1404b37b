package breaker

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tkersh/orderworker/internal/database"
	"github.com/tkersh/orderworker/pkg/observability"
)

// GuardedDB wraps a database querier with the breaker and records call
// durations. The store talks to this wrapper; the underlying pool is never
// handed out directly.
type GuardedDB struct {
	db      database.Querier
	breaker *Breaker
	metrics *observability.Metrics
}

// Guard wraps the querier.
func Guard(db database.Querier, b *Breaker, metrics *observability.Metrics) *GuardedDB {
	return &GuardedDB{db: db, breaker: b, metrics: metrics}
}

func (g *GuardedDB) observe(ctx context.Context, start time.Time) {
	g.metrics.DBCallDuration.Record(ctx, time.Since(start).Seconds())
}

// Execute implements database.Querier.
func (g *GuardedDB) Execute(ctx context.Context, sql string, args ...any) (int64, error) {
	defer g.observe(ctx, time.Now())
	var affected int64
	err := g.breaker.Execute(func() error {
		var err error
		affected, err = g.db.Execute(ctx, sql, args...)
		return err
	})
	return affected, err
}

// QueryOne implements database.Querier.
func (g *GuardedDB) QueryOne(ctx context.Context, sql string, args []any, dest ...any) error {
	defer g.observe(ctx, time.Now())
	return g.breaker.Execute(func() error {
		return g.db.QueryOne(ctx, sql, args, dest...)
	})
}

// Transact implements database.Querier.
func (g *GuardedDB) Transact(ctx context.Context, fn func(pgx.Tx) error) error {
	defer g.observe(ctx, time.Now())
	return g.breaker.Execute(func() error {
		return g.db.Transact(ctx, fn)
	})
}

var _ database.Querier = (*GuardedDB)(nil)
