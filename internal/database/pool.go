// Package database owns the connection pool to the relational store and the
// order/user/product data access on top of it. The pool is rebuildable in
// place on credential rotation: new acquires use the new credential while
// checked-out connections drain on the old pool.
package database

import (
	"context"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tkersh/orderworker/internal/config"
	apperrors "github.com/tkersh/orderworker/internal/errors"
	"github.com/tkersh/orderworker/pkg/observability"
	"github.com/tkersh/orderworker/pkg/secrets"
)

// Querier is the database contract the store and the circuit breaker guard
// are written against.
type Querier interface {
	// Execute runs a statement and reports the number of affected rows.
	Execute(ctx context.Context, sql string, args ...any) (int64, error)
	// QueryOne runs a query expected to return a single row and scans it
	// into dest. A missing row is reported as a not_found error.
	QueryOne(ctx context.Context, sql string, args []any, dest ...any) error
	// Transact runs fn inside a single transaction; fn failing rolls the
	// transaction back.
	Transact(ctx context.Context, fn func(pgx.Tx) error) error
}

// Pool wraps a pgx pool behind an atomic pointer so Rebuild can swap the
// connection factory without interrupting requests in flight.
type Pool struct {
	cfg config.DatabaseConfig
	log *zap.Logger

	current atomic.Pointer[pgxpool.Pool]
	queued  atomic.Int64
}

// Connect builds the pool from the fetched credential and verifies
// connectivity.
func Connect(ctx context.Context, cfg config.DatabaseConfig, cred secrets.Credential, log *zap.Logger) (*Pool, error) {
	p := &Pool{cfg: cfg, log: log}
	pool, err := p.build(ctx, cred)
	if err != nil {
		return nil, err
	}
	p.current.Store(pool)
	log.Info("database pool connected",
		zap.String("host", cred.Host),
		zap.String("database", cred.Database),
		zap.String("credential", cred.Fingerprint()),
		zap.Int("max_conns", cfg.MaxConns))
	return p, nil
}

func (p *Pool) build(ctx context.Context, cred secrets.Credential) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cred.ConnString())
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "invalid database configuration")
	}
	poolCfg.MinConns = int32(p.cfg.MinConns)
	poolCfg.MaxConns = int32(p.cfg.MaxConns)
	poolCfg.MaxConnIdleTime = p.cfg.IdleTimeout.Std()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUnavailable, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(err, apperrors.KindUnavailable, "database unreachable")
	}
	return pool, nil
}

// Rebuild swaps in a pool built from the new credential. The old pool is
// closed asynchronously: Close waits for checked-out connections to be
// released, so no request in flight is aborted. On failure the current
// pool stays in place.
func (p *Pool) Rebuild(ctx context.Context, cred secrets.Credential) error {
	newPool, err := p.build(ctx, cred)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindUnavailable, "pool rebuild failed")
	}
	old := p.current.Swap(newPool)
	if old != nil {
		go old.Close()
	}
	p.log.Info("database pool rebuilt",
		zap.String("host", cred.Host),
		zap.String("credential", cred.Fingerprint()))
	return nil
}

// Close shuts the current pool down, waiting for checked-out connections.
func (p *Pool) Close() {
	if pool := p.current.Load(); pool != nil {
		pool.Close()
	}
}

// Stat snapshots the pool gauges.
func (p *Pool) Stat() observability.PoolStats {
	pool := p.current.Load()
	if pool == nil {
		return observability.PoolStats{}
	}
	s := pool.Stat()
	return observability.PoolStats{
		Active: int64(s.AcquiredConns()),
		Idle:   int64(s.IdleConns()),
		Queued: p.queued.Load(),
	}
}

// acquire checks a connection out of the current pool under the configured
// acquire timeout. Failures are unavailable errors so the circuit breaker
// classifies them as trips, distinct from query failures.
func (p *Pool) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	pool := p.current.Load()
	if pool == nil {
		return nil, apperrors.New(apperrors.KindUnavailable, "pool is closed")
	}

	acquireCtx := ctx
	var cancel context.CancelFunc
	if timeout := p.cfg.AcquireTimeout.Std(); timeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	p.queued.Add(1)
	conn, err := pool.Acquire(acquireCtx)
	p.queued.Add(-1)
	if err != nil {
		if acquireCtx.Err() != nil && ctx.Err() == nil {
			return nil, apperrors.Wrap(err, apperrors.KindUnavailable, "connection acquire timed out")
		}
		return nil, apperrors.Wrap(err, apperrors.KindUnavailable, "failed to acquire connection")
	}
	return conn, nil
}

// Execute implements Querier.
func (p *Pool) Execute(ctx context.Context, sql string, args ...any) (int64, error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, classify(err, "execute")
	}
	return tag.RowsAffected(), nil
}

// QueryOne implements Querier.
func (p *Pool) QueryOne(ctx context.Context, sql string, args []any, dest ...any) error {
	conn, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if err := conn.QueryRow(ctx, sql, args...).Scan(dest...); err != nil {
		return classify(err, "query")
	}
	return nil
}

// Transact implements Querier.
func (p *Pool) Transact(ctx context.Context, fn func(pgx.Tx) error) error {
	conn, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return classify(err, "begin")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			p.log.Warn("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err, "commit")
	}
	return nil
}

var _ Querier = (*Pool)(nil)
