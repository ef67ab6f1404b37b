package database

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/tkersh/orderworker/internal/errors"
)

// classify maps a driver error to the worker's error taxonomy. The split
// matters twice over: the circuit breaker trips only on unavailable errors,
// and the pipeline dead-letters only on permanent ones.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.Wrapf(err, apperrors.KindNotFound, "%s returned no rows", op)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrapf(err, apperrors.KindTimeout, "%s deadline exceeded", op)
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.Wrapf(err, apperrors.KindTransient, "%s canceled", op)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return apperrors.Wrapf(err, apperrors.KindConflict, "%s hit unique constraint %s", op, pgErr.ConstraintName)
		case pgErr.Code == "23503":
			return apperrors.Wrapf(err, apperrors.KindPermanent, "%s violated foreign key %s", op, pgErr.ConstraintName)
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return apperrors.Wrapf(err, apperrors.KindUnavailable, "%s lost its connection", op)
		case strings.HasPrefix(pgErr.Code, "57"): // operator intervention
			return apperrors.Wrapf(err, apperrors.KindUnavailable, "%s rejected by server", op)
		case strings.HasPrefix(pgErr.Code, "42"): // malformed statement is a bug
			return apperrors.Wrapf(err, apperrors.KindInternal, "%s statement invalid", op)
		default:
			return apperrors.Wrapf(err, apperrors.KindTransient, "%s failed", op)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperrors.Wrapf(err, apperrors.KindUnavailable, "%s transport failed", op)
	}
	if pgconn.SafeToRetry(err) {
		return apperrors.Wrapf(err, apperrors.KindUnavailable, "%s failed before send", op)
	}

	// Broken or closed connections surface as plain errors.
	return apperrors.Wrapf(err, apperrors.KindUnavailable, "%s failed", op)
}
