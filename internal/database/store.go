package database

import (
	"context"

	"github.com/shopspring/decimal"

	apperrors "github.com/tkersh/orderworker/internal/errors"
)

// OrderStatus is the persisted order state. Transitions only move forward:
// pending -> processing -> complete, or any state -> rejected.
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusProcessing OrderStatus = "processing"
	StatusComplete   OrderStatus = "complete"
	StatusRejected   OrderStatus = "rejected"
)

// User is the read-only projection the worker needs to verify existence.
type User struct {
	ID       uint64
	Username string
}

// DisplayName derives the human-facing name from the username.
func (u User) DisplayName() string {
	if u.Username == "" {
		return "unknown"
	}
	return u.Username
}

// Product is the read-only catalog projection used for price computation.
type Product struct {
	ID        uint64
	Name      string
	SKU       string
	UnitPrice decimal.Decimal
}

// NewOrder carries the fields of an order row about to be inserted. The
// total price is always computed server-side from the catalog price.
type NewOrder struct {
	UserID     uint64
	ProductID  uint64
	Quantity   uint32
	TotalPrice decimal.Decimal
	DedupKey   string
}

// InsertResult reports the outcome of an order insert.
type InsertResult struct {
	ID        int64
	Duplicate bool
}

// Store provides the order-domain data access. It is written against the
// Querier contract so callers can hand it the raw pool or the
// breaker-guarded wrapper.
type Store struct {
	db Querier
}

// NewStore builds a store over the given querier.
func NewStore(db Querier) *Store {
	return &Store{db: db}
}

// GetUser verifies a user exists and returns its projection.
func (s *Store) GetUser(ctx context.Context, id uint64) (User, error) {
	var u User
	err := s.db.QueryOne(ctx,
		`SELECT id, username FROM users WHERE id = $1`,
		[]any{id}, &u.ID, &u.Username)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			return User{}, apperrors.Newf(apperrors.KindNotFound, "user %d does not exist", id)
		}
		return User{}, err
	}
	return u, nil
}

// GetProduct returns the catalog row for price computation. The numeric
// unit price travels as text and is parsed into a decimal to avoid float
// arithmetic on money.
func (s *Store) GetProduct(ctx context.Context, id uint64) (Product, error) {
	var p Product
	var unitPrice string
	err := s.db.QueryOne(ctx,
		`SELECT id, name, sku, unit_price::text FROM products WHERE id = $1`,
		[]any{id}, &p.ID, &p.Name, &p.SKU, &unitPrice)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			return Product{}, apperrors.Newf(apperrors.KindNotFound, "product %d does not exist", id)
		}
		return Product{}, err
	}
	p.UnitPrice, err = decimal.NewFromString(unitPrice)
	if err != nil {
		return Product{}, apperrors.Wrapf(err, apperrors.KindInternal, "product %d has unparseable unit price", id)
	}
	return p, nil
}

// InsertOrder writes the order row. When the message carried a
// deduplication key, the insert is idempotent: a second delivery of the
// same key reports Duplicate instead of writing a second row.
func (s *Store) InsertOrder(ctx context.Context, order NewOrder) (InsertResult, error) {
	if order.DedupKey == "" {
		var id int64
		err := s.db.QueryOne(ctx,
			`INSERT INTO orders (user_id, product_id, quantity, total_price, status)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			[]any{order.UserID, order.ProductID, order.Quantity, order.TotalPrice.StringFixed(2), StatusComplete},
			&id)
		if err != nil {
			return InsertResult{}, err
		}
		return InsertResult{ID: id}, nil
	}

	var id int64
	err := s.db.QueryOne(ctx,
		`INSERT INTO orders (user_id, product_id, quantity, total_price, status, dedup_key)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (dedup_key) DO NOTHING
		 RETURNING id`,
		[]any{order.UserID, order.ProductID, order.Quantity, order.TotalPrice.StringFixed(2), StatusComplete, order.DedupKey},
		&id)
	if err != nil {
		// DO NOTHING suppresses the row, so a duplicate surfaces as an
		// empty result rather than a unique violation.
		if apperrors.IsKind(err, apperrors.KindNotFound) || apperrors.IsKind(err, apperrors.KindConflict) {
			return InsertResult{Duplicate: true}, nil
		}
		return InsertResult{}, err
	}
	return InsertResult{ID: id}, nil
}
