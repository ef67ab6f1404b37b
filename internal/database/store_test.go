package database

import (
	"context"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	apperrors "github.com/tkersh/orderworker/internal/errors"
)

// fakeQuerier is an in-memory stand-in for the pool, keyed on the
// statements the store issues.
type fakeQuerier struct {
	mu       sync.Mutex
	users    map[uint64]string
	products map[uint64][3]string // name, sku, unit_price
	orders   []insertedOrder
	dedup    map[string]bool
	failWith error
	calls    int
}

type insertedOrder struct {
	userID     uint64
	productID  uint64
	quantity   uint32
	totalPrice string
	dedupKey   string
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{
		users:    map[uint64]string{},
		products: map[uint64][3]string{},
		dedup:    map[string]bool{},
	}
}

func scanInto(dest []any, vals ...any) {
	for i, v := range vals {
		switch d := dest[i].(type) {
		case *uint64:
			*d = v.(uint64)
		case *int64:
			*d = v.(int64)
		case *uint32:
			*d = v.(uint32)
		case *string:
			*d = v.(string)
		}
	}
}

func (f *fakeQuerier) QueryOne(ctx context.Context, sql string, args []any, dest ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failWith != nil {
		return f.failWith
	}
	if err := ctx.Err(); err != nil {
		return classify(err, "query")
	}

	switch {
	case strings.Contains(sql, "FROM users"):
		id := args[0].(uint64)
		username, ok := f.users[id]
		if !ok {
			return apperrors.Newf(apperrors.KindNotFound, "query returned no rows")
		}
		scanInto(dest, id, username)
		return nil

	case strings.Contains(sql, "FROM products"):
		id := args[0].(uint64)
		p, ok := f.products[id]
		if !ok {
			return apperrors.Newf(apperrors.KindNotFound, "query returned no rows")
		}
		scanInto(dest, id, p[0], p[1], p[2])
		return nil

	case strings.Contains(sql, "INSERT INTO orders"):
		order := insertedOrder{
			userID:     args[0].(uint64),
			productID:  args[1].(uint64),
			quantity:   args[2].(uint32),
			totalPrice: args[3].(string),
		}
		if len(args) > 5 {
			order.dedupKey = args[5].(string)
			if f.dedup[order.dedupKey] {
				// ON CONFLICT DO NOTHING yields no row.
				return apperrors.Newf(apperrors.KindNotFound, "query returned no rows")
			}
			f.dedup[order.dedupKey] = true
		}
		f.orders = append(f.orders, order)
		scanInto(dest, int64(len(f.orders)))
		return nil
	}
	return apperrors.Newf(apperrors.KindInternal, "unexpected statement: %s", sql)
}

func (f *fakeQuerier) Execute(ctx context.Context, sql string, args ...any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failWith != nil {
		return 0, f.failWith
	}
	return 0, nil
}

func (f *fakeQuerier) Transact(ctx context.Context, fn func(pgx.Tx) error) error {
	return apperrors.New(apperrors.KindInternal, "transact not supported by fake")
}

var _ = Describe("Store", func() {
	var (
		db    *fakeQuerier
		store *Store
		ctx   context.Context
	)

	BeforeEach(func() {
		db = newFakeQuerier()
		store = NewStore(db)
		ctx = context.Background()
	})

	Describe("GetUser", func() {
		It("returns the user when it exists", func() {
			db.users[7] = "ada"

			user, err := store.GetUser(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(user.ID).To(Equal(uint64(7)))
			Expect(user.Username).To(Equal("ada"))
			Expect(user.DisplayName()).To(Equal("ada"))
		})

		It("returns not_found for a missing user", func() {
			_, err := store.GetUser(ctx, 99999)
			Expect(apperrors.IsKind(err, apperrors.KindNotFound)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("user 99999 does not exist"))
		})

		It("propagates transport failures unchanged", func() {
			db.failWith = apperrors.New(apperrors.KindUnavailable, "connection lost")

			_, err := store.GetUser(ctx, 7)
			Expect(apperrors.IsKind(err, apperrors.KindUnavailable)).To(BeTrue())
		})
	})

	Describe("GetProduct", func() {
		It("parses the unit price into a decimal", func() {
			db.products[3] = [3]string{"widget", "W-3", "49.95"}

			product, err := store.GetProduct(ctx, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(product.Name).To(Equal("widget"))
			Expect(product.SKU).To(Equal("W-3"))
			Expect(product.UnitPrice.Equal(decimal.RequireFromString("49.95"))).To(BeTrue())
		})

		It("returns not_found for a missing product", func() {
			_, err := store.GetProduct(ctx, 42)
			Expect(apperrors.IsKind(err, apperrors.KindNotFound)).To(BeTrue())
		})

		It("flags an unparseable unit price as internal", func() {
			db.products[3] = [3]string{"widget", "W-3", "not-a-price"}

			_, err := store.GetProduct(ctx, 3)
			Expect(apperrors.IsKind(err, apperrors.KindInternal)).To(BeTrue())
		})
	})

	Describe("InsertOrder", func() {
		It("inserts an order without a dedup key", func() {
			res, err := store.InsertOrder(ctx, NewOrder{
				UserID:     7,
				ProductID:  3,
				Quantity:   2,
				TotalPrice: decimal.RequireFromString("99.90"),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Duplicate).To(BeFalse())
			Expect(res.ID).To(Equal(int64(1)))
			Expect(db.orders).To(HaveLen(1))
			Expect(db.orders[0].totalPrice).To(Equal("99.90"))
		})

		It("reports a duplicate instead of inserting twice", func() {
			order := NewOrder{
				UserID:     7,
				ProductID:  3,
				Quantity:   2,
				TotalPrice: decimal.RequireFromString("99.90"),
				DedupKey:   "dedup-1",
			}

			first, err := store.InsertOrder(ctx, order)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Duplicate).To(BeFalse())

			second, err := store.InsertOrder(ctx, order)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Duplicate).To(BeTrue())
			Expect(db.orders).To(HaveLen(1))
		})

		It("treats a unique violation as already processed", func() {
			db.failWith = apperrors.New(apperrors.KindConflict, "execute hit unique constraint")

			res, err := store.InsertOrder(ctx, NewOrder{
				UserID:     7,
				ProductID:  3,
				Quantity:   1,
				TotalPrice: decimal.RequireFromString("10.00"),
				DedupKey:   "dedup-2",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Duplicate).To(BeTrue())
		})

		It("propagates foreign key violations as permanent", func() {
			db.failWith = apperrors.New(apperrors.KindPermanent, "execute violated foreign key")

			_, err := store.InsertOrder(ctx, NewOrder{
				UserID:     12345,
				ProductID:  3,
				Quantity:   1,
				TotalPrice: decimal.RequireFromString("10.00"),
			})
			Expect(apperrors.IsPermanent(err)).To(BeTrue())
		})
	})
})
