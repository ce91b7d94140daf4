package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/mandatelane/pkg/ap2"
)

func seedProduct(t *testing.T, s *MemoryStore, id, name string, price string, available, sold int) {
	t.Helper()
	require.NoError(t, s.UpsertProduct(context.Background(), Product{
		ID:         id,
		Name:       name,
		Price:      decimal.RequireFromString(price),
		Currency:   "USD",
		ForSale:    true,
		TotalStock: available + sold,
		Available:  available,
		Sold:       sold,
	}))
}

func TestUpsertProduct_RejectsBrokenInvariant(t *testing.T) {
	s := NewMemoryStore()
	err := s.UpsertProduct(context.Background(), Product{
		ID: "25", Name: "Pikachu", TotalStock: 10, Available: 5, Sold: 3,
	})
	assert.Error(t, err)
}

func TestRecordSettlement_DecrementsStock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedProduct(t, s, "25", "Pikachu", "55", 5, 0)

	err := s.RecordSettlement(ctx, []LineItem{{ProductID: "25", Quantity: 3}},
		Transaction{TransactionID: "txn_1", Status: "completed"})
	require.NoError(t, err)

	p, err := s.GetProduct(ctx, "25")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Available)
	assert.Equal(t, 3, p.Sold)

	_, err = s.GetTransaction(ctx, "txn_1")
	assert.NoError(t, err)
}

func TestRecordSettlement_InsufficientStockLeavesStateUntouched(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedProduct(t, s, "25", "Pikachu", "55", 2, 0)

	err := s.RecordSettlement(ctx, []LineItem{{ProductID: "25", Quantity: 3}},
		Transaction{TransactionID: "txn_1"})
	require.ErrorIs(t, err, ErrInsufficientStock)

	p, _ := s.GetProduct(ctx, "25")
	assert.Equal(t, 2, p.Available)
	assert.Equal(t, 0, p.Sold)
	_, err = s.GetTransaction(ctx, "txn_1")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestRecordSettlement_AllOrNothingAcrossLines(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedProduct(t, s, "1", "Bulbasaur", "280", 10, 0)
	seedProduct(t, s, "150", "Mewtwo", "1500", 1, 0)

	err := s.RecordSettlement(ctx, []LineItem{
		{ProductID: "1", Quantity: 2},
		{ProductID: "150", Quantity: 5}, // fails
	}, Transaction{TransactionID: "txn_1"})
	require.ErrorIs(t, err, ErrInsufficientStock)

	bulbasaur, _ := s.GetProduct(ctx, "1")
	assert.Equal(t, 10, bulbasaur.Available, "first line must not be applied")
}

func TestRecordSettlement_RejectsNonPositiveQuantity(t *testing.T) {
	s := NewMemoryStore()
	seedProduct(t, s, "25", "Pikachu", "55", 5, 0)

	for _, qty := range []int{0, -3} {
		err := s.RecordSettlement(context.Background(),
			[]LineItem{{ProductID: "25", Quantity: qty}}, Transaction{TransactionID: "txn_x"})
		assert.ErrorIs(t, err, ErrInvalidQuantity, "qty=%d", qty)
	}
}

func TestRecordSettlement_ConcurrentLastUnit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedProduct(t, s, "150", "Mewtwo", "1500", 1, 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.RecordSettlement(ctx,
				[]LineItem{{ProductID: "150", Quantity: 1}},
				Transaction{TransactionID: ap2.NewTransactionID()})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientStock)
		}
	}
	assert.Equal(t, 1, successes, "exactly one settlement must win the last unit")

	p, _ := s.GetProduct(ctx, "150")
	assert.Equal(t, 0, p.Available)
	assert.Equal(t, 1, p.Sold)
}

func TestRecordRefund_InverseOfSettlement(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedProduct(t, s, "25", "Pikachu", "55", 2, 3)

	err := s.RecordRefund(ctx, []LineItem{{ProductID: "25", Quantity: 3}},
		Transaction{TransactionID: "txn_r", Status: "refunded", RefundOf: "txn_1"})
	require.NoError(t, err)

	p, _ := s.GetProduct(ctx, "25")
	assert.Equal(t, 5, p.Available)
	assert.Equal(t, 0, p.Sold)
}

func TestRecordRefund_RejectsSecondRefundOfSameOriginal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedProduct(t, s, "25", "Pikachu", "55", 1, 4)

	err := s.RecordRefund(ctx, []LineItem{{ProductID: "25", Quantity: 2}},
		Transaction{TransactionID: "txn_r1", Status: "refunded", RefundOf: "txn_1"})
	require.NoError(t, err)

	err = s.RecordRefund(ctx, []LineItem{{ProductID: "25", Quantity: 2}},
		Transaction{TransactionID: "txn_r2", Status: "refunded", RefundOf: "txn_1"})
	assert.ErrorIs(t, err, ErrAlreadyRefunded)

	p, _ := s.GetProduct(ctx, "25")
	assert.Equal(t, 3, p.Available, "inventory must be restocked exactly once")
	assert.Equal(t, 2, p.Sold)
}

func TestRecordRefund_RejectsOverRefundAndNonPositive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedProduct(t, s, "25", "Pikachu", "55", 4, 1)

	err := s.RecordRefund(ctx, []LineItem{{ProductID: "25", Quantity: 2}}, Transaction{TransactionID: "txn_r"})
	assert.ErrorIs(t, err, ErrRefundExceedsSold)

	err = s.RecordRefund(ctx, []LineItem{{ProductID: "25", Quantity: -1}}, Transaction{TransactionID: "txn_r"})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestGetOrCreateActiveCart_StableAcrossCalls(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c1, err := s.GetOrCreateActiveCart(ctx, "session_1", time.Hour)
	require.NoError(t, err)
	c2, err := s.GetOrCreateActiveCart(ctx, "session_1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, CartActive, c2.Status)
}

func TestGetOrCreateActiveCart_ConcurrentFirstVisit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := s.GetOrCreateActiveCart(ctx, "session_burst", time.Hour)
			require.NoError(t, err)
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id, "all concurrent callers must see the same active cart")
	}
}

func TestGetOrCreateActiveCart_RotatesExpiredCart(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	old, err := s.GetOrCreateActiveCart(ctx, "session_1", -time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.SaveCartItems(ctx, old.ID, []CartItem{
		{ProductID: "25", Name: "Pikachu", Quantity: 1, UnitPrice: decimal.RequireFromString("55")},
	}))

	fresh, err := s.GetOrCreateActiveCart(ctx, "session_1", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Empty(t, fresh.Items)

	rotated, err := s.GetCart(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, CartExpired, rotated.Status)
}

func TestSetCartStatus_OneWayTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c, err := s.GetOrCreateActiveCart(ctx, "session_1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.SetCartStatus(ctx, c.ID, CartActive, CartCheckout))
	require.NoError(t, s.SetCartStatus(ctx, c.ID, CartCheckout, CartCompleted))

	err = s.SetCartStatus(ctx, c.ID, CartActive, CartCheckout)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestExpireActiveCartsBefore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetOrCreateActiveCart(ctx, "overdue", -time.Minute)
	require.NoError(t, err)
	keep, err := s.GetOrCreateActiveCart(ctx, "current", time.Hour)
	require.NoError(t, err)

	n, err := s.ExpireActiveCartsBefore(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Idempotent: a second sweep finds nothing.
	n, err = s.ExpireActiveCartsBefore(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c, _ := s.GetCart(ctx, keep.ID)
	assert.Equal(t, CartActive, c.Status)
}

func TestCartMandateRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	m := ap2.CartMandate{
		Contents:          ap2.CartContents{ID: "cart_1", MerchantName: "PokeMart"},
		MerchantSignature: "a.b.c",
		Timestamp:         "2026-08-29T10:00:00Z",
	}
	require.NoError(t, s.PutCartMandate(ctx, m))

	got, err := s.GetCartMandate(ctx, "cart_1")
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = s.GetCartMandate(ctx, "cart_missing")
	assert.ErrorIs(t, err, ErrMandateNotFound)
}
