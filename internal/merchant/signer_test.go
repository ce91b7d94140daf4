package merchant

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/mandatelane/internal/store"
	"github.com/agentpay/mandatelane/pkg/ap2"
	"github.com/agentpay/mandatelane/pkg/jwtx"
	"github.com/agentpay/mandatelane/pkg/keyring"
)

var testIdentity = Identity{
	Name:            "PokeMart",
	SupportedMethod: "basic-card",
	ProcessorURL:    "http://localhost:8080/ap2/processor",
}

func newTestSigner(t *testing.T) (*Signer, *store.MemoryStore) {
	t.Helper()
	kr, err := keyring.Generate()
	require.NoError(t, err)
	st := store.NewMemoryStore()
	return NewSigner(kr.Merchant.Private, st, testIdentity), st
}

func seedCatalog(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertProduct(ctx, store.Product{
		ID: "25", Name: "Pikachu", Price: decimal.RequireFromString("55"),
		Currency: "USD", ForSale: true, TotalStock: 5, Available: 5,
	}))
	require.NoError(t, st.UpsertProduct(ctx, store.Product{
		ID: "150", Name: "Mewtwo", Price: decimal.RequireFromString("1500"),
		Currency: "USD", ForSale: false, TotalStock: 1, Available: 1,
	}))
}

func cartWith(items ...store.CartItem) store.Cart {
	return store.Cart{ID: ap2.NewCartID(), SessionID: "session_1", Status: store.CartActive, Items: items}
}

func TestIssueCartMandate(t *testing.T) {
	s, st := newTestSigner(t)
	seedCatalog(t, st)
	issued := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	s.WithNow(func() time.Time { return issued })

	cart := cartWith(store.CartItem{
		ProductID: "25", Name: "Pikachu", Quantity: 3,
		UnitPrice: decimal.RequireFromString("55"),
	})
	m, err := s.IssueCartMandate(context.Background(), cart)
	require.NoError(t, err)

	assert.Equal(t, cart.ID, m.Contents.ID)
	assert.Equal(t, "PokeMart", m.Contents.MerchantName)
	assert.True(t, m.Contents.UserCartConfirmationRequired)
	assert.Equal(t, issued.Add(time.Hour).Format(time.RFC3339), m.Contents.CartExpiry)
	assert.Equal(t, []ap2.CartItem{{ProductID: "25", Quantity: 3}}, m.Contents.Items)

	details := m.Contents.PaymentRequest.Details
	require.Len(t, details.DisplayItems, 1)
	assert.Equal(t, "Pikachu (x3)", details.DisplayItems[0].Label)
	assert.True(t, details.DisplayItems[0].Amount.Value.Equal(decimal.RequireFromString("165")))
	assert.True(t, details.Total.Amount.Value.Equal(decimal.RequireFromString("165")))
	assert.Equal(t, "USD", details.Total.Amount.Currency)

	var claims ap2.MerchantClaims
	require.NoError(t, jwtx.Decode(m.MerchantSignature, &claims))
	assert.Equal(t, cart.ID, claims.Sub)
	assert.Equal(t, cart.ID, claims.CartID)
	assert.Equal(t, "PokeMart", claims.Iss)
	assert.Equal(t, "PokeMart", claims.Merchant)
	assert.Equal(t, issued.Unix(), claims.Iat)
	assert.Equal(t, issued.Add(time.Hour).Unix(), claims.Exp)

	// Stored for later retrieval.
	stored, err := s.Mandate(context.Background(), cart.ID)
	require.NoError(t, err)
	assert.Equal(t, m, stored)
}

func TestIssueCartMandate_TotalSumsAllLines(t *testing.T) {
	s, st := newTestSigner(t)
	seedCatalog(t, st)
	require.NoError(t, st.UpsertProduct(context.Background(), store.Product{
		ID: "1", Name: "Bulbasaur", Price: decimal.RequireFromString("280"),
		Currency: "USD", ForSale: true, TotalStock: 2, Available: 2,
	}))

	cart := cartWith(
		store.CartItem{ProductID: "25", Name: "Pikachu", Quantity: 3, UnitPrice: decimal.RequireFromString("55")},
		store.CartItem{ProductID: "1", Name: "Bulbasaur", Quantity: 1, UnitPrice: decimal.RequireFromString("280")},
	)
	m, err := s.IssueCartMandate(context.Background(), cart)
	require.NoError(t, err)
	assert.True(t, m.Contents.PaymentRequest.Details.Total.Amount.Value.Equal(decimal.RequireFromString("445")))
}

func TestIssueCartMandate_EmptyCart(t *testing.T) {
	s, _ := newTestSigner(t)
	_, err := s.IssueCartMandate(context.Background(), cartWith())
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestIssueCartMandate_NotForSale(t *testing.T) {
	s, st := newTestSigner(t)
	seedCatalog(t, st)
	cart := cartWith(store.CartItem{
		ProductID: "150", Name: "Mewtwo", Quantity: 1, UnitPrice: decimal.RequireFromString("1500"),
	})
	_, err := s.IssueCartMandate(context.Background(), cart)
	assert.ErrorIs(t, err, ErrProductUnavailable)
}

func TestIssueCartMandate_InsufficientStock(t *testing.T) {
	s, st := newTestSigner(t)
	seedCatalog(t, st)
	cart := cartWith(store.CartItem{
		ProductID: "25", Name: "Pikachu", Quantity: 9, UnitPrice: decimal.RequireFromString("55"),
	})
	_, err := s.IssueCartMandate(context.Background(), cart)
	assert.ErrorIs(t, err, store.ErrInsufficientStock)
}

func TestIssueCartMandate_IdempotentPerCart(t *testing.T) {
	s, st := newTestSigner(t)
	seedCatalog(t, st)
	cart := cartWith(store.CartItem{
		ProductID: "25", Name: "Pikachu", Quantity: 1, UnitPrice: decimal.RequireFromString("55"),
	})
	first, err := s.IssueCartMandate(context.Background(), cart)
	require.NoError(t, err)
	second, err := s.IssueCartMandate(context.Background(), cart)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestIssueCartMandate_NoInventorySideEffects(t *testing.T) {
	s, st := newTestSigner(t)
	seedCatalog(t, st)
	cart := cartWith(store.CartItem{
		ProductID: "25", Name: "Pikachu", Quantity: 3, UnitPrice: decimal.RequireFromString("55"),
	})
	_, err := s.IssueCartMandate(context.Background(), cart)
	require.NoError(t, err)

	p, err := st.GetProduct(context.Background(), "25")
	require.NoError(t, err)
	assert.Equal(t, 5, p.Available)
	assert.Equal(t, 0, p.Sold)
}
