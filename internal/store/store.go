// Package store owns the persistent entities of the commerce core:
// catalog products with inventory counters, session carts, issued cart
// mandates, and the append-only transaction ledger. One Store interface,
// a memory implementation for tests and demo mode, and a postgres
// implementation for deployment.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentpay/mandatelane/pkg/ap2"
)

var (
	ErrProductNotFound     = errors.New("product not found")
	ErrCartNotFound        = errors.New("cart not found")
	ErrMandateNotFound     = errors.New("cart mandate not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInvalidTransition   = errors.New("invalid cart status transition")
	ErrRefundExceedsSold   = errors.New("refund quantity exceeds sold count")
	ErrAlreadyRefunded     = errors.New("transaction already refunded")
)

type CartStatus string

const (
	CartActive    CartStatus = "active"
	CartCheckout  CartStatus = "checkout"
	CartCompleted CartStatus = "completed"
	CartExpired   CartStatus = "expired"
	CartAbandoned CartStatus = "abandoned"
)

// Product is a catalog entry with its inventory counters. The invariant
// available + sold == total_stock holds at all times; available moves only
// through RecordSettlement and its inverse RecordRefund.
type Product struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	ForSale    bool            `json:"for_sale"`
	TotalStock int             `json:"total_stock"`
	Available  int             `json:"available"`
	Sold       int             `json:"sold"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CartItem is one line of a session cart. UnitPrice is snapshotted at add
// time; it is never re-derived from the catalog within the same cart.
type CartItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	AddedAt   time.Time       `json:"added_at"`
}

type Cart struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	UserID    string     `json:"user_id,omitempty"`
	Status    CartStatus `json:"status"`
	Items     []CartItem `json:"items"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Expired reports whether the cart's expiry has passed at now.
func (c Cart) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// LineItem is a purchasable line derived from a mandate at settlement time.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Transaction is an immutable ledger entry. Mandate snapshots are stored
// verbatim for audit and non-repudiation. A refund never mutates the
// original record; it creates a new one with RefundOf set.
type Transaction struct {
	TransactionID  string          `json:"transaction_id"`
	CartID         string          `json:"cart_id"`
	Status         string          `json:"status"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Currency       string          `json:"currency"`
	PaymentMethod  string          `json:"payment_method"`
	PayerEmail     string          `json:"payer_email,omitempty"`
	CartMandate    json.RawMessage `json:"cart_mandate,omitempty"`
	PaymentMandate json.RawMessage `json:"payment_mandate,omitempty"`
	Items          []LineItem      `json:"items"`
	RefundOf       string          `json:"refund_of,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Store is the durable state consumed by the signing, settlement, and cart
// lifecycle components.
type Store interface {
	// Catalog.
	GetProduct(ctx context.Context, id string) (Product, error)
	GetProductByName(ctx context.Context, name string) (Product, error)
	UpsertProduct(ctx context.Context, p Product) error

	// Carts. GetOrCreateActiveCart returns the session's active cart,
	// first expiring it if its expiry has passed; at most one active cart
	// per session exists under concurrent calls.
	GetOrCreateActiveCart(ctx context.Context, sessionID string, ttl time.Duration) (Cart, error)
	GetCart(ctx context.Context, id string) (Cart, error)
	SaveCartItems(ctx context.Context, cartID string, items []CartItem) error
	SetCartStatus(ctx context.Context, cartID string, from, to CartStatus) error
	ExpireActiveCartsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Issued cart mandates, keyed by cart id for idempotent re-fetch.
	PutCartMandate(ctx context.Context, m ap2.CartMandate) error
	GetCartMandate(ctx context.Context, cartID string) (ap2.CartMandate, error)

	// RecordSettlement applies every line's conditional stock decrement
	// (available -= qty, sold += qty, only while available >= qty) and
	// writes the transaction record, all-or-nothing: if any line fails, no
	// inventory changes and no record is written.
	RecordSettlement(ctx context.Context, lines []LineItem, txn Transaction) error

	// RecordRefund is the exact inverse: available += qty, sold -= qty per
	// line (rejecting refunds beyond the sold count), plus a new ledger
	// entry referencing the original transaction.
	RecordRefund(ctx context.Context, lines []LineItem, txn Transaction) error

	GetTransaction(ctx context.Context, id string) (Transaction, error)
}
