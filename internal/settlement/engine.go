// Package settlement turns a validated CartMandate/PaymentMandate pair
// into an atomic inventory mutation plus an immutable transaction record.
// The validator is the sole authorization gate; any validation failure
// aborts with no side effects.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentpay/mandatelane/internal/store"
	"github.com/agentpay/mandatelane/internal/validator"
	"github.com/agentpay/mandatelane/pkg/ap2"
)

var (
	ErrAuthorizationFailed = errors.New("payment authorization failed")
	ErrUnparsableLineItems = errors.New("cannot derive line items from mandate")
	ErrAlreadyRefunded     = store.ErrAlreadyRefunded
	ErrDatabase            = errors.New("storage failure")
)

// Receipt is returned to the caller on successful settlement.
type Receipt struct {
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Currency      string          `json:"currency"`
}

type Engine struct {
	store     store.Store
	validator *validator.Validator

	now func() time.Time
}

func NewEngine(st store.Store, v *validator.Validator) *Engine {
	return &Engine{
		store:     st,
		validator: v,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock. Tests only.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Settle validates the mandate pair, derives the purchasable lines, and
// applies the inventory decrement and ledger write atomically. Both mandate
// snapshots are persisted verbatim on the transaction record.
func (e *Engine) Settle(ctx context.Context, cm ap2.CartMandate, pm ap2.PaymentMandate) (Receipt, error) {
	if err := ap2.ValidateCartMandateShape(cm); err != nil {
		return Receipt{}, err
	}
	if err := ap2.ValidatePaymentMandateShape(pm); err != nil {
		return Receipt{}, err
	}

	if _, err := e.validator.ValidateMerchantSignature(cm, true); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrAuthorizationFailed, err)
	}
	if _, err := e.validator.ValidateUserAuthorization(pm, cm, true); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrAuthorizationFailed, err)
	}

	lines, err := e.deriveLines(ctx, cm.Contents)
	if err != nil {
		return Receipt{}, err
	}

	total := cm.Contents.PaymentRequest.Details.Total.Amount
	cmSnapshot, err := json.Marshal(cm)
	if err != nil {
		return Receipt{}, fmt.Errorf("snapshotting cart mandate: %w", err)
	}
	pmSnapshot, err := json.Marshal(pm)
	if err != nil {
		return Receipt{}, fmt.Errorf("snapshotting payment mandate: %w", err)
	}

	now := e.now()
	txn := store.Transaction{
		TransactionID:  ap2.NewTransactionID(),
		CartID:         cm.Contents.ID,
		Status:         "completed",
		TotalAmount:    total.Value,
		Currency:       total.Currency,
		PaymentMethod:  pm.Contents.PaymentResponse.MethodName,
		PayerEmail:     pm.Contents.PaymentResponse.PayerEmail,
		CartMandate:    cmSnapshot,
		PaymentMandate: pmSnapshot,
		Items:          lines,
		CreatedAt:      now,
		CompletedAt:    &now,
	}

	if err := e.store.RecordSettlement(ctx, lines, txn); err != nil {
		if errors.Is(err, store.ErrInsufficientStock) ||
			errors.Is(err, store.ErrInvalidQuantity) ||
			errors.Is(err, store.ErrProductNotFound) {
			return Receipt{}, err
		}
		// Authorization already succeeded; surface the storage failure
		// rather than reporting a phantom success.
		return Receipt{}, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return Receipt{
		TransactionID: txn.TransactionID,
		Status:        "completed",
		TotalAmount:   total.Value,
		Currency:      total.Currency,
	}, nil
}

// Refund reverses a completed settlement: inventory moves back line by line
// and a new ledger entry referencing the original is written. The original
// record is never mutated.
func (e *Engine) Refund(ctx context.Context, transactionID string) (Receipt, error) {
	original, err := e.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return Receipt{}, err
	}
	if original.RefundOf != "" || original.Status == "refunded" {
		return Receipt{}, fmt.Errorf("%w: %s", ErrAlreadyRefunded, transactionID)
	}

	now := e.now()
	refund := store.Transaction{
		TransactionID: ap2.NewTransactionID(),
		CartID:        original.CartID,
		Status:        "refunded",
		TotalAmount:   original.TotalAmount,
		Currency:      original.Currency,
		PaymentMethod: original.PaymentMethod,
		PayerEmail:    original.PayerEmail,
		Items:         original.Items,
		RefundOf:      original.TransactionID,
		CreatedAt:     now,
		CompletedAt:   &now,
	}
	if err := e.store.RecordRefund(ctx, refund.Items, refund); err != nil {
		if errors.Is(err, store.ErrAlreadyRefunded) ||
			errors.Is(err, store.ErrRefundExceedsSold) ||
			errors.Is(err, store.ErrInvalidQuantity) ||
			errors.Is(err, store.ErrProductNotFound) {
			return Receipt{}, err
		}
		return Receipt{}, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return Receipt{
		TransactionID: refund.TransactionID,
		Status:        "refunded",
		TotalAmount:   refund.TotalAmount,
		Currency:      refund.Currency,
	}, nil
}

// Transaction returns a ledger entry by id.
func (e *Engine) Transaction(ctx context.Context, id string) (store.Transaction, error) {
	return e.store.GetTransaction(ctx, id)
}

// deriveLines prefers the structured items list; mandates from older
// producers that carry only display items fall back to the legacy label
// decoder.
func (e *Engine) deriveLines(ctx context.Context, contents ap2.CartContents) ([]store.LineItem, error) {
	details := contents.PaymentRequest.Details
	if len(contents.Items) > 0 {
		lines := make([]store.LineItem, 0, len(contents.Items))
		for i, item := range contents.Items {
			unitPrice, err := e.unitPrice(ctx, item, details.DisplayItems, i)
			if err != nil {
				return nil, err
			}
			lines = append(lines, store.LineItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				UnitPrice: unitPrice,
			})
		}
		return lines, nil
	}
	return e.decodeLegacyLines(ctx, details.DisplayItems)
}

// unitPrice comes from the index-aligned display line when one exists,
// otherwise from the catalog.
func (e *Engine) unitPrice(ctx context.Context, item ap2.CartItem, displayItems []ap2.DisplayItem, i int) (decimal.Decimal, error) {
	if item.Quantity > 0 && i < len(displayItems) {
		return displayItems[i].Amount.Value.Div(decimal.NewFromInt(int64(item.Quantity))), nil
	}
	p, err := e.store.GetProduct(ctx, item.ProductID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return p.Price, nil
}
