// Package merchant issues CartMandates: merchant-signed commitments to
// fulfill a specific cart at a specific price. Signing is a quote, not a
// reservation; inventory is only re-checked and mutated at settlement.
package merchant

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentpay/mandatelane/internal/store"
	"github.com/agentpay/mandatelane/pkg/ap2"
	"github.com/agentpay/mandatelane/pkg/jwtx"
)

var (
	ErrEmptyCart          = errors.New("cart has no items")
	ErrProductUnavailable = errors.New("product not for sale")
)

const mandateTTL = time.Hour

// Identity is the merchant the mandates are issued under.
type Identity struct {
	Name            string
	SupportedMethod string
	ProcessorURL    string
}

type Signer struct {
	key      *rsa.PrivateKey
	store    store.Store
	identity Identity

	now func() time.Time
}

func NewSigner(key *rsa.PrivateKey, st store.Store, identity Identity) *Signer {
	return &Signer{
		key:      key,
		store:    st,
		identity: identity,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock. Tests only.
func (s *Signer) WithNow(now func() time.Time) *Signer {
	s.now = now
	return s
}

// IssueCartMandate builds, signs, and stores a CartMandate for cart. Every
// line is checked against the catalog first; no partial mandate is ever
// issued. Re-issuing for a cart that already has a stored mandate returns
// the stored one unchanged.
func (s *Signer) IssueCartMandate(ctx context.Context, cart store.Cart) (ap2.CartMandate, error) {
	if len(cart.Items) == 0 {
		return ap2.CartMandate{}, fmt.Errorf("%w: cart %s", ErrEmptyCart, cart.ID)
	}

	if existing, err := s.store.GetCartMandate(ctx, cart.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrMandateNotFound) {
		return ap2.CartMandate{}, err
	}

	currency := ""
	var displayItems []ap2.DisplayItem
	var items []ap2.CartItem
	total := ap2.Amount{}
	for _, item := range cart.Items {
		p, err := s.store.GetProduct(ctx, item.ProductID)
		if err != nil {
			return ap2.CartMandate{}, err
		}
		if !p.ForSale {
			return ap2.CartMandate{}, fmt.Errorf("%w: %s", ErrProductUnavailable, p.Name)
		}
		if p.Available < item.Quantity {
			return ap2.CartMandate{}, fmt.Errorf("%w: %s: requested %d, available %d",
				store.ErrInsufficientStock, p.Name, item.Quantity, p.Available)
		}
		if currency == "" {
			currency = p.Currency
		}

		lineAmount := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		displayItems = append(displayItems, ap2.DisplayItem{
			Label:  fmt.Sprintf("%s (x%d)", p.Name, item.Quantity),
			Amount: ap2.Amount{Currency: p.Currency, Value: lineAmount},
		})
		items = append(items, ap2.CartItem{ProductID: item.ProductID, Quantity: item.Quantity})
		total.Value = total.Value.Add(lineAmount)
	}
	total.Currency = currency

	now := s.now()
	exp := now.Add(mandateTTL)
	contents := ap2.CartContents{
		ID:                           cart.ID,
		UserCartConfirmationRequired: true,
		MerchantName:                 s.identity.Name,
		CartExpiry:                   exp.Format(time.RFC3339),
		Items:                        items,
		PaymentRequest: ap2.PaymentRequest{
			MethodData: []ap2.PaymentMethodData{{
				SupportedMethods: s.identity.SupportedMethod,
				Data:             methodData(s.identity.ProcessorURL),
			}},
			Details: ap2.PaymentDetails{
				ID:           ap2.NewOrderID(),
				DisplayItems: displayItems,
				Total:        ap2.DisplayItem{Label: "Total", Amount: total},
			},
			Options: ap2.PaymentOptions{RequestPayerEmail: true},
		},
	}

	sig, err := jwtx.Sign(s.key, ap2.MerchantClaims{
		Iss:      s.identity.Name,
		Sub:      cart.ID,
		Iat:      now.Unix(),
		Exp:      exp.Unix(),
		CartID:   cart.ID,
		Merchant: s.identity.Name,
	})
	if err != nil {
		return ap2.CartMandate{}, fmt.Errorf("signing cart mandate: %w", err)
	}

	mandate := ap2.CartMandate{
		Contents:          contents,
		MerchantSignature: sig,
		Timestamp:         now.Format(time.RFC3339),
	}
	if err := s.store.PutCartMandate(ctx, mandate); err != nil {
		return ap2.CartMandate{}, fmt.Errorf("storing cart mandate: %w", err)
	}
	return mandate, nil
}

// Mandate returns the stored CartMandate for cartID.
func (s *Signer) Mandate(ctx context.Context, cartID string) (ap2.CartMandate, error) {
	return s.store.GetCartMandate(ctx, cartID)
}

func methodData(processorURL string) map[string]any {
	if processorURL == "" {
		return nil
	}
	return map[string]any{"payment_processor_url": processorURL}
}
