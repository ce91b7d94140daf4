// Package userauth issues PaymentMandates: user-signed authorizations to
// pay for one specific CartMandate. The authorization token binds to the
// cart by canonical content hash, so it cannot be replayed against a
// different or modified cart.
package userauth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/agentpay/mandatelane/pkg/ap2"
	"github.com/agentpay/mandatelane/pkg/jwtx"
)

// The authorization window is deliberately shorter than the merchant's
// mandate TTL: a live payment authorization, not a price quote.
const authorizationTTL = 15 * time.Minute

var ErrMissingPaymentMethod = errors.New("payment method is required")

// PaymentInput is the user's side of an authorization: the chosen payment
// method token plus payer identity.
type PaymentInput struct {
	MethodName string
	Details    map[string]any
	UserID     string
	PayerName  string
	PayerEmail string
	PayerPhone string
	RiskData   map[string]any
}

type Authorizer struct {
	key            *rsa.PrivateKey
	deviceIdentity string

	now func() time.Time
}

func NewAuthorizer(key *rsa.PrivateKey, deviceIdentity string) *Authorizer {
	return &Authorizer{
		key:            key,
		deviceIdentity: deviceIdentity,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock. Tests only.
func (a *Authorizer) WithNow(now func() time.Time) *Authorizer {
	a.now = now
	return a
}

// AuthorizePayment builds and signs a PaymentMandate for cartMandate. The
// authorized total and payment details id are copied from the cart mandate,
// never recomputed.
func (a *Authorizer) AuthorizePayment(cartMandate ap2.CartMandate, in PaymentInput) (ap2.PaymentMandate, error) {
	if in.MethodName == "" {
		return ap2.PaymentMandate{}, ErrMissingPaymentMethod
	}

	details := cartMandate.Contents.PaymentRequest.Details
	contents := ap2.PaymentMandateContents{
		PaymentMandateID:    ap2.NewPaymentMandateID(),
		PaymentDetailsID:    details.ID,
		PaymentDetailsTotal: details.Total,
		PaymentResponse: ap2.PaymentResponse{
			RequestID:  details.ID,
			MethodName: in.MethodName,
			Details:    in.Details,
			PayerName:  in.PayerName,
			PayerEmail: in.PayerEmail,
			PayerPhone: in.PayerPhone,
		},
		MerchantAgent:           cartMandate.Contents.MerchantName,
		CredentialProviderAgent: a.deviceIdentity,
		RiskData:                in.RiskData,
	}

	cartHash, err := ap2.HashCartContents(cartMandate.Contents)
	if err != nil {
		return ap2.PaymentMandate{}, fmt.Errorf("hashing cart contents: %w", err)
	}
	paymentHash, err := ap2.HashPaymentMandateContents(contents)
	if err != nil {
		return ap2.PaymentMandate{}, fmt.Errorf("hashing payment mandate contents: %w", err)
	}

	now := a.now()
	auth, err := jwtx.Sign(a.key, ap2.UserClaims{
		Iss:         a.deviceIdentity,
		Sub:         in.UserID,
		Iat:         now.Unix(),
		Exp:         now.Add(authorizationTTL).Unix(),
		CartHash:    cartHash,
		PaymentHash: paymentHash,
		VC: ap2.VerifiableCredential{
			Type: []string{"VerifiableCredential", "PaymentMandate"},
			CredentialSubject: map[string]any{
				"id":           contents.PaymentMandateID,
				"cart_hash":    cartHash,
				"payment_hash": paymentHash,
			},
		},
	})
	if err != nil {
		return ap2.PaymentMandate{}, fmt.Errorf("signing user authorization: %w", err)
	}

	return ap2.PaymentMandate{
		Contents:          contents,
		UserAuthorization: auth,
		Timestamp:         now.Format(time.RFC3339),
	}, nil
}
