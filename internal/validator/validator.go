// Package validator is the sole authorization gate in front of settlement.
// It checks structural well-formedness, cryptographic signatures, time
// validity, and claim/hash consistency of both mandate types. All entry
// points are pure verification functions; nothing here mutates state.
package validator

import (
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/agentpay/mandatelane/pkg/ap2"
	"github.com/agentpay/mandatelane/pkg/jwtx"
)

var (
	ErrMalformedToken   = jwtx.ErrMalformedToken
	ErrSignatureInvalid = jwtx.ErrSignatureInvalid
	ErrExpired          = errors.New("token expired")
	ErrClaimMismatch    = errors.New("claim mismatch")
	ErrTamperDetected   = errors.New("tamper detected")
)

// Validator holds the public keys mandates are verified against. Keys are
// loaded once at startup and passed by reference; see keyring.Keyring.
type Validator struct {
	merchantPub    *rsa.PublicKey
	userPub        *rsa.PublicKey
	merchantIssuer string

	now func() time.Time
}

func New(merchantPub, userPub *rsa.PublicKey, merchantIssuer string) *Validator {
	return &Validator{
		merchantPub:    merchantPub,
		userPub:        userPub,
		merchantIssuer: merchantIssuer,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock. Tests only.
func (v *Validator) WithNow(now func() time.Time) *Validator {
	v.now = now
	return v
}

// ValidateMerchantSignature checks the merchant signature token of a
// CartMandate. With verify=false the cryptographic signature and expiry
// checks are skipped; structure and claim consistency are always enforced.
func (v *Validator) ValidateMerchantSignature(m ap2.CartMandate, verify bool) (ap2.MerchantClaims, error) {
	var claims ap2.MerchantClaims

	if err := jwtx.CheckStructure(m.MerchantSignature); err != nil {
		return claims, err
	}
	if verify {
		if err := jwtx.Verify(m.MerchantSignature, v.merchantPub); err != nil {
			return claims, err
		}
	}
	if err := jwtx.Decode(m.MerchantSignature, &claims); err != nil {
		return claims, err
	}

	if verify && claims.Exp > 0 && v.now().Unix() > claims.Exp {
		return claims, fmt.Errorf("%w: merchant signature expired at %d", ErrExpired, claims.Exp)
	}
	if claims.CartID != m.Contents.ID {
		return claims, fmt.Errorf("%w: cart_id claim %q does not match cart %q",
			ErrClaimMismatch, claims.CartID, m.Contents.ID)
	}
	if claims.Sub != m.Contents.ID {
		return claims, fmt.Errorf("%w: sub %q does not match cart %q",
			ErrClaimMismatch, claims.Sub, m.Contents.ID)
	}
	if v.merchantIssuer != "" && claims.Iss != v.merchantIssuer {
		return claims, fmt.Errorf("%w: issuer %q, expected %q",
			ErrClaimMismatch, claims.Iss, v.merchantIssuer)
	}
	return claims, nil
}

// ValidateUserAuthorization checks the user authorization token of a
// PaymentMandate against the CartMandate it claims to authorize. The hash
// binding is recomputed from the supplied contents and compared against the
// token claims even when verify=false: signature checking and tamper
// detection are independent controls.
func (v *Validator) ValidateUserAuthorization(p ap2.PaymentMandate, c ap2.CartMandate, verify bool) (ap2.UserClaims, error) {
	var claims ap2.UserClaims

	if err := jwtx.CheckStructure(p.UserAuthorization); err != nil {
		return claims, err
	}
	if verify {
		if err := jwtx.Verify(p.UserAuthorization, v.userPub); err != nil {
			return claims, err
		}
	}
	if err := jwtx.Decode(p.UserAuthorization, &claims); err != nil {
		return claims, err
	}

	if verify && claims.Exp > 0 && v.now().Unix() > claims.Exp {
		return claims, fmt.Errorf("%w: user authorization expired at %d", ErrExpired, claims.Exp)
	}

	cartHash, err := ap2.HashCartContents(c.Contents)
	if err != nil {
		return claims, fmt.Errorf("hashing cart contents: %w", err)
	}
	if !hashEqual(cartHash, claims.CartHash) {
		return claims, fmt.Errorf("%w: cart contents changed after authorization", ErrTamperDetected)
	}

	paymentHash, err := ap2.HashPaymentMandateContents(p.Contents)
	if err != nil {
		return claims, fmt.Errorf("hashing payment mandate contents: %w", err)
	}
	if !hashEqual(paymentHash, claims.PaymentHash) {
		return claims, fmt.Errorf("%w: payment mandate contents changed after authorization", ErrTamperDetected)
	}

	return claims, nil
}

func hashEqual(computed, claimed string) bool {
	return subtle.ConstantTimeCompare([]byte(computed), []byte(claimed)) == 1
}
