// Package ap2 defines the AP2 mandate data model: the W3C PaymentRequest
// shapes a cart is priced in, the merchant-signed CartMandate, and the
// user-signed PaymentMandate that binds to it by content hash.
//
// Field names on the wire follow the AP2 specification; mandates are
// schema-validated at the boundary and treated as immutable once issued.
package ap2

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Amount is a currency amount. Values are decimal, never floats; canonical
// hash payloads render them with Decimal.String.
type Amount struct {
	Currency string          `json:"currency"`
	Value    decimal.Decimal `json:"value"`
}

// DisplayItem is one human-readable line in a payment: a label plus its
// amount. The total of a PaymentDetails is also a DisplayItem.
type DisplayItem struct {
	Label   string `json:"label"`
	Amount  Amount `json:"amount"`
	Pending bool   `json:"pending,omitempty"`
}

// PaymentMethodData describes one payment method the merchant accepts,
// with method-specific configuration (processor URL, network, ...).
type PaymentMethodData struct {
	SupportedMethods string         `json:"supported_methods"`
	Data             map[string]any `json:"data,omitempty"`
}

type PaymentOptions struct {
	RequestPayerName  bool `json:"requestPayerName"`
	RequestPayerEmail bool `json:"requestPayerEmail"`
	RequestPayerPhone bool `json:"requestPayerPhone"`
	RequestShipping   bool `json:"requestShipping"`
}

// PaymentDetails carries the order id, the priced lines, and the total.
type PaymentDetails struct {
	ID           string        `json:"id"`
	DisplayItems []DisplayItem `json:"displayItems"`
	Total        DisplayItem   `json:"total"`
}

// PaymentRequest is the W3C PaymentRequest block embedded in CartContents.
type PaymentRequest struct {
	MethodData []PaymentMethodData `json:"method_data"`
	Details    PaymentDetails      `json:"details"`
	Options    PaymentOptions      `json:"options"`
}

// CartItem is the structured line the settlement engine consumes:
// a product reference and a quantity. DisplayItems are for humans,
// CartItems are for inventory.
type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// CartContents is the object the merchant signs. It is hashed canonically
// for the user's authorization binding, so any mutation after signing is
// detectable.
type CartContents struct {
	ID                          string         `json:"id"`
	UserCartConfirmationRequired bool          `json:"user_cart_confirmation_required"`
	PaymentRequest              PaymentRequest `json:"payment_request"`
	CartExpiry                  string         `json:"cart_expiry,omitempty"`
	MerchantName                string         `json:"merchant_name"`
	Items                       []CartItem     `json:"items,omitempty"`
}

// CartMandate is a merchant-signed commitment to fulfill a specific cart
// at a specific price. Immutable once issued.
type CartMandate struct {
	Contents          CartContents `json:"contents"`
	MerchantSignature string       `json:"merchant_signature"`
	Timestamp         string       `json:"timestamp"`
}

// PaymentResponse is the user's chosen payment method: the method name and
// an opaque method-specific token, plus optional payer identity.
type PaymentResponse struct {
	RequestID  string         `json:"request_id"`
	MethodName string         `json:"method_name"`
	Details    map[string]any `json:"details"`
	PayerName  string         `json:"payer_name,omitempty"`
	PayerEmail string         `json:"payer_email,omitempty"`
	PayerPhone string         `json:"payer_phone,omitempty"`
}

// PaymentMandateContents is the object the user authorizes. The total and
// payment details id are copied from the cart, never recomputed.
type PaymentMandateContents struct {
	PaymentMandateID        string          `json:"payment_mandate_id"`
	PaymentDetailsID        string          `json:"payment_details_id"`
	PaymentDetailsTotal     DisplayItem     `json:"payment_details_total"`
	PaymentResponse         PaymentResponse `json:"payment_response"`
	MerchantAgent           string          `json:"merchant_agent"`
	CredentialProviderAgent string          `json:"credential_provider_agent"`
	RiskData                map[string]any  `json:"risk_data,omitempty"`
}

// PaymentMandate is a user-signed authorization to pay for one specific
// CartMandate. The authorization token embeds hashes of both the cart
// contents and these payment contents, so it cannot be replayed against a
// different or modified cart.
type PaymentMandate struct {
	Contents          PaymentMandateContents `json:"payment_mandate_contents"`
	UserAuthorization string                 `json:"user_authorization"`
	Timestamp         string                 `json:"timestamp"`
}

// MerchantClaims is the claim set of the merchant signature JWT.
type MerchantClaims struct {
	Iss      string `json:"iss"`
	Sub      string `json:"sub"`
	Iat      int64  `json:"iat"`
	Exp      int64  `json:"exp"`
	CartID   string `json:"cart_id"`
	Merchant string `json:"merchant"`
}

// VerifiableCredential is the vc block of the user authorization JWT.
type VerifiableCredential struct {
	Type              []string       `json:"type"`
	CredentialSubject map[string]any `json:"credentialSubject"`
}

// UserClaims is the claim set of the user authorization JWT. CartHash and
// PaymentHash are the canonical digests that bind this authorization to
// one cart and one payment contents object.
type UserClaims struct {
	Iss         string               `json:"iss"`
	Sub         string               `json:"sub"`
	Iat         int64                `json:"iat"`
	Exp         int64                `json:"exp"`
	CartHash    string               `json:"cart_hash"`
	PaymentHash string               `json:"payment_hash"`
	VC          VerifiableCredential `json:"vc"`
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func NewCartID() string           { return newID("cart") }
func NewOrderID() string          { return newID("order") }
func NewTransactionID() string    { return newID("txn") }
func NewPaymentMandateID() string { return newID("pm") }
