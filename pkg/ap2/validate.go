package ap2

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrMalformedMandate reports a mandate missing one of its mandatory
// fields or violating a structural invariant. It is a boundary check,
// not a cryptographic one.
var ErrMalformedMandate = errors.New("malformed mandate")

// ValidateCartMandateShape checks a CartMandate for structural
// well-formedness: mandatory fields present, positive quantities, and the
// total equal to the sum of the display items.
func ValidateCartMandateShape(m CartMandate) error {
	if strings.TrimSpace(m.Contents.ID) == "" {
		return fmt.Errorf("%w: contents.id is required", ErrMalformedMandate)
	}
	if strings.TrimSpace(m.MerchantSignature) == "" {
		return fmt.Errorf("%w: merchant_signature is required", ErrMalformedMandate)
	}
	if strings.TrimSpace(m.Timestamp) == "" {
		return fmt.Errorf("%w: timestamp is required", ErrMalformedMandate)
	}
	if strings.TrimSpace(m.Contents.MerchantName) == "" {
		return fmt.Errorf("%w: merchant_name is required", ErrMalformedMandate)
	}
	details := m.Contents.PaymentRequest.Details
	if strings.TrimSpace(details.ID) == "" {
		return fmt.Errorf("%w: payment_request.details.id is required", ErrMalformedMandate)
	}
	if len(details.DisplayItems) == 0 {
		return fmt.Errorf("%w: payment_request.details.displayItems is empty", ErrMalformedMandate)
	}
	for i, it := range m.Contents.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return fmt.Errorf("%w: items[%d].product_id is required", ErrMalformedMandate, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: items[%d].quantity must be positive", ErrMalformedMandate, i)
		}
	}
	sum := decimal.Zero
	for _, d := range details.DisplayItems {
		sum = sum.Add(d.Amount.Value)
	}
	if !sum.Equal(details.Total.Amount.Value) {
		return fmt.Errorf("%w: total %s does not equal sum of display items %s",
			ErrMalformedMandate, details.Total.Amount.Value, sum)
	}
	return nil
}

// ValidatePaymentMandateShape checks a PaymentMandate for structural
// well-formedness.
func ValidatePaymentMandateShape(m PaymentMandate) error {
	if strings.TrimSpace(m.Contents.PaymentMandateID) == "" {
		return fmt.Errorf("%w: payment_mandate_id is required", ErrMalformedMandate)
	}
	if strings.TrimSpace(m.Contents.PaymentDetailsID) == "" {
		return fmt.Errorf("%w: payment_details_id is required", ErrMalformedMandate)
	}
	if strings.TrimSpace(m.Contents.PaymentResponse.MethodName) == "" {
		return fmt.Errorf("%w: payment_response.method_name is required", ErrMalformedMandate)
	}
	if strings.TrimSpace(m.UserAuthorization) == "" {
		return fmt.Errorf("%w: user_authorization is required", ErrMalformedMandate)
	}
	if strings.TrimSpace(m.Timestamp) == "" {
		return fmt.Errorf("%w: timestamp is required", ErrMalformedMandate)
	}
	return nil
}
