package ap2

import (
	"github.com/agentpay/mandatelane/pkg/canonhash"
)

// HashCartContents returns the canonical SHA-256 digest of the cart
// contents. This is the cart_hash claim of a user authorization.
func HashCartContents(c CartContents) (string, error) {
	h, _, err := canonhash.CanonicalSHA256(cartContentsPayload(c))
	return h, err
}

// HashPaymentMandateContents returns the canonical SHA-256 digest of the
// payment mandate contents. This is the payment_hash claim of a user
// authorization.
func HashPaymentMandateContents(p PaymentMandateContents) (string, error) {
	h, _, err := canonhash.CanonicalSHA256(paymentMandateContentsPayload(p))
	return h, err
}

// The payload builders below produce map-based canonical forms so that the
// digest depends only on field values, never on struct declaration order or
// the order keys appeared in transported JSON.

func amountPayload(a Amount) map[string]any {
	return map[string]any{
		"currency": a.Currency,
		"value":    a.Value.String(),
	}
}

func displayItemPayload(d DisplayItem) map[string]any {
	p := map[string]any{
		"label":  d.Label,
		"amount": amountPayload(d.Amount),
	}
	if d.Pending {
		p["pending"] = true
	}
	return p
}

func paymentRequestPayload(r PaymentRequest) map[string]any {
	methods := make([]any, 0, len(r.MethodData))
	for _, m := range r.MethodData {
		md := map[string]any{"supported_methods": m.SupportedMethods}
		if m.Data != nil {
			md["data"] = m.Data
		}
		methods = append(methods, md)
	}
	items := make([]any, 0, len(r.Details.DisplayItems))
	for _, d := range r.Details.DisplayItems {
		items = append(items, displayItemPayload(d))
	}
	return map[string]any{
		"method_data": methods,
		"details": map[string]any{
			"id":           r.Details.ID,
			"displayItems": items,
			"total":        displayItemPayload(r.Details.Total),
		},
		"options": map[string]any{
			"requestPayerName":  r.Options.RequestPayerName,
			"requestPayerEmail": r.Options.RequestPayerEmail,
			"requestPayerPhone": r.Options.RequestPayerPhone,
			"requestShipping":   r.Options.RequestShipping,
		},
	}
}

func cartContentsPayload(c CartContents) map[string]any {
	p := map[string]any{
		"id":                              c.ID,
		"user_cart_confirmation_required": c.UserCartConfirmationRequired,
		"payment_request":                 paymentRequestPayload(c.PaymentRequest),
		"merchant_name":                   c.MerchantName,
	}
	if c.CartExpiry != "" {
		p["cart_expiry"] = c.CartExpiry
	}
	if len(c.Items) > 0 {
		items := make([]any, 0, len(c.Items))
		for _, it := range c.Items {
			items = append(items, map[string]any{
				"product_id": it.ProductID,
				"quantity":   it.Quantity,
			})
		}
		p["items"] = items
	}
	return p
}

func paymentMandateContentsPayload(p PaymentMandateContents) map[string]any {
	resp := map[string]any{
		"request_id":  p.PaymentResponse.RequestID,
		"method_name": p.PaymentResponse.MethodName,
	}
	if p.PaymentResponse.Details != nil {
		resp["details"] = p.PaymentResponse.Details
	}
	if p.PaymentResponse.PayerName != "" {
		resp["payer_name"] = p.PaymentResponse.PayerName
	}
	if p.PaymentResponse.PayerEmail != "" {
		resp["payer_email"] = p.PaymentResponse.PayerEmail
	}
	if p.PaymentResponse.PayerPhone != "" {
		resp["payer_phone"] = p.PaymentResponse.PayerPhone
	}

	out := map[string]any{
		"payment_mandate_id":        p.PaymentMandateID,
		"payment_details_id":        p.PaymentDetailsID,
		"payment_details_total":     displayItemPayload(p.PaymentDetailsTotal),
		"payment_response":          resp,
		"merchant_agent":            p.MerchantAgent,
		"credential_provider_agent": p.CredentialProviderAgent,
	}
	if p.RiskData != nil {
		out["risk_data"] = p.RiskData
	}
	return out
}
