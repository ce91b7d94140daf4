package ap2

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usd(s string) Amount {
	return Amount{Currency: "USD", Value: decimal.RequireFromString(s)}
}

func fixedCartContents() CartContents {
	return CartContents{
		ID:           "cart_pokemon_0001",
		MerchantName: "PokeMart",
		PaymentRequest: PaymentRequest{
			MethodData: []PaymentMethodData{{
				SupportedMethods: "CARD",
				Data:             map[string]any{"payment_processor_url": "http://localhost:8003/ap2/processor"},
			}},
			Details: PaymentDetails{
				ID: "order_pokemon_0001",
				DisplayItems: []DisplayItem{
					{Label: "Pikachu (x3)", Amount: usd("165")},
					{Label: "Bulbasaur (x1)", Amount: usd("280")},
				},
				Total: DisplayItem{Label: "Total", Amount: usd("445")},
			},
		},
		Items: []CartItem{
			{ProductID: "25", Quantity: 3},
			{ProductID: "1", Quantity: 1},
		},
	}
}

func fixedPaymentContents() PaymentMandateContents {
	return PaymentMandateContents{
		PaymentMandateID:    "pm_0001",
		PaymentDetailsID:    "order_pokemon_0001",
		PaymentDetailsTotal: DisplayItem{Label: "Total", Amount: usd("445")},
		PaymentResponse: PaymentResponse{
			RequestID:  "order_pokemon_0001",
			MethodName: "CARD",
			Details:    map[string]any{"token": "tok_4242"},
			PayerEmail: "trainer@pokemon.com",
		},
		MerchantAgent:           "merchant_agent",
		CredentialProviderAgent: "credentials_provider",
	}
}

func TestHashCartContents_Deterministic(t *testing.T) {
	h1, err := HashCartContents(fixedCartContents())
	require.NoError(t, err)
	h2, err := HashCartContents(fixedCartContents())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashCartContents_RoundTripThroughJSON(t *testing.T) {
	// A mandate that crossed the wire must hash identically to the one the
	// merchant signed.
	orig := fixedCartContents()
	h1, err := HashCartContents(orig)
	require.NoError(t, err)

	raw, err := json.Marshal(orig)
	require.NoError(t, err)
	var decoded CartContents
	require.NoError(t, json.Unmarshal(raw, &decoded))

	h2, err := HashCartContents(decoded)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashCartContents_FieldChangeFlipsDigest(t *testing.T) {
	base, err := HashCartContents(fixedCartContents())
	require.NoError(t, err)

	mutations := map[string]func(*CartContents){
		"id":        func(c *CartContents) { c.ID = "cart_other" },
		"merchant":  func(c *CartContents) { c.MerchantName = "EvilMart" },
		"quantity":  func(c *CartContents) { c.Items[0].Quantity = 4 },
		"total":     func(c *CartContents) { c.PaymentRequest.Details.Total.Amount = usd("1") },
		"line item": func(c *CartContents) { c.PaymentRequest.Details.DisplayItems[0].Amount = usd("1") },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			c := fixedCartContents()
			mutate(&c)
			h, err := HashCartContents(c)
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}
}

func TestHashPaymentMandateContents(t *testing.T) {
	h1, err := HashPaymentMandateContents(fixedPaymentContents())
	require.NoError(t, err)

	changed := fixedPaymentContents()
	changed.PaymentDetailsTotal.Amount = usd("9999")
	h2, err := HashPaymentMandateContents(changed)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestValidateCartMandateShape(t *testing.T) {
	valid := CartMandate{
		Contents:          fixedCartContents(),
		MerchantSignature: "a.b.c",
		Timestamp:         "2026-08-29T10:00:00Z",
	}
	require.NoError(t, ValidateCartMandateShape(valid))

	t.Run("missing signature", func(t *testing.T) {
		m := valid
		m.MerchantSignature = ""
		assert.ErrorIs(t, ValidateCartMandateShape(m), ErrMalformedMandate)
	})
	t.Run("zero quantity", func(t *testing.T) {
		m := valid
		m.Contents = fixedCartContents()
		m.Contents.Items[0].Quantity = 0
		assert.ErrorIs(t, ValidateCartMandateShape(m), ErrMalformedMandate)
	})
	t.Run("total does not match lines", func(t *testing.T) {
		m := valid
		m.Contents = fixedCartContents()
		m.Contents.PaymentRequest.Details.Total.Amount = usd("1")
		assert.ErrorIs(t, ValidateCartMandateShape(m), ErrMalformedMandate)
	})
}

func TestValidatePaymentMandateShape(t *testing.T) {
	valid := PaymentMandate{
		Contents:          fixedPaymentContents(),
		UserAuthorization: "a.b.c",
		Timestamp:         "2026-08-29T10:00:00Z",
	}
	require.NoError(t, ValidatePaymentMandateShape(valid))

	m := valid
	m.UserAuthorization = ""
	assert.ErrorIs(t, ValidatePaymentMandateShape(m), ErrMalformedMandate)

	m = valid
	m.Contents.PaymentDetailsID = ""
	assert.ErrorIs(t, ValidatePaymentMandateShape(m), ErrMalformedMandate)
}

func TestNewIDs(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewCartID(), "cart_"))
	assert.True(t, strings.HasPrefix(NewOrderID(), "order_"))
	assert.True(t, strings.HasPrefix(NewTransactionID(), "txn_"))
	assert.NotEqual(t, NewCartID(), NewCartID())
}
