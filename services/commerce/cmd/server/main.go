package main

import (
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/agentpay/mandatelane/internal/cache"
	"github.com/agentpay/mandatelane/internal/cartflow"
	"github.com/agentpay/mandatelane/internal/merchant"
	"github.com/agentpay/mandatelane/internal/settlement"
	"github.com/agentpay/mandatelane/internal/store"
	"github.com/agentpay/mandatelane/internal/userauth"
	"github.com/agentpay/mandatelane/internal/validator"
	"github.com/agentpay/mandatelane/pkg/ap2"
	"github.com/agentpay/mandatelane/pkg/db"
	"github.com/agentpay/mandatelane/pkg/httpx"
	"github.com/agentpay/mandatelane/pkg/keyring"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	merchantName := env("MERCHANT_NAME", "PokeMart")
	port := env("SERVICE_PORT", "8080")
	processorURL := env("PROCESSOR_URL", "http://localhost:"+port+"/ap2/processor")

	var st store.Store
	if os.Getenv("DATABASE_URL") != "" {
		if err := store.RunMigrations(os.Getenv("DATABASE_URL"), env("MIGRATIONS_DIR", "internal/store/migrations")); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		st = store.NewPostgres(db.MustConnect())
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store")
		st = store.NewMemoryStore()
	}

	var cartCache cache.CartCache
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cartCache = cache.NewRedisCache(redis.NewClient(&redis.Options{Addr: addr}))
	}

	keys, err := loadKeys(env("KEYS_DIR", ""))
	if err != nil {
		log.Fatalf("keys: %v", err)
	}

	signer := merchant.NewSigner(keys.Merchant.Private, st, merchant.Identity{
		Name:            merchantName,
		SupportedMethod: env("SUPPORTED_METHOD", "basic-card"),
		ProcessorURL:    processorURL,
	})
	authorizer := userauth.NewAuthorizer(keys.User.Private, env("CREDENTIAL_PROVIDER", "credentials.example.com"))
	v := validator.New(keys.Merchant.Public, keys.User.Public, merchantName)
	engine := settlement.NewEngine(st, v)

	carts := cartflow.NewManager(st, cartCache)
	carts.Start()
	defer carts.Stop()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/ap2", func(api chi.Router) {

		api.Post("/carts", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				SessionID string `json:"session_id"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil { httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil); return }
			if req.SessionID == "" { httpx.WriteError(w, 400, "MISSING_SESSION", "session_id is required", nil); return }
			cart, err := carts.GetOrCreate(r.Context(), req.SessionID)
			if err != nil { writeStoreError(w, err); return }
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "cart": cart})
		})

		api.Post("/carts/{cart_id}/items", func(w http.ResponseWriter, r *http.Request) {
			cartID := chi.URLParam(r, "cart_id")
			var req struct {
				ProductID string `json:"product_id"`
				Quantity  int    `json:"quantity"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil { httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil); return }
			cart, err := carts.AddItemToCart(r.Context(), cartID, req.ProductID, req.Quantity)
			if err != nil { writeStoreError(w, err); return }
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "cart": cart})
		})

		api.Get("/carts/{cart_id}", func(w http.ResponseWriter, r *http.Request) {
			cart, err := carts.Get(r.Context(), chi.URLParam(r, "cart_id"))
			if err != nil { writeStoreError(w, err); return }
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "cart": cart})
		})

		api.Post("/carts/{cart_id}/mandate", func(w http.ResponseWriter, r *http.Request) {
			cartID := chi.URLParam(r, "cart_id")
			cart, err := carts.Get(r.Context(), cartID)
			if err != nil { writeStoreError(w, err); return }
			mandate, err := signer.IssueCartMandate(r.Context(), cart)
			if err != nil { writeStoreError(w, err); return }
			if cart.Status == store.CartActive {
				if err := carts.MarkCheckout(r.Context(), cartID); err != nil { writeStoreError(w, err); return }
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "cart_mandate": mandate})
		})

		api.Get("/mandates/cart/{cart_id}", func(w http.ResponseWriter, r *http.Request) {
			mandate, err := signer.Mandate(r.Context(), chi.URLParam(r, "cart_id"))
			if err != nil { writeStoreError(w, err); return }
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "cart_mandate": mandate})
		})

		api.Post("/mandates/payment", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				CartID     string         `json:"cart_id"`
				MethodName string         `json:"method_name"`
				Details    map[string]any `json:"details"`
				UserID     string         `json:"user_id"`
				PayerName  string         `json:"payer_name"`
				PayerEmail string         `json:"payer_email"`
				PayerPhone string         `json:"payer_phone"`
				RiskData   map[string]any `json:"risk_data"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil { httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil); return }
			cartMandate, err := signer.Mandate(r.Context(), req.CartID)
			if err != nil { writeStoreError(w, err); return }
			pm, err := authorizer.AuthorizePayment(cartMandate, userauth.PaymentInput{
				MethodName: req.MethodName,
				Details:    req.Details,
				UserID:     req.UserID,
				PayerName:  req.PayerName,
				PayerEmail: req.PayerEmail,
				PayerPhone: req.PayerPhone,
				RiskData:   req.RiskData,
			})
			if err != nil { writeStoreError(w, err); return }
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "payment_mandate": pm})
		})

		api.Post("/processor/charge", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				CartMandate    ap2.CartMandate    `json:"cart_mandate"`
				PaymentMandate ap2.PaymentMandate `json:"payment_mandate"`
				RiskSignals    map[string]any     `json:"risk_signals"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil { httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil); return }
			receipt, err := engine.Settle(r.Context(), req.CartMandate, req.PaymentMandate)
			if err != nil { writeStoreError(w, err); return }
			if cart, err := carts.Get(r.Context(), req.CartMandate.Contents.ID); err == nil && cart.Status == store.CartCheckout {
				_ = carts.MarkCompleted(r.Context(), cart.ID)
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":     httpx.NewRequestID(),
				"transaction_id": receipt.TransactionID,
				"status":         receipt.Status,
				"total_amount":   receipt.TotalAmount,
				"currency":       receipt.Currency,
				"receipt":        receipt,
			})
		})

		api.Get("/processor/transactions/{txn_id}", func(w http.ResponseWriter, r *http.Request) {
			txn, err := engine.Transaction(r.Context(), chi.URLParam(r, "txn_id"))
			if err != nil { writeStoreError(w, err); return }
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "transaction": txn})
		})

		api.Post("/processor/transactions/{txn_id}/refund", func(w http.ResponseWriter, r *http.Request) {
			receipt, err := engine.Refund(r.Context(), chi.URLParam(r, "txn_id"))
			if err != nil { writeStoreError(w, err); return }
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "receipt": receipt})
		})

		api.Get("/products/{product_id}", func(w http.ResponseWriter, r *http.Request) {
			p, err := st.GetProduct(r.Context(), chi.URLParam(r, "product_id"))
			if err != nil { writeStoreError(w, err); return }
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "product": p})
		})

		// DEV helper to seed the catalog for smoke tests
		api.Post("/dev/seed-catalog", func(w http.ResponseWriter, r *http.Request) {
			if err := seedCatalog(r, st); err != nil { httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil); return }
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "seeded": true})
		})
	})

	log.Printf("commerce service listening on :%s (merchant %s)", port, merchantName)
	log.Fatal(http.ListenAndServe(":"+port, r))
}

// loadKeys reads the signing key pairs from dir, generating an ephemeral
// pair when no directory is configured.
func loadKeys(dir string) (*keyring.Keyring, error) {
	if dir == "" {
		log.Printf("KEYS_DIR not set, generating ephemeral signing keys")
		return keyring.Generate()
	}
	return keyring.LoadDir(dir)
}

func seedCatalog(r *http.Request, st store.Store) error {
	seed := []store.Product{
		{ID: "1", Name: "Bulbasaur", Price: decimal.RequireFromString("280"), TotalStock: 10, Available: 10},
		{ID: "4", Name: "Charmander", Price: decimal.RequireFromString("250"), TotalStock: 10, Available: 10},
		{ID: "7", Name: "Squirtle", Price: decimal.RequireFromString("230"), TotalStock: 10, Available: 10},
		{ID: "25", Name: "Pikachu", Price: decimal.RequireFromString("55"), TotalStock: 20, Available: 20},
		{ID: "150", Name: "Mewtwo", Price: decimal.RequireFromString("1500"), TotalStock: 1, Available: 1},
	}
	for _, p := range seed {
		p.Currency = "USD"
		p.ForSale = true
		if err := st.UpsertProduct(r.Context(), p); err != nil {
			return err
		}
	}
	return nil
}

// writeStoreError maps domain errors onto the HTTP taxonomy: authorization
// failures are 403, stock and state conflicts 409, storage failures 500.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrAuthorizationFailed):
		httpx.WriteError(w, 403, "AUTHORIZATION_FAILED", err.Error(), nil)
	case errors.Is(err, store.ErrProductNotFound),
		errors.Is(err, store.ErrCartNotFound),
		errors.Is(err, store.ErrMandateNotFound),
		errors.Is(err, store.ErrTransactionNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, store.ErrInsufficientStock):
		httpx.WriteError(w, 409, "INSUFFICIENT_STOCK", err.Error(), nil)
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, settlement.ErrAlreadyRefunded),
		errors.Is(err, store.ErrRefundExceedsSold):
		httpx.WriteError(w, 409, "CONFLICT", err.Error(), nil)
	case errors.Is(err, ap2.ErrMalformedMandate),
		errors.Is(err, store.ErrInvalidQuantity),
		errors.Is(err, settlement.ErrUnparsableLineItems),
		errors.Is(err, merchant.ErrEmptyCart),
		errors.Is(err, merchant.ErrProductUnavailable),
		errors.Is(err, cartflow.ErrProductNotForSale),
		errors.Is(err, userauth.ErrMissingPaymentMethod):
		httpx.WriteError(w, 400, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, settlement.ErrDatabase):
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
	default:
		httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
	}
}
