// Package cartflow owns the session-scoped cart lifecycle: one active cart
// per session, snapshotted line prices, one-way status transitions, and a
// background sweep that expires overdue carts.
package cartflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentpay/mandatelane/internal/cache"
	"github.com/agentpay/mandatelane/internal/store"
)

var ErrProductNotForSale = errors.New("product not for sale")

const (
	defaultCartTTL    = time.Hour
	defaultSweepEvery = time.Minute
)

type Manager struct {
	store store.Store
	cache cache.CartCache // nil disables caching
	ttl   time.Duration

	sweepEvery time.Duration
	stop       chan struct{}
	wg         sync.WaitGroup
}

func NewManager(st store.Store, c cache.CartCache) *Manager {
	return &Manager{
		store:      st,
		cache:      c,
		ttl:        defaultCartTTL,
		sweepEvery: defaultSweepEvery,
		stop:       make(chan struct{}),
	}
}

// WithTTL sets the expiry window for newly created carts.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

// WithSweepInterval sets how often the background sweep runs.
func (m *Manager) WithSweepInterval(d time.Duration) *Manager {
	m.sweepEvery = d
	return m
}

// GetOrCreate returns the session's active cart, creating one if none
// exists. An expired cart is rotated to expired and replaced with a fresh
// empty one, never returned.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (store.Cart, error) {
	if m.cache != nil {
		if cached, err := m.cache.Get(ctx, sessionID); err == nil {
			if cached.Status == store.CartActive && !cached.Expired(time.Now().UTC()) {
				return *cached, nil
			}
			// Stale entry; drop it and fall through to the store.
			_ = m.cache.Delete(ctx, sessionID)
		}
	}

	cart, err := m.store.GetOrCreateActiveCart(ctx, sessionID, m.ttl)
	if err != nil {
		return store.Cart{}, err
	}
	if m.cache != nil {
		_ = m.cache.Set(ctx, sessionID, &cart)
	}
	return cart, nil
}

// Get returns a cart by id, bypassing the cache.
func (m *Manager) Get(ctx context.Context, cartID string) (store.Cart, error) {
	return m.store.GetCart(ctx, cartID)
}

// AddItem adds quantity of a product to the session's active cart. An
// existing line keeps its snapshotted unit price and just grows; a new
// line snapshots the product's current catalog price.
func (m *Manager) AddItem(ctx context.Context, sessionID, productID string, quantity int) (store.Cart, error) {
	cart, err := m.GetOrCreate(ctx, sessionID)
	if err != nil {
		return store.Cart{}, err
	}
	return m.addLine(ctx, cart, productID, quantity)
}

// AddItemToCart is the cart-id-addressed variant. The cart must still be
// active.
func (m *Manager) AddItemToCart(ctx context.Context, cartID, productID string, quantity int) (store.Cart, error) {
	cart, err := m.store.GetCart(ctx, cartID)
	if err != nil {
		return store.Cart{}, err
	}
	if cart.Status != store.CartActive {
		return store.Cart{}, fmt.Errorf("%w: cart %s is %s, not %s",
			store.ErrInvalidTransition, cartID, cart.Status, store.CartActive)
	}
	return m.addLine(ctx, cart, productID, quantity)
}

func (m *Manager) addLine(ctx context.Context, cart store.Cart, productID string, quantity int) (store.Cart, error) {
	if quantity <= 0 {
		return store.Cart{}, fmt.Errorf("%w: got %d", store.ErrInvalidQuantity, quantity)
	}

	found := false
	for i := range cart.Items {
		if cart.Items[i].ProductID == productID {
			cart.Items[i].Quantity += quantity
			found = true
			break
		}
	}
	if !found {
		p, err := m.store.GetProduct(ctx, productID)
		if err != nil {
			return store.Cart{}, err
		}
		if !p.ForSale {
			return store.Cart{}, fmt.Errorf("%w: %s", ErrProductNotForSale, p.Name)
		}
		cart.Items = append(cart.Items, store.CartItem{
			ProductID: p.ID,
			Name:      p.Name,
			Quantity:  quantity,
			UnitPrice: p.Price,
			AddedAt:   time.Now().UTC(),
		})
	}

	if err := m.store.SaveCartItems(ctx, cart.ID, cart.Items); err != nil {
		return store.Cart{}, err
	}
	if m.cache != nil && cart.SessionID != "" {
		_ = m.cache.Set(ctx, cart.SessionID, &cart)
	}
	return cart, nil
}

// MarkCheckout transitions active -> checkout.
func (m *Manager) MarkCheckout(ctx context.Context, cartID string) error {
	return m.transition(ctx, cartID, store.CartActive, store.CartCheckout)
}

// MarkCompleted transitions checkout -> completed.
func (m *Manager) MarkCompleted(ctx context.Context, cartID string) error {
	return m.transition(ctx, cartID, store.CartCheckout, store.CartCompleted)
}

// MarkAbandoned transitions active -> abandoned.
func (m *Manager) MarkAbandoned(ctx context.Context, cartID string) error {
	return m.transition(ctx, cartID, store.CartActive, store.CartAbandoned)
}

func (m *Manager) transition(ctx context.Context, cartID string, from, to store.CartStatus) error {
	if err := m.store.SetCartStatus(ctx, cartID, from, to); err != nil {
		return err
	}
	if m.cache != nil {
		if cart, err := m.store.GetCart(ctx, cartID); err == nil && cart.SessionID != "" {
			_ = m.cache.Delete(ctx, cart.SessionID)
		}
	}
	return nil
}

// SweepExpired transitions every active cart whose expiry has passed.
// Idempotent; safe to run concurrently with user-facing operations.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	return m.store.ExpireActiveCartsBefore(ctx, time.Now().UTC())
}

// Start launches the background sweep loop. Stop shuts it down.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				n, err := m.SweepExpired(context.Background())
				if err != nil {
					log.Printf("cart sweep failed: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("cart sweep expired %d carts", n)
				}
			}
		}
	}()
}

func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}
