package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentpay/mandatelane/pkg/ap2"
)

// MemoryStore implements Store with mutex-guarded in-memory maps. It backs
// unit tests and demo mode; the single lock gives the same all-or-nothing
// settlement semantics the postgres store gets from a transaction.
type MemoryStore struct {
	mu           sync.RWMutex
	products     map[string]*Product
	carts        map[string]*Cart
	mandates     map[string]ap2.CartMandate
	transactions map[string]Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:     make(map[string]*Product),
		carts:        make(map[string]*Cart),
		mandates:     make(map[string]ap2.CartMandate),
		transactions: make(map[string]Transaction),
	}
}

func (s *MemoryStore) GetProduct(_ context.Context, id string) (Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	return *p, nil
}

func (s *MemoryStore) GetProductByName(_ context.Context, name string) (Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.products {
		if p.Name == name {
			return *p, nil
		}
	}
	return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, name)
}

func (s *MemoryStore) UpsertProduct(_ context.Context, p Product) error {
	if p.Available+p.Sold != p.TotalStock {
		return fmt.Errorf("product %s: available %d + sold %d != total_stock %d",
			p.ID, p.Available, p.Sold, p.TotalStock)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.products[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.products[p.ID] = &p
	return nil
}

func (s *MemoryStore) GetOrCreateActiveCart(_ context.Context, sessionID string, ttl time.Duration) (Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()

	if c := s.activeCartLocked(sessionID); c != nil {
		if !c.Expired(now) {
			return cloneCart(*c), nil
		}
		c.Status = CartExpired
		c.UpdatedAt = now
	}

	cart := &Cart{
		ID:        ap2.NewCartID(),
		SessionID: sessionID,
		Status:    CartActive,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.carts[cart.ID] = cart
	return cloneCart(*cart), nil
}

// activeCartLocked returns the oldest active cart for the session; the
// GetOrCreateActiveCart path never creates a second one.
func (s *MemoryStore) activeCartLocked(sessionID string) *Cart {
	var found *Cart
	for _, c := range s.carts {
		if c.SessionID != sessionID || c.Status != CartActive {
			continue
		}
		if found == nil || c.CreatedAt.Before(found.CreatedAt) {
			found = c
		}
	}
	return found
}

func (s *MemoryStore) GetCart(_ context.Context, id string) (Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.carts[id]
	if !ok {
		return Cart{}, fmt.Errorf("%w: %s", ErrCartNotFound, id)
	}
	return cloneCart(*c), nil
}

func (s *MemoryStore) SaveCartItems(_ context.Context, cartID string, items []CartItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[cartID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCartNotFound, cartID)
	}
	c.Items = append([]CartItem(nil), items...)
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetCartStatus(_ context.Context, cartID string, from, to CartStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[cartID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCartNotFound, cartID)
	}
	if c.Status != from {
		return fmt.Errorf("%w: cart %s is %s, not %s", ErrInvalidTransition, cartID, c.Status, from)
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ExpireActiveCartsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.carts {
		if c.Status == CartActive && !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(cutoff) {
			c.Status = CartExpired
			c.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PutCartMandate(_ context.Context, m ap2.CartMandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mandates[m.Contents.ID] = m
	return nil
}

func (s *MemoryStore) GetCartMandate(_ context.Context, cartID string) (ap2.CartMandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mandates[cartID]
	if !ok {
		return ap2.CartMandate{}, fmt.Errorf("%w: %s", ErrMandateNotFound, cartID)
	}
	return m, nil
}

func (s *MemoryStore) RecordSettlement(_ context.Context, lines []LineItem, txn Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every line before touching anything: all-or-nothing.
	for _, l := range lines {
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: product %s quantity %d", ErrInvalidQuantity, l.ProductID, l.Quantity)
		}
		p, ok := s.products[l.ProductID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrProductNotFound, l.ProductID)
		}
		if p.Available < l.Quantity {
			return fmt.Errorf("%w: product %s: requested %d, available %d",
				ErrInsufficientStock, l.ProductID, l.Quantity, p.Available)
		}
	}
	now := time.Now().UTC()
	for _, l := range lines {
		p := s.products[l.ProductID]
		p.Available -= l.Quantity
		p.Sold += l.Quantity
		p.UpdatedAt = now
	}
	s.transactions[txn.TransactionID] = txn
	return nil
}

func (s *MemoryStore) RecordRefund(_ context.Context, lines []LineItem, txn Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if txn.RefundOf != "" {
		for _, existing := range s.transactions {
			if existing.RefundOf == txn.RefundOf {
				return fmt.Errorf("%w: %s", ErrAlreadyRefunded, txn.RefundOf)
			}
		}
	}
	for _, l := range lines {
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: product %s quantity %d", ErrInvalidQuantity, l.ProductID, l.Quantity)
		}
		p, ok := s.products[l.ProductID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrProductNotFound, l.ProductID)
		}
		if p.Sold < l.Quantity {
			return fmt.Errorf("%w: product %s: refund %d, sold %d",
				ErrRefundExceedsSold, l.ProductID, l.Quantity, p.Sold)
		}
	}
	now := time.Now().UTC()
	for _, l := range lines {
		p := s.products[l.ProductID]
		p.Available += l.Quantity
		p.Sold -= l.Quantity
		p.UpdatedAt = now
	}
	s.transactions[txn.TransactionID] = txn
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transactions[id]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return t, nil
}

func cloneCart(c Cart) Cart {
	c.Items = append([]CartItem(nil), c.Items...)
	return c
}
