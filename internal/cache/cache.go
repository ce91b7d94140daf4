package cache

import (
	"context"
	"errors"

	"github.com/agentpay/mandatelane/internal/store"
)

// CartCache is a read-through cache keyed by session. A nil CartCache is
// valid everywhere it is consumed; callers fall straight through to the
// store.
type CartCache interface {
	Get(ctx context.Context, sessionID string) (*store.Cart, error)
	Set(ctx context.Context, sessionID string, cart *store.Cart) error
	Delete(ctx context.Context, sessionID string) error
}

var ErrCacheMiss = errors.New("cache miss")
