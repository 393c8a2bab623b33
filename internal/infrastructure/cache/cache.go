package cache

import (
	"context"
	"errors"

	"github.com/example/cart-service/internal/domain/cart"
)

// ErrCacheMiss signals the entry is absent; callers fall through to the
// store and repopulate.
var ErrCacheMiss = errors.New("cache miss")

// CartCache is a time-expiring mirror of cart snapshots keyed by owner.
// It is a derived, disposable artifact: any failure degrades to the store
// with only a latency cost. Unavailability surfaces as
// cart.ErrCacheUnavailable, never as a hard failure.
type CartCache interface {
	Get(ctx context.Context, owner cart.OwnerKey) (*cart.Snapshot, error)
	Set(ctx context.Context, owner cart.OwnerKey, snapshot *cart.Snapshot) error
	Invalidate(ctx context.Context, owners ...cart.OwnerKey) error
}
