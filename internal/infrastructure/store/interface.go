package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/cart-service/internal/domain/cart"
)

// ErrVersionConflict is returned by Commit when the cart was modified by
// another writer since it was read. The engine retries a bounded number
// of times before surfacing ErrConflictRetryExhausted.
var ErrVersionConflict = errors.New("cart version conflict")

// ItemMutation is the line change a Commit carries. At most one field is
// set; the zero value commits totals and coupons only.
type ItemMutation struct {
	// Adds inserts lines. Each folds into an existing line for the same
	// product+variant pair instead of duplicating it: quantities add and
	// the stored snapshot fields (name, sku, image, price) refresh.
	Adds []cart.Item

	// SetQuantityID and SetQuantity set an existing line's quantity.
	SetQuantityID string
	SetQuantity   int

	// RemoveID deletes a line.
	RemoveID string

	// Clear deletes every line.
	Clear bool
}

// CartStore is the durable source of truth for carts and their items.
// Lookups by owner only see ACTIVE, unexpired carts. Storage failures wrap
// cart.ErrStorageUnavailable; missing rows wrap cart.ErrCartNotFound or
// cart.ErrItemNotFound.
type CartStore interface {
	// FindByOwner returns the active cart bound to the owner key.
	FindByOwner(ctx context.Context, owner cart.OwnerKey) (*cart.Cart, error)

	// Create inserts a new empty ACTIVE cart for the owner.
	Create(ctx context.Context, owner cart.OwnerKey, currency string, expiresAt *time.Time) (*cart.Cart, error)

	// GetWithItems returns the active cart and its ordered item lines.
	GetWithItems(ctx context.Context, owner cart.OwnerKey) (*cart.Cart, []cart.Item, error)

	// Commit applies the line change and persists recomputed totals, the
	// coupon set and a new expiry as one atomic write, guarded by an
	// optimistic version check. A failed commit persists nothing: items
	// and totals are never out of sync. Returns the new version, or
	// ErrVersionConflict.
	Commit(ctx context.Context, cartID string, change ItemMutation, totals cart.Totals, coupons []string, expiresAt *time.Time, expectedVersion int) (int, error)

	// SetNotes updates the cart's free-text notes.
	SetNotes(ctx context.Context, cartID, notes string) error

	// SetStatus transitions a cart out of ACTIVE.
	SetStatus(ctx context.Context, cartID string, status cart.Status) error

	// ExpireBefore marks ACTIVE carts whose expiry passed before the cutoff
	// as EXPIRED and returns how many were transitioned.
	ExpireBefore(ctx context.Context, cutoff time.Time) (int, error)
}
