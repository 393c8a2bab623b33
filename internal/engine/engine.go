package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/example/cart-service/internal/availability"
	"github.com/example/cart-service/internal/domain/cart"
	"github.com/example/cart-service/internal/infrastructure/cache"
	"github.com/example/cart-service/internal/infrastructure/store"
	"github.com/example/cart-service/internal/policy"
	"github.com/example/cart-service/internal/pricing"
)

// maxConflictAttempts bounds the optimistic-version retry loop before the
// conflict is surfaced to the caller.
const maxConflictAttempts = 3

// EventPublisher receives cart change events. Optional; a nil publisher
// disables event output.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Deps are the collaborators the engine is composed from. All of them are
// constructed at startup and injected; the engine owns no connections.
type Deps struct {
	Store    store.CartStore
	Cache    cache.CartCache
	Pricing  *pricing.Engine
	Policy   *policy.Policy
	Products availability.Provider
	Coupons  pricing.CouponEvaluator
	Events   EventPublisher

	Currency   string
	CartTTL    time.Duration
	SessionTTL time.Duration
}

// Engine orchestrates cart mutations: validate, recompute, persist,
// invalidate. Mutations for one owner are serialized by an advisory lock;
// the store's version check covers writers on other nodes. Reads never
// take the lock.
type Engine struct {
	store    store.CartStore
	cache    cache.CartCache
	pricing  *pricing.Engine
	policy   *policy.Policy
	products availability.Provider
	coupons  pricing.CouponEvaluator
	events   EventPublisher

	currency   string
	cartTTL    time.Duration
	sessionTTL time.Duration

	locks keyedMutex
}

func New(deps Deps) *Engine {
	return &Engine{
		store:      deps.Store,
		cache:      deps.Cache,
		pricing:    deps.Pricing,
		policy:     deps.Policy,
		products:   deps.Products,
		coupons:    deps.Coupons,
		events:     deps.Events,
		currency:   deps.Currency,
		cartTTL:    deps.CartTTL,
		sessionTTL: deps.SessionTTL,
	}
}

// GetCart returns the owner's active cart, cache first. A missing cart
// yields an empty virtual snapshot; reads never create state.
func (e *Engine) GetCart(ctx context.Context, owner cart.OwnerKey) (*cart.Snapshot, error) {
	snap, err := e.cache.Get(ctx, owner)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		log.Printf("[Engine] Cache read for %s degraded to store: %v", owner, err)
	}

	c, items, err := e.store.GetWithItems(ctx, owner)
	if errors.Is(err, cart.ErrCartNotFound) {
		return e.virtualCart(owner), nil
	}
	if err != nil {
		return nil, err
	}

	snap = &cart.Snapshot{Cart: *c, Items: items}
	if err := e.cache.Set(ctx, owner, snap); err != nil {
		log.Printf("[Engine] Cache populate for %s failed: %v", owner, err)
	}
	return snap, nil
}

// AddItem validates quantity and availability, snapshots the product into
// a line (folding into an existing line for the same product+variant) and
// commits the recomputed cart. The cart is created lazily here.
func (e *Engine) AddItem(ctx context.Context, owner cart.OwnerKey, productID, variantID string, quantity int) (*cart.Snapshot, error) {
	if productID == "" {
		return nil, cart.ErrInvalidProduct
	}
	if err := e.policy.ClampQuantity(quantity); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(owner.String())
	defer unlock()

	avail, err := e.products.Check(ctx, productID, variantID, quantity)
	if err != nil {
		return nil, err
	}
	if !avail.Active {
		return nil, fmt.Errorf("product %s: %w", productID, cart.ErrProductUnavailable)
	}

	c, items, err := e.getOrCreate(ctx, owner)
	if err != nil {
		return nil, err
	}

	// The stock and quantity checks apply to the folded line total, not
	// just the increment.
	combined := quantity
	foldIdx := -1
	for i, it := range items {
		if cart.LineKey(it.ProductID, it.VariantID) == cart.LineKey(productID, variantID) {
			combined += it.Quantity
			foldIdx = i
			break
		}
	}
	if err := e.policy.ClampQuantity(combined); err != nil {
		return nil, err
	}
	if foldIdx < 0 {
		if err := e.policy.CheckCartSize(len(items), 1); err != nil {
			return nil, err
		}
	}
	if !avail.Available || combined > avail.CurrentStock {
		return nil, fmt.Errorf("product %s: requested %d, stock %d: %w",
			productID, combined, avail.CurrentStock, cart.ErrOutOfStock)
	}

	line := cart.Item{
		ID:           uuid.New().String(),
		CartID:       c.ID,
		ProductID:    productID,
		VariantID:    variantID,
		Name:         avail.Name,
		SKU:          avail.SKU,
		Image:        avail.Image,
		Quantity:     quantity,
		Price:        avail.Price,
		ComparePrice: avail.ComparePrice,
	}

	// next is the line set the commit leaves behind; the store applies
	// the same fold.
	next := copyItems(items)
	if foldIdx >= 0 {
		next[foldIdx].Quantity = combined
		next[foldIdx].Name = line.Name
		next[foldIdx].SKU = line.SKU
		next[foldIdx].Image = line.Image
		next[foldIdx].Price = line.Price
		next[foldIdx].ComparePrice = line.ComparePrice
	} else {
		next = append(next, line)
	}

	snap, err := e.commit(ctx, owner, c, next, store.ItemMutation{Adds: []cart.Item{line}}, c.AppliedCoupons)
	if err != nil {
		return nil, err
	}
	e.publishUpdated(ctx, snap)
	return snap, nil
}

// UpdateItemQuantity sets a line's quantity after re-validating stock.
// Quantity zero removes the line.
func (e *Engine) UpdateItemQuantity(ctx context.Context, owner cart.OwnerKey, itemID string, quantity int) (*cart.Snapshot, error) {
	if quantity == 0 {
		return e.RemoveItem(ctx, owner, itemID)
	}
	if err := e.policy.ClampQuantity(quantity); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(owner.String())
	defer unlock()

	c, items, err := e.store.GetWithItems(ctx, owner)
	if err != nil {
		return nil, err
	}

	idx := indexOfItem(items, itemID)
	if idx < 0 {
		return nil, fmt.Errorf("item %s: %w", itemID, cart.ErrItemNotFound)
	}
	target := items[idx]

	avail, err := e.products.Check(ctx, target.ProductID, target.VariantID, quantity)
	if err != nil {
		return nil, err
	}
	if !avail.Active {
		return nil, fmt.Errorf("product %s: %w", target.ProductID, cart.ErrProductUnavailable)
	}
	if !avail.Available || quantity > avail.CurrentStock {
		return nil, fmt.Errorf("product %s: requested %d, stock %d: %w",
			target.ProductID, quantity, avail.CurrentStock, cart.ErrOutOfStock)
	}

	next := copyItems(items)
	next[idx].Quantity = quantity

	snap, err := e.commit(ctx, owner, c, next,
		store.ItemMutation{SetQuantityID: itemID, SetQuantity: quantity}, c.AppliedCoupons)
	if err != nil {
		return nil, err
	}
	e.publishUpdated(ctx, snap)
	return snap, nil
}

// RemoveItem deletes a line unconditionally.
func (e *Engine) RemoveItem(ctx context.Context, owner cart.OwnerKey, itemID string) (*cart.Snapshot, error) {
	unlock := e.locks.lock(owner.String())
	defer unlock()

	c, items, err := e.store.GetWithItems(ctx, owner)
	if err != nil {
		return nil, err
	}

	idx := indexOfItem(items, itemID)
	if idx < 0 {
		return nil, fmt.Errorf("item %s: %w", itemID, cart.ErrItemNotFound)
	}
	next := append(copyItems(items[:idx]), items[idx+1:]...)

	snap, err := e.commit(ctx, owner, c, next, store.ItemMutation{RemoveID: itemID}, c.AppliedCoupons)
	if err != nil {
		return nil, err
	}
	e.publishUpdated(ctx, snap)
	return snap, nil
}

// ClearCart empties the cart, resetting totals and coupons. Clearing a
// nonexistent cart is a no-op.
func (e *Engine) ClearCart(ctx context.Context, owner cart.OwnerKey) (*cart.Snapshot, error) {
	unlock := e.locks.lock(owner.String())
	defer unlock()

	c, err := e.store.FindByOwner(ctx, owner)
	if errors.Is(err, cart.ErrCartNotFound) {
		return e.virtualCart(owner), nil
	}
	if err != nil {
		return nil, err
	}

	snap, err := e.commit(ctx, owner, c, nil, store.ItemMutation{Clear: true}, nil)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, cart.EventCartCleared, c.ID, cart.CartCleared{
		CartID:    c.ID,
		OwnerKey:  owner.String(),
		ClearedAt: time.Now(),
	})
	return snap, nil
}

// ApplyCoupon adds a code to the cart's coupon set. Applying an
// already-applied code is a no-op. The code is validated before commit;
// an invalid code fails the operation and leaves the cart untouched.
func (e *Engine) ApplyCoupon(ctx context.Context, owner cart.OwnerKey, code string) (*cart.Snapshot, error) {
	unlock := e.locks.lock(owner.String())
	defer unlock()

	c, items, err := e.store.GetWithItems(ctx, owner)
	if err != nil {
		return nil, err
	}
	if c.HasCoupon(code) {
		return &cart.Snapshot{Cart: *c, Items: items}, nil
	}

	if _, err := e.coupons.Evaluate(ctx, code, pricing.Subtotal(items)); err != nil {
		return nil, err
	}

	coupons := append(append([]string(nil), c.AppliedCoupons...), code)
	snap, err := e.commit(ctx, owner, c, items, store.ItemMutation{}, coupons)
	if err != nil {
		return nil, err
	}
	e.publishUpdated(ctx, snap)
	return snap, nil
}

// RemoveCoupon drops a code from the coupon set. Removing a code that is
// not applied is a no-op.
func (e *Engine) RemoveCoupon(ctx context.Context, owner cart.OwnerKey, code string) (*cart.Snapshot, error) {
	unlock := e.locks.lock(owner.String())
	defer unlock()

	c, items, err := e.store.GetWithItems(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !c.HasCoupon(code) {
		return &cart.Snapshot{Cart: *c, Items: items}, nil
	}

	coupons := make([]string, 0, len(c.AppliedCoupons))
	for _, applied := range c.AppliedCoupons {
		if applied != code {
			coupons = append(coupons, applied)
		}
	}

	snap, err := e.commit(ctx, owner, c, items, store.ItemMutation{}, coupons)
	if err != nil {
		return nil, err
	}
	e.publishUpdated(ctx, snap)
	return snap, nil
}

// SetNotes updates the cart's free text. Totals are unaffected.
func (e *Engine) SetNotes(ctx context.Context, owner cart.OwnerKey, notes string) (*cart.Snapshot, error) {
	unlock := e.locks.lock(owner.String())
	defer unlock()

	c, items, err := e.store.GetWithItems(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetNotes(ctx, c.ID, notes); err != nil {
		return nil, err
	}
	c.Notes = notes
	e.invalidate(ctx, owner)
	return &cart.Snapshot{Cart: *c, Items: items}, nil
}

// ConvertCart transitions the cart to CONVERTED once an order has been
// placed from it. The cart leaves the owner's active slot.
func (e *Engine) ConvertCart(ctx context.Context, owner cart.OwnerKey) error {
	unlock := e.locks.lock(owner.String())
	defer unlock()

	c, err := e.store.FindByOwner(ctx, owner)
	if err != nil {
		return err
	}
	if err := e.store.SetStatus(ctx, c.ID, cart.StatusConverted); err != nil {
		return err
	}
	e.invalidate(ctx, owner)
	return nil
}

// ExpireCarts transitions carts whose TTL lapsed to EXPIRED. Run
// periodically by the composition root.
func (e *Engine) ExpireCarts(ctx context.Context) (int, error) {
	return e.store.ExpireBefore(ctx, time.Now())
}

func (e *Engine) getOrCreate(ctx context.Context, owner cart.OwnerKey) (*cart.Cart, []cart.Item, error) {
	c, items, err := e.store.GetWithItems(ctx, owner)
	if err == nil {
		return c, items, nil
	}
	if !errors.Is(err, cart.ErrCartNotFound) {
		return nil, nil, err
	}

	c, err = e.store.Create(ctx, owner, e.currency, e.expiry(owner))
	if err != nil {
		return nil, nil, err
	}
	return c, nil, nil
}

// commit recomputes totals for the post-change line set and hands the
// line change, totals and coupon set to the store as one atomic write
// under the optimistic version check, then invalidates the cache entry.
// A failed commit persists nothing, so a rejected mutation leaves the
// stored cart exactly as it was. An empty cart always commits zero
// totals and an empty coupon set.
func (e *Engine) commit(ctx context.Context, owner cart.OwnerKey, c *cart.Cart, items []cart.Item, change store.ItemMutation, coupons []string) (*cart.Snapshot, error) {
	if len(items) == 0 {
		coupons = nil
	}

	totals, err := e.pricing.Compute(ctx, items, coupons)
	if err != nil {
		return nil, err
	}

	expiresAt := e.expiry(owner)
	version := c.Version
	for attempt := 1; ; attempt++ {
		newVersion, err := e.store.Commit(ctx, c.ID, change, totals, coupons, expiresAt, version)
		if err == nil {
			version = newVersion
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		if attempt >= maxConflictAttempts {
			return nil, fmt.Errorf("cart %s: %w", c.ID, cart.ErrConflictRetryExhausted)
		}
		// A conflicted commit applied nothing; re-sending the same change
		// at the fresh version is safe.
		fresh, ferr := e.store.FindByOwner(ctx, owner)
		if ferr != nil {
			return nil, ferr
		}
		version = fresh.Version
	}

	c.ApplyTotals(totals)
	if coupons == nil {
		coupons = []string{}
	}
	c.AppliedCoupons = coupons
	c.ExpiresAt = expiresAt
	c.Version = version
	c.UpdatedAt = time.Now()

	e.invalidate(ctx, owner)
	return &cart.Snapshot{Cart: *c, Items: items}, nil
}

func (e *Engine) invalidate(ctx context.Context, owners ...cart.OwnerKey) {
	if err := e.cache.Invalidate(ctx, owners...); err != nil {
		// Degraded, not fatal: entries expire on TTL and the next write
		// retries the delete.
		log.Printf("[Engine] Cache invalidate failed: %v", err)
	}
}

func (e *Engine) virtualCart(owner cart.OwnerKey) *cart.Snapshot {
	c := cart.Cart{
		OwnerKey:       owner,
		Status:         cart.StatusActive,
		Currency:       e.currency,
		AppliedCoupons: []string{},
	}
	c.ApplyTotals(cart.ZeroTotals())
	return &cart.Snapshot{Cart: c}
}

func (e *Engine) expiry(owner cart.OwnerKey) *time.Time {
	ttl := e.cartTTL
	if owner.IsGuest() {
		ttl = e.sessionTTL
	}
	t := time.Now().Add(ttl)
	return &t
}

func (e *Engine) publishUpdated(ctx context.Context, snap *cart.Snapshot) {
	e.publish(ctx, cart.EventCartUpdated, snap.Cart.ID, cart.CartUpdated{
		CartID:      snap.Cart.ID,
		OwnerKey:    snap.Cart.OwnerKey.String(),
		ItemCount:   len(snap.Items),
		TotalAmount: snap.Cart.TotalAmount,
		Currency:    snap.Cart.Currency,
		UpdatedAt:   snap.Cart.UpdatedAt,
	})
}

func (e *Engine) publish(ctx context.Context, eventType, cartID string, payload any) {
	if e.events == nil {
		return
	}
	env, err := cart.NewEnvelope(eventType, cartID, payload)
	if err != nil {
		log.Printf("[Engine] Marshal %s event for cart %s: %v", eventType, cartID, err)
		return
	}
	if err := e.events.Publish(ctx, cartID, env); err != nil {
		log.Printf("[Engine] Publish %s event for cart %s: %v", eventType, cartID, err)
	}
}

func copyItems(items []cart.Item) []cart.Item {
	out := make([]cart.Item, len(items))
	copy(out, items)
	return out
}

func indexOfItem(items []cart.Item, itemID string) int {
	for i := range items {
		if items[i].ID == itemID {
			return i
		}
	}
	return -1
}
