package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/example/cart-service/internal/availability"
	"github.com/example/cart-service/internal/domain/cart"
	"github.com/example/cart-service/internal/infrastructure/cache"
)

// fakeProvider serves availability answers from an in-memory catalog.
type fakeProduct struct {
	price  string
	stock  int
	active bool
	name   string
	sku    string
}

type fakeProvider struct {
	mu       sync.Mutex
	products map[string]fakeProduct
	err      error
	calls    int
}

func (f *fakeProvider) Check(_ context.Context, productID, _ string, quantity int) (*availability.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.products[productID]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", productID, cart.ErrProductUnavailable)
	}
	return &availability.Result{
		Active:       p.active,
		Available:    quantity <= p.stock,
		CurrentStock: p.stock,
		Price:        decimal.RequireFromString(p.price),
		Name:         p.name,
		SKU:          p.sku,
	}, nil
}

// fakeCache is an in-memory CartCache with failure injection.
type fakeCache struct {
	mu            sync.Mutex
	entries       map[cart.OwnerKey]*cart.Snapshot
	fail          bool
	invalidations int
	sets          int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[cart.OwnerKey]*cart.Snapshot)}
}

func (f *fakeCache) Get(_ context.Context, owner cart.OwnerKey) (*cart.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, fmt.Errorf("cache down: %w", cart.ErrCacheUnavailable)
	}
	snap, ok := f.entries[owner]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return snap, nil
}

func (f *fakeCache) Set(_ context.Context, owner cart.OwnerKey, snapshot *cart.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("cache down: %w", cart.ErrCacheUnavailable)
	}
	f.sets++
	f.entries[owner] = snapshot
	return nil
}

func (f *fakeCache) Invalidate(_ context.Context, owners ...cart.OwnerKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("cache down: %w", cart.ErrCacheUnavailable)
	}
	f.invalidations++
	for _, owner := range owners {
		delete(f.entries, owner)
	}
	return nil
}

// fakeEvaluator maps codes to fixed discounts; unknown codes are invalid.
type fakeEvaluator struct {
	mu        sync.Mutex
	discounts map[string]string
	err       error
	calls     int
}

func (f *fakeEvaluator) Evaluate(_ context.Context, code string, _ decimal.Decimal) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return decimal.Zero, f.err
	}
	if d, ok := f.discounts[code]; ok {
		return decimal.RequireFromString(d), nil
	}
	return decimal.Zero, fmt.Errorf("coupon %q: %w", code, cart.ErrCouponInvalid)
}

// fakePublisher records published envelopes.
type fakePublisher struct {
	mu     sync.Mutex
	events []*cart.Envelope
}

func (f *fakePublisher) Publish(_ context.Context, _ string, event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if env, ok := event.(*cart.Envelope); ok {
		f.events = append(f.events, env)
	}
	return nil
}

func (f *fakePublisher) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.events))
	for i, env := range f.events {
		types[i] = env.EventType
	}
	return types
}
