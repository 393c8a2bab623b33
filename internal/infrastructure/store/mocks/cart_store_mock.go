package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/cart-service/internal/domain/cart"
	"github.com/example/cart-service/internal/infrastructure/store"
)

// MockCartStore is an in-memory CartStore for testing. It honors the fold
// and version semantics of the real backends and supports error injection.
type MockCartStore struct {
	mu    sync.RWMutex
	carts map[string]*cart.Cart  // cartID -> cart
	items map[string][]cart.Item // cartID -> lines

	// Error injection: when set, every call fails with this error.
	FailWith error

	// CommitConflicts makes the next N Commit calls fail with
	// ErrVersionConflict before succeeding. A conflicted commit applies
	// nothing, matching the real backends.
	CommitConflicts int

	// CommitCalls counts committed and conflicted Commit calls.
	CommitCalls int
}

func NewMockCartStore() *MockCartStore {
	return &MockCartStore{
		carts: make(map[string]*cart.Cart),
		items: make(map[string][]cart.Item),
	}
}

func (m *MockCartStore) FindByOwner(_ context.Context, owner cart.OwnerKey) (*cart.Cart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	return m.findByOwnerLocked(owner)
}

func (m *MockCartStore) findByOwnerLocked(owner cart.OwnerKey) (*cart.Cart, error) {
	now := time.Now()
	for _, c := range m.carts {
		if c.OwnerKey != owner || c.Status != cart.StatusActive {
			continue
		}
		if c.ExpiresAt != nil && c.ExpiresAt.Before(now) {
			continue
		}
		copied := *c
		return &copied, nil
	}
	return nil, cart.ErrCartNotFound
}

func (m *MockCartStore) Create(_ context.Context, owner cart.OwnerKey, currency string, expiresAt *time.Time) (*cart.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}

	now := time.Now()
	c := &cart.Cart{
		ID:             uuid.New().String(),
		OwnerKey:       owner,
		Status:         cart.StatusActive,
		Currency:       currency,
		AppliedCoupons: []string{},
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	c.ApplyTotals(cart.ZeroTotals())
	m.carts[c.ID] = c

	copied := *c
	return &copied, nil
}

func (m *MockCartStore) GetWithItems(_ context.Context, owner cart.OwnerKey) (*cart.Cart, []cart.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailWith != nil {
		return nil, nil, m.FailWith
	}

	c, err := m.findByOwnerLocked(owner)
	if err != nil {
		return nil, nil, err
	}
	items := make([]cart.Item, len(m.items[c.ID]))
	copy(items, m.items[c.ID])
	return c, items, nil
}

func (m *MockCartStore) Commit(_ context.Context, cartID string, change store.ItemMutation, totals cart.Totals, coupons []string, expiresAt *time.Time, expectedVersion int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return 0, m.FailWith
	}

	m.CommitCalls++
	if m.CommitConflicts > 0 {
		m.CommitConflicts--
		return 0, fmt.Errorf("cart %s: %w", cartID, store.ErrVersionConflict)
	}

	c, ok := m.carts[cartID]
	if !ok {
		return 0, cart.ErrCartNotFound
	}
	if c.Version != expectedVersion {
		return 0, fmt.Errorf("cart %s at version %d: %w", cartID, expectedVersion, store.ErrVersionConflict)
	}

	lines, err := m.applyChangeLocked(cartID, change)
	if err != nil {
		return 0, err
	}
	m.items[cartID] = lines

	c.ApplyTotals(totals)
	if coupons == nil {
		coupons = []string{}
	}
	c.AppliedCoupons = append([]string(nil), coupons...)
	c.ExpiresAt = expiresAt
	c.Version++
	c.UpdatedAt = time.Now()
	return c.Version, nil
}

func (m *MockCartStore) applyChangeLocked(cartID string, change store.ItemMutation) ([]cart.Item, error) {
	lines := m.items[cartID]
	switch {
	case change.Clear:
		return nil, nil

	case len(change.Adds) > 0:
		for _, add := range change.Adds {
			key := cart.LineKey(add.ProductID, add.VariantID)
			folded := false
			for i := range lines {
				if cart.LineKey(lines[i].ProductID, lines[i].VariantID) == key {
					lines[i].Quantity += add.Quantity
					lines[i].Name = add.Name
					lines[i].SKU = add.SKU
					lines[i].Image = add.Image
					lines[i].Price = add.Price
					lines[i].ComparePrice = add.ComparePrice
					folded = true
					break
				}
			}
			if !folded {
				if add.ID == "" {
					add.ID = uuid.New().String()
				}
				add.CartID = cartID
				lines = append(lines, add)
			}
		}
		return lines, nil

	case change.SetQuantityID != "":
		for i := range lines {
			if lines[i].ID == change.SetQuantityID {
				lines[i].Quantity = change.SetQuantity
				return lines, nil
			}
		}
		return nil, fmt.Errorf("item %s: %w", change.SetQuantityID, cart.ErrItemNotFound)

	case change.RemoveID != "":
		for i := range lines {
			if lines[i].ID == change.RemoveID {
				return append(lines[:i], lines[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("item %s: %w", change.RemoveID, cart.ErrItemNotFound)
	}
	return lines, nil
}

func (m *MockCartStore) SetNotes(_ context.Context, cartID, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}

	c, ok := m.carts[cartID]
	if !ok {
		return cart.ErrCartNotFound
	}
	c.Notes = notes
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MockCartStore) SetStatus(_ context.Context, cartID string, status cart.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}

	c, ok := m.carts[cartID]
	if !ok {
		return cart.ErrCartNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MockCartStore) ExpireBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return 0, m.FailWith
	}

	expired := 0
	for _, c := range m.carts {
		if c.Status == cart.StatusActive && c.ExpiresAt != nil && c.ExpiresAt.Before(cutoff) {
			c.Status = cart.StatusExpired
			expired++
		}
	}
	return expired, nil
}

// CartByID returns the stored cart for assertions.
func (m *MockCartStore) CartByID(cartID string) (*cart.Cart, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.carts[cartID]
	if !ok {
		return nil, false
	}
	copied := *c
	return &copied, true
}

// ItemsOf returns the stored lines for assertions.
func (m *MockCartStore) ItemsOf(cartID string) []cart.Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]cart.Item, len(m.items[cartID]))
	copy(items, m.items[cartID])
	return items
}
