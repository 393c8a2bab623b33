package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cart-service/internal/domain/cart"
)

func TestMerge_FoldsGuestLinesIntoUserCart(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	guest := cart.SessionKey("sess-1")
	_, err := env.engine.AddItem(ctx, guest, "P1", "", 2)
	require.NoError(t, err)
	_, err = env.engine.AddItem(ctx, cart.UserKey("u1"), "P1", "", 1)
	require.NoError(t, err)

	res, err := env.engine.MergeGuestCart(ctx, "sess-1", "u1")

	require.NoError(t, err)
	assert.Empty(t, res.Dropped)
	require.Len(t, res.Snapshot.Items, 1)
	assert.Equal(t, 3, res.Snapshot.Items[0].Quantity)
	assert.Equal(t, "30", res.Snapshot.Cart.Subtotal.String())

	// The guest cart is terminal and no longer resolvable by session.
	guestSnap, err := env.engine.GetCart(ctx, guest)
	require.NoError(t, err)
	assert.Empty(t, guestSnap.Cart.ID)

	types := env.publisher.eventTypes()
	assert.Contains(t, types, cart.EventCartMerged)
}

func TestMerge_CreatesUserCartWhenAbsent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, err := env.engine.AddItem(ctx, cart.SessionKey("sess-2"), "P2", "", 2)
	require.NoError(t, err)

	res, err := env.engine.MergeGuestCart(ctx, "sess-2", "u2")

	require.NoError(t, err)
	require.Len(t, res.Snapshot.Items, 1)
	assert.Equal(t, "P2", res.Snapshot.Items[0].ProductID)
	assert.Equal(t, cart.UserKey("u2"), res.Snapshot.Cart.OwnerKey)
	assert.False(t, res.Snapshot.Cart.OwnerKey.IsGuest())
}

func TestMerge_NoGuestCartIsNoOp(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, err := env.engine.AddItem(ctx, cart.UserKey("u3"), "P1", "", 1)
	require.NoError(t, err)

	res, err := env.engine.MergeGuestCart(ctx, "never-seen", "u3")

	require.NoError(t, err)
	assert.Empty(t, res.Dropped)
	require.Len(t, res.Snapshot.Items, 1)
	assert.Equal(t, 1, res.Snapshot.Items[0].Quantity)
}

func TestMerge_DropsLineOverQuantityLimit(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// 3 + 3 folds past the per-line limit of 5.
	_, err := env.engine.AddItem(ctx, cart.SessionKey("sess-4"), "P1", "", 3)
	require.NoError(t, err)
	_, err = env.engine.AddItem(ctx, cart.UserKey("u4"), "P1", "", 3)
	require.NoError(t, err)

	res, err := env.engine.MergeGuestCart(ctx, "sess-4", "u4")

	require.NoError(t, err)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, "P1", res.Dropped[0].ProductID)
	assert.Equal(t, DropReasonQuantityLimit, res.Dropped[0].Reason)
	// The user's line is untouched.
	require.Len(t, res.Snapshot.Items, 1)
	assert.Equal(t, 3, res.Snapshot.Items[0].Quantity)
}

func TestMerge_DropsLineOverCartSizeLimit(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// The user cart is already at the 3-line limit.
	for _, id := range []string{"P1", "P2", "P3"} {
		_, err := env.engine.AddItem(ctx, cart.UserKey("u5"), id, "", 1)
		require.NoError(t, err)
	}
	_, err := env.engine.AddItem(ctx, cart.SessionKey("sess-5"), "P4", "", 1)
	require.NoError(t, err)

	res, err := env.engine.MergeGuestCart(ctx, "sess-5", "u5")

	require.NoError(t, err)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, DropReasonCartSizeLimit, res.Dropped[0].Reason)
	assert.Len(t, res.Snapshot.Items, 3)
}

func TestMerge_DropsLineOverStock(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// P2 stock is 4; 3 + 2 folds past it.
	_, err := env.engine.AddItem(ctx, cart.SessionKey("sess-6"), "P2", "", 2)
	require.NoError(t, err)
	_, err = env.engine.AddItem(ctx, cart.UserKey("u6"), "P2", "", 3)
	require.NoError(t, err)

	res, err := env.engine.MergeGuestCart(ctx, "sess-6", "u6")

	require.NoError(t, err)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, DropReasonOutOfStock, res.Dropped[0].Reason)
	assert.Equal(t, 3, res.Snapshot.Items[0].Quantity)
}

func TestMerge_DropsInactiveProduct(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, err := env.engine.AddItem(ctx, cart.SessionKey("sess-7"), "P1", "", 1)
	require.NoError(t, err)

	// The product was retired between the guest add and the merge.
	env.products.mu.Lock()
	p := env.products.products["P1"]
	p.active = false
	env.products.products["P1"] = p
	env.products.mu.Unlock()

	res, err := env.engine.MergeGuestCart(ctx, "sess-7", "u7")

	require.NoError(t, err)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, DropReasonUnavailable, res.Dropped[0].Reason)
	assert.Empty(t, res.Snapshot.Items)
}

func TestMerge_ProviderOutageFailsMerge(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, err := env.engine.AddItem(ctx, cart.SessionKey("sess-8"), "P1", "", 1)
	require.NoError(t, err)

	env.products.mu.Lock()
	env.products.err = cart.ErrAvailabilityCheckFailed
	env.products.mu.Unlock()

	_, err = env.engine.MergeGuestCart(ctx, "sess-8", "u8")

	assert.ErrorIs(t, err, cart.ErrAvailabilityCheckFailed)
	// The guest cart survives for a retry.
	env.products.mu.Lock()
	env.products.err = nil
	env.products.mu.Unlock()
	guestSnap, gerr := env.engine.GetCart(ctx, cart.SessionKey("sess-8"))
	require.NoError(t, gerr)
	assert.NotEmpty(t, guestSnap.Cart.ID)
}

func TestMerge_UnionsCoupons(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	guest := cart.SessionKey("sess-9")
	user := cart.UserKey("u9")
	_, err := env.engine.AddItem(ctx, guest, "P1", "", 1)
	require.NoError(t, err)
	_, err = env.engine.ApplyCoupon(ctx, guest, "SAVE10")
	require.NoError(t, err)
	_, err = env.engine.AddItem(ctx, user, "P2", "", 1)
	require.NoError(t, err)
	_, err = env.engine.ApplyCoupon(ctx, user, "FIVE")
	require.NoError(t, err)
	_, err = env.engine.ApplyCoupon(ctx, user, "SAVE10")
	require.NoError(t, err)

	res, err := env.engine.MergeGuestCart(ctx, "sess-9", "u9")

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"SAVE10", "FIVE"}, res.Snapshot.Cart.AppliedCoupons)
	// 10 + 5 against subtotal 35.50
	assert.Equal(t, "15", res.Snapshot.Cart.DiscountAmount.String())
}

func TestMerge_FailedCommitLeavesBothCartsIntact(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	guestSnap, err := env.engine.AddItem(ctx, cart.SessionKey("sess-11"), "P1", "", 2)
	require.NoError(t, err)
	userSnap, err := env.engine.AddItem(ctx, cart.UserKey("u11"), "P2", "", 1)
	require.NoError(t, err)

	env.store.CommitConflicts = 10
	_, err = env.engine.MergeGuestCart(ctx, "sess-11", "u11")
	require.ErrorIs(t, err, cart.ErrConflictRetryExhausted)

	// Nothing moved: the user cart kept its single line and totals, the
	// guest cart is still ACTIVE with its line for a retry.
	userItems := env.store.ItemsOf(userSnap.Cart.ID)
	require.Len(t, userItems, 1)
	assert.Equal(t, "P2", userItems[0].ProductID)
	storedUser, ok := env.store.CartByID(userSnap.Cart.ID)
	require.True(t, ok)
	assert.True(t, storedUser.TotalAmount.Equal(userSnap.Cart.TotalAmount))

	storedGuest, ok := env.store.CartByID(guestSnap.Cart.ID)
	require.True(t, ok)
	assert.Equal(t, cart.StatusActive, storedGuest.Status)
	assert.Len(t, env.store.ItemsOf(guestSnap.Cart.ID), 1)
}

func TestMerge_GuestCartStatusBecomesMerged(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	guestSnap, err := env.engine.AddItem(ctx, cart.SessionKey("sess-10"), "P1", "", 1)
	require.NoError(t, err)

	_, err = env.engine.MergeGuestCart(ctx, "sess-10", "u10")
	require.NoError(t, err)

	stored, ok := env.store.CartByID(guestSnap.Cart.ID)
	require.True(t, ok)
	assert.Equal(t, cart.StatusMerged, stored.Status)
}
