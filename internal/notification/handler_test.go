package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cart-service/internal/domain/cart"
	"github.com/example/cart-service/internal/email"
)

type sentReminder struct {
	to     string
	cartID string
	total  decimal.Decimal
	lines  []email.CartLine
}

type fakeSender struct {
	sent []sentReminder
	err  error
}

func (f *fakeSender) SendAbandonmentReminder(to, cartID, _ string, total decimal.Decimal, items []email.CartLine) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentReminder{to: to, cartID: cartID, total: total, lines: items})
	return nil
}

type fakeDirectory struct {
	emails map[string]string
	err    error
}

func (f *fakeDirectory) EmailFor(_ context.Context, userID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.emails[userID], nil
}

type fakeReader struct {
	snapshots map[cart.OwnerKey]*cart.Snapshot
	err       error
}

func (f *fakeReader) GetCart(_ context.Context, owner cart.OwnerKey) (*cart.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	if snap, ok := f.snapshots[owner]; ok {
		return snap, nil
	}
	c := cart.Cart{OwnerKey: owner, Status: cart.StatusActive, Currency: "USD"}
	c.ApplyTotals(cart.ZeroTotals())
	return &cart.Snapshot{Cart: c}, nil
}

func newHandlerUnderTest() (*Handler, *fakeSender, *fakeDirectory, *fakeReader) {
	sender := &fakeSender{}
	users := &fakeDirectory{emails: map[string]string{"u1": "u1@example.com"}}
	reader := &fakeReader{snapshots: make(map[cart.OwnerKey]*cart.Snapshot)}
	h := NewHandler(sender, users, reader, time.Hour)
	return h, sender, users, reader
}

func updatedEvent(t *testing.T, cartID string, owner cart.OwnerKey, itemCount int, at time.Time) []byte {
	t.Helper()
	env, err := cart.NewEnvelope(cart.EventCartUpdated, cartID, cart.CartUpdated{
		CartID:      cartID,
		OwnerKey:    owner.String(),
		ItemCount:   itemCount,
		TotalAmount: decimal.NewFromInt(42),
		Currency:    "USD",
		UpdatedAt:   at,
	})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func trackedSnapshot(cartID string, owner cart.OwnerKey) *cart.Snapshot {
	c := cart.Cart{ID: cartID, OwnerKey: owner, Status: cart.StatusActive, Currency: "USD", TotalAmount: decimal.NewFromInt(42)}
	return &cart.Snapshot{
		Cart: c,
		Items: []cart.Item{
			{ID: "i1", CartID: cartID, ProductID: "P1", Name: "Widget", Quantity: 2, Price: decimal.NewFromInt(21)},
		},
	}
}

func TestSweep_SendsOneReminderForIdleUserCart(t *testing.T) {
	h, sender, _, reader := newHandlerUnderTest()
	ctx := context.Background()
	owner := cart.UserKey("u1")
	reader.snapshots[owner] = trackedSnapshot("cart-1", owner)

	idle := time.Now().Add(-2 * time.Hour)
	require.NoError(t, h.HandleEvent(ctx, nil, updatedEvent(t, "cart-1", owner, 1, idle)))

	sent := h.Sweep(ctx, time.Now())
	require.Equal(t, 1, sent)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "u1@example.com", sender.sent[0].to)
	assert.Equal(t, "cart-1", sender.sent[0].cartID)
	require.Len(t, sender.sent[0].lines, 1)
	assert.Equal(t, "Widget", sender.sent[0].lines[0].Name)

	// A second sweep stays quiet.
	assert.Equal(t, 0, h.Sweep(ctx, time.Now()))
	assert.Len(t, sender.sent, 1)
}

func TestSweep_FreshCartNotReminded(t *testing.T) {
	h, sender, _, reader := newHandlerUnderTest()
	ctx := context.Background()
	owner := cart.UserKey("u1")
	reader.snapshots[owner] = trackedSnapshot("cart-1", owner)

	require.NoError(t, h.HandleEvent(ctx, nil, updatedEvent(t, "cart-1", owner, 1, time.Now())))

	assert.Equal(t, 0, h.Sweep(ctx, time.Now()))
	assert.Empty(t, sender.sent)
}

func TestSweep_NewActivityResetsReminder(t *testing.T) {
	h, sender, _, reader := newHandlerUnderTest()
	ctx := context.Background()
	owner := cart.UserKey("u1")
	reader.snapshots[owner] = trackedSnapshot("cart-1", owner)

	idle := time.Now().Add(-2 * time.Hour)
	require.NoError(t, h.HandleEvent(ctx, nil, updatedEvent(t, "cart-1", owner, 1, idle)))
	require.Equal(t, 1, h.Sweep(ctx, time.Now()))

	// The shopper comes back, goes idle again, and earns a second nudge.
	require.NoError(t, h.HandleEvent(ctx, nil, updatedEvent(t, "cart-1", owner, 2, idle)))
	assert.Equal(t, 1, h.Sweep(ctx, time.Now()))
	assert.Len(t, sender.sent, 2)
}

func TestSweep_GuestCartsSkipped(t *testing.T) {
	h, sender, _, _ := newHandlerUnderTest()
	ctx := context.Background()
	owner := cart.SessionKey("sess-1")

	idle := time.Now().Add(-2 * time.Hour)
	require.NoError(t, h.HandleEvent(ctx, nil, updatedEvent(t, "cart-g", owner, 1, idle)))

	assert.Equal(t, 0, h.Sweep(ctx, time.Now()))
	assert.Empty(t, sender.sent)
}

func TestSweep_EmptiedCartForgotten(t *testing.T) {
	h, sender, _, reader := newHandlerUnderTest()
	ctx := context.Background()
	owner := cart.UserKey("u1")
	reader.snapshots[owner] = trackedSnapshot("cart-1", owner)

	idle := time.Now().Add(-2 * time.Hour)
	require.NoError(t, h.HandleEvent(ctx, nil, updatedEvent(t, "cart-1", owner, 1, idle)))
	// The last event shows zero items: stop tracking.
	require.NoError(t, h.HandleEvent(ctx, nil, updatedEvent(t, "cart-1", owner, 0, idle)))

	assert.Equal(t, 0, h.Sweep(ctx, time.Now()))
	assert.Empty(t, sender.sent)
}

func TestHandleEvent_ClearedStopsTracking(t *testing.T) {
	h, sender, _, reader := newHandlerUnderTest()
	ctx := context.Background()
	owner := cart.UserKey("u1")
	reader.snapshots[owner] = trackedSnapshot("cart-1", owner)

	idle := time.Now().Add(-2 * time.Hour)
	require.NoError(t, h.HandleEvent(ctx, nil, updatedEvent(t, "cart-1", owner, 1, idle)))

	env, err := cart.NewEnvelope(cart.EventCartCleared, "cart-1", cart.CartCleared{
		CartID: "cart-1", OwnerKey: owner.String(), ClearedAt: time.Now(),
	})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, h.HandleEvent(ctx, nil, raw))

	assert.Equal(t, 0, h.Sweep(ctx, time.Now()))
	assert.Empty(t, sender.sent)
}

func TestHandleEvent_MergedForgetsGuestCart(t *testing.T) {
	h, sender, _, _ := newHandlerUnderTest()
	ctx := context.Background()
	guestOwner := cart.SessionKey("sess-1")

	idle := time.Now().Add(-2 * time.Hour)
	require.NoError(t, h.HandleEvent(ctx, nil, updatedEvent(t, "cart-g", guestOwner, 1, idle)))

	env, err := cart.NewEnvelope(cart.EventCartMerged, "cart-u", cart.CartMerged{
		GuestCartID: "cart-g", UserCartID: "cart-u", UserOwnerKey: "user:u1", MergedAt: time.Now(),
	})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, h.HandleEvent(ctx, nil, raw))

	assert.Equal(t, 0, h.Sweep(ctx, time.Now()))
	assert.Empty(t, sender.sent)
}

func TestSweep_StaleSnapshotForgotten(t *testing.T) {
	h, sender, _, reader := newHandlerUnderTest()
	ctx := context.Background()
	owner := cart.UserKey("u1")
	// The live cart has a different ID: the tracked one was converted.
	reader.snapshots[owner] = trackedSnapshot("cart-2", owner)

	idle := time.Now().Add(-2 * time.Hour)
	require.NoError(t, h.HandleEvent(ctx, nil, updatedEvent(t, "cart-1", owner, 1, idle)))

	assert.Equal(t, 0, h.Sweep(ctx, time.Now()))
	assert.Empty(t, sender.sent)
}

func TestSweep_SendFailureRetriesNextSweep(t *testing.T) {
	h, sender, _, reader := newHandlerUnderTest()
	ctx := context.Background()
	owner := cart.UserKey("u1")
	reader.snapshots[owner] = trackedSnapshot("cart-1", owner)

	idle := time.Now().Add(-2 * time.Hour)
	require.NoError(t, h.HandleEvent(ctx, nil, updatedEvent(t, "cart-1", owner, 1, idle)))

	sender.err = errors.New("smtp down")
	assert.Equal(t, 0, h.Sweep(ctx, time.Now()))

	sender.err = nil
	assert.Equal(t, 1, h.Sweep(ctx, time.Now()))
	assert.Len(t, sender.sent, 1)
}

func TestHandleEvent_MalformedPayload(t *testing.T) {
	h, _, _, _ := newHandlerUnderTest()

	err := h.HandleEvent(context.Background(), nil, []byte("{not json"))
	assert.Error(t, err)
}
