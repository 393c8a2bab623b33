package notification

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/cart-service/internal/domain/cart"
	"github.com/example/cart-service/internal/email"
)

// ReminderSender sends the abandoned-cart email. Implemented by the
// email service.
type ReminderSender interface {
	SendAbandonmentReminder(to, cartID, currency string, total decimal.Decimal, items []email.CartLine) error
}

// UserDirectory resolves a user ID to an email address. An empty address
// means the user is unknown and the reminder is skipped.
type UserDirectory interface {
	EmailFor(ctx context.Context, userID string) (string, error)
}

// SnapshotReader re-reads the live cart at reminder time so the email
// reflects the current lines, not the state when the event arrived.
type SnapshotReader interface {
	GetCart(ctx context.Context, owner cart.OwnerKey) (*cart.Snapshot, error)
}

type activity struct {
	owner    cart.OwnerKey
	lastSeen time.Time
	reminded bool
}

// Handler tracks cart activity from the event stream and sends one
// reminder per abandoned cart. Guest carts never get reminders; there is
// no address to send to.
type Handler struct {
	sender ReminderSender
	users  UserDirectory
	carts  SnapshotReader
	after  time.Duration

	mu     sync.Mutex
	active map[string]*activity // cartID -> last activity
}

// NewHandler creates a new abandonment handler
func NewHandler(sender ReminderSender, users UserDirectory, carts SnapshotReader, after time.Duration) *Handler {
	return &Handler{
		sender: sender,
		users:  users,
		carts:  carts,
		after:  after,
		active: make(map[string]*activity),
	}
}

// HandleEvent processes an event from Kafka
func (h *Handler) HandleEvent(ctx context.Context, key, value []byte) error {
	var envelope cart.Envelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		log.Printf("[Notifier] Failed to unmarshal event: %v", err)
		return err
	}

	switch envelope.EventType {
	case cart.EventCartUpdated:
		return h.handleUpdated(envelope)
	case cart.EventCartCleared:
		h.forget(envelope.CartID)
	case cart.EventCartMerged:
		return h.handleMerged(envelope)
	}
	return nil
}

func (h *Handler) handleUpdated(envelope cart.Envelope) error {
	var e cart.CartUpdated
	if err := json.Unmarshal(envelope.Data, &e); err != nil {
		log.Printf("[Notifier] Failed to unmarshal CartUpdated event: %v", err)
		return err
	}

	if e.ItemCount == 0 {
		h.forget(e.CartID)
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[e.CartID] = &activity{
		owner:    cart.OwnerKey(e.OwnerKey),
		lastSeen: e.UpdatedAt,
	}
	return nil
}

func (h *Handler) handleMerged(envelope cart.Envelope) error {
	var e cart.CartMerged
	if err := json.Unmarshal(envelope.Data, &e); err != nil {
		log.Printf("[Notifier] Failed to unmarshal CartMerged event: %v", err)
		return err
	}
	h.forget(e.GuestCartID)
	return nil
}

func (h *Handler) forget(cartID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, cartID)
}

// Sweep sends reminders for carts idle longer than the abandonment
// window. Each cart gets at most one reminder; a new mutation resets the
// slate. Returns the number of reminders sent.
func (h *Handler) Sweep(ctx context.Context, now time.Time) int {
	h.mu.Lock()
	due := make(map[string]*activity)
	for cartID, a := range h.active {
		if !a.reminded && now.Sub(a.lastSeen) >= h.after {
			due[cartID] = a
		}
	}
	h.mu.Unlock()

	sent := 0
	for cartID, a := range due {
		userID, ok := a.owner.UserID()
		if !ok {
			// Guest cart: nothing to send, stop tracking it.
			h.forget(cartID)
			continue
		}

		address, err := h.users.EmailFor(ctx, userID)
		if err != nil {
			log.Printf("[Notifier] Lookup email for user %s: %v", userID, err)
			continue
		}
		if address == "" {
			log.Printf("[Notifier] No email on file for user %s", userID)
			h.forget(cartID)
			continue
		}

		snap, err := h.carts.GetCart(ctx, a.owner)
		if err != nil {
			log.Printf("[Notifier] Read cart %s: %v", cartID, err)
			continue
		}
		if snap.Cart.ID != cartID || len(snap.Items) == 0 {
			// The cart moved on since the last event we saw.
			h.forget(cartID)
			continue
		}

		lines := make([]email.CartLine, len(snap.Items))
		for i, item := range snap.Items {
			lines[i] = email.CartLine{
				ProductID: item.ProductID,
				Name:      item.Name,
				Quantity:  item.Quantity,
				Price:     item.Price,
			}
		}

		if err := h.sender.SendAbandonmentReminder(address, cartID, snap.Cart.Currency, snap.Cart.TotalAmount, lines); err != nil {
			log.Printf("[Notifier] Failed to send reminder to %s: %v", address, err)
			continue
		}

		log.Printf("[Notifier] Abandonment reminder sent to %s for cart %s", address, cartID)
		h.mu.Lock()
		if tracked, ok := h.active[cartID]; ok {
			tracked.reminded = true
		}
		h.mu.Unlock()
		sent++
	}
	return sent
}
