package cart

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventCartUpdated = "CartUpdated"
	EventCartCleared = "CartCleared"
	EventCartMerged  = "CartMerged"
)

type CartUpdated struct {
	CartID      string          `json:"cart_id"`
	OwnerKey    string          `json:"owner_key"`
	ItemCount   int             `json:"item_count"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type CartCleared struct {
	CartID    string    `json:"cart_id"`
	OwnerKey  string    `json:"owner_key"`
	ClearedAt time.Time `json:"cleared_at"`
}

type CartMerged struct {
	GuestCartID  string    `json:"guest_cart_id"`
	UserCartID   string    `json:"user_cart_id"`
	UserOwnerKey string    `json:"user_owner_key"`
	MergedLines  int       `json:"merged_lines"`
	DroppedLines int       `json:"dropped_lines"`
	MergedAt     time.Time `json:"merged_at"`
}

// Envelope is the wire form published to Kafka, keyed by cart ID.
type Envelope struct {
	EventType string          `json:"event_type"`
	CartID    string          `json:"cart_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope wraps an event payload for publication.
func NewEnvelope(eventType, cartID string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		EventType: eventType,
		CartID:    cartID,
		Data:      data,
		Timestamp: time.Now(),
	}, nil
}
