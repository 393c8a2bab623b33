package cart

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a cart. ACTIVE is the only non-terminal
// state; a cart leaves it exactly once.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusMerged    Status = "MERGED"
	StatusExpired   Status = "EXPIRED"
	StatusConverted Status = "CONVERTED"
)

// OwnerKey binds a cart to either an authenticated user or a guest session.
// The prefix makes the two spaces collision-free in the store and the cache.
type OwnerKey string

func UserKey(userID string) OwnerKey {
	return OwnerKey("user:" + userID)
}

func SessionKey(sessionID string) OwnerKey {
	return OwnerKey("session:" + sessionID)
}

// IsGuest reports whether the key belongs to an anonymous session.
func (k OwnerKey) IsGuest() bool {
	return strings.HasPrefix(string(k), "session:")
}

// UserID returns the user behind the key, if it is a user key.
func (k OwnerKey) UserID() (string, bool) {
	if strings.HasPrefix(string(k), "user:") {
		return strings.TrimPrefix(string(k), "user:"), true
	}
	return "", false
}

func (k OwnerKey) String() string {
	return string(k)
}

// Totals is the derived monetary tuple recomputed on every mutation.
type Totals struct {
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	ShippingAmount decimal.Decimal `json:"shipping_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
}

// ZeroTotals returns the all-zero tuple used for empty carts.
func ZeroTotals() Totals {
	return Totals{
		Subtotal:       decimal.Zero,
		TaxAmount:      decimal.Zero,
		DiscountAmount: decimal.Zero,
		ShippingAmount: decimal.Zero,
		TotalAmount:    decimal.Zero,
	}
}

type Cart struct {
	ID             string          `json:"id"`
	OwnerKey       OwnerKey        `json:"owner_key"`
	Status         Status          `json:"status"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	ShippingAmount decimal.Decimal `json:"shipping_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Currency       string          `json:"currency"`
	AppliedCoupons []string        `json:"applied_coupons"`
	Notes          string          `json:"notes,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Item is a cart line. Name, SKU, image and price are a snapshot taken when
// the line was written, not a live view of the catalog.
type Item struct {
	ID           string          `json:"id"`
	CartID       string          `json:"cart_id"`
	ProductID    string          `json:"product_id"`
	VariantID    string          `json:"variant_id,omitempty"`
	Name         string          `json:"name"`
	SKU          string          `json:"sku"`
	Image        string          `json:"image,omitempty"`
	Quantity     int             `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	ComparePrice decimal.Decimal `json:"compare_price,omitempty"`
}

// LineKey identifies the unique line a product+variant pair may occupy.
func LineKey(productID, variantID string) string {
	return productID + "|" + variantID
}

// Snapshot is the authoritative (cart, items) pair returned from every
// operation and mirrored into the cache.
type Snapshot struct {
	Cart  Cart   `json:"cart"`
	Items []Item `json:"items"`
}

// ApplyTotals copies a recomputed tuple onto the cart.
func (c *Cart) ApplyTotals(t Totals) {
	c.Subtotal = t.Subtotal
	c.TaxAmount = t.TaxAmount
	c.DiscountAmount = t.DiscountAmount
	c.ShippingAmount = t.ShippingAmount
	c.TotalAmount = t.TotalAmount
}

// HasCoupon reports whether code is already applied.
func (c *Cart) HasCoupon(code string) bool {
	for _, applied := range c.AppliedCoupons {
		if applied == code {
			return true
		}
	}
	return false
}

// UnionCoupons merges two coupon sets, collapsing duplicates and keeping
// the receiver's order first.
func UnionCoupons(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, code := range a {
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	for _, code := range b {
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	return out
}
