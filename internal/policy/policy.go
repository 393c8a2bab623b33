package policy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/example/cart-service/internal/domain/cart"
)

// Policy enforces the numeric and business-rule limits every cart mutation
// must respect. It holds configuration only, no mutable state.
type Policy struct {
	taxRate               decimal.Decimal
	freeShippingThreshold decimal.Decimal
	shippingCost          decimal.Decimal
	maxCartItems          int
	maxItemQuantity       int
}

func New(taxRate, freeShippingThreshold, shippingCost decimal.Decimal, maxCartItems, maxItemQuantity int) *Policy {
	return &Policy{
		taxRate:               taxRate,
		freeShippingThreshold: freeShippingThreshold,
		shippingCost:          shippingCost,
		maxCartItems:          maxCartItems,
		maxItemQuantity:       maxItemQuantity,
	}
}

// ClampQuantity validates a requested line quantity.
func (p *Policy) ClampQuantity(requested int) error {
	if requested < 1 {
		return fmt.Errorf("quantity %d: %w", requested, cart.ErrInvalidQuantity)
	}
	if requested > p.maxItemQuantity {
		return fmt.Errorf("quantity %d exceeds per-item limit %d: %w", requested, p.maxItemQuantity, cart.ErrLimitExceeded)
	}
	return nil
}

// CheckCartSize validates that adding new lines keeps the cart within the
// line-count limit. adding counts lines, not units.
func (p *Policy) CheckCartSize(currentItemCount, adding int) error {
	if currentItemCount+adding > p.maxCartItems {
		return fmt.Errorf("cart has %d lines, adding %d exceeds limit %d: %w",
			currentItemCount, adding, p.maxCartItems, cart.ErrLimitExceeded)
	}
	return nil
}

// ComputeShipping returns the flat shipping cost, waived at or above the
// free-shipping threshold. Eligibility is decided on the pre-discount
// subtotal; see ComputeTotals in the pricing package.
func (p *Policy) ComputeShipping(subtotal decimal.Decimal) decimal.Decimal {
	if subtotal.GreaterThanOrEqual(p.freeShippingThreshold) {
		return decimal.Zero
	}
	return p.shippingCost
}

// ComputeTax applies the tax rate to the taxable amount, rounded half-up
// to minor-unit precision.
func (p *Policy) ComputeTax(taxableAmount decimal.Decimal) decimal.Decimal {
	return taxableAmount.Mul(p.taxRate).Round(2)
}

// MaxItemQuantity exposes the per-line limit for merge decisions.
func (p *Policy) MaxItemQuantity() int {
	return p.maxItemQuantity
}

// MaxCartItems exposes the line-count limit for merge decisions.
func (p *Policy) MaxCartItems() int {
	return p.maxCartItems
}
