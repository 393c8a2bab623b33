package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/example/cart-service/internal/domain/cart"
	"github.com/example/cart-service/internal/policy"
)

// CouponEvaluator resolves a coupon code to its discount against a
// subtotal. Implemented by the coupon package.
type CouponEvaluator interface {
	Evaluate(ctx context.Context, code string, subtotal decimal.Decimal) (decimal.Decimal, error)
}

// Engine recomputes the monetary tuple for a cart. Compute is idempotent:
// identical inputs produce identical decimal outputs.
type Engine struct {
	policy  *policy.Policy
	coupons CouponEvaluator
}

func NewEngine(p *policy.Policy, coupons CouponEvaluator) *Engine {
	return &Engine{policy: p, coupons: coupons}
}

// Subtotal sums the line amounts, each rounded to minor-unit precision
// before summing so per-line rounding cannot drift across the cart.
func Subtotal(items []cart.Item) decimal.Decimal {
	subtotal := decimal.Zero
	for _, item := range items {
		line := item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))).Round(2)
		subtotal = subtotal.Add(line)
	}
	return subtotal
}

// Compute runs the full pipeline: subtotal, coupon discounts, tax on the
// discounted base, shipping on the pre-discount subtotal, floored total.
//
// A code the evaluator rejects contributes zero discount; the shopper
// removes it explicitly. An evaluator transport failure fails the whole
// computation so a guessed discount is never persisted.
func (e *Engine) Compute(ctx context.Context, items []cart.Item, coupons []string) (cart.Totals, error) {
	// An empty cart has all monetary fields at zero, including shipping.
	if len(items) == 0 {
		return cart.ZeroTotals(), nil
	}

	subtotal := Subtotal(items)

	discount := decimal.Zero
	for _, code := range coupons {
		amount, err := e.coupons.Evaluate(ctx, code, subtotal)
		if err != nil {
			if errors.Is(err, cart.ErrCouponInvalid) {
				continue
			}
			return cart.Totals{}, fmt.Errorf("evaluate coupon %q: %w", code, err)
		}
		discount = discount.Add(amount)
	}
	// Discounts can never push the taxable base below zero.
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}

	taxable := subtotal.Sub(discount)
	tax := e.policy.ComputeTax(taxable)

	// Shipping eligibility is decided on the pre-discount subtotal so a
	// discount cannot flip a cart across the free-shipping threshold.
	shipping := e.policy.ComputeShipping(subtotal)

	total := taxable.Add(tax).Add(shipping)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return cart.Totals{
		Subtotal:       subtotal,
		TaxAmount:      tax,
		DiscountAmount: discount,
		ShippingAmount: shipping,
		TotalAmount:    total,
	}, nil
}
