package coupon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/cart-service/internal/domain/cart"
)

// HTTPValidator evaluates coupon codes against the external coupon
// service. It satisfies pricing.CouponEvaluator.
type HTTPValidator struct {
	baseURL string
	client  *http.Client
}

func NewHTTPValidator(baseURL string, timeout time.Duration) *HTTPValidator {
	return &HTTPValidator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type evaluateRequest struct {
	Subtotal decimal.Decimal `json:"subtotal"`
}

type evaluateResponse struct {
	Valid    bool            `json:"valid"`
	Discount decimal.Decimal `json:"discount"`
}

func (v *HTTPValidator) Evaluate(ctx context.Context, code string, subtotal decimal.Decimal) (decimal.Decimal, error) {
	body, err := json.Marshal(evaluateRequest{Subtotal: subtotal})
	if err != nil {
		return decimal.Zero, fmt.Errorf("marshal evaluate request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/coupons/%s/evaluate", v.baseURL, url.PathEscape(code))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return decimal.Zero, fmt.Errorf("build evaluate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("coupon service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return decimal.Zero, fmt.Errorf("coupon %q: %w", code, cart.ErrCouponInvalid)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("coupon service returned %d", resp.StatusCode)
	}

	var result evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("decode evaluate response: %w", err)
	}
	if !result.Valid {
		return decimal.Zero, fmt.Errorf("coupon %q: %w", code, cart.ErrCouponInvalid)
	}
	if result.Discount.IsNegative() {
		return decimal.Zero, fmt.Errorf("coupon %q: negative discount: %w", code, cart.ErrCouponInvalid)
	}
	return result.Discount, nil
}

// Disabled rejects every code. Used when no coupon service is configured.
type Disabled struct{}

func (Disabled) Evaluate(_ context.Context, code string, _ decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, fmt.Errorf("coupon %q: coupon service not configured: %w", code, cart.ErrCouponInvalid)
}

// Static serves a fixed code-to-discount table. Used for promotions that
// ship with the deployment and in local development.
type Static struct {
	Discounts map[string]decimal.Decimal
}

func (s Static) Evaluate(_ context.Context, code string, _ decimal.Decimal) (decimal.Decimal, error) {
	discount, ok := s.Discounts[code]
	if !ok {
		return decimal.Zero, fmt.Errorf("coupon %q: %w", code, cart.ErrCouponInvalid)
	}
	return discount, nil
}
