package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/cart-service/internal/domain/cart"
)

// Result is the product service's point-in-time answer for a requested
// quantity. Name, SKU and image feed the line snapshot taken at add time.
type Result struct {
	Active       bool            `json:"active"`
	Available    bool            `json:"available"`
	CurrentStock int             `json:"current_stock"`
	Price        decimal.Decimal `json:"price"`
	ComparePrice decimal.Decimal `json:"compare_price"`
	Name         string          `json:"name"`
	SKU          string          `json:"sku"`
	Image        string          `json:"image"`
}

// Provider answers price and stock questions for the cart engine.
type Provider interface {
	Check(ctx context.Context, productID, variantID string, quantity int) (*Result, error)
}

// HTTPProvider calls the product service over HTTP with a bounded per-call
// timeout and a small retry budget for transport failures. A definite
// answer (out of stock, inactive) is never retried.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	retries int
}

func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		retries: 2,
	}
}

func (p *HTTPProvider) Check(ctx context.Context, productID, variantID string, quantity int) (*Result, error) {
	query := url.Values{}
	query.Set("quantity", strconv.Itoa(quantity))
	if variantID != "" {
		query.Set("variant_id", variantID)
	}
	endpoint := fmt.Sprintf("%s/products/%s/availability?%s",
		p.baseURL, url.PathEscape(productID), query.Encode())

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		result, err := p.check(ctx, endpoint)
		if err == nil {
			return result, nil
		}
		lastErr = err
		// Timeouts and definite provider answers are not worth retrying;
		// only transport-level failures are.
		if errors.Is(err, cart.ErrAvailabilityCheckTimedOut) ||
			errors.Is(err, cart.ErrProductUnavailable) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (p *HTTPProvider) check(ctx context.Context, endpoint string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build availability request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", cart.ErrAvailabilityCheckTimedOut, err)
		}
		return nil, fmt.Errorf("%w: %v", cart.ErrAvailabilityCheckFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("product not found: %w", cart.ErrProductUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: product service returned %d", cart.ErrAvailabilityCheckFailed, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", cart.ErrAvailabilityCheckFailed, err)
	}
	return &result, nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
