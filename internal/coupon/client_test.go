package coupon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cart-service/internal/domain/cart"
)

func TestEvaluate_ValidCoupon(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coupons/SAVE10/evaluate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"valid":true,"discount":"10.00"}`))
	}))
	defer server.Close()

	v := NewHTTPValidator(server.URL, time.Second)
	discount, err := v.Evaluate(context.Background(), "SAVE10", decimal.NewFromInt(100))

	require.NoError(t, err)
	assert.Equal(t, "10", discount.String())
}

func TestEvaluate_InvalidCoupon(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"valid":false}`))
	}))
	defer server.Close()

	v := NewHTTPValidator(server.URL, time.Second)
	_, err := v.Evaluate(context.Background(), "EXPIRED", decimal.NewFromInt(100))

	assert.ErrorIs(t, err, cart.ErrCouponInvalid)
}

func TestEvaluate_UnknownCoupon(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	v := NewHTTPValidator(server.URL, time.Second)
	_, err := v.Evaluate(context.Background(), "NOPE", decimal.NewFromInt(100))

	assert.ErrorIs(t, err, cart.ErrCouponInvalid)
}

func TestEvaluate_TransportErrorIsNotInvalid(t *testing.T) {
	server := httptest.NewServer(nil)
	server.Close() // connection refused

	v := NewHTTPValidator(server.URL, time.Second)
	_, err := v.Evaluate(context.Background(), "ANY", decimal.NewFromInt(100))

	require.Error(t, err)
	assert.NotErrorIs(t, err, cart.ErrCouponInvalid)
}

func TestDisabled_RejectsEverything(t *testing.T) {
	_, err := Disabled{}.Evaluate(context.Background(), "ANY", decimal.NewFromInt(100))
	assert.ErrorIs(t, err, cart.ErrCouponInvalid)
}

func TestStatic(t *testing.T) {
	s := Static{Discounts: map[string]decimal.Decimal{
		"WELCOME": decimal.RequireFromString("5.00"),
	}}

	discount, err := s.Evaluate(context.Background(), "WELCOME", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, "5", discount.String())

	_, err = s.Evaluate(context.Background(), "OTHER", decimal.NewFromInt(100))
	assert.ErrorIs(t, err, cart.ErrCouponInvalid)
}
