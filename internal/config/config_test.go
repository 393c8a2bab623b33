package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_DefaultsWithSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, "0.1", cfg.TaxRate.String())
	assert.Equal(t, 50, cfg.MaxCartItems)
	assert.Equal(t, 99, cfg.MaxItemQuantity)
	assert.Equal(t, 30*24*time.Hour, cfg.CartTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoad_ShortSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "too-short")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32")
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"bad backend", "STORE_BACKEND", "mongo", "STORE_BACKEND"},
		{"tax rate over 1", "TAX_RATE", "1.5", "TAX_RATE"},
		{"negative tax rate", "TAX_RATE", "-0.1", "TAX_RATE"},
		{"tax rate not a number", "TAX_RATE", "ten percent", "TAX_RATE"},
		{"bad currency", "DEFAULT_CURRENCY", "DOLLARS", "DEFAULT_CURRENCY"},
		{"zero max items", "MAX_CART_ITEMS", "0", "MAX_CART_ITEMS"},
		{"max quantity not a number", "MAX_ITEM_QUANTITY", "many", "MAX_ITEM_QUANTITY"},
		{"negative shipping", "SHIPPING_COST", "-5", "SHIPPING_COST"},
		{"bad cart ttl", "CART_TTL", "fortnight", "CART_TTL"},
		{"zero sweep interval", "EXPIRY_SWEEP_INTERVAL", "0s", "EXPIRY_SWEEP_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", testSecret)
			t.Setenv(tt.key, tt.value)

			_, err := Load()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("STORE_BACKEND", "dynamodb")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("TAX_RATE", "0.08")
	t.Setenv("SESSION_TTL", "48h")
	t.Setenv("DEFAULT_CURRENCY", "EUR")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "dynamodb", cfg.StoreBackend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "0.08", cfg.TaxRate.String())
	assert.Equal(t, 48*time.Hour, cfg.SessionTTL)
	assert.Equal(t, "EUR", cfg.Currency)
}
