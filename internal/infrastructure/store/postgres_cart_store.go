package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/example/cart-service/internal/domain/cart"
)

// PostgresCartStore persists carts and cart items in PostgreSQL.
type PostgresCartStore struct {
	db *sql.DB
}

func NewPostgresCartStore(db *sql.DB) *PostgresCartStore {
	return &PostgresCartStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS carts (
	id              UUID PRIMARY KEY,
	owner_key       TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'ACTIVE',
	subtotal        NUMERIC(12,2) NOT NULL DEFAULT 0,
	tax_amount      NUMERIC(12,2) NOT NULL DEFAULT 0,
	discount_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
	shipping_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
	total_amount    NUMERIC(12,2) NOT NULL DEFAULT 0,
	currency        CHAR(3) NOT NULL,
	applied_coupons JSONB NOT NULL DEFAULT '[]',
	notes           TEXT NOT NULL DEFAULT '',
	expires_at      TIMESTAMPTZ,
	version         INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS carts_owner_active
	ON carts (owner_key) WHERE status = 'ACTIVE';

CREATE TABLE IF NOT EXISTS cart_items (
	id            UUID PRIMARY KEY,
	cart_id       UUID NOT NULL REFERENCES carts(id) ON DELETE CASCADE,
	product_id    TEXT NOT NULL,
	variant_id    TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL,
	sku           TEXT NOT NULL,
	image         TEXT NOT NULL DEFAULT '',
	quantity      INTEGER NOT NULL CHECK (quantity >= 1),
	price         NUMERIC(12,2) NOT NULL,
	compare_price NUMERIC(12,2) NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (cart_id, product_id, variant_id)
);
`

// EnsureSchema creates the carts tables if they do not exist.
func (s *PostgresCartStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure carts schema: %w: %v", cart.ErrStorageUnavailable, err)
	}
	return nil
}

const cartColumns = `id, owner_key, status, subtotal, tax_amount, discount_amount,
	shipping_amount, total_amount, currency, applied_coupons, notes, expires_at,
	version, created_at, updated_at`

// activeCartFilter hides expired carts from owner lookups; the sweeper
// transitions them to EXPIRED asynchronously.
const activeCartFilter = `owner_key = $1 AND status = 'ACTIVE'
	AND (expires_at IS NULL OR expires_at > now())`

func (s *PostgresCartStore) FindByOwner(ctx context.Context, owner cart.OwnerKey) (*cart.Cart, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cartColumns+` FROM carts WHERE `+activeCartFilter,
		owner.String(),
	)
	return scanCart(row)
}

func (s *PostgresCartStore) Create(ctx context.Context, owner cart.OwnerKey, currency string, expiresAt *time.Time) (*cart.Cart, error) {
	id := uuid.New().String()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO carts (id, owner_key, currency, applied_coupons, expires_at)
		 VALUES ($1, $2, $3, '[]', $4)
		 RETURNING `+cartColumns,
		id, owner.String(), currency, expiresAt,
	)
	c, err := scanCart(row)
	if err != nil {
		return nil, fmt.Errorf("create cart for %s: %w: %v", owner, cart.ErrStorageUnavailable, err)
	}
	return c, nil
}

func (s *PostgresCartStore) GetWithItems(ctx context.Context, owner cart.OwnerKey) (*cart.Cart, []cart.Item, error) {
	c, err := s.FindByOwner(ctx, owner)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cart_id, product_id, variant_id, name, sku, image, quantity, price, compare_price
		 FROM cart_items
		 WHERE cart_id = $1
		 ORDER BY created_at ASC`,
		c.ID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("load items for cart %s: %w: %v", c.ID, cart.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var items []cart.Item
	for rows.Next() {
		var it cart.Item
		if err := rows.Scan(&it.ID, &it.CartID, &it.ProductID, &it.VariantID, &it.Name,
			&it.SKU, &it.Image, &it.Quantity, &it.Price, &it.ComparePrice); err != nil {
			return nil, nil, fmt.Errorf("scan cart item: %w: %v", cart.ErrStorageUnavailable, err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate cart items: %w: %v", cart.ErrStorageUnavailable, err)
	}

	return c, items, nil
}

// Commit runs the line change and the totals update in one transaction.
// The version-guarded carts update goes first: it locks the row and
// performs the optimistic check, so a conflicting writer rolls the whole
// commit back before any line is touched.
func (s *PostgresCartStore) Commit(ctx context.Context, cartID string, change ItemMutation, totals cart.Totals, coupons []string, expiresAt *time.Time, expectedVersion int) (int, error) {
	couponsJSON, err := json.Marshal(normalizeCoupons(coupons))
	if err != nil {
		return 0, fmt.Errorf("marshal coupons: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin commit for cart %s: %w: %v", cartID, cart.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`UPDATE carts SET
			subtotal        = $3,
			tax_amount      = $4,
			discount_amount = $5,
			shipping_amount = $6,
			total_amount    = $7,
			applied_coupons = $8,
			expires_at      = $9,
			version         = version + 1,
			updated_at      = now()
		 WHERE id = $1 AND version = $2
		 RETURNING version`,
		cartID, expectedVersion,
		totals.Subtotal, totals.TaxAmount, totals.DiscountAmount,
		totals.ShippingAmount, totals.TotalAmount,
		couponsJSON, expiresAt,
	)

	var version int
	err = row.Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		// Row exists with a different version, or the cart vanished; both
		// look the same to the optimistic check and both trigger a retry.
		return 0, fmt.Errorf("cart %s at version %d: %w", cartID, expectedVersion, ErrVersionConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("save totals for cart %s: %w: %v", cartID, cart.ErrStorageUnavailable, err)
	}

	if err := s.applyChange(ctx, tx, cartID, change); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cart %s: %w: %v", cartID, cart.ErrStorageUnavailable, err)
	}
	return version, nil
}

func (s *PostgresCartStore) applyChange(ctx context.Context, tx *sql.Tx, cartID string, change ItemMutation) error {
	switch {
	case change.Clear:
		if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
			return fmt.Errorf("clear cart %s: %w: %v", cartID, cart.ErrStorageUnavailable, err)
		}

	case len(change.Adds) > 0:
		for _, item := range change.Adds {
			id := item.ID
			if id == "" {
				id = uuid.New().String()
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO cart_items (id, cart_id, product_id, variant_id, name, sku, image, quantity, price, compare_price)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				 ON CONFLICT (cart_id, product_id, variant_id) DO UPDATE SET
					quantity      = cart_items.quantity + EXCLUDED.quantity,
					name          = EXCLUDED.name,
					sku           = EXCLUDED.sku,
					image         = EXCLUDED.image,
					price         = EXCLUDED.price,
					compare_price = EXCLUDED.compare_price`,
				id, cartID, item.ProductID, item.VariantID, item.Name, item.SKU, item.Image,
				item.Quantity, item.Price, item.ComparePrice,
			)
			if err != nil {
				return fmt.Errorf("add item to cart %s: %w: %v", cartID, cart.ErrStorageUnavailable, err)
			}
		}

	case change.SetQuantityID != "":
		res, err := tx.ExecContext(ctx,
			`UPDATE cart_items SET quantity = $3 WHERE id = $1 AND cart_id = $2`,
			change.SetQuantityID, cartID, change.SetQuantity,
		)
		if err != nil {
			return fmt.Errorf("update item %s: %w: %v", change.SetQuantityID, cart.ErrStorageUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("item %s in cart %s: %w", change.SetQuantityID, cartID, cart.ErrItemNotFound)
		}

	case change.RemoveID != "":
		res, err := tx.ExecContext(ctx,
			`DELETE FROM cart_items WHERE id = $1 AND cart_id = $2`,
			change.RemoveID, cartID,
		)
		if err != nil {
			return fmt.Errorf("remove item %s: %w: %v", change.RemoveID, cart.ErrStorageUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("item %s in cart %s: %w", change.RemoveID, cartID, cart.ErrItemNotFound)
		}
	}
	return nil
}

func (s *PostgresCartStore) SetNotes(ctx context.Context, cartID, notes string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE carts SET notes = $2, updated_at = now() WHERE id = $1`,
		cartID, notes,
	)
	if err != nil {
		return fmt.Errorf("set notes on cart %s: %w: %v", cartID, cart.ErrStorageUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cart %s: %w", cartID, cart.ErrCartNotFound)
	}
	return nil
}

func (s *PostgresCartStore) SetStatus(ctx context.Context, cartID string, status cart.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE carts SET status = $2, updated_at = now() WHERE id = $1`,
		cartID, string(status),
	)
	if err != nil {
		return fmt.Errorf("set status on cart %s: %w: %v", cartID, cart.ErrStorageUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cart %s: %w", cartID, cart.ErrCartNotFound)
	}
	return nil
}

func (s *PostgresCartStore) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE carts SET status = 'EXPIRED', updated_at = now()
		 WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("expire carts: %w: %v", cart.ErrStorageUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanCart(row *sql.Row) (*cart.Cart, error) {
	var c cart.Cart
	var couponsJSON []byte
	var expiresAt sql.NullTime

	err := row.Scan(&c.ID, &c.OwnerKey, &c.Status, &c.Subtotal, &c.TaxAmount,
		&c.DiscountAmount, &c.ShippingAmount, &c.TotalAmount, &c.Currency,
		&couponsJSON, &c.Notes, &expiresAt, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cart.ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cart: %w: %v", cart.ErrStorageUnavailable, err)
	}

	if expiresAt.Valid {
		t := expiresAt.Time
		c.ExpiresAt = &t
	}
	if err := json.Unmarshal(couponsJSON, &c.AppliedCoupons); err != nil {
		return nil, fmt.Errorf("decode coupons for cart %s: %w: %v", c.ID, cart.ErrStorageUnavailable, err)
	}
	return &c, nil
}

func normalizeCoupons(coupons []string) []string {
	if coupons == nil {
		return []string{}
	}
	return coupons
}

// ConnectPostgres establishes a pooled connection to PostgreSQL.
func ConnectPostgres(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}
