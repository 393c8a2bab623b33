package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/example/cart-service/internal/domain/cart"
)

// DynamoCartStore persists each cart as a single document (cart plus
// embedded items) in DynamoDB. Carts are bounded by MAX_CART_ITEMS, so the
// document stays well under the item size limit. A conditional write on the
// version attribute provides the same optimistic check as the Postgres
// backend.
//
// Table: pk cart_id. GSI1: pk owner_key (projected: all), used for owner
// lookups.
type DynamoCartStore struct {
	client    *dynamodb.Client
	tableName string
}

// dynamoCart is the DynamoDB item layout. The snapshot is stored as JSON
// the same way the cache serializes it; owner_key/status/version/expires_at
// are lifted out for querying and conditional writes.
type dynamoCart struct {
	CartID    string `dynamodbav:"cart_id"`
	OwnerKey  string `dynamodbav:"owner_key"`
	Status    string `dynamodbav:"status"`
	Version   int    `dynamodbav:"version"`
	ExpiresAt int64  `dynamodbav:"expires_at"` // unix seconds, 0 = none
	Snapshot  string `dynamodbav:"snapshot"`
}

func NewDynamoCartStore(client *dynamodb.Client, tableName string) *DynamoCartStore {
	return &DynamoCartStore{client: client, tableName: tableName}
}

func (s *DynamoCartStore) FindByOwner(ctx context.Context, owner cart.OwnerKey) (*cart.Cart, error) {
	c, _, err := s.GetWithItems(ctx, owner)
	return c, err
}

func (s *DynamoCartStore) Create(ctx context.Context, owner cart.OwnerKey, currency string, expiresAt *time.Time) (*cart.Cart, error) {
	now := time.Now().UTC()
	c := cart.Cart{
		ID:             uuid.New().String(),
		OwnerKey:       owner,
		Status:         cart.StatusActive,
		Currency:       currency,
		AppliedCoupons: []string{},
		ExpiresAt:      expiresAt,
		Version:        0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	c.ApplyTotals(cart.ZeroTotals())

	if err := s.put(ctx, &c, nil, aws.String("attribute_not_exists(cart_id)")); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *DynamoCartStore) GetWithItems(ctx context.Context, owner cart.OwnerKey) (*cart.Cart, []cart.Item, error) {
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("owner_key = :ok"),
		FilterExpression:       aws.String("#st = :active"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ok":     &types.AttributeValueMemberS{Value: owner.String()},
			":active": &types.AttributeValueMemberS{Value: string(cart.StatusActive)},
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("query cart by owner %s: %w: %v", owner, cart.ErrStorageUnavailable, err)
	}

	now := time.Now().Unix()
	for _, item := range result.Items {
		var dc dynamoCart
		if err := attributevalue.UnmarshalMap(item, &dc); err != nil {
			continue
		}
		if dc.ExpiresAt != 0 && dc.ExpiresAt <= now {
			continue // logically expired, sweeper transitions it later
		}
		return s.decode(&dc)
	}
	return nil, nil, cart.ErrCartNotFound
}

// Commit rewrites the whole document with the line change and the new
// totals applied, conditioned on the version attribute. The document is
// the unit of atomicity: a failed condition leaves items and totals
// exactly as they were.
func (s *DynamoCartStore) Commit(ctx context.Context, cartID string, change ItemMutation, totals cart.Totals, coupons []string, expiresAt *time.Time, expectedVersion int) (int, error) {
	c, items, err := s.getByID(ctx, cartID)
	if err != nil {
		return 0, err
	}
	if c.Version != expectedVersion {
		return 0, fmt.Errorf("cart %s at version %d: %w", cartID, expectedVersion, ErrVersionConflict)
	}

	items, err = applyChangeToLines(cartID, items, change)
	if err != nil {
		return 0, err
	}

	c.ApplyTotals(totals)
	c.AppliedCoupons = normalizeCoupons(coupons)
	c.ExpiresAt = expiresAt
	c.Version = expectedVersion + 1
	c.UpdatedAt = time.Now().UTC()

	cond := aws.String("version = :expected")
	condValues := map[string]types.AttributeValue{
		":expected": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedVersion)},
	}
	if err := s.putConditional(ctx, c, items, cond, condValues); err != nil {
		return 0, err
	}
	return c.Version, nil
}

func applyChangeToLines(cartID string, items []cart.Item, change ItemMutation) ([]cart.Item, error) {
	switch {
	case change.Clear:
		return nil, nil

	case len(change.Adds) > 0:
		for _, add := range change.Adds {
			key := cart.LineKey(add.ProductID, add.VariantID)
			folded := false
			for i := range items {
				if cart.LineKey(items[i].ProductID, items[i].VariantID) == key {
					items[i].Quantity += add.Quantity
					items[i].Name = add.Name
					items[i].SKU = add.SKU
					items[i].Image = add.Image
					items[i].Price = add.Price
					items[i].ComparePrice = add.ComparePrice
					folded = true
					break
				}
			}
			if !folded {
				if add.ID == "" {
					add.ID = uuid.New().String()
				}
				add.CartID = cartID
				items = append(items, add)
			}
		}
		return items, nil

	case change.SetQuantityID != "":
		for i := range items {
			if items[i].ID == change.SetQuantityID {
				items[i].Quantity = change.SetQuantity
				return items, nil
			}
		}
		return nil, fmt.Errorf("item %s in cart %s: %w", change.SetQuantityID, cartID, cart.ErrItemNotFound)

	case change.RemoveID != "":
		for i := range items {
			if items[i].ID == change.RemoveID {
				return append(items[:i], items[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("item %s in cart %s: %w", change.RemoveID, cartID, cart.ErrItemNotFound)
	}
	return items, nil
}

func (s *DynamoCartStore) SetNotes(ctx context.Context, cartID, notes string) error {
	c, items, err := s.getByID(ctx, cartID)
	if err != nil {
		return err
	}
	c.Notes = notes
	c.UpdatedAt = time.Now().UTC()
	return s.put(ctx, c, items, nil)
}

func (s *DynamoCartStore) SetStatus(ctx context.Context, cartID string, status cart.Status) error {
	c, items, err := s.getByID(ctx, cartID)
	if err != nil {
		return err
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	return s.put(ctx, c, items, nil)
}

// ExpireBefore scans for expired ACTIVE carts and transitions them. Scan
// cost is acceptable for a periodic sweeper; live lookups already filter
// expired carts.
func (s *DynamoCartStore) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("#st = :active AND expires_at > :zero AND expires_at < :cutoff"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":active": &types.AttributeValueMemberS{Value: string(cart.StatusActive)},
			":zero":   &types.AttributeValueMemberN{Value: "0"},
			":cutoff": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", cutoff.Unix())},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("scan expired carts: %w: %v", cart.ErrStorageUnavailable, err)
	}

	expired := 0
	for _, item := range result.Items {
		var dc dynamoCart
		if err := attributevalue.UnmarshalMap(item, &dc); err != nil {
			continue
		}
		if err := s.SetStatus(ctx, dc.CartID, cart.StatusExpired); err != nil {
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *DynamoCartStore) getByID(ctx context.Context, cartID string) (*cart.Cart, []cart.Item, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"cart_id": &types.AttributeValueMemberS{Value: cartID},
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("get cart %s: %w: %v", cartID, cart.ErrStorageUnavailable, err)
	}
	if result.Item == nil {
		return nil, nil, cart.ErrCartNotFound
	}

	var dc dynamoCart
	if err := attributevalue.UnmarshalMap(result.Item, &dc); err != nil {
		return nil, nil, fmt.Errorf("unmarshal cart %s: %w: %v", cartID, cart.ErrStorageUnavailable, err)
	}
	return s.decode(&dc)
}

func (s *DynamoCartStore) decode(dc *dynamoCart) (*cart.Cart, []cart.Item, error) {
	var snap cart.Snapshot
	if err := json.Unmarshal([]byte(dc.Snapshot), &snap); err != nil {
		return nil, nil, fmt.Errorf("decode cart %s snapshot: %w: %v", dc.CartID, cart.ErrStorageUnavailable, err)
	}
	return &snap.Cart, snap.Items, nil
}

func (s *DynamoCartStore) put(ctx context.Context, c *cart.Cart, items []cart.Item, condition *string) error {
	return s.putConditional(ctx, c, items, condition, nil)
}

func (s *DynamoCartStore) putConditional(ctx context.Context, c *cart.Cart, items []cart.Item, condition *string, condValues map[string]types.AttributeValue) error {
	snapJSON, err := json.Marshal(cart.Snapshot{Cart: *c, Items: items})
	if err != nil {
		return fmt.Errorf("marshal cart %s: %w", c.ID, err)
	}

	var expires int64
	if c.ExpiresAt != nil {
		expires = c.ExpiresAt.Unix()
	}

	av, err := attributevalue.MarshalMap(dynamoCart{
		CartID:    c.ID,
		OwnerKey:  c.OwnerKey.String(),
		Status:    string(c.Status),
		Version:   c.Version,
		ExpiresAt: expires,
		Snapshot:  string(snapJSON),
	})
	if err != nil {
		return fmt.Errorf("marshal cart item %s: %w", c.ID, err)
	}

	input := &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: condition,
	}
	if condValues != nil {
		input.ExpressionAttributeValues = condValues
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) && condition != nil && condValues != nil {
			return fmt.Errorf("cart %s: %w", c.ID, ErrVersionConflict)
		}
		return fmt.Errorf("put cart %s: %w: %v", c.ID, cart.ErrStorageUnavailable, err)
	}
	return nil
}
