package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/cart-service/internal/domain/cart"
	"github.com/example/cart-service/internal/infrastructure/store"
)

// Drop reasons reported in a MergeResult.
const (
	DropReasonQuantityLimit = "quantity limit"
	DropReasonCartSizeLimit = "cart size limit"
	DropReasonOutOfStock    = "out of stock"
	DropReasonUnavailable   = "product unavailable"
)

// DroppedLine describes a guest line the merge could not carry over.
type DroppedLine struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
}

// MergeResult is the outcome of folding a guest cart into a user cart.
type MergeResult struct {
	Snapshot *cart.Snapshot `json:"snapshot"`
	Dropped  []DroppedLine  `json:"dropped,omitempty"`
}

// MergeGuestCart folds the guest session's cart into the user's cart at
// login. Lines fold by product+variant, the same rule AddItem uses. Lines
// that would break the quantity or size limits, or exceed stock, are
// dropped whole and reported. Coupon sets union. The guest cart ends
// MERGED either way; a missing guest cart makes the merge a no-op.
func (e *Engine) MergeGuestCart(ctx context.Context, sessionID, userID string) (*MergeResult, error) {
	guestKey := cart.SessionKey(sessionID)
	userKey := cart.UserKey(userID)

	// Lock both owners in deterministic order so two concurrent merges
	// cannot deadlock.
	keys := []string{guestKey.String(), userKey.String()}
	sort.Strings(keys)
	for _, key := range keys {
		unlock := e.locks.lock(key)
		defer unlock()
	}

	guestCart, guestItems, err := e.store.GetWithItems(ctx, guestKey)
	if errors.Is(err, cart.ErrCartNotFound) {
		snap, err := e.GetCart(ctx, userKey)
		if err != nil {
			return nil, err
		}
		return &MergeResult{Snapshot: snap}, nil
	}
	if err != nil {
		return nil, err
	}

	userCart, userItems, err := e.getOrCreate(ctx, userKey)
	if err != nil {
		return nil, err
	}

	next := copyItems(userItems)
	idxByKey := make(map[string]int, len(next))
	for i, it := range next {
		idxByKey[cart.LineKey(it.ProductID, it.VariantID)] = i
	}

	var change store.ItemMutation
	var dropped []DroppedLine
	merged := 0

	for _, line := range guestItems {
		key := cart.LineKey(line.ProductID, line.VariantID)
		idx, exists := idxByKey[key]
		combined := line.Quantity
		if exists {
			combined += next[idx].Quantity
		}

		if err := e.policy.ClampQuantity(combined); err != nil {
			dropped = append(dropped, droppedLine(line, DropReasonQuantityLimit))
			continue
		}
		if !exists {
			if err := e.policy.CheckCartSize(len(next), 1); err != nil {
				dropped = append(dropped, droppedLine(line, DropReasonCartSizeLimit))
				continue
			}
		}

		avail, err := e.products.Check(ctx, line.ProductID, line.VariantID, combined)
		if err != nil {
			// A provider outage fails the merge rather than silently
			// dropping unvalidated lines.
			return nil, err
		}
		if !avail.Active {
			dropped = append(dropped, droppedLine(line, DropReasonUnavailable))
			continue
		}
		if !avail.Available || combined > avail.CurrentStock {
			dropped = append(dropped, droppedLine(line, DropReasonOutOfStock))
			continue
		}

		// The guest line keeps its add-time snapshot; only the quantity
		// folds into the user's line.
		add := cart.Item{
			ID:           uuid.New().String(),
			CartID:       userCart.ID,
			ProductID:    line.ProductID,
			VariantID:    line.VariantID,
			Name:         line.Name,
			SKU:          line.SKU,
			Image:        line.Image,
			Quantity:     line.Quantity,
			Price:        line.Price,
			ComparePrice: line.ComparePrice,
		}
		change.Adds = append(change.Adds, add)

		if exists {
			next[idx].Quantity = combined
			next[idx].Name = line.Name
			next[idx].SKU = line.SKU
			next[idx].Image = line.Image
			next[idx].Price = line.Price
			next[idx].ComparePrice = line.ComparePrice
		} else {
			idxByKey[key] = len(next)
			next = append(next, add)
		}
		merged++
	}

	coupons := cart.UnionCoupons(userCart.AppliedCoupons, guestCart.AppliedCoupons)

	// Every carried line and the recomputed totals land in one commit;
	// a failed merge leaves the user cart untouched.
	snap, err := e.commit(ctx, userKey, userCart, next, change, coupons)
	if err != nil {
		return nil, err
	}

	if err := e.store.SetStatus(ctx, guestCart.ID, cart.StatusMerged); err != nil {
		return nil, fmt.Errorf("mark guest cart merged: %w", err)
	}
	e.invalidate(ctx, guestKey, userKey)

	e.publish(ctx, cart.EventCartMerged, snap.Cart.ID, cart.CartMerged{
		GuestCartID:  guestCart.ID,
		UserCartID:   snap.Cart.ID,
		UserOwnerKey: userKey.String(),
		MergedLines:  merged,
		DroppedLines: len(dropped),
		MergedAt:     time.Now(),
	})

	return &MergeResult{Snapshot: snap, Dropped: dropped}, nil
}

func droppedLine(line cart.Item, reason string) DroppedLine {
	return DroppedLine{
		ProductID: line.ProductID,
		VariantID: line.VariantID,
		Quantity:  line.Quantity,
		Reason:    reason,
	}
}
