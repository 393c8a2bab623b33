package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/example/cart-service/internal/api/middleware"
	"github.com/example/cart-service/internal/domain/cart"
	"github.com/example/cart-service/internal/engine"
)

// CartService is the engine surface the HTTP layer depends on.
type CartService interface {
	GetCart(ctx context.Context, owner cart.OwnerKey) (*cart.Snapshot, error)
	AddItem(ctx context.Context, owner cart.OwnerKey, productID, variantID string, quantity int) (*cart.Snapshot, error)
	UpdateItemQuantity(ctx context.Context, owner cart.OwnerKey, itemID string, quantity int) (*cart.Snapshot, error)
	RemoveItem(ctx context.Context, owner cart.OwnerKey, itemID string) (*cart.Snapshot, error)
	ClearCart(ctx context.Context, owner cart.OwnerKey) (*cart.Snapshot, error)
	ApplyCoupon(ctx context.Context, owner cart.OwnerKey, code string) (*cart.Snapshot, error)
	RemoveCoupon(ctx context.Context, owner cart.OwnerKey, code string) (*cart.Snapshot, error)
	SetNotes(ctx context.Context, owner cart.OwnerKey, notes string) (*cart.Snapshot, error)
	ConvertCart(ctx context.Context, owner cart.OwnerKey) error
	MergeGuestCart(ctx context.Context, sessionID, userID string) (*engine.MergeResult, error)
}

type Handlers struct {
	carts CartService
}

func NewHandlers(carts CartService) *Handlers {
	return &Handlers{carts: carts}
}

func (h *Handlers) GetCart(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		respondError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	snap, err := h.carts.GetCart(r.Context(), owner)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) AddItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		respondError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		ProductID string `json:"product_id"`
		VariantID string `json:"variant_id"`
		Quantity  int    `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, err := h.carts.AddItem(r.Context(), owner, req.ProductID, req.VariantID, req.Quantity)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) UpdateItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		respondError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	itemID := extractPathParam(r.URL.Path, "/cart/items/")

	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, err := h.carts.UpdateItemQuantity(r.Context(), owner, itemID, req.Quantity)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) RemoveItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		respondError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	itemID := extractPathParam(r.URL.Path, "/cart/items/")

	snap, err := h.carts.RemoveItem(r.Context(), owner, itemID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) ClearCart(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		respondError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	snap, err := h.carts.ClearCart(r.Context(), owner)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		respondError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		respondError(w, "coupon code is required", http.StatusBadRequest)
		return
	}

	snap, err := h.carts.ApplyCoupon(r.Context(), owner, req.Code)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) RemoveCoupon(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		respondError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	code := extractPathParam(r.URL.Path, "/cart/coupons/")

	snap, err := h.carts.RemoveCoupon(r.Context(), owner, code)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) SetNotes(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		respondError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, err := h.carts.SetNotes(r.Context(), owner, req.Notes)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// MergeCart folds the guest session's cart into the authenticated user's
// cart. The session comes from the cookie; the user from the token.
func (h *Handlers) MergeCart(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := middleware.GetSessionID(r.Context())
	if sessionID == "" {
		// Nothing to merge; return the user's cart as-is.
		snap, err := h.carts.GetCart(r.Context(), cart.UserKey(claims.UserID))
		if err != nil {
			respondEngineError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, engine.MergeResult{Snapshot: snap})
		return
	}

	result, err := h.carts.MergeGuestCart(r.Context(), sessionID, claims.UserID)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	// The session cookie has served its purpose.
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) ConvertCart(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.GetOwner(r.Context())
	if !ok {
		respondError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.carts.ConvertCart(r.Context(), owner); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Cart converted"})
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// respondEngineError maps the error taxonomy to HTTP statuses.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cart.ErrInvalidProduct), errors.Is(err, cart.ErrInvalidQuantity):
		respondError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, cart.ErrCartNotFound), errors.Is(err, cart.ErrItemNotFound):
		respondError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, cart.ErrOutOfStock), errors.Is(err, cart.ErrConflictRetryExhausted):
		respondError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, cart.ErrLimitExceeded), errors.Is(err, cart.ErrProductUnavailable), errors.Is(err, cart.ErrCouponInvalid):
		respondError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, cart.ErrAvailabilityCheckTimedOut):
		respondError(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, cart.ErrAvailabilityCheckFailed), errors.Is(err, cart.ErrStorageUnavailable):
		respondError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		respondError(w, err.Error(), http.StatusInternalServerError)
	}
}

func extractPathParam(path, prefix string) string {
	return strings.TrimPrefix(path, prefix)
}
