package cart

import "errors"

var (
	ErrInvalidProduct  = errors.New("product_id is required")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrLimitExceeded   = errors.New("cart limit exceeded")
	ErrOutOfStock      = errors.New("requested quantity exceeds available stock")
	ErrProductUnavailable = errors.New("product is not available")

	// Provider failures are distinct from "unavailable" so a transient
	// outage of the product service never empties a cart.
	ErrAvailabilityCheckFailed   = errors.New("availability check failed")
	ErrAvailabilityCheckTimedOut = errors.New("availability check timed out")

	ErrCouponInvalid = errors.New("coupon is not valid")

	ErrConflictRetryExhausted = errors.New("concurrent update conflict, retries exhausted")
	ErrStorageUnavailable     = errors.New("cart storage unavailable")
	ErrCacheUnavailable       = errors.New("cart cache unavailable")

	ErrCartNotFound = errors.New("cart not found")
	ErrItemNotFound = errors.New("cart item not found")
)
