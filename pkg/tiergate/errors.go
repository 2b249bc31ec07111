package tiergate

import "errors"

var (
	// ErrProfileNotFound is returned when no profile row exists for a user.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrStorageUnavailable is returned when storage is unavailable or
	// misconfigured.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidTier is returned for a tier the model does not know.
	ErrInvalidTier = errors.New("invalid tier")

	// ErrEntitlementNotFound is returned when no entitlement row exists
	// for an id.
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrInvalidProductKey is returned for a product key outside the
	// tier_/tool_/feature_/internal_ namespaces.
	ErrInvalidProductKey = errors.New("invalid product key")

	// ErrIdentityRequired is returned when an operation needs an
	// authenticated identity and none was established.
	ErrIdentityRequired = errors.New("identity required")
)
