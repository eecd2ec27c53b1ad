package cloudguard

import "errors"

// Sentinel errors for the stable failure kinds surfaced to callers. The HTTP
// layer maps these to response codes; everything else is an internal error.
var (
	ErrValidation       = errors.New("validation_error")
	ErrRateLimited      = errors.New("rate_limit_exceeded")
	ErrStoreUnavailable = errors.New("store_unavailable")
	ErrUnknownProvider  = errors.New("unknown_provider")
	ErrPersistence      = errors.New("persistence_failure")
)
