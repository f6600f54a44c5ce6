package tenant

import "errors"

var (
	// ErrNoToken indicates no tenant token was supplied and no legacy fallback exists.
	ErrNoToken = errors.New("no tenant token supplied")
	// ErrNotFound indicates the supplied token resolved to no tenant.
	ErrNotFound = errors.New("tenant not found")
	// ErrStoreUnavailable indicates the tenant lookup failed on I/O.
	ErrStoreUnavailable = errors.New("tenant store unavailable")
)
