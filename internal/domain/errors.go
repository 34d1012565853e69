package domain

import "errors"

var (
	ErrUnsupportedModel      = errors.New("unsupported model")
	ErrCapabilityDenied      = errors.New("capability denied")
	ErrUpstreamTransport     = errors.New("upstream transport error")
	ErrUpstreamProtocol      = errors.New("upstream protocol error")
	ErrCacheLoad             = errors.New("graph cache load failed")
	ErrGraphNotFound         = errors.New("graph not found")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrEntitlementLookup     = errors.New("entitlement lookup failed")
	ErrProviderNotFound      = errors.New("provider not found")
	ErrProviderUnavailable   = errors.New("provider unavailable")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrStreamingNotSupported = errors.New("streaming not supported")
	ErrUserNotFound          = errors.New("user not found")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrForbidden             = errors.New("forbidden")
)
