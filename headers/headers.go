// Package headers defines HTTP header constants used by the SDK and the
// development auth server. This is the single source of truth for header names.
package headers

const (
	// Authorization carries the short-lived bearer credential.
	Authorization = "Authorization"

	// RequestID is the header for request correlation.
	// The SDK stamps one on every outbound request unless the caller already did.
	RequestID = "X-Request-Id"

	// Traceparent propagates the W3C trace context.
	Traceparent = "Traceparent"

	// RefreshCookie is the name of the httpOnly cookie holding the renewal capability.
	RefreshCookie = "refresh_token" //nolint:gosec // This is a cookie name, not a credential
)
