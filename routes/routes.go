// Package routes provides shared API route constants used by the SDK and the
// development auth server to prevent path mismatches.
package routes

// API route paths, relative to the configured base URL.
const (
	// Login exchanges a login/password pair for an access token and sets the
	// refresh cookie.
	Login = "/login"

	// Register creates an account and signs it in (same response as Login).
	Register = "/register"

	// Logout revokes the refresh cookie server-side.
	Logout = "/logout"

	// Refresh trades the refresh cookie for a new access token.
	Refresh = "/refresh" // #nosec G101 -- route path, not a credential

	// Me returns the current authenticated user's profile.
	Me = "/me"
)
