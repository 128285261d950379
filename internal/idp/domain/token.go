package domain

import "time"

// TokenScope tags an SSO token with the authentication ceremony that produced
// it. The scope decides which follow-up protocol phases are valid and lets the
// UI distinguish a normal session from a pairing ceremony.
type TokenScope string

const (
	// ScopeDefault is a regular health-card login session.
	ScopeDefault TokenScope = "default"

	// ScopeBiometricPairing is issued during the secure-element pairing
	// ceremony and marks the profile as pairing-capable.
	ScopeBiometricPairing TokenScope = "pairing"

	// ScopeAlternateAuthentication is issued when the session was established
	// with the device-held secure-element key instead of the health card.
	ScopeAlternateAuthentication TokenScope = "alternate_authn"
)

// Valid reports whether s is one of the known scopes.
func (s TokenScope) Valid() bool {
	switch s {
	case ScopeDefault, ScopeBiometricPairing, ScopeAlternateAuthentication:
		return true
	}
	return false
}

// SsoToken is the long-lived credential representing an authenticated session
// with the IDP. The token value may be empty while the scope is retained: that
// is the state after the server rejected a refresh and the value was
// invalidated, and it tells callers which ceremony to restart.
type SsoToken struct {
	Token     string
	Scope     TokenScope
	UpdatedAt time.Time
}

// AccessToken is the short-lived bearer credential for downstream API calls.
// It is derived from an SsoToken via the refresh exchange and only ever lives
// in memory.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at the given instant.
// A zero ExpiresAt means the issuer did not communicate a lifetime; such
// tokens never self-expire and are only replaced on forced refresh.
func (t AccessToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// TokenSet is what a successful authentication or refresh exchange returns.
type TokenSet struct {
	SsoToken    string
	AccessToken string
	ExpiresIn   time.Duration // access token lifetime as reported by the IDP
}
