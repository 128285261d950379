package store

import (
	"context"
	"errors"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/domain"
)

var (
	ErrNotFound = errors.New("store: not found")
)

// Store is the per-profile credential repository the session core works
// against. Concrete drivers (sqlite) implement this. It exposes
// sub-repositories to keep concerns tidy and testable.
//
// The session core reads and writes the store exclusively while holding the
// session lock, so drivers only need to be safe for that pattern plus the
// background housekeeping reads.
type Store interface {
	SsoTokens() SsoTokens
	AccessTokens() AccessTokens
	Certificates() Certificates
	SecureElements() SecureElements
	CardAccess() CardAccess

	// InvalidateAllCredentials deletes everything the profile has: SSO token,
	// cached access token, health-card certificate, and secure-element alias,
	// as a unit. Used on fatal crypto failures and full logout.
	InvalidateAllCredentials(ctx context.Context, profileID string) error

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction, rolling back if fn returns an
	// error and committing otherwise. This is the recommended way to handle
	// multi-step writes (e.g., persisting a pairing binding together with its
	// SSO token).
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type SsoTokens interface {
	// Get returns the profile's SSO token row. The token value may be empty
	// with the scope retained after a server-side rejection.
	Get(ctx context.Context, profileID string) (domain.SsoToken, error)

	// Set replaces the profile's SSO token (value + scope).
	Set(ctx context.Context, profileID string, t domain.SsoToken) error

	// Invalidate clears the token value but keeps the scope, so callers can
	// still tell which ceremony has to be restarted.
	Invalidate(ctx context.Context, profileID string) error

	// Delete removes the row entirely.
	Delete(ctx context.Context, profileID string) error
}

type AccessTokens interface {
	// Get returns the cached decrypted access token for the profile.
	// Access tokens are memory-only; they never hit the database.
	Get(ctx context.Context, profileID string) (domain.AccessToken, error)

	// Set replaces the cached access token.
	Set(ctx context.Context, profileID string, t domain.AccessToken) error

	// Invalidate drops the cached access token.
	Invalidate(ctx context.Context, profileID string) error

	// DeleteExpired drops all cached tokens past their expiry (housekeeping).
	DeleteExpired(ctx context.Context) error
}

type Certificates interface {
	// Get returns the stored health-card certificate (DER bytes).
	Get(ctx context.Context, profileID string) ([]byte, error)

	// Set stores the health-card certificate for the profile.
	Set(ctx context.Context, profileID string, der []byte) error

	// Delete removes the certificate.
	Delete(ctx context.Context, profileID string) error
}

type SecureElements interface {
	// GetAlias returns the alias of the device-held private key.
	GetAlias(ctx context.Context, profileID string) (string, error)

	// SetAlias stores the alias created during the pairing ceremony.
	SetAlias(ctx context.Context, profileID string, alias string) error

	// DeleteAlias removes the alias.
	DeleteAlias(ctx context.Context, profileID string) error
}

type CardAccess interface {
	// GetCAN returns the cached card access number for the profile.
	GetCAN(ctx context.Context, profileID string) (domain.CardAccessNumber, error)

	// SetCAN stores the card access number (written by the UI layer, read-only
	// to the session core).
	SetCAN(ctx context.Context, profileID string, can domain.CardAccessNumber) error
}
