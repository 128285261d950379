package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/store"

	_ "modernc.org/sqlite"
)

// Encryption labels for the at-rest sealed columns. Each label derives its own
// subkey, so a ciphertext copied between columns fails authentication.
const (
	labelSsoToken    = "idp/sso-token"
	labelCertificate = "idp/certificate"
)

// dbtx is the subset of *sql.DB / *sql.Tx the repositories need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the sqlite-backed credential repository. Durable rows live in
// sqlite; the decrypted access-token cache lives only in process memory and
// is shared with transaction-scoped views.
type Store struct {
	db    *sql.DB
	dsn   string
	cache *accessTokenCache
}

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// A single connection keeps writes serialized and makes :memory:
	// databases behave: every pooled connection would otherwise get its own
	// empty in-memory database.
	db.SetMaxOpenConns(1)

	// Enforce FKs
	if _, err := db.ExecContext(context.Background(), `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:    db,
		dsn:   dsn,
		cache: newAccessTokenCache(),
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx starts a read/write transaction and returns a Tx-scoped Store.
func (s *Store) Tx(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return newTx(tx, s.cache), nil
}

// WithTx executes fn within a transaction, automatically handling commit/rollback.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.Tx(ctx)
	if err != nil {
		return err
	}

	// Ensure rollback is called if we panic or return early with error
	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err // rollback happens in defer
	}

	return tx.Commit()
}

func (s *Store) SsoTokens() store.SsoTokens           { return &ssoTokensRepo{db: s.db} }
func (s *Store) AccessTokens() store.AccessTokens     { return &accessTokensRepo{c: s.cache} }
func (s *Store) Certificates() store.Certificates     { return &certificatesRepo{db: s.db} }
func (s *Store) SecureElements() store.SecureElements { return &secureElementsRepo{db: s.db} }
func (s *Store) CardAccess() store.CardAccess         { return &cardAccessRepo{db: s.db} }

// InvalidateAllCredentials deletes the profile's SSO token, certificate, and
// secure-element alias in one transaction, then drops the cached access
// token. The CAN is deliberately kept: it is UI convenience data, not a
// credential.
func (s *Store) InvalidateAllCredentials(ctx context.Context, profileID string) error {
	err := s.WithTx(ctx, func(tx store.Tx) error {
		return invalidateAll(ctx, tx.(*txStore).tx, profileID)
	})
	if err != nil {
		return err
	}
	s.cache.invalidate(profileID)
	return nil
}

func invalidateAll(ctx context.Context, db dbtx, profileID string) error {
	for _, q := range []string{
		`DELETE FROM sso_tokens WHERE profile_id = ?`,
		`DELETE FROM certificates WHERE profile_id = ?`,
		`DELETE FROM secure_elements WHERE profile_id = ?`,
	} {
		if _, err := db.ExecContext(ctx, q, profileID); err != nil {
			return err
		}
	}
	return nil
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
