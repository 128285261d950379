package sqlite

import (
	"context"
	"database/sql"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/store"
)

type txStore struct {
	tx    *sql.Tx
	cache *accessTokenCache
}

func newTx(tx *sql.Tx, cache *accessTokenCache) *txStore {
	return &txStore{tx: tx, cache: cache}
}

func (t *txStore) Commit() error   { return t.tx.Commit() }
func (t *txStore) Rollback() error { return t.tx.Rollback() }

func (t *txStore) Close() error { return nil } // nothing to close; caller will commit/rollback and outer DB stays open

// Ping is a no-op for transactions. The connection is already established
// when the transaction is created, so we just return nil.
func (t *txStore) Ping(ctx context.Context) error {
	return nil
}

func (t *txStore) Tx(ctx context.Context) (store.Tx, error) {
	// Nested tx not supported; could emulate with SAVEPOINT if needed
	return nil, sql.ErrTxDone
}

func (t *txStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	// Nested tx not supported; could emulate with SAVEPOINT if needed
	return sql.ErrTxDone
}

func (t *txStore) SsoTokens() store.SsoTokens           { return &ssoTokensRepo{db: t.tx} }
func (t *txStore) Certificates() store.Certificates     { return &certificatesRepo{db: t.tx} }
func (t *txStore) SecureElements() store.SecureElements { return &secureElementsRepo{db: t.tx} }
func (t *txStore) CardAccess() store.CardAccess         { return &cardAccessRepo{db: t.tx} }

// AccessTokens returns the shared memory cache. Cache writes take effect
// immediately and are not rolled back with the transaction; the session lock
// above this layer is what keeps the two in step.
func (t *txStore) AccessTokens() store.AccessTokens { return &accessTokensRepo{c: t.cache} }

func (t *txStore) InvalidateAllCredentials(ctx context.Context, profileID string) error {
	if err := invalidateAll(ctx, t.tx, profileID); err != nil {
		return err
	}
	t.cache.invalidate(profileID)
	return nil
}

func (t *txStore) ApplyMigrations() error { return nil } // no-op; migrations should be applied before starting a tx
