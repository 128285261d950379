package sqlite

import (
	"context"
	"time"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/domain"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/cryptox"
)

type ssoTokensRepo struct {
	db dbtx
}

func (r *ssoTokensRepo) Get(ctx context.Context, profileID string) (domain.SsoToken, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT token_enc, scope, updated_at FROM sso_tokens WHERE profile_id = ?`,
		profileID,
	)

	var (
		tokenEnc  []byte
		scope     string
		updatedAt time.Time
	)
	if err := row.Scan(&tokenEnc, &scope, &updatedAt); err != nil {
		return domain.SsoToken{}, mapNotFound(err)
	}

	t := domain.SsoToken{
		Scope:     domain.TokenScope(scope),
		UpdatedAt: updatedAt,
	}

	// token_enc is NULL after invalidation; the scope column survives so the
	// caller can tell which ceremony to restart.
	if len(tokenEnc) > 0 {
		plain, err := cryptox.DecryptAtRest(labelSsoToken, tokenEnc)
		if err != nil {
			return domain.SsoToken{}, err
		}
		t.Token = string(plain)
	}

	return t, nil
}

func (r *ssoTokensRepo) Set(ctx context.Context, profileID string, t domain.SsoToken) error {
	var tokenEnc []byte
	if t.Token != "" {
		var err error
		tokenEnc, err = cryptox.EncryptAtRest(labelSsoToken, []byte(t.Token))
		if err != nil {
			return err
		}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sso_tokens (profile_id, token_enc, scope, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (profile_id) DO UPDATE SET
			token_enc = excluded.token_enc,
			scope = excluded.scope,
			updated_at = excluded.updated_at`,
		profileID, tokenEnc, string(t.Scope), time.Now().UTC(),
	)
	return err
}

func (r *ssoTokensRepo) Invalidate(ctx context.Context, profileID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sso_tokens SET token_enc = NULL, updated_at = ? WHERE profile_id = ?`,
		time.Now().UTC(), profileID,
	)
	return err
}

func (r *ssoTokensRepo) Delete(ctx context.Context, profileID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sso_tokens WHERE profile_id = ?`, profileID,
	)
	return err
}
