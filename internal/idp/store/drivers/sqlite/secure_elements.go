package sqlite

import (
	"context"
	"time"
)

type secureElementsRepo struct {
	db dbtx
}

func (r *secureElementsRepo) GetAlias(ctx context.Context, profileID string) (string, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT key_alias FROM secure_elements WHERE profile_id = ?`, profileID,
	)

	var alias string
	if err := row.Scan(&alias); err != nil {
		return "", mapNotFound(err)
	}
	return alias, nil
}

func (r *secureElementsRepo) SetAlias(ctx context.Context, profileID string, alias string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO secure_elements (profile_id, key_alias, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (profile_id) DO UPDATE SET
			key_alias = excluded.key_alias,
			created_at = excluded.created_at`,
		profileID, alias, time.Now().UTC(),
	)
	return err
}

func (r *secureElementsRepo) DeleteAlias(ctx context.Context, profileID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM secure_elements WHERE profile_id = ?`, profileID,
	)
	return err
}
