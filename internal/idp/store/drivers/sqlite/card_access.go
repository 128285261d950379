package sqlite

import (
	"context"
	"time"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/domain"
)

type cardAccessRepo struct {
	db dbtx
}

func (r *cardAccessRepo) GetCAN(ctx context.Context, profileID string) (domain.CardAccessNumber, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT can FROM card_access_numbers WHERE profile_id = ?`, profileID,
	)

	var can string
	if err := row.Scan(&can); err != nil {
		return "", mapNotFound(err)
	}
	return domain.CardAccessNumber(can), nil
}

func (r *cardAccessRepo) SetCAN(ctx context.Context, profileID string, can domain.CardAccessNumber) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO card_access_numbers (profile_id, can, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (profile_id) DO UPDATE SET
			can = excluded.can,
			updated_at = excluded.updated_at`,
		profileID, string(can), time.Now().UTC(),
	)
	return err
}
