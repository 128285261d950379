package sqlite

import (
	"context"
	"time"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/cryptox"
)

type certificatesRepo struct {
	db dbtx
}

func (r *certificatesRepo) Get(ctx context.Context, profileID string) ([]byte, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT cert_enc FROM certificates WHERE profile_id = ?`, profileID,
	)

	var certEnc []byte
	if err := row.Scan(&certEnc); err != nil {
		return nil, mapNotFound(err)
	}

	return cryptox.DecryptAtRest(labelCertificate, certEnc)
}

func (r *certificatesRepo) Set(ctx context.Context, profileID string, der []byte) error {
	certEnc, err := cryptox.EncryptAtRest(labelCertificate, der)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO certificates (profile_id, cert_enc, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (profile_id) DO UPDATE SET
			cert_enc = excluded.cert_enc,
			updated_at = excluded.updated_at`,
		profileID, certEnc, time.Now().UTC(),
	)
	return err
}

func (r *certificatesRepo) Delete(ctx context.Context, profileID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM certificates WHERE profile_id = ?`, profileID,
	)
	return err
}
