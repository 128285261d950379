package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/protocol"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/cryptox"
)

// fileKeystore keeps secure-element keys as PKCS8 PEM files under a
// directory, one per alias. A missing or unreadable key file is the software
// equivalent of the platform revoking the key.
type fileKeystore struct {
	dir string
}

func newFileKeystore(dir string) (*fileKeystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &fileKeystore{dir: dir}, nil
}

func (k *fileKeystore) path(alias string) string {
	return filepath.Join(k.dir, alias+".pem")
}

// CreateKey mints a fresh P-256 key under the alias and returns its
// DER-encoded SubjectPublicKeyInfo for registration.
func (k *fileKeystore) CreateKey(alias string) ([]byte, error) {
	pemKey, err := cryptox.GenerateP256Key()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(k.path(alias), pemKey, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}

	key, err := cryptox.ParseP256Key(pemKey)
	if err != nil {
		return nil, err
	}
	return x509.MarshalPKIXPublicKey(&key.PublicKey)
}

// SignerFor loads the key for the alias.
func (k *fileKeystore) SignerFor(_ context.Context, alias string) (protocol.Signer, error) {
	pemKey, err := os.ReadFile(k.path(alias))
	if err != nil {
		return nil, fmt.Errorf("load key %q: %w", alias, err)
	}
	key, err := cryptox.ParseP256Key(pemKey)
	if err != nil {
		return nil, err
	}
	return &softSigner{key: key}, nil
}
