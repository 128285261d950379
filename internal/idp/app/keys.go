package app

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/cryptox"
)

const (
	keyringService = "de.gematik.erp-go"
	keyringAccount = "master-key"
)

// InitMasterKey wires the master encryption key for at-rest credential
// encryption, in order of preference: explicit key file, OS keychain
// (created on first run), then cryptox's own env/ephemeral fallback.
//
// A keychain that is locked or unavailable is not fatal; the store then runs
// on the fallback key, which in the ephemeral case means stored credentials
// do not survive a restart.
func InitMasterKey(cfg Config, logger *slog.Logger) error {
	if cfg.MasterKeyPath != "" {
		cryptox.SetMasterKeyPath(cfg.MasterKeyPath)
		logger.Info("master key path configured", "path", cfg.MasterKeyPath)
		return nil
	}

	if !cfg.UseKeychain {
		return nil
	}

	secret, err := keyring.Get(keyringService, keyringAccount)
	if errors.Is(err, keyring.ErrNotFound) {
		secret, err = createKeychainKey()
		if err != nil {
			return err
		}
		logger.Info("master key created in OS keychain")
	} else if err != nil {
		logger.Warn("OS keychain unavailable, using fallback master key", "error", err)
		return nil
	}

	material, err := base64.RawStdEncoding.DecodeString(secret)
	if err != nil {
		return fmt.Errorf("keychain master key is malformed: %w", err)
	}

	cryptox.SetMasterKey(material)
	return nil
}

func createKeychainKey() (string, error) {
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}

	secret := base64.RawStdEncoding.EncodeToString(material)
	if err := keyring.Set(keyringService, keyringAccount, secret); err != nil {
		return "", fmt.Errorf("store master key in keychain: %w", err)
	}
	return secret, nil
}
