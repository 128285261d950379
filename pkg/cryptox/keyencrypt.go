package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/hkdf"
)

var (
	masterKeyOnce sync.Once
	masterKey     []byte
	masterKeyPath string
	masterKeySet  []byte // takes precedence when set explicitly
)

// SetMasterKeyPath configures where to load the master encryption key from.
// Must be called before any encryption/decryption operations.
// If not set, the key is loaded from the ERP_MASTER_KEY environment variable.
func SetMasterKeyPath(path string) {
	masterKeyPath = path
}

// SetMasterKey installs raw key material directly, bypassing file and
// environment lookup. The app layer uses this when the key comes from the
// OS keychain.
func SetMasterKey(material []byte) {
	masterKeySet = material
}

// loadMasterKey resolves the 32-byte root key from, in order: explicitly set
// material, the configured file, the ERP_MASTER_KEY environment variable, or
// a freshly generated ephemeral key (development only; credentials encrypted
// with it do not survive a restart).
func loadMasterKey() ([]byte, error) {
	var keyMaterial []byte

	switch {
	case len(masterKeySet) > 0:
		keyMaterial = masterKeySet
	case masterKeyPath != "":
		data, err := os.ReadFile(masterKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read master key file: %w", err)
		}
		keyMaterial = data
	default:
		if envKey := os.Getenv("ERP_MASTER_KEY"); envKey != "" {
			keyMaterial = []byte(envKey)
		} else {
			keyMaterial = make([]byte, 32)
			if _, err := rand.Read(keyMaterial); err != nil {
				return nil, fmt.Errorf("failed to generate ephemeral master key: %w", err)
			}
		}
	}

	hash := sha256.Sum256(keyMaterial)
	return hash[:], nil
}

func getMasterKey() ([]byte, error) {
	var err error
	masterKeyOnce.Do(func() {
		masterKey, err = loadMasterKey()
	})
	if err != nil {
		return nil, err
	}
	return masterKey, nil
}

// subkey derives a label-scoped AES-256 key from the root key via HKDF, so
// the SSO-token column and the certificate column are sealed under distinct
// keys even though one root key is configured.
func subkey(label string) ([]byte, error) {
	root, err := getMasterKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get master key: %w", err)
	}

	out := make([]byte, 32)
	r := hkdf.New(sha256.New, root, nil, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to derive %q subkey: %w", label, err)
	}
	return out, nil
}

// EncryptAtRest seals plaintext under the label-derived key using AES-256-GCM.
// The output format is: [12-byte nonce][ciphertext][16-byte auth tag].
func EncryptAtRest(label string, plaintext []byte) ([]byte, error) {
	key, err := subkey(label)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptAtRest reverses EncryptAtRest. The label must match the one used to
// seal; a mismatch fails authentication.
func DecryptAtRest(label string, encrypted []byte) ([]byte, error) {
	key, err := subkey(label)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(encrypted) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := encrypted[:nonceSize], encrypted[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

// ResetMasterKeyForTesting resets the master key singleton for testing purposes.
// This should ONLY be used in tests.
func ResetMasterKeyForTesting() {
	masterKeyOnce = sync.Once{}
	masterKey = nil
	masterKeySet = nil
	masterKeyPath = ""
}
