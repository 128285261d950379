package cryptox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptAtRest(t *testing.T) {
	ResetMasterKeyForTesting()
	SetMasterKey([]byte("unit-test-master-key"))
	t.Cleanup(ResetMasterKeyForTesting)

	t.Run("round trip", func(t *testing.T) {
		plaintext := []byte("sso-token-value")

		sealed, err := EncryptAtRest("idp/sso-token", plaintext)
		require.NoError(t, err)
		require.NotEqual(t, plaintext, sealed)

		opened, err := DecryptAtRest("idp/sso-token", sealed)
		require.NoError(t, err)
		require.Equal(t, plaintext, opened)
	})

	t.Run("nonce makes ciphertexts distinct", func(t *testing.T) {
		a, err := EncryptAtRest("idp/sso-token", []byte("same"))
		require.NoError(t, err)
		b, err := EncryptAtRest("idp/sso-token", []byte("same"))
		require.NoError(t, err)
		require.NotEqual(t, a, b)
	})

	t.Run("label mismatch fails authentication", func(t *testing.T) {
		sealed, err := EncryptAtRest("idp/sso-token", []byte("secret"))
		require.NoError(t, err)

		_, err = DecryptAtRest("idp/certificate", sealed)
		require.Error(t, err)
	})

	t.Run("truncated ciphertext rejected", func(t *testing.T) {
		_, err := DecryptAtRest("idp/sso-token", []byte{0x01, 0x02})
		require.Error(t, err)
	})

	t.Run("tampered ciphertext rejected", func(t *testing.T) {
		sealed, err := EncryptAtRest("idp/sso-token", []byte("secret"))
		require.NoError(t, err)

		sealed[len(sealed)-1] ^= 0xFF
		_, err = DecryptAtRest("idp/sso-token", sealed)
		require.Error(t, err)
	})
}

func TestParseP256Key(t *testing.T) {
	t.Parallel()

	t.Run("round trip generated key", func(t *testing.T) {
		pemKey, err := GenerateP256Key()
		require.NoError(t, err)

		key, err := ParseP256Key(pemKey)
		require.NoError(t, err)
		require.Equal(t, "P-256", key.Curve.Params().Name)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := ParseP256Key([]byte("not pem"))
		require.Error(t, err)
	})
}
