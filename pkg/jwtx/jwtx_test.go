package jwtx

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// rawSigner turns a software ECDSA key into the digest-in/signature-out shape
// a card reader would provide.
func rawSigner(key *ecdsa.PrivateKey) SignHashFunc {
	return func(hash []byte) ([]byte, error) {
		r, s, err := ecdsa.Sign(rand.Reader, key, hash)
		if err != nil {
			return nil, err
		}
		sig := make([]byte, 64)
		r.FillBytes(sig[:32])
		s.FillBytes(sig[32:])
		return sig, nil
	}
}

func TestExternalSigningRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	claims := jwt.MapClaims{
		"njwt": "challenge-token",
		"exp":  time.Now().Add(time.Minute).Unix(),
	}

	raw, err := SignCompact(claims, map[string]any{"typ": "JWT", "cty": "NJWT"}, rawSigner(key))
	require.NoError(t, err)

	parsed := jwt.MapClaims{}
	token, err := ParseSigned(raw, &key.PublicKey, parsed)
	require.NoError(t, err)
	require.True(t, token.Valid)
	require.Equal(t, "challenge-token", parsed["njwt"])
	require.Equal(t, "NJWT", token.Header["cty"])
}

func TestExternalSignerErrors(t *testing.T) {
	t.Parallel()

	t.Run("wrong key type rejected", func(t *testing.T) {
		_, err := SigningMethodExternalES256.Sign("payload", "not-a-func")
		require.Error(t, err)
	})

	t.Run("short signature rejected", func(t *testing.T) {
		short := SignHashFunc(func(hash []byte) ([]byte, error) { return []byte{0x01}, nil })
		_, err := SignCompact(jwt.MapClaims{}, nil, short)
		require.Error(t, err)
	})

	t.Run("verification not supported", func(t *testing.T) {
		err := SigningMethodExternalES256.Verify("payload", nil, nil)
		require.Error(t, err)
	})
}

func TestParseSelfSigned(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "idp-sig"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"issuer": "https://idp.example",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["x5c"] = []any{base64.StdEncoding.EncodeToString(der)}

	raw, err := tok.SignedString(key)
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	parsed, leaf, err := ParseSelfSigned(raw, claims)
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	require.Equal(t, "idp-sig", leaf.Subject.CommonName)
	require.Equal(t, "https://idp.example", claims["issuer"])

	t.Run("missing x5c rejected", func(t *testing.T) {
		bare := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{})
		rawBare, err := bare.SignedString(key)
		require.NoError(t, err)

		_, _, err = ParseSelfSigned(rawBare, jwt.MapClaims{})
		require.Error(t, err)
	})
}
