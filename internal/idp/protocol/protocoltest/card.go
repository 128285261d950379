package protocoltest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCard is a software stand-in for a hardware authenticator: an ES256 key
// with a self-signed certificate, producing raw r||s signatures the way the
// protocol layer expects them.
type TestCard struct {
	Key     *ecdsa.PrivateKey
	CertDER []byte
}

// NewTestCard generates a fresh card identity.
func NewTestCard(t *testing.T) *TestCard {
	t.Helper()
	key, cert := newSelfSigned(t, "test-card")
	return &TestCard{Key: key, CertDER: cert}
}

// Alg implements the signer contract.
func (c *TestCard) Alg() string { return "ES256" }

// SignHash signs the digest and converts the signature to raw 64-byte r||s.
func (c *TestCard) SignHash(_ context.Context, hash []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, c.Key, hash)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// PublicKeySPKI returns the DER-encoded SubjectPublicKeyInfo of the card key,
// as uploaded during pairing registration.
func (c *TestCard) PublicKeySPKI(t *testing.T) []byte {
	t.Helper()
	spki, err := x509.MarshalPKIXPublicKey(&c.Key.PublicKey)
	require.NoError(t, err)
	return spki
}

// NewDeviceKey generates a key pair standing in for a secure-element key.
func NewDeviceKey(t *testing.T) *TestCard {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &TestCard{Key: key}
}
