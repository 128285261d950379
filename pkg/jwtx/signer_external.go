package jwtx

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// SignHashFunc is the externally supplied signing capability: digest in,
// signature out. The concrete implementation is bound to a physical
// authenticator (smartcard reader, platform secure element) and injected by
// the caller; this layer never sees key material.
//
// For ES256 the returned signature must be the raw 64-byte r||s form, not
// ASN.1 DER.
type SignHashFunc func(hash []byte) ([]byte, error)

// SigningMethodExternalES256 is a jwt.SigningMethod that produces ES256
// signatures by delegating the final digest to a SignHashFunc passed as the
// signing key. It cannot verify; verification of externally signed tokens is
// the server's job.
var SigningMethodExternalES256 = &externalES256{}

type externalES256 struct{}

func (m *externalES256) Alg() string { return jwt.SigningMethodES256.Alg() }

func (m *externalES256) Sign(signingString string, key any) ([]byte, error) {
	fn, ok := key.(SignHashFunc)
	if !ok {
		return nil, fmt.Errorf("jwtx: external signing requires a SignHashFunc key, got %T", key)
	}

	sum := sha256.Sum256([]byte(signingString))
	sig, err := fn(sum[:])
	if err != nil {
		return nil, fmt.Errorf("jwtx: external signer: %w", err)
	}

	if len(sig) != 64 {
		return nil, fmt.Errorf("jwtx: external signer returned %d bytes, want 64 (raw r||s)", len(sig))
	}
	return sig, nil
}

func (m *externalES256) Verify(signingString string, sig []byte, key any) error {
	return errors.New("jwtx: external signing method cannot verify")
}

// SignCompact builds a compact JWS over claims using the external signer,
// merging extra header parameters (e.g. x5c, typ) into the token header.
func SignCompact(claims jwt.Claims, header map[string]any, fn SignHashFunc) (string, error) {
	t := jwt.NewWithClaims(SigningMethodExternalES256, claims)
	for k, v := range header {
		t.Header[k] = v
	}
	return t.SignedString(fn)
}
