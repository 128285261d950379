package jwtx

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ParseSigned parses and verifies an ES256 compact JWS against the given
// public key, unmarshalling the payload into claims.
func ParseSigned(raw string, key *ecdsa.PublicKey, claims jwt.Claims) (*jwt.Token, error) {
	token, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	return token, nil
}

// ParseSelfSigned parses an ES256 compact JWS whose signing key is carried in
// its own x5c header, as the IDP discovery document does. The caller is
// expected to pin or validate the returned certificate.
func ParseSelfSigned(raw string, claims jwt.Claims) (*jwt.Token, *x509.Certificate, error) {
	var leaf *x509.Certificate

	token, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) {
			cert, err := leafFromHeader(t.Header)
			if err != nil {
				return nil, err
			}
			pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("jwtx: x5c leaf holds %T, want ECDSA", cert.PublicKey)
			}
			leaf = cert
			return pub, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
	)
	if err != nil {
		return nil, nil, err
	}
	return token, leaf, nil
}

// leafFromHeader decodes the first certificate of the x5c header chain.
func leafFromHeader(header map[string]any) (*x509.Certificate, error) {
	chain, ok := header["x5c"].([]any)
	if !ok || len(chain) == 0 {
		return nil, errors.New("jwtx: missing x5c header")
	}

	first, ok := chain[0].(string)
	if !ok {
		return nil, errors.New("jwtx: malformed x5c entry")
	}

	der, err := base64.StdEncoding.DecodeString(first)
	if err != nil {
		return nil, fmt.Errorf("jwtx: decode x5c: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("jwtx: parse x5c certificate: %w", err)
	}
	return cert, nil
}
