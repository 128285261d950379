package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/cryptox"
)

// softSigner produces raw r||s ES256 signatures from a software key. It
// stands in for the physical card reader and the platform secure element
// during development.
type softSigner struct {
	key *ecdsa.PrivateKey
}

func (s *softSigner) Alg() string { return "ES256" }

func (s *softSigner) SignHash(_ context.Context, hash []byte) ([]byte, error) {
	r, sv, err := ecdsa.Sign(rand.Reader, s.key, hash)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	sv.FillBytes(sig[32:])
	return sig, nil
}

// softCard is a PEM-file-backed health card: one file holding the PKCS8
// private key and the authentication certificate.
type softCard struct {
	signer  *softSigner
	certDER []byte
}

func loadSoftCard(path string) (*softCard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read card file: %w", err)
	}

	var keyPEM, certDER []byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case "PRIVATE KEY":
			keyPEM = pem.EncodeToMemory(block)
		case "CERTIFICATE":
			certDER = block.Bytes
		}
	}
	if keyPEM == nil || certDER == nil {
		return nil, errors.New("card file must hold a PRIVATE KEY and a CERTIFICATE block")
	}

	key, err := cryptox.ParseP256Key(keyPEM)
	if err != nil {
		return nil, err
	}
	if _, err := x509.ParseCertificate(certDER); err != nil {
		return nil, fmt.Errorf("parse card certificate: %w", err)
	}

	return &softCard{signer: &softSigner{key: key}, certDER: certDER}, nil
}

func (c *softCard) certProvider() func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) { return c.certDER, nil }
}
