package domain

import (
	"crypto/ecdsa"
	"time"
)

// InitialData is the ephemeral per-flow bootstrap output: the discovery
// configuration, the IDP's published keys, and freshly generated client-side
// protocol material. It is consumed within a single flow invocation and never
// persisted.
type InitialData struct {
	Config DiscoveryDocument

	// IDP keys fetched during bootstrap.
	SigKey *ecdsa.PublicKey // verifies challenge and discovery JWS
	EncKey *ecdsa.PublicKey // JWE recipient key for signed challenge / key_verifier

	// Ephemeral client material, one set per protocol run.
	State        string
	Nonce        string
	CodeVerifier string
}

// DiscoveryDocument is the verified content of the IDP discovery JWS.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	SsoEndpoint           string `json:"sso_endpoint"`
	PairingEndpoint       string `json:"pairing_endpoint"`
	AltAuthEndpoint       string `json:"alternate_authorization_endpoint"`
	SigKeyURI             string `json:"uri_puk_idp_sig"`
	EncKeyURI             string `json:"uri_puk_idp_enc"`
	ExpiresAt             int64  `json:"exp"`
}

// ChallengeData is a server-issued challenge tied to the scope it was
// requested for. It must be consumed immediately by the matching
// authentication phase and is never cached.
type ChallengeData struct {
	Scope TokenScope

	// Challenge is the raw signed challenge JWS exactly as issued; it is
	// embedded in the signed response so the server can match it.
	Challenge string

	ExpiresAt time.Time
}

// AuthMethod is the authentication-method tag sent during the secure-element
// exchange.
type AuthMethod string

const (
	// AuthMethodStrong marks a hardware-backed, biometric-gated key.
	AuthMethodStrong AuthMethod = "strong"
)
