package protocol

import (
	"context"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/domain"
)

// Signer is the injected cryptographic capability the protocol phases call
// out to: digest in, signature out. Implementations are bound to a physical
// authenticator (smartcard via NFC/reader, platform secure element); this
// layer never sees key material or keystore types.
type Signer interface {
	// Alg returns the JOSE algorithm of produced signatures (e.g. "ES256").
	Alg() string

	// SignHash signs the raw digest. For ES256 the result must be the raw
	// 64-byte r||s form. The call may block on user interaction (card tap,
	// biometric prompt), so it takes the flow context.
	SignHash(ctx context.Context, hash []byte) ([]byte, error)
}

// CertificateProvider supplies the authentication certificate (DER bytes)
// read from the health card at flow time.
type CertificateProvider func(ctx context.Context) ([]byte, error)

// Driver executes the IDP protocol phases. Each phase takes prior-phase
// output; none of them touches stored credentials, which keeps the session
// layer free to decide what to persist and when. Implementations must be
// side-effect free on failure so a cancelled flow leaves nothing behind.
type Driver interface {
	// Bootstrap fetches and verifies the discovery document and the IDP's
	// published keys, and generates fresh per-flow client material.
	Bootstrap(ctx context.Context) (domain.InitialData, error)

	// Challenge requests a challenge for the given scope.
	Challenge(ctx context.Context, initial domain.InitialData, scope domain.TokenScope) (domain.ChallengeData, error)

	// BasicAuth answers the challenge with the health-card certificate and
	// signer, then redeems the resulting code for tokens.
	BasicAuth(ctx context.Context, initial domain.InitialData, challenge domain.ChallengeData, cert []byte, signer Signer) (domain.TokenSet, error)

	// Refresh exchanges an existing SSO token for a fresh access token.
	Refresh(ctx context.Context, initial domain.InitialData, ssoToken string) (domain.TokenSet, error)

	// RegisterSecureElement binds the device-held public key to the
	// authenticated identity. Requires the access token of a pairing-scoped
	// session and the health card for the registration signature.
	RegisterSecureElement(ctx context.Context, initial domain.InitialData, accessToken string, cert, publicKey []byte, keyAlias string, signer Signer) error

	// AuthenticateSecureElement answers the challenge with the device-held
	// key instead of the health card.
	AuthenticateSecureElement(ctx context.Context, initial domain.InitialData, challenge domain.ChallengeData, cert []byte, method domain.AuthMethod, keyAlias string, signer Signer) (domain.TokenSet, error)
}
