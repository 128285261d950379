package protocol

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/domain"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/cryptox"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/jwtx"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/slogx"
)

// maxResponseBytes caps how much of an IDP response is read. Discovery
// documents and token responses are a few KB; anything near this limit is
// hostile or broken.
const maxResponseBytes = 1 << 20

// Config holds the static client-side parameters of the IDP relationship.
type Config struct {
	// DiscoveryURL is the absolute URL of the signed discovery document.
	DiscoveryURL string

	// ClientID is the registered OAuth2 client identifier.
	ClientID string

	// RedirectURI must match the client registration; the IDP sends the
	// authorization code to it and the client reads it from the unfollowed
	// redirect.
	RedirectURI string

	// HTTPClient supplies the transport stack (logging, rate limiting). Only
	// its Transport is used; redirect policy and timeout are set here.
	HTTPClient *http.Client
}

// Client is the HTTP implementation of Driver.
type Client struct {
	cfg  Config
	http *http.Client
}

var _ Driver = (*Client)(nil)

// NewClient builds a Client from cfg.
func NewClient(cfg Config) *Client {
	base := http.DefaultTransport
	if cfg.HTTPClient != nil && cfg.HTTPClient.Transport != nil {
		base = cfg.HTTPClient.Transport
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: base,
			Timeout:   30 * time.Second,
			// Authorization responses carry the code in the redirect
			// Location; it must be read, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// discoveryClaims is the payload of the discovery JWS. The issuer appears
// under "issuer" (OIDC discovery convention), not "iss".
type discoveryClaims struct {
	jwt.RegisteredClaims

	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	SsoEndpoint           string `json:"sso_endpoint"`
	PairingEndpoint       string `json:"pairing_endpoint"`
	AltAuthEndpoint       string `json:"alternate_authorization_endpoint"`
	SigKeyURI             string `json:"uri_puk_idp_sig"`
	EncKeyURI             string `json:"uri_puk_idp_enc"`
}

func (c discoveryClaims) document() domain.DiscoveryDocument {
	doc := domain.DiscoveryDocument{
		Issuer:                c.Issuer,
		AuthorizationEndpoint: c.AuthorizationEndpoint,
		TokenEndpoint:         c.TokenEndpoint,
		SsoEndpoint:           c.SsoEndpoint,
		PairingEndpoint:       c.PairingEndpoint,
		AltAuthEndpoint:       c.AltAuthEndpoint,
		SigKeyURI:             c.SigKeyURI,
		EncKeyURI:             c.EncKeyURI,
	}
	if c.ExpiresAt != nil {
		doc.ExpiresAt = c.ExpiresAt.Unix()
	}
	return doc
}

type challengeClaims struct {
	jwt.RegisteredClaims
}

// Bootstrap fetches the discovery document, verifies its embedded signature,
// loads the IDP's published signing and encryption keys, and generates the
// per-flow state, nonce, and PKCE verifier.
func (c *Client) Bootstrap(ctx context.Context) (domain.InitialData, error) {
	log := slogx.FromContext(ctx)

	body, err := c.get(ctx, c.cfg.DiscoveryURL)
	if err != nil {
		return domain.InitialData{}, fmt.Errorf("fetch discovery document: %w", err)
	}

	var claims discoveryClaims
	if _, _, err := jwtx.ParseSelfSigned(string(body), &claims); err != nil {
		return domain.InitialData{}, fmt.Errorf("verify discovery document: %w", err)
	}
	doc := claims.document()

	sigKey, err := c.fetchKey(ctx, doc.SigKeyURI)
	if err != nil {
		return domain.InitialData{}, fmt.Errorf("fetch signing key: %w", err)
	}
	encKey, err := c.fetchKey(ctx, doc.EncKeyURI)
	if err != nil {
		return domain.InitialData{}, fmt.Errorf("fetch encryption key: %w", err)
	}

	state, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return domain.InitialData{}, err
	}
	nonce, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return domain.InitialData{}, err
	}
	verifier, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return domain.InitialData{}, err
	}

	log.DebugContext(ctx, "idp bootstrap complete", "issuer", doc.Issuer)

	return domain.InitialData{
		Config:       doc,
		SigKey:       sigKey,
		EncKey:       encKey,
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
	}, nil
}

// Challenge requests a challenge for the given scope and verifies the
// server's signature on it before handing it on.
func (c *Client) Challenge(ctx context.Context, initial domain.InitialData, scope domain.TokenScope) (domain.ChallengeData, error) {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("state", initial.State)
	q.Set("nonce", initial.Nonce)
	q.Set("scope", scopeValue(scope))
	q.Set("code_challenge", codeChallenge(initial.CodeVerifier))
	q.Set("code_challenge_method", "S256")

	body, err := c.get(ctx, initial.Config.AuthorizationEndpoint+"?"+q.Encode())
	if err != nil {
		return domain.ChallengeData{}, fmt.Errorf("fetch challenge: %w", err)
	}

	var payload struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.ChallengeData{}, fmt.Errorf("decode challenge response: %w", err)
	}
	if payload.Challenge == "" {
		return domain.ChallengeData{}, fmt.Errorf("challenge response missing challenge")
	}

	var claims challengeClaims
	if _, err := jwtx.ParseSigned(payload.Challenge, initial.SigKey, &claims); err != nil {
		return domain.ChallengeData{}, fmt.Errorf("verify challenge: %w", err)
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return domain.ChallengeData{
		Scope:     scope,
		Challenge: payload.Challenge,
		ExpiresAt: expiresAt,
	}, nil
}

// scopeValue maps a token scope to the OAuth2 scope string the IDP expects.
func scopeValue(scope domain.TokenScope) string {
	if scope == domain.ScopeBiometricPairing {
		return "pairing openid"
	}
	return "e-rezept openid"
}

// codeChallenge derives the S256 PKCE challenge from the verifier.
func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// fetchKey loads a published IDP key as a JWK and returns its ECDSA key.
func (c *Client) fetchKey(ctx context.Context, keyURL string) (*ecdsa.PublicKey, error) {
	body, err := c.get(ctx, keyURL)
	if err != nil {
		return nil, err
	}

	var jwk jose.JSONWebKey
	if err := json.Unmarshal(body, &jwk); err != nil {
		return nil, fmt.Errorf("decode JWK: %w", err)
	}

	pub, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("JWK holds %T, want ECDSA public key", jwk.Key)
	}
	return pub, nil
}

// get performs a GET and returns the body, converting non-2xx responses into
// typed errors.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if err := parseErrorResponse(resp, body); err != nil {
		return nil, err
	}
	return body, nil
}

// do executes the request and reads the (bounded) body.
func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, body, nil
}
