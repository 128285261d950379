package protocol

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/domain"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/jwtx"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/slogx"
)

// BasicAuth signs the challenge with the health card, submits it encrypted to
// the authorization endpoint, and redeems the resulting code. The SSO token
// arrives alongside the code on the redirect.
func (c *Client) BasicAuth(ctx context.Context, initial domain.InitialData, challenge domain.ChallengeData, cert []byte, signer Signer) (domain.TokenSet, error) {
	signed, err := signWithAuthenticator(ctx, jwt.MapClaims{"njwt": challenge.Challenge}, cert, signer)
	if err != nil {
		return domain.TokenSet{}, fmt.Errorf("sign challenge: %w", err)
	}

	jwe, err := c.encryptedNestedJWT(initial.EncKey, signed)
	if err != nil {
		return domain.TokenSet{}, fmt.Errorf("encrypt signed challenge: %w", err)
	}

	code, sso, err := c.postAuthCode(ctx, initial, initial.Config.AuthorizationEndpoint, url.Values{
		"signed_challenge": {jwe},
	})
	if err != nil {
		return domain.TokenSet{}, err
	}

	tokens, err := c.exchangeCode(ctx, initial, code)
	if err != nil {
		return domain.TokenSet{}, err
	}
	tokens.SsoToken = sso
	return tokens, nil
}

// Refresh requests a fresh challenge and submits it together with the SSO
// token to the SSO endpoint, then redeems the resulting code. The server may
// rotate the SSO token; an empty SsoToken in the result means it did not.
func (c *Client) Refresh(ctx context.Context, initial domain.InitialData, ssoToken string) (domain.TokenSet, error) {
	challenge, err := c.Challenge(ctx, initial, domain.ScopeDefault)
	if err != nil {
		return domain.TokenSet{}, err
	}

	code, sso, err := c.postAuthCode(ctx, initial, initial.Config.SsoEndpoint, url.Values{
		"sso_token":          {ssoToken},
		"unsigned_challenge": {challenge.Challenge},
	})
	if err != nil {
		return domain.TokenSet{}, err
	}

	tokens, err := c.exchangeCode(ctx, initial, code)
	if err != nil {
		return domain.TokenSet{}, err
	}
	tokens.SsoToken = sso
	return tokens, nil
}

// RegisterSecureElement uploads the device key's public part, signed with the
// health card, to the pairing endpoint. The access token must come from a
// pairing-scoped session.
func (c *Client) RegisterSecureElement(ctx context.Context, initial domain.InitialData, accessToken string, cert, publicKey []byte, keyAlias string, signer Signer) error {
	signedPairing, err := signWithAuthenticator(ctx, jwt.MapClaims{
		"subject_public_key_info": base64.RawURLEncoding.EncodeToString(publicKey),
		"key_identifier":          keyAlias,
		"iat":                     time.Now().Unix(),
	}, cert, signer)
	if err != nil {
		return fmt.Errorf("sign pairing data: %w", err)
	}

	registration, err := json.Marshal(map[string]any{
		"signed_pairing_data": signedPairing,
		"auth_cert":           base64.StdEncoding.EncodeToString(cert),
		"device_information":  deviceInformation(),
	})
	if err != nil {
		return err
	}

	jwe, err := encryptToKey(initial.EncKey, registration, "JSON")
	if err != nil {
		return fmt.Errorf("encrypt registration data: %w", err)
	}

	payload, err := json.Marshal(map[string]string{"encrypted_registration_data": jwe})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, initial.Config.PairingEndpoint, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := parseErrorResponse(resp, body); err != nil {
		return fmt.Errorf("register secure element: %w", err)
	}

	slogx.FromContext(ctx).InfoContext(ctx, "secure element registered", "key_alias", keyAlias)
	return nil
}

// AuthenticateSecureElement answers the challenge with the device-held key
// and redeems the resulting code.
func (c *Client) AuthenticateSecureElement(ctx context.Context, initial domain.InitialData, challenge domain.ChallengeData, cert []byte, method domain.AuthMethod, keyAlias string, signer Signer) (domain.TokenSet, error) {
	signed, err := signWithAuthenticator(ctx, jwt.MapClaims{
		"challenge_token": challenge.Challenge,
		"auth_method":     string(method),
		"key_identifier":  keyAlias,
		"amr":             []string{"mfa", "hwk"},
	}, cert, signer)
	if err != nil {
		return domain.TokenSet{}, fmt.Errorf("sign authentication data: %w", err)
	}

	jwe, err := c.encryptedNestedJWT(initial.EncKey, signed)
	if err != nil {
		return domain.TokenSet{}, fmt.Errorf("encrypt authentication data: %w", err)
	}

	code, sso, err := c.postAuthCode(ctx, initial, initial.Config.AltAuthEndpoint, url.Values{
		"encrypted_signed_authentication_data": {jwe},
	})
	if err != nil {
		return domain.TokenSet{}, err
	}

	tokens, err := c.exchangeCode(ctx, initial, code)
	if err != nil {
		return domain.TokenSet{}, err
	}
	tokens.SsoToken = sso
	return tokens, nil
}

// exchangeCode redeems an authorization code at the token endpoint. The
// access token comes back encrypted under a client-chosen symmetric key that
// travels inside the key_verifier JWE, so only this flow instance can read it.
func (c *Client) exchangeCode(ctx context.Context, initial domain.InitialData, code string) (domain.TokenSet, error) {
	tokenKey := make([]byte, 32)
	if _, err := rand.Read(tokenKey); err != nil {
		return domain.TokenSet{}, fmt.Errorf("generate token key: %w", err)
	}

	kv, err := json.Marshal(map[string]string{
		"token_key":     base64.RawURLEncoding.EncodeToString(tokenKey),
		"code_verifier": initial.CodeVerifier,
	})
	if err != nil {
		return domain.TokenSet{}, err
	}
	keyVerifier, err := encryptToKey(initial.EncKey, kv, "JSON")
	if err != nil {
		return domain.TokenSet{}, fmt.Errorf("encrypt key verifier: %w", err)
	}

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {c.cfg.RedirectURI},
		"client_id":    {c.cfg.ClientID},
		"key_verifier": {keyVerifier},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, initial.Config.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.TokenSet{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, body, err := c.do(req)
	if err != nil {
		return domain.TokenSet{}, err
	}
	if err := parseErrorResponse(resp, body); err != nil {
		return domain.TokenSet{}, fmt.Errorf("token exchange: %w", err)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return domain.TokenSet{}, fmt.Errorf("decode token response: %w", err)
	}

	accessToken, err := decryptWithKey(tokenResp.AccessToken, tokenKey)
	if err != nil {
		return domain.TokenSet{}, fmt.Errorf("decrypt access token: %w", err)
	}

	return domain.TokenSet{
		AccessToken: accessToken,
		ExpiresIn:   time.Duration(tokenResp.ExpiresIn) * time.Second,
	}, nil
}

// postAuthCode posts the form to an authorization-style endpoint and extracts
// the code and optional SSO token from the unfollowed redirect, checking the
// echoed state against the flow's own.
func (c *Client) postAuthCode(ctx context.Context, initial domain.InitialData, endpoint string, form url.Values) (code, ssoToken string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, body, err := c.do(req)
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode != http.StatusFound {
		if err := parseErrorResponse(resp, body); err != nil {
			return "", "", err
		}
		return "", "", fmt.Errorf("authorization response: unexpected status %d", resp.StatusCode)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return "", "", fmt.Errorf("authorization response: bad redirect: %w", err)
	}
	q := loc.Query()

	if errCode := q.Get("error"); errCode != "" {
		return "", "", &Error{
			StatusCode:  resp.StatusCode,
			Code:        errCode,
			Description: q.Get("error_description"),
		}
	}
	if state := q.Get("state"); state != initial.State {
		return "", "", fmt.Errorf("authorization response: state mismatch")
	}
	if q.Get("code") == "" {
		return "", "", fmt.Errorf("authorization response: missing code")
	}
	return q.Get("code"), q.Get("ssotoken"), nil
}

// signWithAuthenticator builds a compact JWS over claims, signed via the
// external signer with the authentication certificate in the x5c header.
func signWithAuthenticator(ctx context.Context, claims jwt.Claims, cert []byte, signer Signer) (string, error) {
	if signer.Alg() != jwt.SigningMethodES256.Alg() {
		return "", fmt.Errorf("unsupported signer algorithm %q", signer.Alg())
	}

	header := map[string]any{
		"typ": "JWT",
		"x5c": []string{base64.StdEncoding.EncodeToString(cert)},
	}
	return jwtx.SignCompact(claims, header, func(hash []byte) ([]byte, error) {
		return signer.SignHash(ctx, hash)
	})
}

// encryptedNestedJWT wraps a signed JWS as {"njwt": ...} and encrypts it to
// the IDP's encryption key.
func (c *Client) encryptedNestedJWT(key *ecdsa.PublicKey, signed string) (string, error) {
	payload, err := json.Marshal(map[string]string{"njwt": signed})
	if err != nil {
		return "", err
	}
	return encryptToKey(key, payload, "NJWT")
}

// encryptToKey produces a compact ECDH-ES/A256GCM JWE addressed to the IDP.
func encryptToKey(key *ecdsa.PublicKey, payload []byte, cty string) (string, error) {
	opts := (&jose.EncrypterOptions{}).WithContentType(jose.ContentType(cty))
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.ECDH_ES, Key: key}, opts)
	if err != nil {
		return "", err
	}
	obj, err := enc.Encrypt(payload)
	if err != nil {
		return "", err
	}
	return obj.CompactSerialize()
}

// decryptWithKey opens a compact direct-key A256GCM JWE, as used for the
// access token in the token response.
func decryptWithKey(raw string, key []byte) (string, error) {
	obj, err := jose.ParseEncrypted(raw,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return "", err
	}
	pt, err := obj.Decrypt(key)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// deviceInformation describes the registering device for the pairing record.
func deviceInformation() map[string]any {
	return map[string]any{
		"name": "erp-go",
		"device_type": map[string]string{
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
		},
	}
}
