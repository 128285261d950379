// Package protocoltest provides an in-process stand-in for the central IDP,
// implementing the server side of the discovery, challenge, token, SSO,
// pairing, and alternate-authentication endpoints against real crypto. Tests
// drive the production client against it over loopback HTTP.
package protocoltest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/cryptox"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/jwtx"
)

// RedirectURI is the registered redirect target the fake issues codes to.
const RedirectURI = "https://redirect.example/callback"

type codeInfo struct {
	codeChallenge string
}

type pairingRecord struct {
	publicKey *ecdsa.PublicKey
}

// FakeIDP is a minimal but cryptographically honest IDP. Behaviour knobs are
// plain fields; set them before the flow under test runs.
type FakeIDP struct {
	Server *httptest.Server

	// RejectSso makes the SSO endpoint answer 401 invalid_grant.
	RejectSso bool

	// RejectAltAuth makes the alternate-authentication endpoint answer 401.
	RejectAltAuth bool

	// RotateSso makes the SSO endpoint hand out a fresh SSO token with the
	// code instead of leaving the existing one in place.
	RotateSso bool

	// AccessTokenTTL is reported as expires_in. Defaults to 5 minutes.
	AccessTokenTTL time.Duration

	sigKey  *ecdsa.PrivateKey
	sigCert []byte
	encKey  *ecdsa.PrivateKey

	mu           sync.Mutex
	codes        map[string]codeInfo
	ssoTokens    map[string]bool
	accessTokens map[string]bool
	pairings     map[string]pairingRecord
}

// New starts a fake IDP; the server is shut down via t.Cleanup.
func New(t *testing.T) *FakeIDP {
	t.Helper()

	sigKey, sigCert := newSelfSigned(t, "fake-idp-sig")
	encKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	f := &FakeIDP{
		AccessTokenTTL: 5 * time.Minute,
		sigKey:         sigKey,
		sigCert:        sigCert,
		encKey:         encKey,
		codes:          map[string]codeInfo{},
		ssoTokens:      map[string]bool{},
		accessTokens:   map[string]bool{},
		pairings:       map[string]pairingRecord{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /discovery", f.handleDiscovery)
	mux.HandleFunc("GET /keys/sig", f.handleKey(&sigKey.PublicKey))
	mux.HandleFunc("GET /keys/enc", f.handleKey(&encKey.PublicKey))
	mux.HandleFunc("GET /auth", f.handleChallenge)
	mux.HandleFunc("POST /auth", f.handleSignedChallenge)
	mux.HandleFunc("POST /sso", f.handleSso)
	mux.HandleFunc("POST /token", f.handleToken)
	mux.HandleFunc("POST /pairing", f.handlePairing)
	mux.HandleFunc("POST /altauth", f.handleAltAuth)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// DiscoveryURL returns the URL the client should bootstrap from.
func (f *FakeIDP) DiscoveryURL() string { return f.Server.URL + "/discovery" }

// HasPairing reports whether a key alias was registered.
func (f *FakeIDP) HasPairing(alias string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pairings[alias]
	return ok
}

// KnowsSsoToken reports whether the fake issued the given SSO token.
func (f *FakeIDP) KnowsSsoToken(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ssoTokens[token]
}

func (f *FakeIDP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	claims := jwt.MapClaims{
		"issuer":                           f.Server.URL,
		"authorization_endpoint":           f.Server.URL + "/auth",
		"token_endpoint":                   f.Server.URL + "/token",
		"sso_endpoint":                     f.Server.URL + "/sso",
		"pairing_endpoint":                 f.Server.URL + "/pairing",
		"alternate_authorization_endpoint": f.Server.URL + "/altauth",
		"uri_puk_idp_sig":                  f.Server.URL + "/keys/sig",
		"uri_puk_idp_enc":                  f.Server.URL + "/keys/enc",
		"exp":                              time.Now().Add(24 * time.Hour).Unix(),
	}
	signed, err := f.signJWS(claims)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write([]byte(signed))
}

func (f *FakeIDP) handleKey(pub *ecdsa.PublicKey) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jwk := jose.JSONWebKey{Key: pub, Use: "sig"}
		json.NewEncoder(w).Encode(jwk)
	}
}

func (f *FakeIDP) handleChallenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	// The challenge carries the flow parameters as claims so the follow-up
	// POST can recover them without server-side session state.
	claims := jwt.MapClaims{
		"exp":            time.Now().Add(3 * time.Minute).Unix(),
		"state":          q.Get("state"),
		"code_challenge": q.Get("code_challenge"),
		"scope":          q.Get("scope"),
	}
	signed, err := f.signJWS(claims)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"challenge": signed})
}

func (f *FakeIDP) handleSignedChallenge(w http.ResponseWriter, r *http.Request) {
	nested, err := f.decryptNested(r.FormValue("signed_challenge"))
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// Signature must verify against the certificate the card presented.
	signedClaims := jwt.MapClaims{}
	if _, _, err := jwtx.ParseSelfSigned(nested, signedClaims); err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "access_denied", "bad challenge signature")
		return
	}

	inner, _ := signedClaims["njwt"].(string)
	state, codeChallenge, err := f.openChallenge(inner)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}

	f.redirectWithCode(w, state, codeChallenge, true)
}

func (f *FakeIDP) handleSso(w http.ResponseWriter, r *http.Request) {
	if f.RejectSso {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_grant", "sso token rejected")
		return
	}

	f.mu.Lock()
	known := f.ssoTokens[r.FormValue("sso_token")]
	f.mu.Unlock()
	if !known {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_grant", "unknown sso token")
		return
	}

	state, codeChallenge, err := f.openChallenge(r.FormValue("unsigned_challenge"))
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}

	f.redirectWithCode(w, state, codeChallenge, f.RotateSso)
}

func (f *FakeIDP) handleToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	info, ok := f.codes[r.FormValue("code")]
	delete(f.codes, r.FormValue("code"))
	f.mu.Unlock()
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown code")
		return
	}

	kvPlain, err := f.decrypt(r.FormValue("key_verifier"))
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "bad key_verifier")
		return
	}
	var kv struct {
		TokenKey     string `json:"token_key"`
		CodeVerifier string `json:"code_verifier"`
	}
	if err := json.Unmarshal(kvPlain, &kv); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "bad key_verifier")
		return
	}

	sum := sha256.Sum256([]byte(kv.CodeVerifier))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != info.codeChallenge {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	tokenKey, err := base64.RawURLEncoding.DecodeString(kv.TokenKey)
	if err != nil || len(tokenKey) != 32 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "bad token_key")
		return
	}

	accessToken := "at-" + cryptox.MustGenerateToken(cryptox.TokenSize128)
	f.mu.Lock()
	f.accessTokens[accessToken] = true
	f.mu.Unlock()

	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: tokenKey}, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	obj, err := enc.Encrypt([]byte(accessToken))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	wrapped, _ := obj.CompactSerialize()

	json.NewEncoder(w).Encode(map[string]any{
		"access_token": wrapped,
		"token_type":   "Bearer",
		"expires_in":   int64(f.AccessTokenTTL / time.Second),
	})
}

func (f *FakeIDP) handlePairing(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	authed := f.accessTokens[token]
	f.mu.Unlock()
	if !authed {
		writeOAuthError(w, http.StatusUnauthorized, "access_denied", "missing bearer token")
		return
	}

	var payload struct {
		EncryptedRegistrationData string `json:"encrypted_registration_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "bad body")
		return
	}

	plain, err := f.decrypt(payload.EncryptedRegistrationData)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "bad registration data")
		return
	}
	var reg struct {
		SignedPairingData string `json:"signed_pairing_data"`
	}
	if err := json.Unmarshal(plain, &reg); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "bad registration data")
		return
	}

	pairingClaims := jwt.MapClaims{}
	if _, _, err := jwtx.ParseSelfSigned(reg.SignedPairingData, pairingClaims); err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "access_denied", "bad pairing signature")
		return
	}

	alias, _ := pairingClaims["key_identifier"].(string)
	spkiB64, _ := pairingClaims["subject_public_key_info"].(string)
	spki, err := base64.RawURLEncoding.DecodeString(spkiB64)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "bad public key")
		return
	}
	pub, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "bad public key")
		return
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok || alias == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "bad pairing data")
		return
	}

	f.mu.Lock()
	f.pairings[alias] = pairingRecord{publicKey: ecPub}
	f.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("{}"))
}

func (f *FakeIDP) handleAltAuth(w http.ResponseWriter, r *http.Request) {
	if f.RejectAltAuth {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_grant", "alternate authentication rejected")
		return
	}

	nested, err := f.decryptNested(r.FormValue("encrypted_signed_authentication_data"))
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// The JWS is signed by the paired device key, not the x5c certificate,
	// so verify against the registered pairing record.
	claims, err := unverifiedClaims(nested)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "bad authentication data")
		return
	}
	alias, _ := claims["key_identifier"].(string)

	f.mu.Lock()
	record, paired := f.pairings[alias]
	f.mu.Unlock()
	if !paired {
		writeOAuthError(w, http.StatusUnauthorized, "access_denied", "unknown key identifier")
		return
	}
	if !verifyRawES256(nested, record.publicKey) {
		writeOAuthError(w, http.StatusUnauthorized, "access_denied", "bad device signature")
		return
	}

	inner, _ := claims["challenge_token"].(string)
	state, codeChallenge, err := f.openChallenge(inner)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}

	f.redirectWithCode(w, state, codeChallenge, true)
}

// openChallenge verifies a challenge the fake issued earlier and recovers the
// flow parameters embedded in it.
func (f *FakeIDP) openChallenge(raw string) (state, codeChallenge string, err error) {
	claims := jwt.MapClaims{}
	if _, err := jwtx.ParseSigned(raw, &f.sigKey.PublicKey, claims); err != nil {
		return "", "", fmt.Errorf("bad challenge: %w", err)
	}
	state, _ = claims["state"].(string)
	codeChallenge, _ = claims["code_challenge"].(string)
	return state, codeChallenge, nil
}

func (f *FakeIDP) redirectWithCode(w http.ResponseWriter, state, codeChallenge string, issueSso bool) {
	code := "code-" + cryptox.MustGenerateToken(cryptox.TokenSize128)

	f.mu.Lock()
	f.codes[code] = codeInfo{codeChallenge: codeChallenge}
	loc := RedirectURI + "?code=" + code + "&state=" + state
	if issueSso {
		sso := "sso-" + cryptox.MustGenerateToken(cryptox.TokenSize128)
		f.ssoTokens[sso] = true
		loc += "&ssotoken=" + sso
	}
	f.mu.Unlock()

	w.Header().Set("Location", loc)
	w.WriteHeader(http.StatusFound)
}

// decryptNested opens a JWE addressed to the fake and unwraps the {"njwt": x}
// envelope.
func (f *FakeIDP) decryptNested(raw string) (string, error) {
	plain, err := f.decrypt(raw)
	if err != nil {
		return "", err
	}
	var wrapper struct {
		Njwt string `json:"njwt"`
	}
	if err := json.Unmarshal(plain, &wrapper); err != nil || wrapper.Njwt == "" {
		return "", fmt.Errorf("missing nested JWT")
	}
	return wrapper.Njwt, nil
}

func (f *FakeIDP) decrypt(raw string) ([]byte, error) {
	obj, err := jose.ParseEncrypted(raw,
		[]jose.KeyAlgorithm{jose.ECDH_ES},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return nil, err
	}
	return obj.Decrypt(f.encKey)
}

func (f *FakeIDP) signJWS(claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["x5c"] = []string{base64.StdEncoding.EncodeToString(f.sigCert)}
	return t.SignedString(f.sigKey)
}

func writeOAuthError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": desc,
	})
}

// unverifiedClaims decodes a compact JWS payload without checking the
// signature; verification happens against the registered key afterwards.
func unverifiedClaims(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// verifyRawES256 checks the raw r||s signature of a compact JWS against pub.
func verifyRawES256(raw string, pub *ecdsa.PublicKey) bool {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(sig) != 64 {
		return false
	}
	sum := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, sum[:], r, s)
}

// newSelfSigned creates an ES256 key with a self-signed certificate, DER
// encoded, usable as an x5c entry.
func newSelfSigned(t *testing.T, cn string) (*ecdsa.PrivateKey, []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return key, der
}
