package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/domain"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/protocol"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/store"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/cryptox"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/slogx"
)

// Keystore hands out signing capabilities for device-held keys created during
// pairing. A failure here is the designated signal that the platform revoked
// the key material (e.g. after biometric re-enrollment).
type Keystore interface {
	SignerFor(ctx context.Context, alias string) (protocol.Signer, error)
}

// SessionService owns the token lifecycle: the single-flight access-token
// loading protocol, the three authentication ceremonies, and the error
// classification that turns protocol failures into actionable outcomes.
//
// All operations that touch stored credentials run under one exclusive
// context-aware lock, across all profiles: at most one of them executes its
// body at a time, callers park while waiting, and cancellation while queued
// leaves all state untouched.
type SessionService struct {
	Store    store.Store
	Driver   protocol.Driver
	Keystore Keystore

	lock *semaphore.Weighted
	now  func() time.Time
}

// NewSessionService creates a SessionService. keystore may be nil if the
// secure-element flow is not used.
func NewSessionService(st store.Store, driver protocol.Driver, keystore Keystore) *SessionService {
	return &SessionService{
		Store:    st,
		Driver:   driver,
		Keystore: keystore,
		lock:     semaphore.NewWeighted(1),
		now:      time.Now,
	}
}

// LoadAccessToken returns a usable access token for the profile, refreshing
// via the stored SSO token when the cache is empty, expired, or forceRefresh
// is set.
//
// Outcomes: a missing or invalidated SSO token fails immediately with a
// RefreshRequiredError demanding re-authentication, without touching the
// network. A refresh rejected by the server (HTTP 400/401/403) clears the
// stored SSO token value, keeps its scope, and also demands
// re-authentication. Any other refresh failure leaves the stored state
// untouched and reports a transient RefreshRequiredError.
func (s *SessionService) LoadAccessToken(ctx context.Context, profileID string, forceRefresh bool) (string, error) {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.lock.Release(1)

	log := slogx.FromContext(ctx)

	sso, err := s.Store.SsoTokens().Get(ctx, profileID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load sso token: %w", err)
	}

	if sso.Token == "" {
		// Never authenticated, or the value was invalidated earlier. The
		// retained scope tells the caller which ceremony to restart.
		if err := s.Store.AccessTokens().Invalidate(ctx, profileID); err != nil {
			return "", fmt.Errorf("invalidate access token: %w", err)
		}
		return "", &RefreshRequiredError{UserActionRequired: true, Scope: scopeOf(sso)}
	}

	if !forceRefresh {
		cached, err := s.Store.AccessTokens().Get(ctx, profileID)
		if err == nil && !cached.Expired(s.now()) {
			return cached.Token, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("load cached access token: %w", err)
		}
	}

	// The cached token is stale or unwanted either way; drop it before the
	// refresh attempt so a failure cannot leave it behind.
	if err := s.Store.AccessTokens().Invalidate(ctx, profileID); err != nil {
		return "", fmt.Errorf("invalidate access token: %w", err)
	}

	initial, err := s.Driver.Bootstrap(ctx)
	if err != nil {
		return "", s.classifyRefreshFailure(ctx, profileID, sso, err)
	}

	tokens, err := s.Driver.Refresh(ctx, initial, sso.Token)
	if err != nil {
		return "", s.classifyRefreshFailure(ctx, profileID, sso, err)
	}

	// The server may rotate the SSO token; a rotated value keeps the scope
	// of the session it continues.
	if tokens.SsoToken != "" && tokens.SsoToken != sso.Token {
		rotated := domain.SsoToken{Token: tokens.SsoToken, Scope: sso.Scope, UpdatedAt: s.now()}
		if err := s.Store.SsoTokens().Set(ctx, profileID, rotated); err != nil {
			return "", fmt.Errorf("persist rotated sso token: %w", err)
		}
	}

	access := s.accessTokenOf(tokens)
	if err := s.Store.AccessTokens().Set(ctx, profileID, access); err != nil {
		return "", fmt.Errorf("cache access token: %w", err)
	}

	log.InfoContext(ctx, "access token refreshed",
		"profile_id", profileID,
		"token_fp", cryptox.FingerprintToken(access.Token))
	return access.Token, nil
}

// AuthenticateWithHealthCard runs the direct card login ceremony and persists
// the resulting default-scope session. Failures propagate unclassified; an
// initial login has no session to invalidate.
func (s *SessionService) AuthenticateWithHealthCard(ctx context.Context, profileID string, certProvider protocol.CertificateProvider, signer protocol.Signer) error {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.lock.Release(1)

	login, err := s.cardLogin(ctx, domain.ScopeDefault, certProvider, signer)
	if err != nil {
		return err
	}

	if err := s.persistSession(ctx, profileID, domain.ScopeDefault, login.tokens); err != nil {
		return err
	}

	slogx.FromContext(ctx).InfoContext(ctx, "health card authentication complete", "profile_id", profileID)
	return nil
}

// PairSecureElement runs a pairing-scoped card login, registers the
// device-held public key with the IDP, and stores the binding (certificate +
// key alias) together with the session tokens in one transaction.
func (s *SessionService) PairSecureElement(ctx context.Context, profileID string, publicKey []byte, keyAlias string, certProvider protocol.CertificateProvider, signer protocol.Signer) error {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.lock.Release(1)

	login, err := s.cardLogin(ctx, domain.ScopeBiometricPairing, certProvider, signer)
	if err != nil {
		return err
	}

	if err := s.Driver.RegisterSecureElement(ctx, login.initial, login.tokens.AccessToken, login.cert, publicKey, keyAlias, signer); err != nil {
		return fmt.Errorf("register secure element: %w", err)
	}

	// Binding and session are one unit: a half-written pairing would strand
	// the re-authentication flow.
	access := s.accessTokenOf(login.tokens)
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		sso := domain.SsoToken{Token: login.tokens.SsoToken, Scope: domain.ScopeBiometricPairing, UpdatedAt: s.now()}
		if err := tx.SsoTokens().Set(ctx, profileID, sso); err != nil {
			return err
		}
		if err := tx.Certificates().Set(ctx, profileID, login.cert); err != nil {
			return err
		}
		if err := tx.SecureElements().SetAlias(ctx, profileID, keyAlias); err != nil {
			return err
		}
		return tx.AccessTokens().Set(ctx, profileID, access)
	})
	if err != nil {
		return fmt.Errorf("persist pairing: %w", err)
	}

	slogx.FromContext(ctx).InfoContext(ctx, "secure element paired",
		"profile_id", profileID, "key_alias", keyAlias)
	return nil
}

// AuthenticateWithSecureElement re-authenticates the profile with its paired
// device key. A missing binding is ErrNotPaired. An unusable key wipes every
// stored credential of the profile and returns AltAuthCryptoError; the
// profile must pair again.
func (s *SessionService) AuthenticateWithSecureElement(ctx context.Context, profileID string) error {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.lock.Release(1)

	binding, err := s.loadBinding(ctx, profileID)
	if err != nil {
		return err
	}

	signer, err := s.Keystore.SignerFor(ctx, binding.KeyAlias)
	if err != nil {
		return s.wipeAfterCryptoFailure(ctx, profileID, err)
	}

	initial, err := s.Driver.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	challenge, err := s.Driver.Challenge(ctx, initial, domain.ScopeDefault)
	if err != nil {
		return fmt.Errorf("challenge: %w", err)
	}

	tokens, err := s.Driver.AuthenticateSecureElement(ctx, initial, challenge,
		binding.Certificate, domain.AuthMethodStrong, binding.KeyAlias, signer)
	if err != nil {
		return fmt.Errorf("secure element authentication: %w", err)
	}

	if err := s.persistSession(ctx, profileID, domain.ScopeAlternateAuthentication, tokens); err != nil {
		return err
	}

	slogx.FromContext(ctx).InfoContext(ctx, "secure element authentication complete", "profile_id", profileID)
	return nil
}

// Invalidate is the logout path: it drops the cached access token and clears
// the SSO token value while keeping the scope on record.
func (s *SessionService) Invalidate(ctx context.Context, profileID string) error {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.lock.Release(1)

	if err := s.Store.AccessTokens().Invalidate(ctx, profileID); err != nil {
		return fmt.Errorf("invalidate access token: %w", err)
	}
	if err := s.Store.SsoTokens().Invalidate(ctx, profileID); err != nil {
		return fmt.Errorf("invalidate sso token: %w", err)
	}

	slogx.FromContext(ctx).InfoContext(ctx, "session invalidated", "profile_id", profileID)
	return nil
}

// GetSavedCardAccessNumber returns the cached CAN for the profile, or empty
// when none is stored. Read-only; it does not take the session lock.
func (s *SessionService) GetSavedCardAccessNumber(ctx context.Context, profileID string) (domain.CardAccessNumber, error) {
	can, err := s.Store.CardAccess().GetCAN(ctx, profileID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load card access number: %w", err)
	}
	return can, nil
}

type cardLoginResult struct {
	initial domain.InitialData
	cert    []byte
	tokens  domain.TokenSet
}

// cardLogin is the shared bootstrap-challenge-basicAuth sequence of the two
// card ceremonies.
func (s *SessionService) cardLogin(ctx context.Context, scope domain.TokenScope, certProvider protocol.CertificateProvider, signer protocol.Signer) (cardLoginResult, error) {
	initial, err := s.Driver.Bootstrap(ctx)
	if err != nil {
		return cardLoginResult{}, fmt.Errorf("bootstrap: %w", err)
	}
	challenge, err := s.Driver.Challenge(ctx, initial, scope)
	if err != nil {
		return cardLoginResult{}, fmt.Errorf("challenge: %w", err)
	}
	cert, err := certProvider(ctx)
	if err != nil {
		return cardLoginResult{}, fmt.Errorf("read certificate: %w", err)
	}
	tokens, err := s.Driver.BasicAuth(ctx, initial, challenge, cert, signer)
	if err != nil {
		return cardLoginResult{}, fmt.Errorf("basic auth: %w", err)
	}
	return cardLoginResult{initial: initial, cert: cert, tokens: tokens}, nil
}

// persistSession stores the SSO token under the given scope and caches the
// access token.
func (s *SessionService) persistSession(ctx context.Context, profileID string, scope domain.TokenScope, tokens domain.TokenSet) error {
	sso := domain.SsoToken{Token: tokens.SsoToken, Scope: scope, UpdatedAt: s.now()}
	if err := s.Store.SsoTokens().Set(ctx, profileID, sso); err != nil {
		return fmt.Errorf("persist sso token: %w", err)
	}
	if err := s.Store.AccessTokens().Set(ctx, profileID, s.accessTokenOf(tokens)); err != nil {
		return fmt.Errorf("cache access token: %w", err)
	}
	return nil
}

// loadBinding reads the secure-element binding; an incomplete binding counts
// as not paired.
func (s *SessionService) loadBinding(ctx context.Context, profileID string) (domain.SecureElementBinding, error) {
	alias, err := s.Store.SecureElements().GetAlias(ctx, profileID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.SecureElementBinding{}, ErrNotPaired
	}
	if err != nil {
		return domain.SecureElementBinding{}, fmt.Errorf("load key alias: %w", err)
	}

	cert, err := s.Store.Certificates().Get(ctx, profileID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.SecureElementBinding{}, ErrNotPaired
	}
	if err != nil {
		return domain.SecureElementBinding{}, fmt.Errorf("load certificate: %w", err)
	}

	binding := domain.SecureElementBinding{KeyAlias: alias, Certificate: cert}
	if !binding.Complete() {
		return domain.SecureElementBinding{}, ErrNotPaired
	}
	return binding, nil
}

// classifyRefreshFailure applies the refresh error policy: an API-level
// rejection (400/401/403) means the server no longer honours the session, so
// the SSO token value is cleared while its scope stays readable for the
// caller. Anything else is transient and leaves the stored state untouched.
func (s *SessionService) classifyRefreshFailure(ctx context.Context, profileID string, sso domain.SsoToken, cause error) error {
	var idpErr *protocol.Error
	if errors.As(cause, &idpErr) && sessionInvalidating(idpErr.StatusCode) {
		if err := s.Store.SsoTokens().Invalidate(ctx, profileID); err != nil {
			slogx.FromContext(ctx).ErrorContext(ctx, "sso token invalidation failed",
				"profile_id", profileID, "error", err)
		}
		scope := sso.Scope
		return &RefreshRequiredError{UserActionRequired: true, Scope: &scope, Err: cause}
	}
	return &RefreshRequiredError{UserActionRequired: false, Err: cause}
}

// wipeAfterCryptoFailure deletes every stored credential of the profile as a
// unit and reports the fatal secure-element failure.
func (s *SessionService) wipeAfterCryptoFailure(ctx context.Context, profileID string, cause error) error {
	if err := s.Store.InvalidateAllCredentials(ctx, profileID); err != nil {
		slogx.FromContext(ctx).ErrorContext(ctx, "credential wipe failed",
			"profile_id", profileID, "error", err)
	}
	slogx.FromContext(ctx).WarnContext(ctx, "secure element key unusable, credentials wiped",
		"profile_id", profileID)
	return &AltAuthCryptoError{Err: cause}
}

func (s *SessionService) accessTokenOf(tokens domain.TokenSet) domain.AccessToken {
	access := domain.AccessToken{Token: tokens.AccessToken}
	if tokens.ExpiresIn > 0 {
		access.ExpiresAt = s.now().Add(tokens.ExpiresIn)
	}
	return access
}

func scopeOf(sso domain.SsoToken) *domain.TokenScope {
	if !sso.Scope.Valid() {
		return nil
	}
	scope := sso.Scope
	return &scope
}

func sessionInvalidating(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}
