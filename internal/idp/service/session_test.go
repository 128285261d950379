package service_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/domain"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/protocol"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/service"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/store"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/store/drivers/sqlite"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/cryptox"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	cryptox.ResetMasterKeyForTesting()
	cryptox.SetMasterKey([]byte("0123456789abcdef0123456789abcdef"))
	t.Cleanup(cryptox.ResetMasterKeyForTesting)

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.ApplyMigrations())
	t.Cleanup(func() { st.Close() })
	return st
}

// fakeDriver is a scriptable protocol driver that records its calls and
// tracks how many of them overlap in time.
type fakeDriver struct {
	mu          sync.Mutex
	calls       []string
	inFlight    int
	maxInFlight int

	delay        time.Duration
	blockRefresh chan struct{} // when set, Refresh parks until it is closed

	bootstrapErr error
	challengeErr error
	basicErr     error
	refreshErr   error
	registerErr  error
	altErr       error

	basicResult   domain.TokenSet
	refreshResult domain.TokenSet
	altResult     domain.TokenSet

	registeredAccessToken string
}

func (d *fakeDriver) enter(name string) func() {
	d.mu.Lock()
	d.calls = append(d.calls, name)
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	d.mu.Unlock()

	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}
}

func (d *fakeDriver) callNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDriver) Bootstrap(ctx context.Context) (domain.InitialData, error) {
	defer d.enter("bootstrap")()
	return domain.InitialData{State: "state"}, d.bootstrapErr
}

func (d *fakeDriver) Challenge(ctx context.Context, _ domain.InitialData, scope domain.TokenScope) (domain.ChallengeData, error) {
	defer d.enter("challenge")()
	return domain.ChallengeData{Scope: scope, Challenge: "challenge"}, d.challengeErr
}

func (d *fakeDriver) BasicAuth(ctx context.Context, _ domain.InitialData, _ domain.ChallengeData, cert []byte, _ protocol.Signer) (domain.TokenSet, error) {
	defer d.enter("basicAuth")()
	if d.basicErr != nil {
		return domain.TokenSet{}, d.basicErr
	}
	return d.basicResult, nil
}

func (d *fakeDriver) Refresh(ctx context.Context, _ domain.InitialData, ssoToken string) (domain.TokenSet, error) {
	defer d.enter("refresh")()
	if d.blockRefresh != nil {
		<-d.blockRefresh
	}
	if d.refreshErr != nil {
		return domain.TokenSet{}, d.refreshErr
	}
	return d.refreshResult, nil
}

func (d *fakeDriver) RegisterSecureElement(ctx context.Context, _ domain.InitialData, accessToken string, cert, publicKey []byte, keyAlias string, _ protocol.Signer) error {
	defer d.enter("register")()
	d.mu.Lock()
	d.registeredAccessToken = accessToken
	d.mu.Unlock()
	return d.registerErr
}

func (d *fakeDriver) AuthenticateSecureElement(ctx context.Context, _ domain.InitialData, _ domain.ChallengeData, cert []byte, method domain.AuthMethod, keyAlias string, _ protocol.Signer) (domain.TokenSet, error) {
	defer d.enter("altAuth")()
	if d.altErr != nil {
		return domain.TokenSet{}, d.altErr
	}
	return d.altResult, nil
}

type staticSigner struct{}

func (staticSigner) Alg() string { return "ES256" }
func (staticSigner) SignHash(context.Context, []byte) ([]byte, error) {
	return make([]byte, 64), nil
}

type fakeKeystore struct {
	err error
}

func (k *fakeKeystore) SignerFor(ctx context.Context, alias string) (protocol.Signer, error) {
	if k.err != nil {
		return nil, k.err
	}
	return staticSigner{}, nil
}

func certProvider(der []byte) protocol.CertificateProvider {
	return func(context.Context) ([]byte, error) { return der, nil }
}

func seedSsoToken(t *testing.T, st store.Store, profileID, token string, scope domain.TokenScope) {
	t.Helper()
	err := st.SsoTokens().Set(t.Context(), profileID, domain.SsoToken{
		Token: token, Scope: scope, UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestLoadAccessToken(t *testing.T) {
	t.Run("no sso token fails fast without network", func(t *testing.T) {
		st := newTestStore(t)
		driver := &fakeDriver{}
		svc := service.NewSessionService(st, driver, nil)

		_, err := svc.LoadAccessToken(t.Context(), "alice", false)

		var refreshErr *service.RefreshRequiredError
		require.ErrorAs(t, err, &refreshErr)
		require.True(t, refreshErr.UserActionRequired)
		require.Nil(t, refreshErr.Scope)
		require.Empty(t, driver.callNames())
	})

	t.Run("invalidated token reports last known scope", func(t *testing.T) {
		st := newTestStore(t)
		driver := &fakeDriver{}
		svc := service.NewSessionService(st, driver, nil)

		seedSsoToken(t, st, "alice", "tok1", domain.ScopeBiometricPairing)
		require.NoError(t, st.SsoTokens().Invalidate(t.Context(), "alice"))

		_, err := svc.LoadAccessToken(t.Context(), "alice", false)

		var refreshErr *service.RefreshRequiredError
		require.ErrorAs(t, err, &refreshErr)
		require.True(t, refreshErr.UserActionRequired)
		require.NotNil(t, refreshErr.Scope)
		require.Equal(t, domain.ScopeBiometricPairing, *refreshErr.Scope)
		require.Empty(t, driver.callNames())
	})

	t.Run("cached token returned without network", func(t *testing.T) {
		st := newTestStore(t)
		driver := &fakeDriver{}
		svc := service.NewSessionService(st, driver, nil)

		seedSsoToken(t, st, "alice", "tok1", domain.ScopeDefault)
		require.NoError(t, st.AccessTokens().Set(t.Context(), "alice", domain.AccessToken{
			Token: "cached", ExpiresAt: time.Now().Add(time.Hour),
		}))

		token, err := svc.LoadAccessToken(t.Context(), "alice", false)
		require.NoError(t, err)
		require.Equal(t, "cached", token)
		require.Empty(t, driver.callNames())
	})

	t.Run("expired cached token triggers refresh", func(t *testing.T) {
		st := newTestStore(t)
		driver := &fakeDriver{refreshResult: domain.TokenSet{AccessToken: "fresh", ExpiresIn: time.Minute}}
		svc := service.NewSessionService(st, driver, nil)

		seedSsoToken(t, st, "alice", "tok1", domain.ScopeDefault)
		require.NoError(t, st.AccessTokens().Set(t.Context(), "alice", domain.AccessToken{
			Token: "stale", ExpiresAt: time.Now().Add(-time.Minute),
		}))

		token, err := svc.LoadAccessToken(t.Context(), "alice", false)
		require.NoError(t, err)
		require.Equal(t, "fresh", token)
		require.Contains(t, driver.callNames(), "refresh")
	})

	t.Run("force refresh drops the cache even when refresh fails", func(t *testing.T) {
		st := newTestStore(t)
		driver := &fakeDriver{refreshErr: errors.New("connection reset")}
		svc := service.NewSessionService(st, driver, nil)

		seedSsoToken(t, st, "alice", "tok1", domain.ScopeDefault)
		require.NoError(t, st.AccessTokens().Set(t.Context(), "alice", domain.AccessToken{
			Token: "cached", ExpiresAt: time.Now().Add(time.Hour),
		}))

		_, err := svc.LoadAccessToken(t.Context(), "alice", true)
		require.Error(t, err)

		_, err = st.AccessTokens().Get(t.Context(), "alice")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("server rejection clears token value and keeps scope", func(t *testing.T) {
		st := newTestStore(t)
		driver := &fakeDriver{refreshErr: &protocol.Error{
			StatusCode: http.StatusForbidden, Code: "invalid_grant",
		}}
		svc := service.NewSessionService(st, driver, nil)

		seedSsoToken(t, st, "bob", "tok2", domain.ScopeDefault)

		_, err := svc.LoadAccessToken(t.Context(), "bob", false)

		var refreshErr *service.RefreshRequiredError
		require.ErrorAs(t, err, &refreshErr)
		require.True(t, refreshErr.UserActionRequired)
		require.NotNil(t, refreshErr.Scope)
		require.Equal(t, domain.ScopeDefault, *refreshErr.Scope)

		sso, err := st.SsoTokens().Get(t.Context(), "bob")
		require.NoError(t, err)
		require.Empty(t, sso.Token)
		require.Equal(t, domain.ScopeDefault, sso.Scope)
	})

	t.Run("transient failure leaves the sso token untouched", func(t *testing.T) {
		st := newTestStore(t)
		driver := &fakeDriver{refreshErr: errors.New("dial tcp: i/o timeout")}
		svc := service.NewSessionService(st, driver, nil)

		seedSsoToken(t, st, "alice", "tok1", domain.ScopeDefault)

		_, err := svc.LoadAccessToken(t.Context(), "alice", false)

		var refreshErr *service.RefreshRequiredError
		require.ErrorAs(t, err, &refreshErr)
		require.False(t, refreshErr.UserActionRequired)
		require.Nil(t, refreshErr.Scope)

		sso, err := st.SsoTokens().Get(t.Context(), "alice")
		require.NoError(t, err)
		require.Equal(t, "tok1", sso.Token)
	})

	t.Run("successful refresh caches and returns the token", func(t *testing.T) {
		st := newTestStore(t)
		driver := &fakeDriver{refreshResult: domain.TokenSet{AccessToken: "acc1", ExpiresIn: time.Minute}}
		svc := service.NewSessionService(st, driver, nil)

		seedSsoToken(t, st, "alice", "tok1", domain.ScopeDefault)

		token, err := svc.LoadAccessToken(t.Context(), "alice", false)
		require.NoError(t, err)
		require.Equal(t, "acc1", token)

		cached, err := st.AccessTokens().Get(t.Context(), "alice")
		require.NoError(t, err)
		require.Equal(t, "acc1", cached.Token)
	})

	t.Run("rotated sso token is persisted under the old scope", func(t *testing.T) {
		st := newTestStore(t)
		driver := &fakeDriver{refreshResult: domain.TokenSet{
			SsoToken: "tok1-rotated", AccessToken: "acc1", ExpiresIn: time.Minute,
		}}
		svc := service.NewSessionService(st, driver, nil)

		seedSsoToken(t, st, "alice", "tok1", domain.ScopeAlternateAuthentication)

		_, err := svc.LoadAccessToken(t.Context(), "alice", false)
		require.NoError(t, err)

		sso, err := st.SsoTokens().Get(t.Context(), "alice")
		require.NoError(t, err)
		require.Equal(t, "tok1-rotated", sso.Token)
		require.Equal(t, domain.ScopeAlternateAuthentication, sso.Scope)
	})
}

func TestAuthenticateWithHealthCard(t *testing.T) {
	cert := []byte("cert-der")

	t.Run("persists a default scope session", func(t *testing.T) {
		st := newTestStore(t)
		driver := &fakeDriver{basicResult: domain.TokenSet{
			SsoToken: "sso1", AccessToken: "acc1", ExpiresIn: time.Minute,
		}}
		svc := service.NewSessionService(st, driver, nil)

		err := svc.AuthenticateWithHealthCard(t.Context(), "alice", certProvider(cert), staticSigner{})
		require.NoError(t, err)
		require.Equal(t, []string{"bootstrap", "challenge", "basicAuth"}, driver.callNames())

		sso, err := st.SsoTokens().Get(t.Context(), "alice")
		require.NoError(t, err)
		require.Equal(t, "sso1", sso.Token)
		require.Equal(t, domain.ScopeDefault, sso.Scope)

		cached, err := st.AccessTokens().Get(t.Context(), "alice")
		require.NoError(t, err)
		require.Equal(t, "acc1", cached.Token)
	})

	t.Run("protocol failure persists nothing", func(t *testing.T) {
		st := newTestStore(t)
		driver := &fakeDriver{basicErr: errors.New("card removed")}
		svc := service.NewSessionService(st, driver, nil)

		err := svc.AuthenticateWithHealthCard(t.Context(), "alice", certProvider(cert), staticSigner{})
		require.ErrorContains(t, err, "card removed")

		_, err = st.SsoTokens().Get(t.Context(), "alice")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestPairSecureElement(t *testing.T) {
	cert := []byte("cert-der")
	publicKey := []byte("spki")

	t.Run("persists binding and pairing session atomically", func(t *testing.T) {
		st := newTestStore(t)
		driver := &fakeDriver{basicResult: domain.TokenSet{
			SsoToken: "sso-pair", AccessToken: "acc-pair", ExpiresIn: time.Minute,
		}}
		svc := service.NewSessionService(st, driver, nil)

		err := svc.PairSecureElement(t.Context(), "alice", publicKey, "key-1", certProvider(cert), staticSigner{})
		require.NoError(t, err)
		require.Equal(t, "acc-pair", driver.registeredAccessToken)

		sso, err := st.SsoTokens().Get(t.Context(), "alice")
		require.NoError(t, err)
		require.Equal(t, domain.ScopeBiometricPairing, sso.Scope)

		alias, err := st.SecureElements().GetAlias(t.Context(), "alice")
		require.NoError(t, err)
		require.Equal(t, "key-1", alias)

		storedCert, err := st.Certificates().Get(t.Context(), "alice")
		require.NoError(t, err)
		require.Equal(t, cert, storedCert)
	})

	t.Run("registration failure persists nothing", func(t *testing.T) {
		st := newTestStore(t)
		driver := &fakeDriver{
			basicResult: domain.TokenSet{SsoToken: "sso-pair", AccessToken: "acc-pair"},
			registerErr: errors.New("pairing rejected"),
		}
		svc := service.NewSessionService(st, driver, nil)

		err := svc.PairSecureElement(t.Context(), "alice", publicKey, "key-1", certProvider(cert), staticSigner{})
		require.ErrorContains(t, err, "pairing rejected")

		_, err = st.SecureElements().GetAlias(t.Context(), "alice")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = st.SsoTokens().Get(t.Context(), "alice")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestAuthenticateWithSecureElement(t *testing.T) {
	seedPairing := func(t *testing.T, st store.Store) {
		t.Helper()
		require.NoError(t, st.SecureElements().SetAlias(t.Context(), "alice", "key-1"))
		require.NoError(t, st.Certificates().Set(t.Context(), "alice", []byte("cert-der")))
		seedSsoToken(t, st, "alice", "sso-pair", domain.ScopeBiometricPairing)
		require.NoError(t, st.CardAccess().SetCAN(t.Context(), "alice", "123456"))
	}

	t.Run("missing binding is ErrNotPaired", func(t *testing.T) {
		st := newTestStore(t)
		svc := service.NewSessionService(st, &fakeDriver{}, &fakeKeystore{})

		err := svc.AuthenticateWithSecureElement(t.Context(), "alice")
		require.ErrorIs(t, err, service.ErrNotPaired)
	})

	t.Run("revoked key wipes all credentials as a unit", func(t *testing.T) {
		st := newTestStore(t)
		driver := &fakeDriver{}
		svc := service.NewSessionService(st, driver, &fakeKeystore{err: errors.New("key permanently invalidated")})
		seedPairing(t, st)

		err := svc.AuthenticateWithSecureElement(t.Context(), "alice")

		var cryptoErr *service.AltAuthCryptoError
		require.ErrorAs(t, err, &cryptoErr)
		require.ErrorContains(t, cryptoErr.Err, "key permanently invalidated")

		_, err = st.SsoTokens().Get(t.Context(), "alice")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = st.Certificates().Get(t.Context(), "alice")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = st.SecureElements().GetAlias(t.Context(), "alice")
		require.ErrorIs(t, err, store.ErrNotFound)

		// The CAN is UI convenience data, not a credential.
		can, err := st.CardAccess().GetCAN(t.Context(), "alice")
		require.NoError(t, err)
		require.Equal(t, domain.CardAccessNumber("123456"), can)

		require.Empty(t, driver.callNames(), "no network once the key is gone")
	})

	t.Run("successful re-authentication stores an alternate scope session", func(t *testing.T) {
		st := newTestStore(t)
		driver := &fakeDriver{altResult: domain.TokenSet{
			SsoToken: "sso-alt", AccessToken: "acc-alt", ExpiresIn: time.Minute,
		}}
		svc := service.NewSessionService(st, driver, &fakeKeystore{})
		seedPairing(t, st)

		err := svc.AuthenticateWithSecureElement(t.Context(), "alice")
		require.NoError(t, err)

		sso, err := st.SsoTokens().Get(t.Context(), "alice")
		require.NoError(t, err)
		require.Equal(t, "sso-alt", sso.Token)
		require.Equal(t, domain.ScopeAlternateAuthentication, sso.Scope)

		cached, err := st.AccessTokens().Get(t.Context(), "alice")
		require.NoError(t, err)
		require.Equal(t, "acc-alt", cached.Token)
	})
}

func TestInvalidate(t *testing.T) {
	st := newTestStore(t)
	svc := service.NewSessionService(st, &fakeDriver{}, nil)

	seedSsoToken(t, st, "alice", "tok1", domain.ScopeDefault)
	require.NoError(t, st.AccessTokens().Set(t.Context(), "alice", domain.AccessToken{Token: "acc1"}))

	require.NoError(t, svc.Invalidate(t.Context(), "alice"))

	_, err := st.AccessTokens().Get(t.Context(), "alice")
	require.ErrorIs(t, err, store.ErrNotFound)

	sso, err := st.SsoTokens().Get(t.Context(), "alice")
	require.NoError(t, err)
	require.Empty(t, sso.Token)
	require.Equal(t, domain.ScopeDefault, sso.Scope)
}

func TestGetSavedCardAccessNumber(t *testing.T) {
	st := newTestStore(t)
	svc := service.NewSessionService(st, &fakeDriver{}, nil)

	can, err := svc.GetSavedCardAccessNumber(t.Context(), "alice")
	require.NoError(t, err)
	require.Empty(t, can)

	require.NoError(t, st.CardAccess().SetCAN(t.Context(), "alice", "123456"))

	can, err = svc.GetSavedCardAccessNumber(t.Context(), "alice")
	require.NoError(t, err)
	require.Equal(t, domain.CardAccessNumber("123456"), can)
}

func TestOperationsDoNotInterleave(t *testing.T) {
	st := newTestStore(t)
	driver := &fakeDriver{
		delay:         5 * time.Millisecond,
		refreshResult: domain.TokenSet{AccessToken: "acc", ExpiresIn: time.Minute},
		basicResult:   domain.TokenSet{SsoToken: "sso", AccessToken: "acc", ExpiresIn: time.Minute},
	}
	svc := service.NewSessionService(st, driver, nil)

	for _, profile := range []string{"alice", "bob"} {
		seedSsoToken(t, st, profile, "tok-"+profile, domain.ScopeDefault)
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = svc.LoadAccessToken(context.Background(), "alice", true)
		}()
		go func() {
			defer wg.Done()
			_ = svc.AuthenticateWithHealthCard(context.Background(), "bob",
				certProvider([]byte("cert")), staticSigner{})
		}()
	}
	wg.Wait()

	driver.mu.Lock()
	defer driver.mu.Unlock()
	require.Equal(t, 1, driver.maxInFlight, "critical sections must not overlap")
}

func TestCancellationWhileQueuedLeavesStateUntouched(t *testing.T) {
	st := newTestStore(t)
	driver := &fakeDriver{
		blockRefresh:  make(chan struct{}),
		refreshResult: domain.TokenSet{AccessToken: "acc", ExpiresIn: time.Minute},
	}
	svc := service.NewSessionService(st, driver, nil)

	seedSsoToken(t, st, "alice", "tok1", domain.ScopeDefault)
	seedSsoToken(t, st, "bob", "tok2", domain.ScopeDefault)

	// First caller holds the lock inside the driver.
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = svc.LoadAccessToken(context.Background(), "alice", true)
	}()

	// Give the first caller time to take the lock and park in Refresh.
	require.Eventually(t, func() bool {
		return len(driver.callNames()) >= 2
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	secondErr := make(chan error, 1)
	go func() {
		_, err := svc.LoadAccessToken(ctx, "bob", true)
		secondErr <- err
	}()

	cancel()
	require.ErrorIs(t, <-secondErr, context.Canceled)

	// Bob's state was never touched while the second caller was queued.
	sso, err := st.SsoTokens().Get(t.Context(), "bob")
	require.NoError(t, err)
	require.Equal(t, "tok2", sso.Token)

	close(driver.blockRefresh)
	<-firstDone
}
