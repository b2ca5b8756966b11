package auth

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testClientID = "catalog-ui"
	testRedirect = "https://catalog.example.org/callback"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type oidcFixture struct {
	clock  *fakeClock
	store  *MemoryStore
	keys   *KeyRegistry
	tokens *TokenIssuer
	svc    *OidcAuthorizationService
}

func newOidcFixture(t *testing.T) *oidcFixture {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore()
	keys := NewKeyRegistry(t.TempDir())
	tokens, err := NewTokenIssuer(keys, IssuerConfig{Issuer: testIssuer, Audience: "datacat", TTL: time.Hour}, WithIssuerClock(clock.Now))
	require.NoError(t, err)
	clients := StaticClients{testClientID: {ID: testClientID, RedirectURIs: []string{testRedirect, "http://localhost:3000/cb"}}}
	svc := NewOidcAuthorizationService(store, clients, store, tokens, OidcConfig{AuthCtxTTL: 10 * time.Minute, CodeTTL: time.Minute}, WithOidcClock(clock.Now))

	prov := NewActorProvisioning(store, testIssuer, WithProvisioningClock(clock.Now))
	require.NoError(t, prov.OnEvent(context.Background(), AccountCreated{Account: Account{Username: "alice", Fullname: "Alice", Email: "alice@example.org", IsAdmin: true}}))
	return &oidcFixture{clock: clock, store: store, keys: keys, tokens: tokens, svc: svc}
}

func validAuthorize() AuthorizeRequest {
	return AuthorizeRequest{
		ClientID:            testClientID,
		RedirectURI:         testRedirect,
		ResponseType:        "code",
		Scope:               "openid profile",
		State:               "xyz",
		CodeChallenge:       PKCEChallenge(testVerifier),
		CodeChallengeMethod: PKCEMethodS256,
		Nonce:               "n-0S6_WzA2Mj",
	}
}

func tokenRequest(code string) TokenRequest {
	return TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		CodeVerifier: testVerifier,
		ClientID:     testClientID,
		RedirectURI:  testRedirect,
	}
}

func (f *oidcFixture) issueCode(t *testing.T) *OidcAuthorizeCode {
	t.Helper()
	ctx := context.Background()
	authCtx, err := f.svc.Authorize(ctx, validAuthorize())
	require.NoError(t, err)
	code, err := f.svc.CompleteLogin(ctx, authCtx.Code, "alice")
	require.NoError(t, err)
	return code
}

func TestPKCEChallengeRFC7636Vector(t *testing.T) {
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", PKCEChallenge(testVerifier))
}

func TestOidcFullFlow(t *testing.T) {
	f := newOidcFixture(t)
	ctx := context.Background()

	authCtx, err := f.svc.Authorize(ctx, validAuthorize())
	require.NoError(t, err)
	assert.NotEmpty(t, authCtx.Code)
	assert.True(t, f.clock.Now().Add(10*time.Minute).Equal(authCtx.ExpiresAt))

	pending, err := f.svc.LoginContext(ctx, authCtx.Code)
	require.NoError(t, err)
	assert.Equal(t, "xyz", pending.State)

	code, err := f.svc.CompleteLogin(ctx, authCtx.Code, "alice")
	require.NoError(t, err)
	assert.Equal(t, authCtx.Code, code.AuthCtxCode)
	assert.Equal(t, "alice", code.Subject)

	_, err = f.svc.LoginContext(ctx, authCtx.Code)
	var fe *FatalError
	require.ErrorAs(t, err, &fe, "context must be consumed by login")

	resp, err := f.svc.Exchange(ctx, tokenRequest(code.Code))
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)

	material, err := f.keys.LoadOrCreate()
	require.NoError(t, err)
	parse := func(raw string) jwt.MapClaims {
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return material.PublicKey, nil },
			jwt.WithTimeFunc(f.clock.Now))
		require.NoError(t, err)
		return claims
	}
	id := parse(resp.IDToken)
	assert.Equal(t, "alice", id["sub"])
	assert.Equal(t, "Alice", id["name"])
	assert.Equal(t, "alice@example.org", id["email"])
	assert.Equal(t, []any{"admin"}, id["roles"])
	assert.NotEmpty(t, id["mid"])
	assert.Equal(t, "n-0S6_WzA2Mj", id["nonce"])
	assert.Equal(t, float64(f.clock.Now().Unix()), id["auth_time"])

	access := parse(resp.AccessToken)
	assert.Equal(t, "openid profile", access["scope"])
	assert.Equal(t, id["mid"], access["mid"])
	assert.NotContains(t, access, "nonce")
}

func TestOidcCodeIsSingleUse(t *testing.T) {
	f := newOidcFixture(t)
	code := f.issueCode(t)

	_, err := f.svc.Exchange(context.Background(), tokenRequest(code.Code))
	require.NoError(t, err)

	_, err = f.svc.Exchange(context.Background(), tokenRequest(code.Code))
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeInvalidGrant, fe.Code)
}

func TestOidcConcurrentExchangeHasOneWinner(t *testing.T) {
	f := newOidcFixture(t)
	for round := 0; round < 20; round++ {
		code := f.issueCode(t)
		var wins, losses atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, err := f.svc.Exchange(context.Background(), tokenRequest(code.Code)); err == nil {
					wins.Add(1)
				} else {
					losses.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		require.Equal(t, int32(1), wins.Load(), "round %d", round)
		require.Equal(t, int32(3), losses.Load(), "round %d", round)
	}
}

func TestOidcExchangeChecksBindings(t *testing.T) {
	cases := map[string]func(*TokenRequest){
		"wrong verifier":     func(r *TokenRequest) { r.CodeVerifier = strings.Repeat("a", 43) },
		"short verifier":     func(r *TokenRequest) { r.CodeVerifier = "abc" },
		"wrong client":       func(r *TokenRequest) { r.ClientID = "other" },
		"wrong redirect uri": func(r *TokenRequest) { r.RedirectURI = "https://catalog.example.org/other" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newOidcFixture(t)
			code := f.issueCode(t)
			req := tokenRequest(code.Code)
			mutate(&req)
			_, err := f.svc.Exchange(context.Background(), req)
			var fe *FatalError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, CodeInvalidGrant, fe.Code)

			// a failed redemption still burns the code
			_, err = f.svc.Exchange(context.Background(), tokenRequest(code.Code))
			require.ErrorAs(t, err, &fe)
		})
	}
}

func TestOidcExchangeRejectsGrantType(t *testing.T) {
	f := newOidcFixture(t)
	req := tokenRequest("anything")
	req.GrantType = "password"
	_, err := f.svc.Exchange(context.Background(), req)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeUnsupportedGrantType, fe.Code)
}

func TestOidcExchangeDisabledActor(t *testing.T) {
	f := newOidcFixture(t)
	code := f.issueCode(t)
	now := f.clock.Now()
	prov := NewActorProvisioning(f.store, testIssuer)
	require.NoError(t, prov.OnEvent(context.Background(), DisabledChanged{Username: "alice", DisabledAt: &now}))

	_, err := f.svc.Exchange(context.Background(), tokenRequest(code.Code))
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeInvalidGrant, fe.Code)
}

func TestOidcExchangeUnknownActor(t *testing.T) {
	f := newOidcFixture(t)
	authCtx, err := f.svc.Authorize(context.Background(), validAuthorize())
	require.NoError(t, err)
	code, err := f.svc.CompleteLogin(context.Background(), authCtx.Code, "nobody")
	require.NoError(t, err)
	_, err = f.svc.Exchange(context.Background(), tokenRequest(code.Code))
	assert.ErrorIs(t, err, ErrActorNotFound)
}

func TestOidcExpiry(t *testing.T) {
	f := newOidcFixture(t)
	ctx := context.Background()

	authCtx, err := f.svc.Authorize(ctx, validAuthorize())
	require.NoError(t, err)
	code := f.issueCode(t)

	f.clock.Advance(time.Minute)
	_, err = f.svc.Exchange(ctx, tokenRequest(code.Code))
	var fe *FatalError
	require.ErrorAs(t, err, &fe, "code past expiresAt must be rejected")
	assert.Equal(t, CodeInvalidGrant, fe.Code)

	f.clock.Advance(10 * time.Minute)
	_, err = f.svc.LoginContext(ctx, authCtx.Code)
	require.ErrorAs(t, err, &fe)
	_, err = f.svc.CompleteLogin(ctx, authCtx.Code, "alice")
	require.ErrorAs(t, err, &fe)
}

func TestOidcPurgeExpired(t *testing.T) {
	f := newOidcFixture(t)
	ctx := context.Background()

	_, err := f.svc.Authorize(ctx, validAuthorize())
	require.NoError(t, err)
	_ = f.issueCode(t)
	live, err := f.svc.Authorize(ctx, validAuthorize())
	require.NoError(t, err)

	contexts, codes, err := f.svc.PurgeExpired(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, contexts)
	assert.Zero(t, codes)

	contexts, codes, err = f.svc.PurgeExpired(ctx, f.clock.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, contexts)
	assert.Equal(t, 1, codes)

	contexts, codes, err = f.svc.PurgeExpired(ctx, f.clock.Now().Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, contexts)
	assert.Zero(t, codes)

	_, err = f.store.AuthCtx(ctx, live.Code, f.clock.Now())
	assert.ErrorIs(t, err, ErrNotFound, "purged context must be gone even for a lookup in the past")
}

func TestOidcRunPurgerStops(t *testing.T) {
	f := newOidcFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.RunPurger(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("purger did not stop")
	}
}

func TestOidcAuthorizeFatalErrors(t *testing.T) {
	cases := map[string]func(*AuthorizeRequest){
		"missing client":        func(r *AuthorizeRequest) { r.ClientID = "" },
		"unknown client":        func(r *AuthorizeRequest) { r.ClientID = "intruder" },
		"missing redirect":      func(r *AuthorizeRequest) { r.RedirectURI = "" },
		"foreign host":          func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example.org/callback" },
		"different path":        func(r *AuthorizeRequest) { r.RedirectURI = "https://catalog.example.org/callback2" },
		"different port":        func(r *AuthorizeRequest) { r.RedirectURI = "https://catalog.example.org:8443/callback" },
		"scheme downgrade":      func(r *AuthorizeRequest) { r.RedirectURI = "http://catalog.example.org/callback" },
		"fragment":              func(r *AuthorizeRequest) { r.RedirectURI = testRedirect + "#frag" },
		"relative redirect uri": func(r *AuthorizeRequest) { r.RedirectURI = "/callback" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newOidcFixture(t)
			req := validAuthorize()
			mutate(&req)
			_, err := f.svc.Authorize(context.Background(), req)
			var fe *FatalError
			require.ErrorAs(t, err, &fe)
			var re *RedirectError
			assert.NotErrorAs(t, err, &re)
		})
	}
}

func TestOidcAuthorizeRedirectErrors(t *testing.T) {
	cases := map[string]struct {
		mutate func(*AuthorizeRequest)
		code   string
	}{
		"token response type": {func(r *AuthorizeRequest) { r.ResponseType = "token" }, CodeUnsupportedResponseType},
		"no openid scope":     {func(r *AuthorizeRequest) { r.Scope = "profile" }, CodeInvalidScope},
		"missing challenge":   {func(r *AuthorizeRequest) { r.CodeChallenge = "" }, CodeInvalidRequest},
		"plain method":        {func(r *AuthorizeRequest) { r.CodeChallengeMethod = "plain" }, CodeInvalidRequest},
		"missing method":      {func(r *AuthorizeRequest) { r.CodeChallengeMethod = "" }, CodeInvalidRequest},
		"bad challenge":       {func(r *AuthorizeRequest) { r.CodeChallenge = "short" }, CodeInvalidRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newOidcFixture(t)
			req := validAuthorize()
			tc.mutate(&req)
			_, err := f.svc.Authorize(context.Background(), req)
			var re *RedirectError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tc.code, re.Code)
			assert.Equal(t, "xyz", re.State)
			assert.Equal(t, testRedirect, re.RedirectURI)

			loc, err := url.Parse(re.Location())
			require.NoError(t, err)
			assert.Equal(t, tc.code, loc.Query().Get("error"))
			assert.Equal(t, "xyz", loc.Query().Get("state"))
		})
	}
}

func TestOidcLocalhostIgnoresPort(t *testing.T) {
	f := newOidcFixture(t)
	req := validAuthorize()
	req.RedirectURI = "http://localhost:53712/cb"
	_, err := f.svc.Authorize(context.Background(), req)
	require.NoError(t, err)

	req.RedirectURI = "http://localhost:53712/other"
	_, err = f.svc.Authorize(context.Background(), req)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
}

func TestRedirectAllowedDefaultPorts(t *testing.T) {
	assert.True(t, redirectAllowed([]string{"https://a.example/cb"}, "https://a.example:443/cb"))
	assert.True(t, redirectAllowed([]string{"https://A.example/cb"}, "https://a.example/cb"))
	assert.False(t, redirectAllowed([]string{"https://a.example/cb"}, "https://a.example:444/cb"))
	assert.False(t, redirectAllowed([]string{"https://127.0.0.1:3000/cb"}, "https://127.0.0.1:3001/cb"))
}

func TestRedirectLocationKeepsQuery(t *testing.T) {
	loc := RedirectLocation("https://a.example/cb?tenant=1", url.Values{"code": {"c1"}, "state": {""}})
	u, err := url.Parse(loc)
	require.NoError(t, err)
	assert.Equal(t, "1", u.Query().Get("tenant"))
	assert.Equal(t, "c1", u.Query().Get("code"))
	assert.False(t, u.Query().Has("state"))
}

func TestDiscoveryDocument(t *testing.T) {
	f := newOidcFixture(t)
	doc := f.svc.Discovery("https://id.datacat.test/")
	assert.Equal(t, testIssuer, doc.Issuer)
	assert.Equal(t, "https://id.datacat.test/oidc/token", doc.TokenEndpoint)
	assert.Equal(t, "https://id.datacat.test/.well-known/jwks.json", doc.JWKSURI)
	assert.Equal(t, []string{"S256"}, doc.CodeChallengeMethodsSupported)
}
