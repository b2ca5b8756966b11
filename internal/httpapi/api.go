package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"datacat.org/internal/auth"
	"datacat.org/internal/obs"
)

const (
	serviceName      = "datacat-identity"
	defaultMaxBody   = 1 << 20
	defaultBurst     = 5
	defaultPerSecond = 1
)

// Pinger is satisfied by the PostgreSQL store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness: the database answers and key material is loaded.
type ReadyProbe struct {
	DB   Pinger
	Keys auth.KeySource
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.Ping(ctx); err != nil {
			return err
		}
	}
	if rp.Keys != nil {
		if _, err := rp.Keys.LoadOrCreate(); err != nil {
			return err
		}
	}
	return nil
}

// Deps are the services the HTTP layer exposes.
type Deps struct {
	Identity *auth.EmbeddedService
	OIDC     *auth.OidcAuthorizationService
	Ready    ReadyProbe
	Version  string
	// BaseURL roots the endpoints advertised by discovery; defaults to the issuer.
	BaseURL string
	// AllowedOrigins may call the token and JWKS endpoints from a browser.
	AllowedOrigins []string
}

// API is the HTTP surface of the identity service.
type API struct {
	mux        *http.ServeMux
	deps       Deps
	log        zerolog.Logger
	rateBurst  int
	ratePerSec int
	maxBody    int64
	proxies    []netip.Prefix
}

// Option configures the API.
type Option func(*API)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(a *API) { a.log = log.With().Str("component", "http").Logger() }
}

// WithLoginRateLimit sets the per-IP token bucket guarding the login endpoint.
func WithLoginRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 {
			a.rateBurst = burst
		}
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
	}
}

// WithTrustedProxies lists the peers whose X-Forwarded-For header is believed.
// Without it the client address is always the connecting peer.
func WithTrustedProxies(proxies []netip.Prefix) Option {
	return func(a *API) { a.proxies = proxies }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// New builds the router.
func New(deps Deps, opts ...Option) (*API, error) {
	if deps.Identity == nil || deps.OIDC == nil {
		return nil, errors.New("httpapi: identity and oidc services are required")
	}
	if deps.BaseURL == "" {
		deps.BaseURL = deps.Identity.Issuer().Issuer()
	}
	a := &API{
		mux:        http.NewServeMux(),
		deps:       deps,
		log:        zerolog.Nop(),
		rateBurst:  defaultBurst,
		ratePerSec: defaultPerSecond,
		maxBody:    defaultMaxBody,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/.well-known/jwks.json", a.handleJWKS)
	a.mux.HandleFunc("/.well-known/openid-configuration", a.handleDiscovery)
	a.mux.HandleFunc("/oidc/authorize", a.handleAuthorize)
	a.mux.Handle("/oidc/login", RateLimit(http.HandlerFunc(a.handleLogin), a.rateBurst, a.ratePerSec))
	a.mux.HandleFunc("/oidc/token", a.handleToken)

	a.mux.HandleFunc("/v1/auth/bootstrap", a.handleBootstrap)
	a.mux.Handle("/v1/auth/whoami", a.withAuth(http.HandlerFunc(a.handleWhoAmI)))
	a.mux.HandleFunc("/v1/auth/password/check", a.handlePasswordCheck)
	a.mux.Handle("POST /v1/auth/password", a.withAuth(http.HandlerFunc(a.handleChangePassword)))

	a.mux.Handle("POST /v1/auth/accounts", a.adminOnly(a.handleCreateAccount))
	a.mux.Handle("GET /v1/auth/accounts/{username}", a.adminOnly(a.handleGetAccount))
	a.mux.Handle("PATCH /v1/auth/accounts/{username}/fullname", a.adminOnly(a.handleChangeFullname))
	a.mux.Handle("PUT /v1/auth/accounts/{username}/admin", a.adminOnly(a.handleSetAdmin))
	a.mux.Handle("POST /v1/auth/accounts/{username}/disable", a.adminOnly(a.handleDisable))
	a.mux.Handle("POST /v1/auth/accounts/{username}/enable", a.adminOnly(a.handleEnable))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	return a, nil
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(h, a.deps.AllowedOrigins)
	h = SecurityHeaders(h)
	h = Logging(a.log)(h)
	h = RealIP(h, a.proxies)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.Ready.Check(ctx); err != nil {
		obs.SetReady(false)
		a.log.Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) baseURL() string {
	return strings.TrimRight(a.deps.BaseURL, "/")
}
