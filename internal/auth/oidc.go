package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"datacat.org/internal/obs"
)

const (
	defaultAuthCtxTTL = 10 * time.Minute
	defaultCodeTTL    = time.Minute

	PKCEMethodS256         = "S256"
	GrantAuthorizationCode = "authorization_code"
	ResponseTypeCode       = "code"

	opaqueCodeBytes = 32
)

// AuthorizeRequest carries the /authorize parameters.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// TokenRequest carries the /token parameters.
type TokenRequest struct {
	GrantType    string
	Code         string
	CodeVerifier string
	ClientID     string
	RedirectURI  string
}

// TokenResponse is the token endpoint result.
type TokenResponse struct {
	IDToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// OidcConfig holds lifetimes of the pending flow state.
type OidcConfig struct {
	AuthCtxTTL time.Duration
	CodeTTL    time.Duration
}

// OidcAuthorizationService runs the authorize, login, code and token flow for public
// clients using PKCE (S256).
type OidcAuthorizationService struct {
	store   OidcStore
	clients ClientRegistry
	actors  ActorStore
	tokens  *TokenIssuer
	cfg     OidcConfig
	log     zerolog.Logger
	now     func() time.Time
}

// OidcOption configures the authorization service.
type OidcOption func(*OidcAuthorizationService)

// WithOidcLogger sets the logger.
func WithOidcLogger(log zerolog.Logger) OidcOption {
	return func(s *OidcAuthorizationService) {
		s.log = log.With().Str("component", "oidc").Logger()
	}
}

// WithOidcClock overrides the time source.
func WithOidcClock(fn func() time.Time) OidcOption {
	return func(s *OidcAuthorizationService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewOidcAuthorizationService wires the flow over its ports.
func NewOidcAuthorizationService(store OidcStore, clients ClientRegistry, actors ActorStore, tokens *TokenIssuer, cfg OidcConfig, opts ...OidcOption) *OidcAuthorizationService {
	if cfg.AuthCtxTTL <= 0 {
		cfg.AuthCtxTTL = defaultAuthCtxTTL
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = defaultCodeTTL
	}
	s := &OidcAuthorizationService{
		store:   store,
		clients: clients,
		actors:  actors,
		tokens:  tokens,
		cfg:     cfg,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authorize validates an authorize request and persists a new authorize context.
// Unknown clients and unregistered redirect URIs yield *FatalError; any other problem
// yields *RedirectError addressed to the validated redirect URI.
func (s *OidcAuthorizationService) Authorize(ctx context.Context, req AuthorizeRequest) (*OidcAuthorizeCtx, error) {
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		return nil, fatal(CodeInvalidRequest, "client_id is required")
	}
	client, err := s.clients.Client(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		s.log.Warn().Str("client_id", clientID).Msg("authorize for unknown client")
		return nil, fatal(CodeUnauthorizedClient, "unknown client")
	}
	if err != nil {
		return nil, err
	}
	if req.RedirectURI == "" {
		return nil, fatal(CodeInvalidRequest, "redirect_uri is required")
	}
	if !redirectAllowed(client.RedirectURIs, req.RedirectURI) {
		s.log.Warn().Str("client_id", clientID).Str("redirect_uri", req.RedirectURI).Msg("authorize with unregistered redirect_uri")
		return nil, fatal(CodeInvalidRequest, "redirect_uri is not registered for this client")
	}

	bounce := func(code, desc string) error {
		return &RedirectError{Code: code, Description: desc, RedirectURI: req.RedirectURI, State: req.State}
	}
	if rt := strings.TrimSpace(req.ResponseType); rt != "" && rt != ResponseTypeCode {
		return nil, bounce(CodeUnsupportedResponseType, "only response_type=code is supported")
	}
	if !slices.Contains(strings.Fields(req.Scope), "openid") {
		return nil, bounce(CodeInvalidScope, "scope must include openid")
	}
	if req.CodeChallenge == "" {
		return nil, bounce(CodeInvalidRequest, "code_challenge is required")
	}
	if req.CodeChallengeMethod != PKCEMethodS256 {
		return nil, bounce(CodeInvalidRequest, "code_challenge_method must be S256")
	}
	if raw, err := base64.RawURLEncoding.DecodeString(req.CodeChallenge); err != nil || len(raw) != sha256.Size {
		return nil, bounce(CodeInvalidRequest, "code_challenge is not a S256 challenge")
	}

	code, err := newOpaqueCode()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	authCtx := &OidcAuthorizeCtx{
		Code:                code,
		ClientID:            client.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               strings.Join(strings.Fields(req.Scope), " "),
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.AuthCtxTTL),
	}
	if err := s.store.SaveAuthCtx(ctx, authCtx); err != nil {
		return nil, fmt.Errorf("auth: save authorize context: %w", err)
	}
	return authCtx, nil
}

// LoginContext returns the pending authorize context, e.g. to render a login form.
func (s *OidcAuthorizationService) LoginContext(ctx context.Context, authCtxCode string) (*OidcAuthorizeCtx, error) {
	authCtx, err := s.store.AuthCtx(ctx, authCtxCode, s.now())
	if errors.Is(err, ErrNotFound) {
		return nil, fatal(CodeInvalidRequest, "unknown or expired authorization context")
	}
	return authCtx, err
}

// CompleteLogin consumes the authorize context and issues a single-use code bound to
// subject. The caller redirects to the context's redirect URI with the code.
func (s *OidcAuthorizationService) CompleteLogin(ctx context.Context, authCtxCode, subject string) (*OidcAuthorizeCode, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, errors.New("auth: login subject is required")
	}
	now := s.now().UTC()
	authCtx, err := s.store.TakeAuthCtx(ctx, authCtxCode, now)
	if errors.Is(err, ErrNotFound) {
		return nil, fatal(CodeInvalidRequest, "unknown or expired authorization context")
	}
	if err != nil {
		return nil, err
	}
	code, err := newOpaqueCode()
	if err != nil {
		return nil, err
	}
	authCode := &OidcAuthorizeCode{
		Code:                code,
		AuthCtxCode:         authCtx.Code,
		Subject:             subject,
		ClientID:            authCtx.ClientID,
		RedirectURI:         authCtx.RedirectURI,
		Scope:               authCtx.Scope,
		CodeChallenge:       authCtx.CodeChallenge,
		CodeChallengeMethod: authCtx.CodeChallengeMethod,
		Nonce:               authCtx.Nonce,
		AuthTime:            now,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.CodeTTL),
	}
	if err := s.store.SaveCode(ctx, authCode); err != nil {
		return nil, fmt.Errorf("auth: save authorization code: %w", err)
	}
	return authCode, nil
}

// Exchange redeems an authorization code. The code is removed from the store before
// any other check runs, so it can never be redeemed twice, even by concurrent callers.
func (s *OidcAuthorizationService) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	resp, err := s.exchange(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var fe *FatalError
		if errors.As(err, &fe) {
			outcome = fe.Code
		}
	}
	obs.CodeExchanges.WithLabelValues(outcome).Inc()
	return resp, err
}

func (s *OidcAuthorizationService) exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.GrantType != GrantAuthorizationCode {
		return nil, fatal(CodeUnsupportedGrantType, "grant_type must be authorization_code")
	}
	if req.Code == "" {
		return nil, fatal(CodeInvalidRequest, "code is required")
	}
	now := s.now().UTC()
	code, err := s.store.TakeCode(ctx, req.Code, now)
	if errors.Is(err, ErrNotFound) {
		return nil, fatal(CodeInvalidGrant, "authorization code is invalid, expired or already used")
	}
	if err != nil {
		return nil, err
	}
	if req.ClientID != code.ClientID {
		return nil, fatal(CodeInvalidGrant, "client_id does not match the authorization request")
	}
	if req.RedirectURI != code.RedirectURI {
		return nil, fatal(CodeInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if !verifyPKCE(code.CodeChallenge, req.CodeVerifier) {
		return nil, fatal(CodeInvalidGrant, "code_verifier does not match code_challenge")
	}

	actor, err := s.actors.ActorByIdentity(ctx, s.tokens.Issuer(), code.Subject)
	if errors.Is(err, ErrNotFound) {
		s.log.Error().Str("subject", code.Subject).Msg("code redeemed for subject without actor")
		return nil, fmt.Errorf("%w: issuer=%s subject=%s", ErrActorNotFound, s.tokens.Issuer(), code.Subject)
	}
	if err != nil {
		return nil, err
	}
	if actor.Disabled() {
		return nil, fatal(CodeInvalidGrant, "subject is disabled")
	}

	base := ActorClaims(actor)
	idClaims := cloneClaims(base)
	idClaims["auth_time"] = code.AuthTime.Unix()
	idClaims["azp"] = code.ClientID
	if code.Nonce != "" {
		idClaims["nonce"] = code.Nonce
	}
	idToken, err := s.tokens.IssueToken(code.Subject, idClaims)
	if err != nil {
		return nil, err
	}
	accessClaims := cloneClaims(base)
	accessClaims["scope"] = code.Scope
	accessClaims["client_id"] = code.ClientID
	accessToken, err := s.tokens.IssueToken(code.Subject, accessClaims)
	if err != nil {
		return nil, err
	}
	obs.TokensIssued.WithLabelValues("id_token").Inc()
	obs.TokensIssued.WithLabelValues("access_token").Inc()

	if err := s.actors.TouchActor(ctx, actor.ID, now); err != nil {
		s.log.Warn().Err(err).Str("actor_id", actor.ID).Msg("touch actor")
	}
	return &TokenResponse{
		IDToken:     idToken,
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.tokens.TTL() / time.Second),
	}, nil
}

// ActorClaims returns the business claims carried by tokens issued for actor.
func ActorClaims(actor *Actor) map[string]any {
	roles := make([]string, 0, len(actor.Roles))
	for _, r := range actor.Roles {
		roles = append(roles, string(r))
	}
	slices.Sort(roles)
	claims := map[string]any{
		"name":  actor.Fullname,
		"roles": roles,
		"mid":   actor.ID,
	}
	if actor.Email != "" {
		claims["email"] = actor.Email
	}
	return claims
}

func cloneClaims(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+3)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// PurgeExpired removes authorize contexts and codes that expired at or before now.
func (s *OidcAuthorizationService) PurgeExpired(ctx context.Context, now time.Time) (int, int, error) {
	contexts, codes, err := s.store.PurgeExpired(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	obs.OIDCPurged.WithLabelValues("authctx").Add(float64(contexts))
	obs.OIDCPurged.WithLabelValues("code").Add(float64(codes))
	if contexts > 0 || codes > 0 {
		s.log.Debug().Int("contexts", contexts).Int("codes", codes).Msg("purged expired oidc state")
	}
	return contexts, codes, nil
}

// RunPurger sweeps expired state every interval until ctx is done.
func (s *OidcAuthorizationService) RunPurger(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.PurgeExpired(ctx, s.now()); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("purge expired oidc state")
			}
		}
	}
}

// DiscoveryDocument is the OpenID provider metadata document.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// Discovery describes this provider with endpoints rooted at baseURL.
func (s *OidcAuthorizationService) Discovery(baseURL string) DiscoveryDocument {
	base := strings.TrimRight(baseURL, "/")
	return DiscoveryDocument{
		Issuer:                            s.tokens.Issuer(),
		AuthorizationEndpoint:             base + "/oidc/authorize",
		TokenEndpoint:                     base + "/oidc/token",
		JWKSURI:                           base + "/.well-known/jwks.json",
		ResponseTypesSupported:            []string{ResponseTypeCode},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		ScopesSupported:                   []string{"openid", "profile", "email"},
		GrantTypesSupported:               []string{GrantAuthorizationCode},
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}
}

// RedirectLocation appends params to redirectURI, keeping any query it already has.
func RedirectLocation(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				q.Add(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Location returns the client redirect carrying the error.
func (e *RedirectError) Location() string {
	return RedirectLocation(e.RedirectURI, url.Values{
		"error":             {e.Code},
		"error_description": {e.Description},
		"state":             {e.State},
	})
}

// PKCEChallenge derives the S256 code_challenge for verifier.
func PKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func verifyPKCE(challenge, verifier string) bool {
	// RFC 7636 section 4.1
	if len(verifier) < 43 || len(verifier) > 128 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(PKCEChallenge(verifier)), []byte(challenge)) == 1
}

// redirectAllowed matches candidate against the registered URIs on scheme, host, port
// and path. The port is ignored for localhost so development callbacks may use
// ephemeral ports. Candidates with a fragment never match.
func redirectAllowed(registered []string, candidate string) bool {
	cu, err := url.Parse(candidate)
	if err != nil || !cu.IsAbs() || cu.Fragment != "" || cu.Host == "" {
		return false
	}
	for _, raw := range registered {
		ru, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if !strings.EqualFold(ru.Scheme, cu.Scheme) || !strings.EqualFold(ru.Hostname(), cu.Hostname()) {
			continue
		}
		if normalizePath(ru.EscapedPath()) != normalizePath(cu.EscapedPath()) {
			continue
		}
		if strings.EqualFold(cu.Hostname(), "localhost") || effectivePort(ru) == effectivePort(cu) {
			return true
		}
	}
	return false
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

func newOpaqueCode() (string, error) {
	buf := make([]byte, opaqueCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
