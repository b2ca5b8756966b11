package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Authenticator resolves bearer tokens into principals.
type Authenticator interface {
	WhoAmI(ctx context.Context, token string) (Principal, error)
}

var _ Authenticator = (*EmbeddedService)(nil)

// EmbeddedDeps are the collaborators of the embedded identity facade. External may be
// nil when no third-party issuer is trusted.
type EmbeddedDeps struct {
	Keys      *KeyRegistry
	Tokens    *TokenIssuer
	Bootstrap *BootstrapSecrets
	Accounts  *AccountService
	Actors    ActorStore
	External  *ExternalValidator
}

// EmbeddedService serves JWKS, handles bootstrap and answers who a token belongs to.
type EmbeddedService struct {
	deps EmbeddedDeps
	jwks *JWKSPublisher
	log  zerolog.Logger
}

// EmbeddedOption configures an EmbeddedService.
type EmbeddedOption func(*EmbeddedService)

// WithEmbeddedLogger sets the logger.
func WithEmbeddedLogger(log zerolog.Logger) EmbeddedOption {
	return func(s *EmbeddedService) {
		s.log = log.With().Str("component", "auth").Logger()
	}
}

// NewEmbeddedService validates deps and builds the facade.
func NewEmbeddedService(deps EmbeddedDeps, opts ...EmbeddedOption) (*EmbeddedService, error) {
	if deps.Keys == nil || deps.Tokens == nil || deps.Actors == nil {
		return nil, errors.New("auth: keys, tokens and actors are required")
	}
	s := &EmbeddedService{deps: deps, jwks: NewJWKSPublisher(deps.Keys), log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issuer returns the local token issuer.
func (s *EmbeddedService) Issuer() *TokenIssuer { return s.deps.Tokens }

// Accounts returns the account service, or nil.
func (s *EmbeddedService) Accounts() *AccountService { return s.deps.Accounts }

// JWKS publishes the local signing key.
func (s *EmbeddedService) JWKS() (JWKSet, error) {
	return s.jwks.Publish()
}

// Bootstrap loads or creates the bootstrap secret at startup. When onReveal is nil an
// unconsumed secret is written to the log at warn level.
func (s *EmbeddedService) Bootstrap(onReveal func(secret string)) (BootstrapState, error) {
	if s.deps.Bootstrap == nil {
		return BootstrapState{}, errors.New("auth: bootstrap secrets not configured")
	}
	if onReveal == nil {
		onReveal = func(secret string) {
			s.log.Warn().Str("bootstrap_secret", secret).Msg("bootstrap secret available; use it to create the first administrator")
		}
	}
	return s.deps.Bootstrap.LoadOrCreate(onReveal)
}

// BootstrapAdmin creates the first administrator with the bootstrap secret.
func (s *EmbeddedService) BootstrapAdmin(ctx context.Context, secret string, in NewAccount) (*Account, error) {
	if s.deps.Accounts == nil {
		return nil, errors.New("auth: account service not configured")
	}
	return s.deps.Accounts.BootstrapAdmin(ctx, secret, in)
}

// WhoAmI verifies token and resolves its actor. Locally issued tokens are checked
// against the local key; any other issuer goes to the external validator. Errors wrap
// ErrUnauthorized, and verification failures also carry a *VerificationError.
func (s *EmbeddedService) WhoAmI(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrUnauthorized
	}
	unverified := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, unverified); err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrUnauthorized, &VerificationError{Reason: VerifyMalformed, Err: err})
	}
	iss, _ := unverified["iss"].(string)

	var principal Principal
	local := iss == s.deps.Tokens.Issuer()
	switch {
	case local:
		claims, err := s.deps.Tokens.Verify(token)
		if err != nil {
			return Principal{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		sub, _ := claims.GetSubject()
		principal = Principal{Issuer: iss, Subject: sub, Claims: claims}
	case s.deps.External != nil:
		p, err := s.deps.External.Verify(ctx, token)
		if err != nil {
			return Principal{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		principal = p
	default:
		return Principal{}, fmt.Errorf("%w: %w", ErrUnauthorized, verifyErr(VerifyUnknownIssuer, iss))
	}

	actor, err := s.deps.Actors.ActorByIdentity(ctx, principal.Issuer, principal.Subject)
	switch {
	case errors.Is(err, ErrNotFound):
		if local {
			s.log.Warn().Str("subject", principal.Subject).Msg("valid local token without actor")
			return Principal{}, fmt.Errorf("%w: %w", ErrUnauthorized, ErrActorNotFound)
		}
		return principal, nil
	case err != nil:
		return Principal{}, err
	}
	if actor.Disabled() {
		return Principal{}, fmt.Errorf("%w: actor disabled", ErrUnauthorized)
	}
	principal.Actor = actor
	return principal, nil
}
