package auth

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"datacat.org/internal/obs"
)

const (
	defaultJWKSCacheTTL = 5 * time.Minute
	// an unknown kid forces a refetch at most this often, to follow key rotation
	// without letting forged kids hammer the provider
	minJWKSRefetch = 10 * time.Second
	maxJWKSBytes   = 1 << 20
)

type jwksEntry struct {
	set       JWKSet
	fetchedAt time.Time
}

// ExternalValidator verifies JWTs issued by trusted third-party providers.
type ExternalValidator struct {
	providers map[string]ExternalProvider
	client    *http.Client
	cacheTTL  time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	cache map[string]jwksEntry
	group singleflight.Group
}

// ExternalOption configures an ExternalValidator.
type ExternalOption func(*ExternalValidator)

// WithHTTPClient sets the client used to fetch JWKS documents.
func WithHTTPClient(c *http.Client) ExternalOption {
	return func(v *ExternalValidator) {
		if c != nil {
			v.client = c
		}
	}
}

// WithJWKSCacheTTL sets how long a fetched JWKS is trusted.
func WithJWKSCacheTTL(ttl time.Duration) ExternalOption {
	return func(v *ExternalValidator) {
		if ttl > 0 {
			v.cacheTTL = ttl
		}
	}
}

// WithExternalLogger sets the logger.
func WithExternalLogger(log zerolog.Logger) ExternalOption {
	return func(v *ExternalValidator) {
		v.log = log.With().Str("component", "external_oidc").Logger()
	}
}

// WithExternalClock overrides the time source.
func WithExternalClock(fn func() time.Time) ExternalOption {
	return func(v *ExternalValidator) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewExternalValidator returns a validator trusting providers. Providers without
// allowed algorithms accept RS256 only.
func NewExternalValidator(providers []ExternalProvider, opts ...ExternalOption) (*ExternalValidator, error) {
	v := &ExternalValidator{
		providers: make(map[string]ExternalProvider, len(providers)),
		client:    &http.Client{Timeout: 10 * time.Second},
		cacheTTL:  defaultJWKSCacheTTL,
		log:       zerolog.Nop(),
		now:       time.Now,
		cache:     make(map[string]jwksEntry),
	}
	for _, p := range providers {
		p.Issuer = strings.TrimSpace(p.Issuer)
		p.JWKSURI = strings.TrimSpace(p.JWKSURI)
		if p.Issuer == "" || p.JWKSURI == "" {
			return nil, fmt.Errorf("auth: external provider %q needs issuer and jwks uri", p.Name)
		}
		if _, dup := v.providers[p.Issuer]; dup {
			return nil, fmt.Errorf("auth: external issuer %q configured twice", p.Issuer)
		}
		if len(p.AllowedAlgs) == 0 {
			p.AllowedAlgs = []string{jwt.SigningMethodRS256.Alg()}
		}
		v.providers[p.Issuer] = p
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Trusts reports whether issuer is a configured provider.
func (v *ExternalValidator) Trusts(issuer string) bool {
	_, ok := v.providers[issuer]
	return ok
}

// Verify checks raw against the provider matching its iss claim: algorithm allow-list,
// signature under the JWKS key named by kid, exp, nbf and audience. Every failure is a
// *VerificationError.
func (v *ExternalValidator) Verify(ctx context.Context, raw string) (Principal, error) {
	p, issuer, err := v.verify(ctx, strings.TrimSpace(raw))
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var ve *VerificationError
		if errors.As(err, &ve) {
			outcome = string(ve.Reason)
		}
		v.log.Debug().Err(err).Str("issuer", issuer).Msg("external token rejected")
	}
	if issuer == "" || !v.Trusts(issuer) {
		issuer = "unknown"
	}
	obs.ExternalVerifications.WithLabelValues(issuer, outcome).Inc()
	return p, err
}

func (v *ExternalValidator) verify(ctx context.Context, raw string) (Principal, string, error) {
	unverified := jwt.MapClaims{}
	tok, _, err := jwt.NewParser().ParseUnverified(raw, unverified)
	if err != nil {
		return Principal{}, "", &VerificationError{Reason: VerifyMalformed, Err: err}
	}
	alg, _ := tok.Header["alg"].(string)
	kid, _ := tok.Header["kid"].(string)
	iss, _ := unverified["iss"].(string)

	provider, ok := v.providers[iss]
	if !ok {
		return Principal{}, iss, verifyErr(VerifyUnknownIssuer, iss)
	}
	if alg == "" || strings.EqualFold(alg, "none") || !slices.Contains(provider.AllowedAlgs, alg) {
		return Principal{}, iss, verifyErr(VerifyAlgNotAllowed, alg)
	}
	if kid == "" {
		return Principal{}, iss, verifyErr(VerifyKeyNotFound, "token has no kid")
	}
	key, err := v.key(ctx, provider, kid)
	if err != nil {
		return Principal{}, iss, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{alg}),
		jwt.WithIssuer(provider.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
		return Principal{}, iss, classifyJWTError(err)
	}
	if len(provider.Audiences) > 0 {
		aud, err := claims.GetAudience()
		if err != nil {
			return Principal{}, iss, &VerificationError{Reason: VerifyMalformed, Err: err}
		}
		if !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(provider.Audiences, a) }) {
			return Principal{}, iss, verifyErr(VerifyAudienceMismatch, strings.Join(aud, ","))
		}
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return Principal{}, iss, verifyErr(VerifyMalformed, "token has no sub")
	}
	return Principal{Issuer: provider.Issuer, Subject: sub, Claims: claims}, iss, nil
}

// key resolves kid in the provider's JWKS. A stale cache is refreshed; a fresh cache
// missing kid is refreshed only if it is older than minJWKSRefetch.
func (v *ExternalValidator) key(ctx context.Context, p ExternalProvider, kid string) (crypto.PublicKey, error) {
	now := v.now()
	v.mu.RLock()
	entry, cached := v.cache[p.Issuer]
	v.mu.RUnlock()

	fresh := cached && now.Sub(entry.fetchedAt) < v.cacheTTL
	if fresh {
		if k, ok := entry.set.Key(kid); ok {
			return jwkPublicKey(k)
		}
		if now.Sub(entry.fetchedAt) < minJWKSRefetch {
			return nil, verifyErr(VerifyKeyNotFound, kid)
		}
	}

	set, err := v.refresh(ctx, p)
	if err != nil {
		if cached {
			if k, ok := entry.set.Key(kid); ok {
				v.log.Warn().Err(err).Str("issuer", p.Issuer).Msg("jwks refresh failed, using cached keys")
				return jwkPublicKey(k)
			}
		}
		return nil, &VerificationError{Reason: VerifyJWKSUnavailable, Detail: p.JWKSURI, Err: err}
	}
	k, ok := set.Key(kid)
	if !ok {
		return nil, verifyErr(VerifyKeyNotFound, kid)
	}
	return jwkPublicKey(k)
}

func jwkPublicKey(k JWK) (crypto.PublicKey, error) {
	if k.Use != "" && k.Use != "sig" {
		return nil, verifyErr(VerifyKeyNotFound, "key "+k.Kid+" is not a signing key")
	}
	pub, err := k.PublicKey()
	if err != nil {
		return nil, &VerificationError{Reason: VerifyKeyNotFound, Detail: k.Kid, Err: err}
	}
	return pub, nil
}

// refresh fetches the provider's JWKS. Concurrent callers for the same issuer share a
// single in-flight request.
func (v *ExternalValidator) refresh(ctx context.Context, p ExternalProvider) (JWKSet, error) {
	res, err, _ := v.group.Do(p.Issuer, func() (any, error) {
		set, err := v.fetch(context.WithoutCancel(ctx), p.JWKSURI)
		if err != nil {
			obs.JWKSFetches.WithLabelValues(p.Issuer, "error").Inc()
			return nil, err
		}
		obs.JWKSFetches.WithLabelValues(p.Issuer, "ok").Inc()
		v.mu.Lock()
		v.cache[p.Issuer] = jwksEntry{set: set, fetchedAt: v.now()}
		v.mu.Unlock()
		v.log.Debug().Str("issuer", p.Issuer).Int("keys", len(set.Keys)).Msg("jwks refreshed")
		return set, nil
	})
	if err != nil {
		return JWKSet{}, err
	}
	return res.(JWKSet), nil
}

func (v *ExternalValidator) fetch(ctx context.Context, uri string) (JWKSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, http.NoBody)
	if err != nil {
		return JWKSet{}, fmt.Errorf("create JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := v.client.Do(req)
	if err != nil {
		return JWKSet{}, fmt.Errorf("fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return JWKSet{}, fmt.Errorf("JWKS returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var set JWKSet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&set); err != nil {
		return JWKSet{}, fmt.Errorf("decode JWKS: %w", err)
	}
	return set, nil
}
