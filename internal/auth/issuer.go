package auth

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = time.Hour

// KeySource provides the active signing key material.
type KeySource interface {
	LoadOrCreate() (*KeyMaterial, error)
}

// IssuerConfig holds the per-deployment settings of locally issued tokens.
type IssuerConfig struct {
	Issuer   string
	Audience string
	TTL      time.Duration
}

// TokenIssuer signs RS256 JWTs with the registry's current key.
type TokenIssuer struct {
	keys KeySource
	cfg  IssuerConfig
	now  func() time.Time
}

// TokenIssuerOption configures a TokenIssuer.
type TokenIssuerOption func(*TokenIssuer)

// WithIssuerClock overrides the time source.
func WithIssuerClock(fn func() time.Time) TokenIssuerOption {
	return func(t *TokenIssuer) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTokenIssuer validates cfg and returns an issuer.
func NewTokenIssuer(keys KeySource, cfg IssuerConfig, opts ...TokenIssuerOption) (*TokenIssuer, error) {
	if keys == nil {
		return nil, errors.New("auth: key source is required")
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	if cfg.Issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("auth: audience is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTokenTTL
	}
	t := &TokenIssuer{keys: keys, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Issuer returns the iss claim of locally issued tokens.
func (t *TokenIssuer) Issuer() string { return t.cfg.Issuer }

// Audience returns the aud claim of locally issued tokens.
func (t *TokenIssuer) Audience() string { return t.cfg.Audience }

// TTL returns the lifetime of issued tokens.
func (t *TokenIssuer) TTL() time.Duration { return t.cfg.TTL }

var reservedClaims = map[string]struct{}{
	"iss": {}, "aud": {}, "sub": {}, "iat": {}, "exp": {},
}

// IssueToken signs a token for subject carrying every non-nil entry of claims.
// Registered claims cannot be overridden through claims.
func (t *TokenIssuer) IssueToken(subject string, claims map[string]any) (string, error) {
	material, err := t.keys.LoadOrCreate()
	if err != nil {
		return "", err
	}
	now := t.now().UTC()
	mc := jwt.MapClaims{
		"iss": t.cfg.Issuer,
		"aud": t.cfg.Audience,
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(t.cfg.TTL).Unix(),
	}
	for k, v := range claims {
		if _, reserved := reservedClaims[k]; reserved {
			continue
		}
		if cv, ok := claimValue(v); ok {
			mc[k] = cv
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	token.Header["kid"] = material.Kid
	signed, err := token.SignedString(material.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// claimValue passes strings, booleans and numbers through natively, turns string
// slices (including role sets) into JSON arrays and stringifies everything else.
func claimValue(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, false
		}
		return claimValue(rv.Elem().Interface())
	case reflect.String:
		return rv.String(), true
	case reflect.Bool:
		return rv.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.String {
			out := make([]string, rv.Len())
			for i := range out {
				out[i] = rv.Index(i).String()
			}
			return out, true
		}
	}
	if tm, ok := v.(time.Time); ok {
		return tm.UTC().Format(time.RFC3339), true
	}
	return fmt.Sprint(v), true
}

// Verify checks a token issued by this issuer: RS256 signature under the current key,
// issuer, audience and expiry.
func (t *TokenIssuer) Verify(raw string) (jwt.MapClaims, error) {
	material, err := t.keys.LoadOrCreate()
	if err != nil {
		return nil, err
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(t.cfg.Issuer),
		jwt.WithAudience(t.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	claims := jwt.MapClaims{}
	_, err = parser.ParseWithClaims(strings.TrimSpace(raw), claims, func(tok *jwt.Token) (any, error) {
		if kid, _ := tok.Header["kid"].(string); kid != material.Kid {
			return nil, verifyErr(VerifyKeyNotFound, kid)
		}
		return material.PublicKey, nil
	})
	if err != nil {
		return nil, classifyJWTError(err)
	}
	return claims, nil
}

// classifyJWTError maps jwt library validation errors onto verification reasons.
func classifyJWTError(err error) *VerificationError {
	var ve *VerificationError
	switch {
	case errors.As(err, &ve):
		return ve
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &VerificationError{Reason: VerifyMalformed, Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if strings.Contains(err.Error(), "signing method") {
			return &VerificationError{Reason: VerifyAlgNotAllowed, Err: err}
		}
		return &VerificationError{Reason: VerifyBadSignature, Err: err}
	case errors.Is(err, jwt.ErrTokenExpired):
		return &VerificationError{Reason: VerifyExpired, Err: err}
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return &VerificationError{Reason: VerifyNotYetValid, Err: err}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return &VerificationError{Reason: VerifyAudienceMismatch, Err: err}
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return &VerificationError{Reason: VerifyUnknownIssuer, Err: err}
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return &VerificationError{Reason: VerifyMalformed, Err: err}
	default:
		return &VerificationError{Reason: VerifyBadSignature, Err: err}
	}
}
