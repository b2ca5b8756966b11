package auth

import "context"

// Principal is the verified identity behind a bearer token.
type Principal struct {
	Issuer  string
	Subject string
	// Actor is nil for external subjects that were never provisioned.
	Actor  *Actor
	Claims map[string]any
}

// HasRole reports whether the principal's actor holds role.
func (p Principal) HasRole(role RoleKey) bool {
	return p.Actor != nil && p.Actor.HasRole(role)
}

// Claim returns a string claim or "".
func (p Principal) Claim(name string) string {
	s, _ := p.Claims[name].(string)
	return s
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached by WithPrincipal. A principal without a
// subject counts as absent.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.Subject != ""
}

// RequireRole returns ErrForbidden unless principal holds role.
func RequireRole(_ context.Context, principal Principal, role RoleKey) error {
	if principal.Subject == "" {
		return ErrUnauthorized
	}
	if !principal.HasRole(role) {
		return ErrForbidden
	}
	return nil
}

// RequireRoleFromContext checks the principal attached to ctx.
func RequireRoleFromContext(ctx context.Context, role RoleKey) (Principal, error) {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return Principal{}, ErrUnauthorized
	}
	if err := RequireRole(ctx, p, role); err != nil {
		return Principal{}, err
	}
	return p, nil
}
