package auth

import (
	"slices"
	"time"
)

// RoleKey identifies a role granted to an actor.
type RoleKey string

// RoleAdmin is granted to actors backed by an administrator account.
const RoleAdmin RoleKey = "admin"

// Actor is the application-wide identity record authorization decisions are made against.
// The (Issuer, Subject) pair is unique and ID is never reused.
type Actor struct {
	ID         string
	Issuer     string
	Subject    string
	Fullname   string
	Email      string
	Roles      []RoleKey
	DisabledAt *time.Time
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role RoleKey) bool {
	return slices.Contains(a.Roles, role)
}

// Disabled reports whether the actor has been disabled.
func (a Actor) Disabled() bool {
	return a.DisabledAt != nil
}

// Account is a local username/password credential.
type Account struct {
	ID                 string
	Username           string
	Fullname           string
	Email              string
	PasswordHash       string
	IsAdmin            bool
	IsBootstrapAccount bool
	DisabledAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Disabled reports whether the account has been disabled.
func (a Account) Disabled() bool {
	return a.DisabledAt != nil
}

// OidcAuthorizeCtx is the pending state between /authorize and a successful login.
type OidcAuthorizeCtx struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Expired reports whether the context is past its expiry at now.
func (c OidcAuthorizeCtx) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// OidcAuthorizeCode is a single-use authorization code bound to a resolved subject.
// The authorize request parameters are copied from the context it was created from.
type OidcAuthorizeCode struct {
	Code                string
	AuthCtxCode         string
	Subject             string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthTime            time.Time
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Expired reports whether the code is past its expiry at now.
func (c OidcAuthorizeCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// OidcClient is a registered public client.
type OidcClient struct {
	ID           string
	RedirectURIs []string
}

// ExternalProvider describes a trusted third-party token issuer.
type ExternalProvider struct {
	Name        string
	Issuer      string
	JWKSURI     string
	Audiences   []string
	AllowedAlgs []string
}
