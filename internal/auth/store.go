package auth

import (
	"context"
	"time"
)

// AccountStore persists local accounts. Lookups of unknown usernames return ErrNotFound
// and duplicate usernames on create return ErrConflict.
type AccountStore interface {
	CreateAccount(ctx context.Context, acc *Account) error
	AccountByUsername(ctx context.Context, username string) (*Account, error)
	UpdateAccount(ctx context.Context, acc *Account) error
	CountAccounts(ctx context.Context) (int, error)
}

// ActorStore persists the actor registry keyed by (issuer, subject).
type ActorStore interface {
	ActorByIdentity(ctx context.Context, issuer, subject string) (*Actor, error)
	CreateActor(ctx context.Context, actor *Actor) error
	UpdateActor(ctx context.Context, actor *Actor) error
	TouchActor(ctx context.Context, id string, seenAt time.Time) error
}

// OidcStore persists authorize contexts and authorization codes.
//
// TakeAuthCtx and TakeCode find and delete in a single atomic step: of two concurrent
// callers for the same key at most one receives the record, the other gets ErrNotFound.
// Expired records are never returned by any lookup.
type OidcStore interface {
	SaveAuthCtx(ctx context.Context, authCtx *OidcAuthorizeCtx) error
	AuthCtx(ctx context.Context, code string, now time.Time) (*OidcAuthorizeCtx, error)
	TakeAuthCtx(ctx context.Context, code string, now time.Time) (*OidcAuthorizeCtx, error)
	SaveCode(ctx context.Context, code *OidcAuthorizeCode) error
	TakeCode(ctx context.Context, code string, now time.Time) (*OidcAuthorizeCode, error)
	PurgeExpired(ctx context.Context, now time.Time) (contexts int, codes int, err error)
}

// ClientRegistry resolves registered OIDC clients.
type ClientRegistry interface {
	Client(ctx context.Context, clientID string) (*OidcClient, error)
}
