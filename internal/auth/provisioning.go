package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AccountEvent is fired by the account service whenever a local account changes.
type AccountEvent interface {
	accountEvent()
}

// AccountCreated carries the full account. It is also fired to reconcile an existing
// actor after a role change.
type AccountCreated struct {
	Account Account
}

// FullnameChanged is fired after an account's display name changed.
type FullnameChanged struct {
	Username string
	Fullname string
}

// DisabledChanged is fired after an account was disabled (DisabledAt set) or enabled.
type DisabledChanged struct {
	Username   string
	DisabledAt *time.Time
}

func (AccountCreated) accountEvent()  {}
func (FullnameChanged) accountEvent() {}
func (DisabledChanged) accountEvent() {}

// AccountListener consumes account events.
type AccountListener interface {
	OnEvent(ctx context.Context, evt AccountEvent) error
}

// ActorProvisioning keeps the actor registry consistent with local accounts. Actors
// for local accounts are keyed by (internal issuer, username).
type ActorProvisioning struct {
	actors ActorStore
	issuer string
	log    zerolog.Logger
	now    func() time.Time
}

// ProvisioningOption configures ActorProvisioning.
type ProvisioningOption func(*ActorProvisioning)

// WithProvisioningLogger sets the logger.
func WithProvisioningLogger(log zerolog.Logger) ProvisioningOption {
	return func(p *ActorProvisioning) {
		p.log = log.With().Str("component", "provisioning").Logger()
	}
}

// WithProvisioningClock overrides the time source.
func WithProvisioningClock(fn func() time.Time) ProvisioningOption {
	return func(p *ActorProvisioning) {
		if fn != nil {
			p.now = fn
		}
	}
}

// NewActorProvisioning returns a provisioning listener writing to actors under issuer.
func NewActorProvisioning(actors ActorStore, internalIssuer string, opts ...ProvisioningOption) *ActorProvisioning {
	p := &ActorProvisioning{actors: actors, issuer: internalIssuer, log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnEvent applies evt to the actor registry. Rename and enable/disable events for an
// account without an actor fail with ErrActorNotFound; the actor is never created there.
func (p *ActorProvisioning) OnEvent(ctx context.Context, evt AccountEvent) error {
	switch e := evt.(type) {
	case AccountCreated:
		return p.onCreated(ctx, e.Account)
	case *AccountCreated:
		return p.onCreated(ctx, e.Account)
	case FullnameChanged:
		return p.onFullnameChanged(ctx, e)
	case *FullnameChanged:
		return p.onFullnameChanged(ctx, *e)
	case DisabledChanged:
		return p.onDisabledChanged(ctx, e)
	case *DisabledChanged:
		return p.onDisabledChanged(ctx, *e)
	default:
		return fmt.Errorf("auth: unsupported account event %T", evt)
	}
}

func (p *ActorProvisioning) onCreated(ctx context.Context, acc Account) error {
	actor, err := p.actors.ActorByIdentity(ctx, p.issuer, acc.Username)
	if errors.Is(err, ErrNotFound) {
		now := p.now().UTC()
		actor = &Actor{
			ID:         uuid.NewString(),
			Issuer:     p.issuer,
			Subject:    acc.Username,
			Fullname:   acc.Fullname,
			Email:      acc.Email,
			Roles:      []RoleKey{},
			DisabledAt: acc.DisabledAt,
			CreatedAt:  now,
			LastSeenAt: now,
		}
		if acc.IsAdmin {
			actor.Roles = []RoleKey{RoleAdmin}
		}
		if err := p.actors.CreateActor(ctx, actor); err != nil {
			return fmt.Errorf("auth: create actor for %q: %w", acc.Username, err)
		}
		p.log.Info().Str("actor_id", actor.ID).Str("subject", acc.Username).Bool("admin", acc.IsAdmin).Msg("actor created")
		return nil
	}
	if err != nil {
		return fmt.Errorf("auth: lookup actor for %q: %w", acc.Username, err)
	}

	hadAdmin := actor.HasRole(RoleAdmin)
	actor.Roles = reconcileAdmin(actor.Roles, acc.IsAdmin)
	actor.Fullname = acc.Fullname
	actor.Email = acc.Email
	actor.DisabledAt = acc.DisabledAt
	if err := p.actors.UpdateActor(ctx, actor); err != nil {
		return fmt.Errorf("auth: reconcile actor for %q: %w", acc.Username, err)
	}
	p.log.Info().Str("actor_id", actor.ID).Str("subject", acc.Username).
		Bool("admin_before", hadAdmin).Bool("admin", acc.IsAdmin).Msg("actor reconciled")
	return nil
}

func reconcileAdmin(roles []RoleKey, admin bool) []RoleKey {
	out := slices.DeleteFunc(slices.Clone(roles), func(r RoleKey) bool { return r == RoleAdmin })
	if admin {
		out = append(out, RoleAdmin)
	}
	return out
}

func (p *ActorProvisioning) onFullnameChanged(ctx context.Context, e FullnameChanged) error {
	actor, err := p.requireActor(ctx, e.Username)
	if err != nil {
		return err
	}
	actor.Fullname = e.Fullname
	if err := p.actors.UpdateActor(ctx, actor); err != nil {
		return fmt.Errorf("auth: update actor fullname for %q: %w", e.Username, err)
	}
	return nil
}

func (p *ActorProvisioning) onDisabledChanged(ctx context.Context, e DisabledChanged) error {
	actor, err := p.requireActor(ctx, e.Username)
	if err != nil {
		return err
	}
	actor.DisabledAt = e.DisabledAt
	if err := p.actors.UpdateActor(ctx, actor); err != nil {
		return fmt.Errorf("auth: update actor state for %q: %w", e.Username, err)
	}
	p.log.Info().Str("actor_id", actor.ID).Str("subject", e.Username).Bool("disabled", e.DisabledAt != nil).Msg("actor state changed")
	return nil
}

func (p *ActorProvisioning) requireActor(ctx context.Context, username string) (*Actor, error) {
	actor, err := p.actors.ActorByIdentity(ctx, p.issuer, username)
	if errors.Is(err, ErrNotFound) {
		p.log.Error().Str("issuer", p.issuer).Str("subject", username).Msg("actor missing for existing account")
		return nil, fmt.Errorf("%w: issuer=%s subject=%s", ErrActorNotFound, p.issuer, username)
	}
	if err != nil {
		return nil, fmt.Errorf("auth: lookup actor for %q: %w", username, err)
	}
	return actor, nil
}
