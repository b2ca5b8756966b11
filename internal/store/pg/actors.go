package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"datacat.org/internal/auth"
)

func encodeRoles(roles []auth.RoleKey) ([]byte, error) {
	if roles == nil {
		roles = []auth.RoleKey{}
	}
	b, err := json.Marshal(roles)
	if err != nil {
		return nil, fmt.Errorf("marshal roles: %w", err)
	}
	return b, nil
}

func (s *Store) ActorByIdentity(ctx context.Context, issuer, subject string) (*auth.Actor, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		actor    auth.Actor
		email    sql.NullString
		rawRoles []byte
		disabled sql.NullTime
		seen     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, issuer, subject, fullname, email, roles, disabled_at, created_at, last_seen_at
		from actors
		where issuer = $1 and subject = $2
	`, issuer, subject).Scan(&actor.ID, &actor.Issuer, &actor.Subject, &actor.Fullname, &email,
		&rawRoles, &disabled, &actor.CreatedAt, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	actor.Roles = []auth.RoleKey{}
	if len(rawRoles) > 0 {
		if err := json.Unmarshal(rawRoles, &actor.Roles); err != nil {
			return nil, fmt.Errorf("decode roles: %w", err)
		}
	}
	actor.Email = email.String
	actor.DisabledAt = timePtr(disabled)
	if seen.Valid {
		actor.LastSeenAt = seen.Time.UTC()
	}
	return &actor, nil
}

func (s *Store) CreateActor(ctx context.Context, actor *auth.Actor) error {
	if s.db == nil {
		return errNoDB
	}
	roles, err := encodeRoles(actor.Roles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into actors (id, issuer, subject, fullname, email, roles, disabled_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, actor.ID, actor.Issuer, actor.Subject, actor.Fullname, nullIfEmpty(actor.Email), roles,
		nullTime(actor.DisabledAt), actor.CreatedAt)
	if isUniqueViolation(err) {
		return auth.ErrConflict
	}
	return err
}

func (s *Store) UpdateActor(ctx context.Context, actor *auth.Actor) error {
	if s.db == nil {
		return errNoDB
	}
	roles, err := encodeRoles(actor.Roles)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update actors
		set fullname = $2, email = $3, roles = $4, disabled_at = $5
		where id = $1
	`, actor.ID, actor.Fullname, nullIfEmpty(actor.Email), roles, nullTime(actor.DisabledAt))
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *Store) TouchActor(ctx context.Context, id string, seenAt time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update actors set last_seen_at = $2 where id = $1`, id, seenAt.UTC())
	if err != nil {
		return err
	}
	return expectOneRow(res)
}
