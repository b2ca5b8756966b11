package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"datacat.org/internal/auth"
)

const (
	authCtxColumns = `code, client_id, redirect_uri, scope, state, code_challenge, code_challenge_method, nonce, created_at, expires_at`
	codeColumns    = `code, auth_ctx_code, subject, client_id, redirect_uri, scope, code_challenge, code_challenge_method, nonce, auth_time, created_at, expires_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthCtx(row rowScanner) (*auth.OidcAuthorizeCtx, error) {
	var c auth.OidcAuthorizeCtx
	err := row.Scan(&c.Code, &c.ClientID, &c.RedirectURI, &c.Scope, &c.State, &c.CodeChallenge,
		&c.CodeChallengeMethod, &c.Nonce, &c.CreatedAt, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCode(row rowScanner) (*auth.OidcAuthorizeCode, error) {
	var c auth.OidcAuthorizeCode
	err := row.Scan(&c.Code, &c.AuthCtxCode, &c.Subject, &c.ClientID, &c.RedirectURI, &c.Scope,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.Nonce, &c.AuthTime, &c.CreatedAt, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) SaveAuthCtx(ctx context.Context, c *auth.OidcAuthorizeCtx) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into oidc_authorize_ctx (`+authCtxColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.Code, c.ClientID, c.RedirectURI, c.Scope, c.State, c.CodeChallenge, c.CodeChallengeMethod,
		c.Nonce, c.CreatedAt, c.ExpiresAt)
	if isUniqueViolation(err) {
		return auth.ErrConflict
	}
	return err
}

func (s *Store) AuthCtx(ctx context.Context, code string, now time.Time) (*auth.OidcAuthorizeCtx, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return scanAuthCtx(s.db.QueryRowContext(ctx, `
		select `+authCtxColumns+`
		from oidc_authorize_ctx
		where code = $1 and expires_at > $2
	`, code, now))
}

// TakeAuthCtx deletes the context in the same statement that reads it. An expired
// row is still consumed.
func (s *Store) TakeAuthCtx(ctx context.Context, code string, now time.Time) (*auth.OidcAuthorizeCtx, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	c, err := scanAuthCtx(s.db.QueryRowContext(ctx, `
		delete from oidc_authorize_ctx
		where code = $1
		returning `+authCtxColumns, code))
	if err != nil {
		return nil, err
	}
	if c.Expired(now) {
		return nil, auth.ErrNotFound
	}
	return c, nil
}

func (s *Store) SaveCode(ctx context.Context, c *auth.OidcAuthorizeCode) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into oidc_authorize_code (`+codeColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, c.Code, c.AuthCtxCode, c.Subject, c.ClientID, c.RedirectURI, c.Scope, c.CodeChallenge,
		c.CodeChallengeMethod, c.Nonce, c.AuthTime, c.CreatedAt, c.ExpiresAt)
	if isUniqueViolation(err) {
		return auth.ErrConflict
	}
	return err
}

// TakeCode is the single-use redemption: of two concurrent deletes only one returns the row.
func (s *Store) TakeCode(ctx context.Context, code string, now time.Time) (*auth.OidcAuthorizeCode, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	c, err := scanCode(s.db.QueryRowContext(ctx, `
		delete from oidc_authorize_code
		where code = $1
		returning `+codeColumns, code))
	if err != nil {
		return nil, err
	}
	if c.Expired(now) {
		return nil, auth.ErrNotFound
	}
	return c, nil
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, int, error) {
	if s.db == nil {
		return 0, 0, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `delete from oidc_authorize_ctx where expires_at <= $1`, now)
	if err != nil {
		return 0, 0, err
	}
	contexts, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}
	res, err = tx.ExecContext(ctx, `delete from oidc_authorize_code where expires_at <= $1`, now)
	if err != nil {
		return 0, 0, err
	}
	codes, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return int(contexts), int(codes), nil
}
