package pg

import (
	"context"
	"database/sql"
	"errors"

	"datacat.org/internal/auth"
)

const accountColumns = `id, username, fullname, email, password_hash, is_admin, is_bootstrap, disabled_at, created_at, updated_at`

func (s *Store) CreateAccount(ctx context.Context, acc *auth.Account) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into accounts (`+accountColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, acc.ID, acc.Username, acc.Fullname, nullIfEmpty(acc.Email), acc.PasswordHash,
		acc.IsAdmin, acc.IsBootstrapAccount, nullTime(acc.DisabledAt), acc.CreatedAt, acc.UpdatedAt)
	if isUniqueViolation(err) {
		return auth.ErrConflict
	}
	return err
}

func (s *Store) AccountByUsername(ctx context.Context, username string) (*auth.Account, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		acc      auth.Account
		email    sql.NullString
		disabled sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select `+accountColumns+`
		from accounts
		where username = $1
	`, username).Scan(&acc.ID, &acc.Username, &acc.Fullname, &email, &acc.PasswordHash,
		&acc.IsAdmin, &acc.IsBootstrapAccount, &disabled, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.Email = email.String
	acc.DisabledAt = timePtr(disabled)
	return &acc, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acc *auth.Account) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update accounts
		set fullname = $2, email = $3, password_hash = $4, is_admin = $5, disabled_at = $6, updated_at = $7
		where username = $1
	`, acc.Username, acc.Fullname, nullIfEmpty(acc.Email), acc.PasswordHash, acc.IsAdmin,
		nullTime(acc.DisabledAt), acc.UpdatedAt)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *Store) CountAccounts(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `select count(*) from accounts`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
