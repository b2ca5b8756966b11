package pg

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacat.org/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return New(db), mock
}

var accountCols = []string{"id", "username", "fullname", "email", "password_hash", "is_admin", "is_bootstrap", "disabled_at", "created_at", "updated_at"}

func TestCreateAccountConflict(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	acc := &auth.Account{ID: "01j0", Username: "alice", Fullname: "Alice", PasswordHash: "h", CreatedAt: now, UpdatedAt: now}

	mock.ExpectExec("insert into accounts").
		WithArgs("01j0", "alice", "Alice", nil, "h", false, false, nil, now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.CreateAccount(context.Background(), acc))

	mock.ExpectExec("insert into accounts").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	assert.ErrorIs(t, s.CreateAccount(context.Background(), acc), auth.ErrConflict)
}

func TestAccountByUsername(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("from accounts\\s+where username = \\$1").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow("01j0", "alice", "Alice", "alice@example.org", "h", true, true, now, now, now))

	acc, err := s.AccountByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", acc.Email)
	assert.True(t, acc.IsAdmin)
	assert.True(t, acc.IsBootstrapAccount)
	require.NotNil(t, acc.DisabledAt)
	assert.True(t, acc.DisabledAt.Equal(now))

	mock.ExpectQuery("from accounts").WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	_, err = s.AccountByUsername(context.Background(), "ghost")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestUpdateAccountMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update accounts").WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.UpdateAccount(context.Background(), &auth.Account{Username: "ghost"})
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestCountAccounts(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select count\\(\\*\\) from accounts").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	n, err := s.CountAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestActorRoundTrip(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into actors").
		WithArgs("a-1", "https://id.datacat.test", "alice", "Alice", nil, []byte(`["admin"]`), nil, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.CreateActor(ctx, &auth.Actor{
		ID: "a-1", Issuer: "https://id.datacat.test", Subject: "alice", Fullname: "Alice",
		Roles: []auth.RoleKey{auth.RoleAdmin}, CreatedAt: now,
	}))

	mock.ExpectQuery("from actors\\s+where issuer = \\$1 and subject = \\$2").
		WithArgs("https://id.datacat.test", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "issuer", "subject", "fullname", "email", "roles", "disabled_at", "created_at", "last_seen_at"}).
			AddRow("a-1", "https://id.datacat.test", "alice", "Alice", nil, []byte(`["admin"]`), nil, now, nil))
	actor, err := s.ActorByIdentity(ctx, "https://id.datacat.test", "alice")
	require.NoError(t, err)
	assert.Equal(t, []auth.RoleKey{auth.RoleAdmin}, actor.Roles)
	assert.Nil(t, actor.DisabledAt)
	assert.True(t, actor.LastSeenAt.IsZero())

	mock.ExpectExec("insert into actors").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	assert.ErrorIs(t, s.CreateActor(ctx, &auth.Actor{ID: "a-2", Issuer: "https://id.datacat.test", Subject: "alice"}), auth.ErrConflict)

	mock.ExpectExec("update actors\\s+set fullname").
		WithArgs("a-1", "Alice B", nil, []byte(`[]`), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.UpdateActor(ctx, &auth.Actor{ID: "a-1", Fullname: "Alice B"}))

	mock.ExpectExec("update actors set last_seen_at").WithArgs("gone", now).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.TouchActor(ctx, "gone", now), auth.ErrNotFound)
}

var codeCols = []string{"code", "auth_ctx_code", "subject", "client_id", "redirect_uri", "scope", "code_challenge", "code_challenge_method", "nonce", "auth_time", "created_at", "expires_at"}

func codeRow(expires time.Time) *sqlmock.Rows {
	created := expires.Add(-time.Minute)
	return sqlmock.NewRows(codeCols).AddRow("code-1", "ctx-1", "alice", "catalog-ui", "https://catalog.example.org/callback",
		"openid", "challenge", "S256", "n", created, created, expires)
}

func TestTakeCode(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("delete from oidc_authorize_code\\s+where code = \\$1\\s+returning").
		WithArgs("code-1").
		WillReturnRows(codeRow(now.Add(time.Minute)))
	c, err := s.TakeCode(ctx, "code-1", now)
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Subject)
	assert.Equal(t, "ctx-1", c.AuthCtxCode)

	// second redemption finds nothing
	mock.ExpectQuery("delete from oidc_authorize_code").WithArgs("code-1").WillReturnRows(sqlmock.NewRows(codeCols))
	_, err = s.TakeCode(ctx, "code-1", now)
	assert.ErrorIs(t, err, auth.ErrNotFound)

	mock.ExpectQuery("delete from oidc_authorize_code").WithArgs("stale").WillReturnRows(codeRow(now))
	_, err = s.TakeCode(ctx, "stale", now)
	assert.ErrorIs(t, err, auth.ErrNotFound, "a code is expired at its expiry instant")
}

var ctxCols = []string{"code", "client_id", "redirect_uri", "scope", "state", "code_challenge", "code_challenge_method", "nonce", "created_at", "expires_at"}

func TestAuthCtxLookups(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	row := func() *sqlmock.Rows {
		return sqlmock.NewRows(ctxCols).AddRow("ctx-1", "catalog-ui", "https://catalog.example.org/callback", "openid", "xyz", "challenge", "S256", "", now, now.Add(10*time.Minute))
	}

	mock.ExpectExec("insert into oidc_authorize_ctx").WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.SaveAuthCtx(ctx, &auth.OidcAuthorizeCtx{Code: "ctx-1", CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute)}))

	mock.ExpectQuery("from oidc_authorize_ctx\\s+where code = \\$1 and expires_at > \\$2").WithArgs("ctx-1", now).WillReturnRows(row())
	c, err := s.AuthCtx(ctx, "ctx-1", now)
	require.NoError(t, err)
	assert.Equal(t, "xyz", c.State)

	mock.ExpectQuery("delete from oidc_authorize_ctx").WithArgs("ctx-1").WillReturnRows(row())
	c, err = s.TakeAuthCtx(ctx, "ctx-1", now)
	require.NoError(t, err)
	assert.Equal(t, "catalog-ui", c.ClientID)

	mock.ExpectQuery("delete from oidc_authorize_ctx").WithArgs("ctx-1").WillReturnRows(row())
	_, err = s.TakeAuthCtx(ctx, "ctx-1", now.Add(time.Hour))
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestPurgeExpired(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("delete from oidc_authorize_ctx where expires_at <= \\$1").WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("delete from oidc_authorize_code where expires_at <= \\$1").WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectCommit()

	contexts, codes, err := s.PurgeExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, contexts)
	assert.Equal(t, 5, codes)
}

func TestNilDatabase(t *testing.T) {
	s := &Store{}
	_, err := s.AccountByUsername(context.Background(), "alice")
	assert.ErrorIs(t, err, errNoDB)
	assert.ErrorIs(t, s.Ping(context.Background()), errNoDB)
}
