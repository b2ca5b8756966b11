package auth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodPassword = "Correct-Horse-Battery-9"

type accountFixture struct {
	clock     *fakeClock
	store     *MemoryStore
	bootstrap *BootstrapSecrets
	svc       *AccountService
}

func newAccountFixture(t *testing.T) *accountFixture {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore()
	bootstrap := NewBootstrapSecrets(t.TempDir())
	prov := NewActorProvisioning(store, testIssuer, WithProvisioningClock(clock.Now))
	svc := NewAccountService(store, testPasswords(),
		WithAccountListener(prov),
		WithBootstrapSecrets(bootstrap),
		WithAccountClock(clock.Now))
	return &accountFixture{clock: clock, store: store, bootstrap: bootstrap, svc: svc}
}

func TestCreateAccountProvisionsActor(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()

	acc, err := f.svc.CreateAccount(ctx, NewAccount{Username: "alice", Fullname: "  Alice Liddell ", Email: "alice@example.org", Password: goodPassword})
	require.NoError(t, err)
	assert.NotEmpty(t, acc.ID)
	assert.Equal(t, "Alice Liddell", acc.Fullname)
	assert.False(t, acc.IsAdmin)
	assert.NotEqual(t, goodPassword, acc.PasswordHash)

	actor, err := f.store.ActorByIdentity(ctx, testIssuer, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", actor.Fullname)
	assert.Empty(t, actor.Roles)

	_, err = f.svc.CreateAccount(ctx, NewAccount{Username: "alice", Fullname: "Other", Password: goodPassword})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateAccountValidates(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateAccount(ctx, NewAccount{Username: "Al", Fullname: "Al", Password: goodPassword})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.CreateAccount(ctx, NewAccount{Username: "bob", Fullname: "Bob<script>", Password: goodPassword})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.CreateAccount(ctx, NewAccount{Username: "bob", Fullname: "Bob", Password: "short"})
	var pe *PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PolicyTooShort, pe.Reason)

	n, err := f.store.CountAccounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAuthenticate(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateAccount(ctx, NewAccount{Username: "alice", Fullname: "Alice", Password: goodPassword})
	require.NoError(t, err)

	acc, err := f.svc.Authenticate(ctx, " alice ", goodPassword)
	require.NoError(t, err)
	assert.Equal(t, "alice", acc.Username)

	_, err = f.svc.Authenticate(ctx, "alice", goodPassword+"x")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.Authenticate(ctx, "nobody", goodPassword)
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, f.svc.Disable(ctx, "alice"))
	_, err = f.svc.Authenticate(ctx, "alice", goodPassword)
	assert.ErrorIs(t, err, ErrUnauthorized)
	actor, err := f.store.ActorByIdentity(ctx, testIssuer, "alice")
	require.NoError(t, err)
	assert.True(t, actor.Disabled())

	require.NoError(t, f.svc.Enable(ctx, "alice"))
	_, err = f.svc.Authenticate(ctx, "alice", goodPassword)
	require.NoError(t, err)
}

func TestChangePasswordAndFullname(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateAccount(ctx, NewAccount{Username: "alice", Fullname: "Alice", Password: goodPassword})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.ChangePassword(ctx, "alice", "wrong", "Another-Good-Pass-42"), ErrUnauthorized)
	var pe *PolicyError
	require.ErrorAs(t, f.svc.ChangePassword(ctx, "alice", goodPassword, "alice"), &pe)

	require.NoError(t, f.svc.ChangePassword(ctx, "alice", goodPassword, "Another-Good-Pass-42"))
	_, err = f.svc.Authenticate(ctx, "alice", "Another-Good-Pass-42")
	require.NoError(t, err)
	_, err = f.svc.Authenticate(ctx, "alice", goodPassword)
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, f.svc.ChangeFullname(ctx, "alice", "Alice Pleasance"))
	actor, err := f.store.ActorByIdentity(ctx, testIssuer, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice Pleasance", actor.Fullname)

	assert.ErrorIs(t, f.svc.ChangeFullname(ctx, "ghost", "Ghost"), ErrAccountNotFound)
}

func TestSetAdminReconcilesRoles(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateAccount(ctx, NewAccount{Username: "alice", Fullname: "Alice", Password: goodPassword})
	require.NoError(t, err)

	require.NoError(t, f.svc.SetAdmin(ctx, "alice", true))
	actor, err := f.store.ActorByIdentity(ctx, testIssuer, "alice")
	require.NoError(t, err)
	assert.True(t, actor.HasRole(RoleAdmin))

	require.NoError(t, f.svc.SetAdmin(ctx, "alice", false))
	actor, err = f.store.ActorByIdentity(ctx, testIssuer, "alice")
	require.NoError(t, err)
	assert.False(t, actor.HasRole(RoleAdmin))

	assert.ErrorIs(t, f.svc.SetAdmin(ctx, "ghost", true), ErrAccountNotFound)
}

func TestBootstrapAdmin(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	state, err := f.bootstrap.LoadOrCreate(nil)
	require.NoError(t, err)

	in := NewAccount{Username: "root-admin", Fullname: "Root Admin", Password: goodPassword}
	_, err = f.svc.BootstrapAdmin(ctx, "not-the-secret", in)
	assert.ErrorIs(t, err, ErrUnauthorized)

	acc, err := f.svc.BootstrapAdmin(ctx, state.Secret, in)
	require.NoError(t, err)
	assert.True(t, acc.IsAdmin)
	assert.True(t, acc.IsBootstrapAccount)

	actor, err := f.store.ActorByIdentity(ctx, testIssuer, "root-admin")
	require.NoError(t, err)
	assert.True(t, actor.HasRole(RoleAdmin))

	_, err = f.svc.BootstrapAdmin(ctx, state.Secret, NewAccount{Username: "second", Fullname: "Second", Password: goodPassword})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, ErrBootstrapConsumed)
}

func TestBootstrapAdminFailedCreateKeepsSecret(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	state, err := f.bootstrap.LoadOrCreate(nil)
	require.NoError(t, err)

	_, err = f.svc.BootstrapAdmin(ctx, state.Secret, NewAccount{Username: "admin", Fullname: "Admin", Password: "weak"})
	require.Error(t, err)
	after, err := f.bootstrap.State()
	require.NoError(t, err)
	assert.False(t, after.Consumed)
}

type flakyListener struct {
	mu    sync.Mutex
	calls int
}

func (l *flakyListener) OnEvent(context.Context, AccountEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls == 1 {
		return errors.New("actor store down")
	}
	return nil
}

func TestBootstrapAdminListenerFailureConsumesSecret(t *testing.T) {
	store := NewMemoryStore()
	bootstrap := NewBootstrapSecrets(t.TempDir())
	svc := NewAccountService(store, testPasswords(),
		WithAccountListener(&flakyListener{}),
		WithBootstrapSecrets(bootstrap))
	ctx := context.Background()
	state, err := bootstrap.LoadOrCreate(nil)
	require.NoError(t, err)

	_, err = svc.BootstrapAdmin(ctx, state.Secret, NewAccount{Username: "admin1", Fullname: "Admin One", Password: goodPassword})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actor store down")

	after, err := bootstrap.State()
	require.NoError(t, err)
	assert.True(t, after.Consumed)

	_, err = svc.BootstrapAdmin(ctx, state.Secret, NewAccount{Username: "admin2", Fullname: "Admin Two", Password: goodPassword})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, ErrBootstrapConsumed)

	_, err = store.AccountByUsername(ctx, "admin2")
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := store.CountAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBootstrapAdminSingleWinner(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	state, err := f.bootstrap.LoadOrCreate(nil)
	require.NoError(t, err)

	names := []string{"admin-a", "admin-b", "admin-c", "admin-d"}
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			_, errs[i] = f.svc.BootstrapAdmin(ctx, state.Secret, NewAccount{Username: name, Fullname: "Admin", Password: goodPassword})
		}(i, name)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, ErrUnauthorized), err)
	}
	assert.Equal(t, 1, wins)
	n, err := f.store.CountAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBootstrapAdminWithoutSecrets(t *testing.T) {
	svc := NewAccountService(NewMemoryStore(), testPasswords())
	_, err := svc.BootstrapAdmin(context.Background(), "x", NewAccount{Username: "admin", Fullname: "Admin", Password: goodPassword})
	assert.ErrorIs(t, err, ErrUnauthorized)
}
