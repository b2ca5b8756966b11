package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"datacat.org/internal/ids"
)

// NewAccount is the input for account creation.
type NewAccount struct {
	Username string
	Fullname string
	Email    string
	Password string
	Admin    bool
}

// AccountService manages local accounts and fires account events to its listeners.
type AccountService struct {
	accounts  AccountStore
	passwords *PasswordService
	bootstrap *BootstrapSecrets
	listeners []AccountListener
	log       zerolog.Logger
	now       func() time.Time

	bootstrapMu sync.Mutex

	dummyOnce sync.Once
	dummyHash string
}

// AccountServiceOption configures an AccountService.
type AccountServiceOption func(*AccountService)

// WithAccountLogger sets the logger.
func WithAccountLogger(log zerolog.Logger) AccountServiceOption {
	return func(s *AccountService) {
		s.log = log.With().Str("component", "accounts").Logger()
	}
}

// WithAccountListener registers a listener for account events.
func WithAccountListener(l AccountListener) AccountServiceOption {
	return func(s *AccountService) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

// WithBootstrapSecrets enables BootstrapAdmin.
func WithBootstrapSecrets(b *BootstrapSecrets) AccountServiceOption {
	return func(s *AccountService) { s.bootstrap = b }
}

// WithAccountClock overrides the time source.
func WithAccountClock(fn func() time.Time) AccountServiceOption {
	return func(s *AccountService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewAccountService returns an account service.
func NewAccountService(accounts AccountStore, passwords *PasswordService, opts ...AccountServiceOption) *AccountService {
	if passwords == nil {
		passwords = NewPasswordService()
	}
	s := &AccountService{accounts: accounts, passwords: passwords, log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Passwords returns the password service used for hashing.
func (s *AccountService) Passwords() *PasswordService { return s.passwords }

// CreateAccount validates input, enforces the password policy, stores the account and
// fires AccountCreated.
func (s *AccountService) CreateAccount(ctx context.Context, in NewAccount) (*Account, error) {
	return s.create(ctx, in, false)
}

func (s *AccountService) create(ctx context.Context, in NewAccount, bootstrap bool) (*Account, error) {
	acc, err := s.newAccount(in, bootstrap)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, acc); err != nil {
		return nil, err
	}
	if err := s.fire(ctx, AccountCreated{Account: *acc}); err != nil {
		return nil, err
	}
	return acc, nil
}

// newAccount validates in and builds the account record, hashing the password.
func (s *AccountService) newAccount(in NewAccount, bootstrap bool) (*Account, error) {
	username := strings.TrimSpace(in.Username)
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	fullname, err := NormalizeFullname(in.Fullname)
	if err != nil {
		return nil, err
	}
	if err := CheckPasswordPolicy(in.Password, username).Err(); err != nil {
		return nil, err
	}
	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	return &Account{
		ID:                 ids.New(),
		Username:           username,
		Fullname:           fullname,
		Email:              strings.TrimSpace(in.Email),
		PasswordHash:       hash,
		IsAdmin:            in.Admin || bootstrap,
		IsBootstrapAccount: bootstrap,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func (s *AccountService) persist(ctx context.Context, acc *Account) error {
	if err := s.accounts.CreateAccount(ctx, acc); err != nil {
		return err
	}
	s.log.Info().Str("username", acc.Username).Bool("admin", acc.IsAdmin).Bool("bootstrap", acc.IsBootstrapAccount).Msg("account created")
	return nil
}

// BootstrapAdmin creates the first administrator when secret matches the unconsumed
// bootstrap secret. The secret is consumed as soon as the account is stored, before
// any listener runs, so a failed actor sync cannot leave it reusable.
func (s *AccountService) BootstrapAdmin(ctx context.Context, secret string, in NewAccount) (*Account, error) {
	if s.bootstrap == nil {
		return nil, ErrUnauthorized
	}
	s.bootstrapMu.Lock()
	defer s.bootstrapMu.Unlock()

	if err := s.bootstrap.Check(secret); err != nil {
		if errors.Is(err, ErrBootstrapConsumed) {
			s.log.Warn().Msg("bootstrap attempted with consumed secret")
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		if errors.Is(err, ErrUnauthorized) {
			s.log.Warn().Msg("bootstrap attempted with wrong secret")
		}
		return nil, err
	}
	acc, err := s.newAccount(in, true)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, acc); err != nil {
		return nil, err
	}
	if err := s.bootstrap.MarkConsumed(); err != nil {
		s.log.Error().Err(err).Str("username", acc.Username).Msg("bootstrap account created but secret not marked consumed")
		return nil, err
	}
	if err := s.fire(ctx, AccountCreated{Account: *acc}); err != nil {
		return nil, fmt.Errorf("auth: sync actor for bootstrap account %q: %w", acc.Username, err)
	}
	return acc, nil
}

func (s *AccountService) dummy() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.passwords.Hash("dummy-password-for-timing")
	})
	return s.dummyHash
}

// Authenticate checks username and password. Unknown users, disabled accounts and wrong
// passwords all yield ErrUnauthorized; unknown users still pay for a hash verification.
func (s *AccountService) Authenticate(ctx context.Context, username, password string) (*Account, error) {
	acc, err := s.accounts.AccountByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, ErrNotFound) {
		_, _ = s.passwords.Verify(s.dummy(), password)
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	ok, err := s.passwords.Verify(acc.PasswordHash, password)
	if err != nil {
		s.log.Error().Err(err).Str("username", acc.Username).Msg("stored password hash unreadable")
		return nil, ErrUnauthorized
	}
	if !ok || acc.Disabled() {
		return nil, ErrUnauthorized
	}
	return acc, nil
}

// Account returns the account for username.
func (s *AccountService) Account(ctx context.Context, username string) (*Account, error) {
	acc, err := s.accounts.AccountByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	return acc, err
}

// ChangeFullname updates the display name and fires FullnameChanged.
func (s *AccountService) ChangeFullname(ctx context.Context, username, fullname string) error {
	fullname, err := NormalizeFullname(fullname)
	if err != nil {
		return err
	}
	acc, err := s.Account(ctx, username)
	if err != nil {
		return err
	}
	acc.Fullname = fullname
	if err := s.update(ctx, acc); err != nil {
		return err
	}
	return s.fire(ctx, FullnameChanged{Username: acc.Username, Fullname: fullname})
}

// ChangePassword replaces the password after verifying the current one.
func (s *AccountService) ChangePassword(ctx context.Context, username, current, next string) error {
	acc, err := s.Authenticate(ctx, username, current)
	if err != nil {
		return err
	}
	if err := CheckPasswordPolicy(next, acc.Username).Err(); err != nil {
		return err
	}
	hash, err := s.passwords.Hash(next)
	if err != nil {
		return err
	}
	acc.PasswordHash = hash
	if err := s.update(ctx, acc); err != nil {
		return err
	}
	s.log.Info().Str("username", acc.Username).Msg("password changed")
	return nil
}

// SetAdmin grants or revokes administrator rights and reconciles the actor's roles.
func (s *AccountService) SetAdmin(ctx context.Context, username string, admin bool) error {
	acc, err := s.Account(ctx, username)
	if err != nil {
		return err
	}
	acc.IsAdmin = admin
	if err := s.update(ctx, acc); err != nil {
		return err
	}
	return s.fire(ctx, AccountCreated{Account: *acc})
}

// Disable marks the account disabled and fires DisabledChanged.
func (s *AccountService) Disable(ctx context.Context, username string) error {
	now := s.now().UTC()
	return s.setDisabled(ctx, username, &now)
}

// Enable clears the disabled mark and fires DisabledChanged.
func (s *AccountService) Enable(ctx context.Context, username string) error {
	return s.setDisabled(ctx, username, nil)
}

func (s *AccountService) setDisabled(ctx context.Context, username string, at *time.Time) error {
	acc, err := s.Account(ctx, username)
	if err != nil {
		return err
	}
	acc.DisabledAt = at
	if err := s.update(ctx, acc); err != nil {
		return err
	}
	return s.fire(ctx, DisabledChanged{Username: acc.Username, DisabledAt: at})
}

func (s *AccountService) update(ctx context.Context, acc *Account) error {
	acc.UpdatedAt = s.now().UTC()
	if err := s.accounts.UpdateAccount(ctx, acc); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrAccountNotFound
		}
		return err
	}
	return nil
}

func (s *AccountService) fire(ctx context.Context, evt AccountEvent) error {
	for _, l := range s.listeners {
		if err := l.OnEvent(ctx, evt); err != nil {
			s.log.Error().Err(err).Str("event", fmt.Sprintf("%T", evt)).Msg("account event listener failed")
			return err
		}
	}
	return nil
}
