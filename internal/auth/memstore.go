package auth

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	_ AccountStore   = (*MemoryStore)(nil)
	_ ActorStore     = (*MemoryStore)(nil)
	_ OidcStore      = (*MemoryStore)(nil)
	_ ClientRegistry = StaticClients(nil)
)

type identityKey struct {
	issuer  string
	subject string
}

// MemoryStore is a mutex-guarded in-process implementation of the storage ports.
// Records are copied on the way in and out so callers never share memory with the store.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]Account
	actors   map[identityKey]Actor
	authCtxs map[string]OidcAuthorizeCtx
	codes    map[string]OidcAuthorizeCode
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]Account),
		actors:   make(map[identityKey]Actor),
		authCtxs: make(map[string]OidcAuthorizeCtx),
		codes:    make(map[string]OidcAuthorizeCode),
	}
}

func (m *MemoryStore) CreateAccount(_ context.Context, acc *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acc.Username]; ok {
		return ErrConflict
	}
	m.accounts[acc.Username] = cloneAccount(*acc)
	return nil
}

func (m *MemoryStore) AccountByUsername(_ context.Context, username string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[username]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneAccount(acc)
	return &out, nil
}

func (m *MemoryStore) UpdateAccount(_ context.Context, acc *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acc.Username]; !ok {
		return ErrNotFound
	}
	m.accounts[acc.Username] = cloneAccount(*acc)
	return nil
}

func (m *MemoryStore) CountAccounts(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts), nil
}

func (m *MemoryStore) ActorByIdentity(_ context.Context, issuer, subject string) (*Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[identityKey{issuer, subject}]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneActor(a)
	return &out, nil
}

func (m *MemoryStore) CreateActor(_ context.Context, actor *Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := identityKey{actor.Issuer, actor.Subject}
	if _, ok := m.actors[key]; ok {
		return ErrConflict
	}
	for _, a := range m.actors {
		if a.ID == actor.ID {
			return ErrConflict
		}
	}
	m.actors[key] = cloneActor(*actor)
	return nil
}

func (m *MemoryStore) UpdateActor(_ context.Context, actor *Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := identityKey{actor.Issuer, actor.Subject}
	existing, ok := m.actors[key]
	if !ok || existing.ID != actor.ID {
		return ErrNotFound
	}
	m.actors[key] = cloneActor(*actor)
	return nil
}

func (m *MemoryStore) TouchActor(_ context.Context, id string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, a := range m.actors {
		if a.ID == id {
			a.LastSeenAt = seenAt
			m.actors[key] = a
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) SaveAuthCtx(_ context.Context, authCtx *OidcAuthorizeCtx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.authCtxs[authCtx.Code]; ok {
		return ErrConflict
	}
	m.authCtxs[authCtx.Code] = *authCtx
	return nil
}

func (m *MemoryStore) AuthCtx(_ context.Context, code string, now time.Time) (*OidcAuthorizeCtx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.authCtxs[code]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Expired(now) {
		delete(m.authCtxs, code)
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStore) TakeAuthCtx(_ context.Context, code string, now time.Time) (*OidcAuthorizeCtx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.authCtxs[code]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.authCtxs, code)
	if c.Expired(now) {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStore) SaveCode(_ context.Context, code *OidcAuthorizeCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[code.Code]; ok {
		return ErrConflict
	}
	m.codes[code.Code] = *code
	return nil
}

func (m *MemoryStore) TakeCode(_ context.Context, code string, now time.Time) (*OidcAuthorizeCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.codes, code)
	if c.Expired(now) {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var contexts, codes int
	for k, c := range m.authCtxs {
		if c.Expired(now) {
			delete(m.authCtxs, k)
			contexts++
		}
	}
	for k, c := range m.codes {
		if c.Expired(now) {
			delete(m.codes, k)
			codes++
		}
	}
	return contexts, codes, nil
}

func cloneAccount(a Account) Account {
	if a.DisabledAt != nil {
		t := *a.DisabledAt
		a.DisabledAt = &t
	}
	return a
}

func cloneActor(a Actor) Actor {
	a.Roles = slices.Clone(a.Roles)
	if a.DisabledAt != nil {
		t := *a.DisabledAt
		a.DisabledAt = &t
	}
	return a
}

// StaticClients is a ClientRegistry backed by a fixed map, typically built from configuration.
type StaticClients map[string]OidcClient

func (c StaticClients) Client(_ context.Context, clientID string) (*OidcClient, error) {
	client, ok := c[strings.TrimSpace(clientID)]
	if !ok {
		return nil, ErrNotFound
	}
	client.RedirectURIs = slices.Clone(client.RedirectURIs)
	return &client, nil
}
