package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	bootstrapSecretFile   = "bootstrap.secret"
	bootstrapConsumedFile = "bootstrap.consumed.flag"
	bootstrapSecretBytes  = 48
)

// BootstrapState is the persisted one-time bootstrap secret and whether it was used.
type BootstrapState struct {
	Secret   string
	Consumed bool
}

// BootstrapSecrets manages the one-time secret required to create the first
// administrator. The secret and the consumed flag live in separate files so each fact
// is durable on its own.
type BootstrapSecrets struct {
	dir string
	log zerolog.Logger
	now func() time.Time

	mu sync.Mutex
}

// BootstrapOption configures BootstrapSecrets.
type BootstrapOption func(*BootstrapSecrets)

// WithBootstrapLogger sets the logger.
func WithBootstrapLogger(log zerolog.Logger) BootstrapOption {
	return func(b *BootstrapSecrets) {
		b.log = log.With().Str("component", "bootstrap").Logger()
	}
}

// NewBootstrapSecrets returns a manager storing its files in dir.
func NewBootstrapSecrets(dir string, opts ...BootstrapOption) *BootstrapSecrets {
	b := &BootstrapSecrets{dir: dir, log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BootstrapSecrets) secretPath() string   { return filepath.Join(b.dir, bootstrapSecretFile) }
func (b *BootstrapSecrets) consumedPath() string { return filepath.Join(b.dir, bootstrapConsumedFile) }

// LoadOrCreate returns the bootstrap state, generating and persisting a new secret if
// none exists. onReveal is called with the secret whenever it is not yet consumed, so
// a restarted process can reveal it again.
func (b *BootstrapSecrets) LoadOrCreate(onReveal func(secret string)) (BootstrapState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return BootstrapState{}, fmt.Errorf("auth: create bootstrap directory: %w", err)
	}

	secret, err := b.readSecret()
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		secret, err = b.create()
		if err != nil {
			return BootstrapState{}, err
		}
		b.log.Info().Msg("bootstrap secret generated")
	default:
		return BootstrapState{}, err
	}

	consumed, err := b.consumed()
	if err != nil {
		return BootstrapState{}, err
	}
	if !consumed && onReveal != nil {
		onReveal(secret)
	}
	return BootstrapState{Secret: secret, Consumed: consumed}, nil
}

// State reads the persisted state without creating anything. A missing secret file
// yields fs.ErrNotExist.
func (b *BootstrapSecrets) State() (BootstrapState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	secret, err := b.readSecret()
	if err != nil {
		return BootstrapState{}, err
	}
	consumed, err := b.consumed()
	if err != nil {
		return BootstrapState{}, err
	}
	return BootstrapState{Secret: secret, Consumed: consumed}, nil
}

// Check reports whether candidate matches an unconsumed secret. It returns
// ErrBootstrapConsumed once the secret has been used, whatever the candidate.
func (b *BootstrapSecrets) Check(candidate string) error {
	state, err := b.State()
	if errors.Is(err, fs.ErrNotExist) {
		return ErrUnauthorized
	}
	if err != nil {
		return err
	}
	if state.Consumed {
		return ErrBootstrapConsumed
	}
	if subtle.ConstantTimeCompare([]byte(state.Secret), []byte(strings.TrimSpace(candidate))) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// MarkConsumed persists the consumed flag. The flag is never removed.
func (b *BootstrapSecrets) MarkConsumed() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return fmt.Errorf("auth: create bootstrap directory: %w", err)
	}
	stamp := b.now().UTC().Format(time.RFC3339) + "\n"
	if err := writeFileAtomic(b.consumedPath(), []byte(stamp), 0o600); err != nil {
		return fmt.Errorf("auth: mark bootstrap consumed: %w", err)
	}
	b.log.Info().Msg("bootstrap secret consumed")
	return nil
}

func (b *BootstrapSecrets) readSecret() (string, error) {
	raw, err := os.ReadFile(b.secretPath())
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", fmt.Errorf("auth: bootstrap secret file %s is empty", b.secretPath())
	}
	return secret, nil
}

func (b *BootstrapSecrets) consumed() (bool, error) {
	_, err := os.Stat(b.consumedPath())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("auth: stat bootstrap flag: %w", err)
	}
}

// create writes a fresh secret with link-based exclusive creation: if another process
// won the race, its secret is returned instead.
func (b *BootstrapSecrets) create() (string, error) {
	buf := make([]byte, bootstrapSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate bootstrap secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)

	tmp, err := os.CreateTemp(b.dir, "."+bootstrapSecretFile+".*")
	if err != nil {
		return "", fmt.Errorf("auth: write bootstrap secret: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.WriteString(secret + "\n"); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("auth: write bootstrap secret: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("auth: write bootstrap secret: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("auth: write bootstrap secret: %w", err)
	}
	if err := os.Link(tmpName, b.secretPath()); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return b.readSecret()
		}
		return "", fmt.Errorf("auth: write bootstrap secret: %w", err)
	}
	return secret, nil
}
