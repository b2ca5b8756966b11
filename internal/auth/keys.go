package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	privateKeyFile = "private.pem"
	publicKeyFile  = "public.pem"
	kidFile        = "kid.txt"

	defaultKeyBits = 2048
)

// KeyMaterial is the active RS256 signing keypair. It is immutable once loaded.
type KeyMaterial struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	Kid        string
}

// KeyRegistry owns the signing keypair persisted under a secrets directory.
type KeyRegistry struct {
	dir  string
	bits int
	log  zerolog.Logger

	mu       sync.Mutex
	material *KeyMaterial
}

// KeyRegistryOption configures a KeyRegistry.
type KeyRegistryOption func(*KeyRegistry)

// WithKeyLogger sets the logger used for key lifecycle events.
func WithKeyLogger(log zerolog.Logger) KeyRegistryOption {
	return func(r *KeyRegistry) {
		r.log = log.With().Str("component", "keys").Logger()
	}
}

// NewKeyRegistry returns a registry that keeps its files in dir.
func NewKeyRegistry(dir string, opts ...KeyRegistryOption) *KeyRegistry {
	r := &KeyRegistry{dir: dir, bits: defaultKeyBits, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the directory holding the key files.
func (r *KeyRegistry) Dir() string { return r.dir }

// LoadOrCreate returns the cached key material, loading it from disk or generating and
// persisting a fresh keypair on first use. The whole check-generate-persist sequence
// runs under one lock so concurrent callers never write competing files.
func (r *KeyRegistry) LoadOrCreate() (*KeyMaterial, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.material != nil {
		return r.material, nil
	}

	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		r.log.Error().Err(err).Str("dir", r.dir).Msg("create key directory")
		return nil, &KeyMaterialError{Path: r.dir, Err: err}
	}

	present, missing, err := r.inventory()
	if err != nil {
		return nil, err
	}

	var material *KeyMaterial
	if len(missing) == 0 {
		material, err = r.load()
		if err != nil {
			r.log.Error().Err(err).Str("dir", r.dir).Msg("load signing key")
			return nil, err
		}
		r.log.Info().Str("kid", material.Kid).Msg("signing key loaded")
	} else {
		if len(present) > 0 {
			r.log.Warn().Strs("present", present).Strs("missing", missing).Msg("incomplete key material, generating a new signing key")
		}
		material, err = r.generate()
		if err != nil {
			r.log.Error().Err(err).Str("dir", r.dir).Msg("generate signing key")
			return nil, err
		}
		r.log.Info().Str("kid", material.Kid).Msg("signing key generated")
	}
	r.material = material
	return material, nil
}

func (r *KeyRegistry) inventory() (present, missing []string, err error) {
	for _, name := range []string{privateKeyFile, publicKeyFile, kidFile} {
		_, statErr := os.Stat(filepath.Join(r.dir, name))
		switch {
		case statErr == nil:
			present = append(present, name)
		case errors.Is(statErr, fs.ErrNotExist):
			missing = append(missing, name)
		default:
			return nil, nil, &KeyMaterialError{Path: filepath.Join(r.dir, name), Err: statErr}
		}
	}
	return present, missing, nil
}

func (r *KeyRegistry) load() (*KeyMaterial, error) {
	privPath := filepath.Join(r.dir, privateKeyFile)
	pubPath := filepath.Join(r.dir, publicKeyFile)
	kidPath := filepath.Join(r.dir, kidFile)

	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		return nil, &KeyMaterialError{Path: privPath, Err: err}
	}
	priv, err := parsePrivateKeyPEM(privPEM)
	if err != nil {
		return nil, &KeyMaterialError{Path: privPath, Err: err}
	}
	pubPEM, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, &KeyMaterialError{Path: pubPath, Err: err}
	}
	pub, err := parsePublicKeyPEM(pubPEM)
	if err != nil {
		return nil, &KeyMaterialError{Path: pubPath, Err: err}
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, &KeyMaterialError{Path: pubPath, Err: errors.New("public key does not match private key")}
	}
	rawKid, err := os.ReadFile(kidPath)
	if err != nil {
		return nil, &KeyMaterialError{Path: kidPath, Err: err}
	}
	kid := strings.TrimSpace(string(rawKid))
	if kid == "" {
		return nil, &KeyMaterialError{Path: kidPath, Err: errors.New("empty key id")}
	}
	return &KeyMaterial{PrivateKey: priv, PublicKey: pub, Kid: kid}, nil
}

func (r *KeyRegistry) generate() (*KeyMaterial, error) {
	priv, err := rsa.GenerateKey(rand.Reader, r.bits)
	if err != nil {
		return nil, &KeyMaterialError{Path: r.dir, Err: fmt.Errorf("generate rsa key: %w", err)}
	}
	privPEM, err := encodePrivateKeyPEM(priv)
	if err != nil {
		return nil, &KeyMaterialError{Path: r.dir, Err: err}
	}
	pubPEM, err := encodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, &KeyMaterialError{Path: r.dir, Err: err}
	}
	kid := uuid.NewString()

	// kid is written last: a crash in between leaves it missing and the next start regenerates.
	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{privateKeyFile, privPEM, 0o600},
		{publicKeyFile, pubPEM, 0o644},
		{kidFile, []byte(kid + "\n"), 0o644},
	}
	for _, f := range files {
		path := filepath.Join(r.dir, f.name)
		if err := writeFileAtomic(path, f.data, f.perm); err != nil {
			return nil, &KeyMaterialError{Path: path, Err: err}
		}
	}
	return &KeyMaterial{PrivateKey: priv, PublicKey: &priv.PublicKey, Kid: kid}, nil
}

func encodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func encodePublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("unsupported private key type")
		}
		return rsaKey, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}

// writeFileAtomic writes data to a temporary file in the target directory and renames it
// into place, so readers never observe a partially written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
