// Package home resolves paths under the application home directory, where key
// material and the bootstrap secret live.
package home

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir is the root of the application home.
type Dir struct {
	root string
}

// New returns a Dir rooted at root, which must be non-empty. A leading "~/" expands to
// the user's home directory.
func New(root string) (Dir, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return Dir{}, errors.New("home: root directory is required")
	}
	if root == "~" || strings.HasPrefix(root, "~/") {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return Dir{}, fmt.Errorf("home: resolve ~: %w", err)
		}
		root = filepath.Join(userHome, strings.TrimPrefix(root, "~"))
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Dir{}, fmt.Errorf("home: %w", err)
	}
	return Dir{root: abs}, nil
}

// Root returns the absolute home path.
func (d Dir) Root() string { return d.root }

// Resolve joins parts under the home. Parts that would escape the home are rejected.
func (d Dir) Resolve(parts ...string) (string, error) {
	p := filepath.Join(append([]string{d.root}, parts...)...)
	rel, err := filepath.Rel(d.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("home: %q escapes %s", filepath.Join(parts...), d.root)
	}
	return p, nil
}

// EnsureDir resolves parts and creates the directory with 0700 permissions.
func (d Dir) EnsureDir(parts ...string) (string, error) {
	p, err := d.Resolve(parts...)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p, 0o700); err != nil {
		return "", fmt.Errorf("home: create %s: %w", p, err)
	}
	return p, nil
}

// IssuerKeysDir is where the token signing key lives.
func (d Dir) IssuerKeysDir() (string, error) {
	return d.Resolve("secrets", "auth", "issuer")
}

// BootstrapDir is where the bootstrap secret and its consumed flag live.
func (d Dir) BootstrapDir() (string, error) {
	return d.Resolve("secrets", "auth", "bootstrap")
}

// MemoryBootstrapDir holds the bootstrap files of a process running without a
// database. It is wiped at every start, together with the in-memory accounts.
func (d Dir) MemoryBootstrapDir() (string, error) {
	return d.Resolve("secrets", "auth", "bootstrap", "memory")
}
