package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"

	"datacat.org/internal/auth"
	"datacat.org/internal/config"
	"datacat.org/internal/home"
)

// env is what a command may touch: configuration and the output streams.
type env struct {
	cfg    config.Reader
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// command describes one authctl subcommand.
type command struct {
	Name        string
	Title       string
	Description string
	Run         func(e env, args []string) error
}

var errUsage = errors.New("usage")

type commandSet struct {
	byName map[string]command
}

func newCommandSet(cmds ...command) (*commandSet, error) {
	s := &commandSet{byName: make(map[string]command, len(cmds))}
	for _, c := range cmds {
		if c.Name == "" || c.Run == nil {
			return nil, fmt.Errorf("authctl: command %q is incomplete", c.Name)
		}
		if _, dup := s.byName[c.Name]; dup {
			return nil, fmt.Errorf("authctl: command %q registered twice", c.Name)
		}
		s.byName[c.Name] = c
	}
	return s, nil
}

func (s *commandSet) lookup(name string) (command, bool) {
	c, ok := s.byName[name]
	return c, ok
}

func (s *commandSet) usage(w io.Writer) {
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "usage: authctl [-config file] <command> [flags]")
	fmt.Fprintln(w, "\ncommands:")
	for _, n := range names {
		fmt.Fprintf(w, "  %-18s %s\n", n, s.byName[n].Title)
	}
}

func builtinCommands() []command {
	return []command{
		{
			Name:        "hash-password",
			Title:       "Hash a password for manual account provisioning",
			Description: "Reads the password from stdin, checks the policy and prints the stored hash form.",
			Run:         runHashPassword,
		},
		{
			Name:        "check-policy",
			Title:       "Check a password against the password policy",
			Description: "Reads the password from stdin and prints OK or the failing reason.",
			Run:         runCheckPolicy,
		},
		{
			Name:        "jwks",
			Title:       "Print the published JWKS",
			Description: "Loads (or creates) the signing key under the application home and prints its JWKS.",
			Run:         runJWKS,
		},
		{
			Name:        "bootstrap-status",
			Title:       "Show whether the bootstrap secret is still usable",
			Description: "Reports the bootstrap state without creating or revealing the secret.",
			Run:         runBootstrapStatus,
		},
	}
}

func readSecretLine(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return "", errors.New("empty password on stdin")
	}
	return line, nil
}

func runHashPassword(e env, args []string) error {
	flags := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	flags.SetOutput(e.stderr)
	username := flags.String("username", "", "Username the password belongs to")
	iterations := flags.Int("iterations", e.cfg.Int("auth.password.iterations"), "PBKDF2 iterations")
	if err := flags.Parse(args); err != nil {
		return errUsage
	}
	password, err := readSecretLine(e.stdin)
	if err != nil {
		return err
	}
	if err := auth.CheckPasswordPolicy(password, *username).Err(); err != nil {
		return err
	}
	hash, err := auth.NewPasswordService(auth.WithIterations(*iterations)).Hash(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, hash)
	return nil
}

func runCheckPolicy(e env, args []string) error {
	flags := flag.NewFlagSet("check-policy", flag.ContinueOnError)
	flags.SetOutput(e.stderr)
	username := flags.String("username", "", "Username the password belongs to")
	if err := flags.Parse(args); err != nil {
		return errUsage
	}
	password, err := readSecretLine(e.stdin)
	if err != nil {
		return err
	}
	res := auth.CheckPasswordPolicy(password, *username)
	if !res.OK {
		fmt.Fprintln(e.stdout, res.Reason)
		return res.Err()
	}
	fmt.Fprintln(e.stdout, "OK")
	return nil
}

func homeDir(e env) (home.Dir, error) {
	return home.New(e.cfg.String("app.home"))
}

func runJWKS(e env, _ []string) error {
	dir, err := homeDir(e)
	if err != nil {
		return err
	}
	keysDir, err := dir.IssuerKeysDir()
	if err != nil {
		return err
	}
	set, err := auth.NewJWKSPublisher(auth.NewKeyRegistry(keysDir)).Publish()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(set)
}

func runBootstrapStatus(e env, _ []string) error {
	dir, err := homeDir(e)
	if err != nil {
		return err
	}
	bootstrapDir, err := dir.BootstrapDir()
	if e.cfg.String("pg.dsn") == "" {
		bootstrapDir, err = dir.MemoryBootstrapDir()
	}
	if err != nil {
		return err
	}
	state, err := auth.NewBootstrapSecrets(bootstrapDir).State()
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(e.stdout, "not created")
		return nil
	}
	if err != nil {
		return err
	}
	switch {
	case state.Consumed:
		fmt.Fprintln(e.stdout, "consumed")
	default:
		fmt.Fprintln(e.stdout, "available")
	}
	return nil
}
