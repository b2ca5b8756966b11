package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override: auth.issuer is read from
// DATACAT_AUTH_ISSUER.
const EnvPrefix = "DATACAT"

// Reader is the read-only view of configuration the services consume.
type Reader interface {
	String(key string) string
	StringSlice(key string) []string
	Int(key string) int
	Duration(key string) time.Duration
	Bool(key string) bool
}

// Viper implements Reader on top of a viper instance.
type Viper struct {
	v *viper.Viper
}

var _ Reader = (*Viper)(nil)

type loadOptions struct {
	configFile string
	envFile    string
}

// Option configures Load.
type Option func(*loadOptions)

// WithConfigFile reads a YAML or TOML file before applying env overrides.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) { o.configFile = strings.TrimSpace(path) }
}

// WithEnvFile loads a dotenv file instead of ./.env.
func WithEnvFile(path string) Option {
	return func(o *loadOptions) { o.envFile = strings.TrimSpace(path) }
}

// Load builds the configuration: defaults, then the optional config file, then
// environment variables (after loading the dotenv file, which never overrides
// variables already set).
func Load(opts ...Option) (*Viper, error) {
	o := loadOptions{envFile: ".env"}
	for _, opt := range opts {
		opt(&o)
	}

	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", o.envFile, err)
		}
	}
	if o.configFile == "" {
		o.configFile = strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG"))
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if o.configFile != "" {
		v.SetConfigFile(o.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", o.configFile, err)
		}
	}
	return &Viper{v: v}, nil
}

// FromViper wraps an existing viper instance; defaults are applied to it.
func FromViper(v *viper.Viper) *Viper {
	setDefaults(v)
	return &Viper{v: v}
}

func setDefaults(v *viper.Viper) {
	home := ".datacat"
	if dir, err := os.UserHomeDir(); err == nil {
		home = filepath.Join(dir, ".datacat")
	}
	v.SetDefault("app.home", home)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("pg.dsn", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.issuer", "http://localhost:8080")
	v.SetDefault("auth.audience", "datacat")
	v.SetDefault("auth.ttl_seconds", 3600)
	v.SetDefault("auth.password.iterations", 310000)
	v.SetDefault("auth.oidc.authctx_ttl_seconds", 600)
	v.SetDefault("auth.oidc.code_ttl_seconds", 60)
	v.SetDefault("auth.oidc.purge_interval_seconds", 60)
	v.SetDefault("auth.external.jwks_cache_seconds", 300)
	v.SetDefault("http.rate.burst", 5)
	v.SetDefault("http.rate.per_second", 1)
	v.SetDefault("http.trusted_proxies", []string{})
}

// Set overrides a key. Used by flags and tests.
func (c *Viper) Set(key string, value any) { c.v.Set(key, value) }

func (c *Viper) String(key string) string { return strings.TrimSpace(c.v.GetString(key)) }

// StringSlice accepts either a list (from a config file) or a comma-separated string
// (from the environment). Blank items are dropped.
func (c *Viper) StringSlice(key string) []string {
	var items []string
	switch raw := c.v.Get(key).(type) {
	case nil:
		return nil
	case string:
		items = strings.Split(raw, ",")
	default:
		items = c.v.GetStringSlice(key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Viper) Int(key string) int { return c.v.GetInt(key) }

// Duration parses Go duration strings ("90s"); bare integers are seconds.
func (c *Viper) Duration(key string) time.Duration {
	switch raw := c.v.Get(key).(type) {
	case int:
		return time.Duration(raw) * time.Second
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return c.v.GetDuration(key)
}

func (c *Viper) Bool(key string) bool { return c.v.GetBool(key) }

// Seconds reads an integer number of seconds, falling back to def when unset or not positive.
func Seconds(r Reader, key string, def time.Duration) time.Duration {
	if n := r.Int(key); n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
