package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) Option {
	return WithEnvFile(filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.String("http.addr"))
	assert.Equal(t, ":9090", cfg.String("grpc.addr"))
	assert.Equal(t, 310000, cfg.Int("auth.password.iterations"))
	assert.Equal(t, time.Hour, cfg.Duration("auth.ttl_seconds"))
	assert.Equal(t, 10*time.Minute, Seconds(cfg, "auth.oidc.authctx_ttl_seconds", time.Second))
	assert.Nil(t, cfg.StringSlice("auth.oidc.clients"))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATACAT_HTTP_ADDR", ":9999")
	t.Setenv("DATACAT_AUTH_OIDC_CLIENTS", "catalog-ui, cli ,")
	t.Setenv("DATACAT_AUTH_OIDC_CLIENT_CATALOG_UI_REDIRECT_URIS", "https://catalog.example.org/callback")
	t.Setenv("DATACAT_AUTH_OIDC_CODE_TTL_SECONDS", "30")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.String("http.addr"))
	assert.Equal(t, []string{"catalog-ui", "cli"}, cfg.StringSlice("auth.oidc.clients"))
	assert.Equal(t, []string{"https://catalog.example.org/callback"}, cfg.StringSlice("auth.oidc.client.catalog-ui.redirect_uris"))
	assert.Equal(t, 30*time.Second, cfg.Duration("auth.oidc.code_ttl_seconds"))
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth:
  issuer: https://id.example.org
  external:
    issuers: [corp]
    corp:
      issuer: https://login.corp.example
      jwks: https://login.corp.example/jwks
      audiences: [datacat, catalog]
`), 0o600))

	cfg, err := Load(WithConfigFile(path), noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "https://id.example.org", cfg.String("auth.issuer"))
	assert.Equal(t, []string{"corp"}, cfg.StringSlice("auth.external.issuers"))
	assert.Equal(t, []string{"datacat", "catalog"}, cfg.StringSlice("auth.external.corp.audiences"))
	assert.Equal(t, "datacat", cfg.String("auth.audience"))

	_, err = Load(WithConfigFile(filepath.Join(t.TempDir(), "nope.yaml")), noEnvFile(t))
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("DATACAT_LOG_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("DATACAT_LOG_LEVEL") })

	cfg, err := Load(WithEnvFile(path))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.String("log.level"))
}

func TestFromViperSet(t *testing.T) {
	cfg := FromViper(viper.New())
	cfg.Set("auth.ttl_seconds", "90s")
	assert.Equal(t, 90*time.Second, cfg.Duration("auth.ttl_seconds"))
	cfg.Set("http.rate.burst", 9)
	assert.Equal(t, 9, cfg.Int("http.rate.burst"))
	assert.False(t, cfg.Bool("missing.flag"))
	assert.Equal(t, time.Minute, Seconds(cfg, "missing.seconds", time.Minute))
}
