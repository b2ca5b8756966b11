package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"datacat.org/internal/auth"
	"datacat.org/internal/config"
	"datacat.org/internal/home"
	"datacat.org/internal/httpapi"
	"datacat.org/internal/registry"
	pgstore "datacat.org/internal/store/pg"
)

// identityStore is everything the identity core persists.
type identityStore interface {
	auth.AccountStore
	auth.ActorStore
	auth.OidcStore
}

type app struct {
	reg     *registry.Registry
	store   identityStore
	pg      *pgstore.Store
	keys    *auth.KeyRegistry
	cleanup []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		errs = append(errs, a.cleanup[i]())
	}
	return errors.Join(errs...)
}

// buildApp wires the identity services from cfg and provides them in the registry.
// Unreadable key material is returned as *auth.KeyMaterialError.
func buildApp(cfg config.Reader, log zerolog.Logger) (*app, error) {
	a := &app{reg: registry.New()}

	dir, err := home.New(cfg.String("app.home"))
	if err != nil {
		return nil, err
	}
	if _, err := dir.EnsureDir("secrets"); err != nil {
		return nil, err
	}
	keysDir, err := dir.IssuerKeysDir()
	if err != nil {
		return nil, err
	}
	bootstrapDir, err := dir.BootstrapDir()
	if err != nil {
		return nil, err
	}

	if dsn := cfg.String("pg.dsn"); dsn != "" {
		st, err := pgstore.Open(dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.pg = st
		a.store = st
		a.cleanup = append(a.cleanup, st.Close)
		log.Info().Msg("using postgres identity store")
	} else {
		a.store = auth.NewMemoryStore()
		// accounts do not survive a restart, so neither does the bootstrap secret
		bootstrapDir, err = dir.MemoryBootstrapDir()
		if err != nil {
			return nil, err
		}
		if err := os.RemoveAll(bootstrapDir); err != nil {
			return nil, fmt.Errorf("reset in-memory bootstrap state: %w", err)
		}
		log.Warn().Str("bootstrap_dir", bootstrapDir).Msg("pg.dsn not set; identity state is kept in memory")
	}

	a.keys = auth.NewKeyRegistry(keysDir, auth.WithKeyLogger(log))
	if _, err := a.keys.LoadOrCreate(); err != nil {
		_ = a.Close()
		return nil, err
	}

	issuer := cfg.String("auth.issuer")
	tokens, err := auth.NewTokenIssuer(a.keys, auth.IssuerConfig{
		Issuer:   issuer,
		Audience: cfg.String("auth.audience"),
		TTL:      config.Seconds(cfg, "auth.ttl_seconds", 0),
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	provisioning := auth.NewActorProvisioning(a.store, issuer, auth.WithProvisioningLogger(log))
	bootstrap := auth.NewBootstrapSecrets(bootstrapDir, auth.WithBootstrapLogger(log))
	passwords := auth.NewPasswordService(auth.WithIterations(cfg.Int("auth.password.iterations")))
	accounts := auth.NewAccountService(a.store, passwords,
		auth.WithAccountLogger(log),
		auth.WithAccountListener(provisioning),
		auth.WithBootstrapSecrets(bootstrap))

	var external *auth.ExternalValidator
	providers, err := auth.ExternalProvidersFromSettings(cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if len(providers) > 0 {
		external, err = auth.NewExternalValidator(providers,
			auth.WithJWKSCacheTTL(config.Seconds(cfg, "auth.external.jwks_cache_seconds", 0)),
			auth.WithExternalLogger(log))
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	identity, err := auth.NewEmbeddedService(auth.EmbeddedDeps{
		Keys:      a.keys,
		Tokens:    tokens,
		Bootstrap: bootstrap,
		Accounts:  accounts,
		Actors:    a.store,
		External:  external,
	}, auth.WithEmbeddedLogger(log))
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	clients, err := auth.ClientsFromSettings(cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	oidc := auth.NewOidcAuthorizationService(a.store, clients, a.store, tokens, auth.OidcConfig{
		AuthCtxTTL: config.Seconds(cfg, "auth.oidc.authctx_ttl_seconds", 0),
		CodeTTL:    config.Seconds(cfg, "auth.oidc.code_ttl_seconds", 0),
	}, auth.WithOidcLogger(log))

	for _, provide := range []func() error{
		func() error { return registry.Provide(a.reg, identity) },
		func() error { return registry.Provide(a.reg, oidc) },
		func() error { return registry.Provide(a.reg, accounts) },
		func() error { return registry.Provide(a.reg, tokens) },
	} {
		if err := provide(); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

// readyProbe checks the database (when configured) and the signing key.
func (a *app) readyProbe() httpapi.ReadyProbe {
	probe := httpapi.ReadyProbe{Keys: a.keys}
	if a.pg != nil {
		probe.DB = a.pg
	}
	return probe
}

// revealBootstrap loads the bootstrap secret, logging it while it is unconsumed. A
// consumed secret with no accounts left means the database was emptied after the first
// administrator was created; that deployment cannot bootstrap again and is reported.
func (a *app) revealBootstrap(ctx context.Context, log zerolog.Logger) (auth.BootstrapState, error) {
	identity := registry.Must[*auth.EmbeddedService](a.reg)
	n, err := a.store.CountAccounts(ctx)
	if err != nil {
		return auth.BootstrapState{}, err
	}
	state, err := identity.Bootstrap(nil)
	if err != nil {
		return auth.BootstrapState{}, err
	}
	if state.Consumed && n == 0 {
		log.Error().Msg("bootstrap secret already consumed but the identity store holds no accounts; restore the database to regain an administrator")
	}
	log.Info().Bool("consumed", state.Consumed).Int("accounts", n).Msg("bootstrap state")
	return state, nil
}
