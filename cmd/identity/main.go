package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"datacat.org/internal/auth"
	"datacat.org/internal/config"
	"datacat.org/internal/grpcapi"
	"datacat.org/internal/httpapi"
	"datacat.org/internal/obs"
	"datacat.org/internal/registry"
)

const serviceName = "datacat-identity"

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML or TOML config file")
	flag.Parse()

	cfg, err := config.Load(config.WithConfigFile(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := obs.NewLogger(obs.LogConfig{Level: cfg.String("log.level"), Format: cfg.String("log.format")})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		var keyErr *auth.KeyMaterialError
		if errors.As(err, &keyErr) {
			log.Fatal().Err(err).Str("path", keyErr.Path).Msg("signing key material unusable; refusing to start")
		}
		log.Fatal().Err(err).Msg("identity service failed")
	}
}

func run(ctx context.Context, cfg config.Reader, log zerolog.Logger) error {
	obs.Init()
	obs.SetBuildInfo(serviceName, version, commit)

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("close resources")
		}
	}()
	if _, err := a.revealBootstrap(ctx, log); err != nil {
		return err
	}

	identity := registry.Must[*auth.EmbeddedService](a.reg)
	oidc := registry.Must[*auth.OidcAuthorizationService](a.reg)

	proxies, err := httpapi.ParseTrustedProxies(cfg.StringSlice("http.trusted_proxies"))
	if err != nil {
		return err
	}
	api, err := httpapi.New(httpapi.Deps{
		Identity:       identity,
		OIDC:           oidc,
		Ready:          a.readyProbe(),
		Version:        version,
		AllowedOrigins: cfg.StringSlice("http.cors.origins"),
	},
		httpapi.WithLogger(log),
		httpapi.WithLoginRateLimit(cfg.Int("http.rate.burst"), cfg.Int("http.rate.per_second")),
		httpapi.WithTrustedProxies(proxies))
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.String("http.addr"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpcapi.NewServer(identity, grpcapi.WithLogger(log))
	if err := grpcSrv.CheckKeys(a.keys); err != nil {
		return err
	}
	obs.SetReady(true)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", httpSrv.Addr).Str("version", version).Msg("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := cfg.String("grpc.addr")
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		log.Info().Str("addr", addr).Msg("grpc listening")
		return grpcSrv.GRPC().Serve(lis)
	})
	g.Go(func() error {
		oidc.RunPurger(ctx, config.Seconds(cfg, "auth.oidc.purge_interval_seconds", time.Minute))
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		obs.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.Shutdown(shutdownCtx)
		return httpSrv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("stopped")
	return nil
}
