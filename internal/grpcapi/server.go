// Package grpcapi exposes the identity service over gRPC: the standard health service
// and a bearer-token interceptor for services mounted next to it.
package grpcapi

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"datacat.org/internal/auth"
	"datacat.org/internal/obs"
)

// ServiceName is reported by the health service.
const ServiceName = "datacat.identity"

const healthMethodPrefix = "/grpc.health.v1.Health/"

// KeyLoader is satisfied by *auth.KeyRegistry.
type KeyLoader interface {
	LoadOrCreate() (*auth.KeyMaterial, error)
}

// Server wraps a grpc.Server with health reporting.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

// Option configures the Server.
type Option func(*options)

type options struct {
	log        zerolog.Logger
	unary      []grpc.UnaryServerInterceptor
	serverOpts []grpc.ServerOption
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log.With().Str("component", "grpc").Logger() }
}

// WithUnaryInterceptors appends interceptors after the authentication interceptor.
func WithUnaryInterceptors(in ...grpc.UnaryServerInterceptor) Option {
	return func(o *options) { o.unary = append(o.unary, in...) }
}

// WithServerOptions passes raw options to grpc.NewServer.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(o *options) { o.serverOpts = append(o.serverOpts, opts...) }
}

// NewServer builds a gRPC server whose unary calls require a bearer token resolved by
// authn. Health checks start as NOT_SERVING until MarkServing or CheckKeys succeeds.
func NewServer(authn auth.Authenticator, opts ...Option) *Server {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	chain := append([]grpc.UnaryServerInterceptor{UnaryAuthInterceptor(authn)}, o.unary...)
	gs := grpc.NewServer(append(o.serverOpts, grpc.ChainUnaryInterceptor(chain...))...)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{grpc: gs, health: hs, log: o.log}
}

// GRPC returns the underlying server for registering further services.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// CheckKeys reports SERVING when signing keys load and NOT_SERVING otherwise.
func (s *Server) CheckKeys(keys KeyLoader) error {
	if _, err := keys.LoadOrCreate(); err != nil {
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		return err
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// MarkServing flips the health status to SERVING.
func (s *Server) MarkServing() { s.setStatus(healthpb.HealthCheckResponse_SERVING) }

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	s.log.Info().Str("status", st.String()).Msg("health status changed")
}

// Shutdown stops accepting calls and waits for in-flight ones until ctx is done.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

// UnaryAuthInterceptor resolves "authorization: Bearer <jwt>" metadata into a principal
// stored in the call context. Health checks pass through unauthenticated.
func UnaryAuthInterceptor(authn auth.Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			return handler(ctx, req)
		}
		token, err := bearerFromMetadata(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		principal, err := authn.WhoAmI(ctx, token)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				return nil, status.Error(codes.Unauthenticated, "invalid token")
			}
			return nil, status.Error(codes.Internal, "authentication error")
		}
		ctx = auth.WithPrincipal(ctx, principal)
		return handler(ctx, req)
	}
}

func bearerFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("missing metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", errors.New("missing bearer token")
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(values[0]), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", errors.New("invalid authorization scheme")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
