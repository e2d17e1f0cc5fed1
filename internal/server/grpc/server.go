// Package grpc exposes the auth service over gRPC.
package grpc

import (
	"context"
	"net"

	"github.com/esse/crm/internal/logging"
	"github.com/esse/crm/internal/server/config"
	"github.com/esse/crm/internal/server/denylist"
	"github.com/esse/crm/internal/server/services"
	"google.golang.org/grpc"
)

type GRPCServer struct {
	address   string
	users     *services.UserService
	denylist  denylist.Denylist
	limiter   *peerLimiter
	logger    logging.Logger
	jwtSecret []byte
}

func NewGRPCServer(l logging.Logger, us *services.UserService, dl denylist.Denylist, cfg *config.Config) *GRPCServer {
	return &GRPCServer{
		address:   cfg.EndpointAddrGRPC,
		logger:    l.With("module", "grpc_server"),
		users:     us,
		denylist:  dl,
		limiter:   newPeerLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		jwtSecret: []byte(cfg.SecretKey),
	}
}

func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.rateLimitInterceptor, s.accessTokenInterceptor))
	RegisterAuthServiceServer(srv, s)
	return srv
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *GRPCServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is cancelled, then stops
// gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.newServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	if err := srv.Serve(lis); err != nil {
		return err
	}

	return nil
}
