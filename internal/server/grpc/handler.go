package grpc

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/esse/crm/internal/common"
	"github.com/esse/crm/internal/server/services"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Request and response field names.
const (
	FieldUserName         = "username"
	FieldPassword         = "password"
	FieldUserID           = "user_id"
	FieldAccessToken      = "access_token"
	FieldRefreshToken     = "refresh_token"
	FieldRefreshExpiresAt = "refresh_expires_at"
	FieldStatus           = "status"
)

func (s *GRPCServer) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pair, err := s.users.Register(ctx, credentials(req), clientInfo(ctx))
	if err != nil {
		return nil, s.toStatus(ctx, "register", err)
	}

	s.logger.Info(ctx, "Registered", "user_id", pair.UserID)
	return s.pairResponse(ctx, pair)
}

func (s *GRPCServer) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pair, err := s.users.Login(ctx, credentials(req), clientInfo(ctx))
	if err != nil {
		return nil, s.toStatus(ctx, "login", err)
	}
	return s.pairResponse(ctx, pair)
}

func (s *GRPCServer) Refresh(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw := stringField(req, FieldRefreshToken)
	if raw == "" {
		return nil, status.Error(codes.InvalidArgument, "refresh_token is required")
	}

	pair, err := s.users.Refresh(ctx, raw)
	if err != nil {
		return nil, s.toStatus(ctx, "refresh", err)
	}
	return s.pairResponse(ctx, pair)
}

// Logout always succeeds: the caller learns nothing about the token.
func (s *GRPCServer) Logout(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	if raw := stringField(req, FieldRefreshToken); raw != "" {
		s.users.Logout(ctx, raw)
	}
	return &emptypb.Empty{}, nil
}

func (s *GRPCServer) LogoutAll(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	if err := s.users.LogoutAll(ctx, userID); err != nil {
		return nil, s.toStatus(ctx, "logout all", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *GRPCServer) Ping(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{FieldStatus: "OK"})
}

func (s *GRPCServer) pairResponse(ctx context.Context, pair *services.TokenPair) (*structpb.Struct, error) {
	resp, err := structpb.NewStruct(map[string]any{
		FieldUserID:           pair.UserID,
		FieldUserName:         pair.UserName,
		FieldAccessToken:      pair.AccessToken,
		FieldRefreshToken:     pair.RefreshToken,
		FieldRefreshExpiresAt: pair.RefreshExpiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Error(ctx, "error building response", "error", err)
		return nil, status.Error(codes.Internal, "internal error")
	}
	return resp, nil
}

// toStatus maps service errors onto gRPC codes. Internal details stay in the
// log.
func (s *GRPCServer) toStatus(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, common.ErrMalformedToken), errors.Is(err, common.ErrorValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, common.ErrTokenNotFound),
		errors.Is(err, common.ErrReuseDetected),
		errors.Is(err, common.ErrorUnauthorized):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, common.ErrorAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	default:
		s.logger.Error(ctx, op+" failed", "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}

func credentials(req *structpb.Struct) services.Credentials {
	return services.Credentials{
		UserName: stringField(req, FieldUserName),
		Password: stringField(req, FieldPassword),
	}
}

func stringField(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func firstMetadata(ctx context.Context, key string) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(key); len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// clientInfo takes the device from the user agent and the address from the
// first X-Forwarded-For hop, falling back to the connection peer.
func clientInfo(ctx context.Context) services.ClientInfo {
	info := services.ClientInfo{DeviceInfo: firstMetadata(ctx, common.UserAgentHeaderName)}

	if fwd := firstMetadata(ctx, common.ForwardedForHeaderName); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		info.IPAddress = strings.TrimSpace(first)
	}
	if info.IPAddress == "" {
		info.IPAddress = peerHost(ctx)
	}
	return info
}

func peerHost(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
