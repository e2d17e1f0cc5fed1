package grpc

import (
	"context"
	"errors"

	"github.com/esse/crm/internal/common"
	"github.com/esse/crm/internal/server/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type ctxKey string

const userIDKey ctxKey = "userID"

// protectedMethods require a valid access token in metadata.
var protectedMethods = map[string]bool{
	MethodLogoutAll: true,
}

// UserIDFromContext returns the user authenticated by the access token.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

func (s *GRPCServer) accessTokenInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if !protectedMethods[info.FullMethod] {
		return handler(ctx, req)
	}

	accessToken := firstMetadata(ctx, common.AccessTokenHeaderName)
	if accessToken == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	claims, err := auth.ParseToken(accessToken, s.jwtSecret)
	if err != nil {
		if errors.Is(err, common.ErrTokenExpired) {
			return nil, status.Error(codes.Unauthenticated, common.ErrTokenExpired.Error())
		}
		return nil, status.Error(codes.Unauthenticated, common.ErrInvalidToken.Error())
	}

	revoked, err := s.denylist.IsRevoked(ctx, claims.Family)
	if err != nil {
		s.logger.Error(ctx, "denylist lookup failed", "error", err)
		return nil, status.Error(codes.Unavailable, "try again later")
	}
	if revoked {
		return nil, status.Error(codes.Unauthenticated, common.ErrTokenRevoked.Error())
	}

	ctx = context.WithValue(ctx, userIDKey, claims.UserID)
	return handler(ctx, req)
}
