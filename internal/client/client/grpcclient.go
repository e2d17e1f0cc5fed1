package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/esse/crm/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "crm.auth.v1.AuthService"

const (
	methodRegister  = "/" + serviceName + "/Register"
	methodLogin     = "/" + serviceName + "/Login"
	methodRefresh   = "/" + serviceName + "/Refresh"
	methodLogout    = "/" + serviceName + "/Logout"
	methodLogoutAll = "/" + serviceName + "/LogoutAll"
	methodPing      = "/" + serviceName + "/Ping"
)

// Tokens is the session state returned by Register, Login and Refresh.
type Tokens struct {
	UserID           string
	UserName         string
	AccessToken      string
	RefreshToken     string
	RefreshExpiresAt time.Time
}

type AuthClient struct {
	endpointURL string
	conn        *grpc.ClientConn

	mu     sync.Mutex
	tokens Tokens

	// refreshMu serializes rotations. Presenting one refresh token twice
	// makes the server revoke the whole session.
	refreshMu sync.Mutex
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(common.AccessTokenHeaderName, token)

	return metadata.NewOutgoingContext(ctx, md)
}

func (c *AuthClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	if method == methodRefresh {
		return invoker(ctx, method, req, reply, cc, opts...)
	}

	current := c.Tokens()
	if current.AccessToken != "" {
		ctx = withAccessToken(ctx, current.AccessToken)
	}

	err := invoker(ctx, method, req, reply, cc, opts...)
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unauthenticated || st.Message() != common.ErrTokenExpired.Error() {
		return err
	}
	if current.RefreshToken == "" {
		return err
	}

	refreshed, refreshErr := c.refreshFrom(ctx, current.RefreshToken)
	if refreshErr != nil {
		return refreshErr
	}

	ctx = withAccessToken(ctx, refreshed.AccessToken)
	return invoker(ctx, method, req, reply, cc, opts...)
}

// NewAuthClient connects lazily to endpointURL. Extra dial options are
// appended after the defaults, so tests can swap the dialer.
func NewAuthClient(endpointURL string, opts ...grpc.DialOption) (*AuthClient, error) {
	c := &AuthClient{endpointURL: endpointURL}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
	}, opts...)

	conn, err := grpc.NewClient(endpointURL, dialOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func (c *AuthClient) Tokens() Tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// SetTokens restores a session saved by an earlier run.
func (c *AuthClient) SetTokens(t Tokens) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = t
}

func (c *AuthClient) Register(ctx context.Context, userName, password string) (Tokens, error) {
	return c.authenticate(ctx, methodRegister, userName, password)
}

func (c *AuthClient) Login(ctx context.Context, userName, password string) (Tokens, error) {
	return c.authenticate(ctx, methodLogin, userName, password)
}

func (c *AuthClient) authenticate(ctx context.Context, method, userName, password string) (Tokens, error) {
	req, err := structpb.NewStruct(map[string]any{"username": userName, "password": password})
	if err != nil {
		return Tokens{}, err
	}
	return c.exchange(ctx, method, req)
}

// Refresh rotates the current refresh token. The old one is dead afterwards
// whether or not the caller sees the response.
func (c *AuthClient) Refresh(ctx context.Context) (Tokens, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	return c.rotate(ctx)
}

// refreshFrom rotates stale unless another call already replaced it while
// this one waited for the lock, in which case the newer tokens are returned.
func (c *AuthClient) refreshFrom(ctx context.Context, stale string) (Tokens, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	current := c.Tokens()
	if current.RefreshToken != stale {
		if current.AccessToken == "" {
			return Tokens{}, ErrNoSession
		}
		return current, nil
	}
	return c.rotate(ctx)
}

func (c *AuthClient) rotate(ctx context.Context) (Tokens, error) {
	current := c.Tokens()
	if current.RefreshToken == "" {
		return Tokens{}, ErrNoSession
	}

	req, err := structpb.NewStruct(map[string]any{"refresh_token": current.RefreshToken})
	if err != nil {
		return Tokens{}, err
	}
	return c.exchange(ctx, methodRefresh, req)
}

func (c *AuthClient) exchange(ctx context.Context, method string, req *structpb.Struct) (Tokens, error) {
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return Tokens{}, c.mapError(err)
	}

	t, err := tokensFromResponse(resp)
	if err != nil {
		return Tokens{}, err
	}
	c.SetTokens(t)
	return t, nil
}

// Logout revokes the refresh token on the server and forgets the session.
func (c *AuthClient) Logout(ctx context.Context) error {
	current := c.Tokens()
	c.SetTokens(Tokens{})
	if current.RefreshToken == "" {
		return nil
	}

	req, err := structpb.NewStruct(map[string]any{"refresh_token": current.RefreshToken})
	if err != nil {
		return err
	}
	if err := c.conn.Invoke(ctx, methodLogout, req, &emptypb.Empty{}); err != nil {
		return c.mapError(err)
	}
	return nil
}

// LogoutAll ends every session of the user on every device.
func (c *AuthClient) LogoutAll(ctx context.Context) error {
	if c.Tokens().AccessToken == "" {
		return ErrNoSession
	}
	if err := c.conn.Invoke(ctx, methodLogoutAll, &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
		return c.mapError(err)
	}
	c.SetTokens(Tokens{})
	return nil
}

func (c *AuthClient) Ping(ctx context.Context) error {
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodPing, &emptypb.Empty{}, resp); err != nil {
		return c.mapError(err)
	}
	if resp.GetFields()["status"].GetStringValue() != "OK" {
		return ErrUnavailable
	}
	return nil
}

func (c *AuthClient) Close() error {
	return c.conn.Close()
}

func tokensFromResponse(resp *structpb.Struct) (Tokens, error) {
	f := resp.GetFields()
	t := Tokens{
		UserID:       f["user_id"].GetStringValue(),
		UserName:     f["username"].GetStringValue(),
		AccessToken:  f["access_token"].GetStringValue(),
		RefreshToken: f["refresh_token"].GetStringValue(),
	}
	if t.AccessToken == "" || t.RefreshToken == "" {
		return Tokens{}, fmt.Errorf("malformed auth response")
	}

	if raw := f["refresh_expires_at"].GetStringValue(); raw != "" {
		exp, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Tokens{}, fmt.Errorf("malformed refresh_expires_at: %w", err)
		}
		t.RefreshExpiresAt = exp
	}
	return t, nil
}

func (c *AuthClient) mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %s", ErrUnauthorized, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidInput, st.Message())
	case codes.AlreadyExists:
		return ErrAlreadyExists
	case codes.ResourceExhausted:
		return ErrRateLimited
	case codes.Unavailable, codes.DeadlineExceeded:
		return ErrUnavailable
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}
