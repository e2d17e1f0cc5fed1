// Package services contains server-side business logic. UserService handles
// registration and login, and pairs every refresh token handed out by the
// rotation engine with a short-lived access token.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/esse/crm/internal/common"
	"github.com/esse/crm/internal/logging"
	"github.com/esse/crm/internal/server/auth"
	"github.com/esse/crm/internal/server/config"
	"github.com/esse/crm/internal/server/models"
	usersrepo "github.com/esse/crm/internal/server/repositories/users"
	"github.com/esse/crm/internal/server/tokens"
)

// PasswordHasher is a slow salted one-way function for passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encoded string) (bool, error)
}

// ClientInfo is recorded on every refresh token for audit.
type ClientInfo struct {
	DeviceInfo string
	IPAddress  string
}

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	UserID           string
	UserName         string
	AccessToken      string
	RefreshToken     string
	RefreshExpiresAt time.Time
}

type Credentials struct {
	UserName string `validate:"required,min=3,max=64,alphanum"`
	Password string `validate:"required,min=8,max=128"`
}

type UserService struct {
	users                       usersrepo.Repository
	tokens                      *tokens.Service
	hasher                      PasswordHasher
	validate                    *validator.Validate
	jwtSecret                   []byte
	accessTokenValidityDuration time.Duration
	dummyHash                   string
	log                         logging.Logger
}

func NewUserService(users usersrepo.Repository, tokens *tokens.Service, hasher PasswordHasher, cfg *config.Config, logger logging.Logger) *UserService {
	s := &UserService{
		users:                       users,
		tokens:                      tokens,
		hasher:                      hasher,
		validate:                    validator.New(),
		jwtSecret:                   []byte(cfg.SecretKey),
		accessTokenValidityDuration: cfg.AccessTokenValidityDuration,
		log:                         logger.With("module", "users"),
	}

	// Login of an unknown user still pays for one hash check, so timing does
	// not reveal which usernames exist.
	seed, err := common.MakeRandHexString(16)
	if err == nil {
		s.dummyHash, err = hasher.Hash(seed)
	}
	if err != nil {
		s.log.Warn(context.Background(), "error preparing dummy password hash", "error", err)
	}
	return s
}

// Register creates the user and logs them in on the calling device.
func (s *UserService) Register(ctx context.Context, in Credentials, client ClientInfo) (*TokenPair, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorValidation, err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		s.log.Error(ctx, "error hashing password", "error", err)
		return nil, common.ErrorInternal
	}

	user, err := s.users.Create(ctx, &models.User{UserName: in.UserName, PasswordHash: hash})
	if err != nil {
		if errors.Is(err, common.ErrorAlreadyExists) {
			return nil, common.ErrorAlreadyExists
		}
		s.log.Error(ctx, "error creating user", "error", err)
		return nil, common.ErrorInternal
	}

	s.log.Info(ctx, "user registered", "user_id", user.ID)
	return s.generateTokenPair(ctx, user, client)
}

// Login checks the password and starts a new token family.
func (s *UserService) Login(ctx context.Context, in Credentials, client ClientInfo) (*TokenPair, error) {
	user, err := s.users.GetByUsername(ctx, in.UserName)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			_, _ = s.hasher.Verify(in.Password, s.dummyHash)
			return nil, common.ErrorUnauthorized
		}
		s.log.Error(ctx, "error loading user", "error", err)
		return nil, common.ErrorInternal
	}

	ok, err := s.hasher.Verify(in.Password, user.PasswordHash)
	if err != nil {
		s.log.Error(ctx, "stored password hash is unreadable", "user_id", user.ID, "error", err)
		return nil, common.ErrorInternal
	}
	if !ok {
		return nil, common.ErrorUnauthorized
	}

	return s.generateTokenPair(ctx, user, client)
}

// Refresh rotates the refresh token and mints an access token for its owner.
// Rotation failures are returned unchanged.
func (s *UserService) Refresh(ctx context.Context, rawRefreshToken string) (*TokenPair, error) {
	issued, err := s.tokens.Rotate(ctx, rawRefreshToken)
	if err != nil {
		return nil, err
	}

	// The presented token is already retired, so a successor the caller
	// never receives must not stay active in the ledger.
	user, err := s.users.GetByID(ctx, issued.Token.OwnerID)
	if err != nil {
		s.tokens.Revoke(ctx, issued.Raw)
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorUnauthorized
		}
		s.log.Error(ctx, "error loading token owner", "user_id", issued.Token.OwnerID, "error", err)
		return nil, common.ErrorInternal
	}

	return s.pair(user, issued)
}

// Logout revokes the presented refresh token. It never fails.
func (s *UserService) Logout(ctx context.Context, rawRefreshToken string) {
	s.tokens.Revoke(ctx, rawRefreshToken)
}

// LogoutAll drops every refresh token of the user on every device.
func (s *UserService) LogoutAll(ctx context.Context, userID string) error {
	if err := s.tokens.RevokeAllForOwner(ctx, userID); err != nil {
		return common.ErrorInternal
	}
	return nil
}

func (s *UserService) generateTokenPair(ctx context.Context, user *models.User, client ClientInfo) (*TokenPair, error) {
	issued, err := s.tokens.Issue(ctx, tokens.IssueParams{
		OwnerID:    user.ID,
		DeviceInfo: client.DeviceInfo,
		IPAddress:  client.IPAddress,
	})
	if err != nil {
		return nil, common.ErrorInternal
	}
	return s.pair(user, issued)
}

func (s *UserService) pair(user *models.User, issued *tokens.Issued) (*TokenPair, error) {
	access, err := auth.GenerateToken(user.ID, issued.Token.Family, s.jwtSecret, s.accessTokenValidityDuration)
	if err != nil {
		return nil, common.ErrorInternal
	}
	return &TokenPair{
		UserID:           user.ID,
		UserName:         user.UserName,
		AccessToken:      access,
		RefreshToken:     issued.Raw,
		RefreshExpiresAt: issued.Token.ExpiresAt,
	}, nil
}
