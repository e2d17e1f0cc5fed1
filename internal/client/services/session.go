// Package services contains application services for the CRM auth CLI.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/esse/crm/internal/client/client"
	"github.com/esse/crm/internal/client/repositories/metadata"
	"github.com/esse/crm/internal/common"
	"github.com/esse/crm/internal/dbx"
)

const (
	keyUserName         = "username"
	keyUserID           = "user_id"
	keyAccessToken      = "access_token"
	keyRefreshToken     = "refresh_token"
	keyRefreshExpiresAt = "refresh_expires_at"
)

// AuthClient is the part of client.AuthClient the session service drives.
type AuthClient interface {
	Register(ctx context.Context, userName, password string) (client.Tokens, error)
	Login(ctx context.Context, userName, password string) (client.Tokens, error)
	Refresh(ctx context.Context) (client.Tokens, error)
	Logout(ctx context.Context) error
	LogoutAll(ctx context.Context) error
	Ping(ctx context.Context) error
	SetTokens(t client.Tokens)
	Tokens() client.Tokens
	Close() error
}

// SessionService keeps the client's tokens in the local metadata table, so
// that a later run of the CLI can continue the same session.
//
// Every call that receives new tokens from the server saves them before it
// returns. A refresh token is single use, so losing the successor would end
// the session.
type SessionService struct {
	client AuthClient
	db     *sql.DB
}

func NewSessionService(c AuthClient, db *sql.DB) *SessionService {
	return &SessionService{client: c, db: db}
}

func (s *SessionService) repo(db dbx.DBTX) metadata.Repository {
	return metadata.NewSQLiteRepository(db)
}

// Restore loads the saved session into the client. It returns
// client.ErrNoSession when nothing is saved.
func (s *SessionService) Restore(ctx context.Context) (client.Tokens, error) {
	values, err := s.repo(s.db).List(ctx)
	if err != nil {
		return client.Tokens{}, err
	}
	if len(values[keyRefreshToken]) == 0 {
		return client.Tokens{}, client.ErrNoSession
	}

	t := client.Tokens{
		UserName:     string(values[keyUserName]),
		UserID:       string(values[keyUserID]),
		AccessToken:  string(values[keyAccessToken]),
		RefreshToken: string(values[keyRefreshToken]),
	}
	if raw := values[keyRefreshExpiresAt]; len(raw) > 0 {
		exp, err := time.Parse(time.RFC3339, string(raw))
		if err != nil {
			return client.Tokens{}, fmt.Errorf("corrupt session data: %w", err)
		}
		t.RefreshExpiresAt = exp
	}

	s.client.SetTokens(t)
	return t, nil
}

func (s *SessionService) save(ctx context.Context, t client.Tokens) error {
	values := map[string][]byte{
		keyUserName:     []byte(t.UserName),
		keyUserID:       []byte(t.UserID),
		keyAccessToken:  []byte(t.AccessToken),
		keyRefreshToken: []byte(t.RefreshToken),
	}
	if !t.RefreshExpiresAt.IsZero() {
		values[keyRefreshExpiresAt] = []byte(t.RefreshExpiresAt.UTC().Format(time.RFC3339))
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return s.repo(tx).SetAll(ctx, values)
	})
}

func (s *SessionService) clear(ctx context.Context) error {
	return s.repo(s.db).Clear(ctx)
}

func (s *SessionService) Register(ctx context.Context, userName string, password []byte) (client.Tokens, error) {
	defer common.WipeByteArray(password)

	t, err := s.client.Register(ctx, userName, string(password))
	if err != nil {
		return client.Tokens{}, fmt.Errorf("register error: %w", err)
	}
	if err := s.save(ctx, t); err != nil {
		return client.Tokens{}, fmt.Errorf("session saving error: %w", err)
	}
	return t, nil
}

func (s *SessionService) Login(ctx context.Context, userName string, password []byte) (client.Tokens, error) {
	defer common.WipeByteArray(password)

	t, err := s.client.Login(ctx, userName, string(password))
	if err != nil {
		return client.Tokens{}, fmt.Errorf("login error: %w", err)
	}
	if err := s.save(ctx, t); err != nil {
		return client.Tokens{}, fmt.Errorf("session saving error: %w", err)
	}
	return t, nil
}

// Refresh rotates the saved refresh token. If the server rejects it the
// session is gone for good, so the local copy is wiped.
func (s *SessionService) Refresh(ctx context.Context) (client.Tokens, error) {
	if _, err := s.Restore(ctx); err != nil {
		return client.Tokens{}, err
	}

	t, err := s.client.Refresh(ctx)
	if err != nil {
		if errors.Is(err, client.ErrUnauthorized) {
			if clearErr := s.clear(ctx); clearErr != nil {
				return client.Tokens{}, errors.Join(err, clearErr)
			}
		}
		return client.Tokens{}, fmt.Errorf("refresh error: %w", err)
	}
	if err := s.save(ctx, t); err != nil {
		return client.Tokens{}, fmt.Errorf("session saving error: %w", err)
	}
	return t, nil
}

// Logout revokes the saved refresh token on the server and wipes the local
// session. The local copy is wiped even when the server is unreachable.
func (s *SessionService) Logout(ctx context.Context) error {
	if _, err := s.Restore(ctx); err != nil {
		if errors.Is(err, client.ErrNoSession) {
			return nil
		}
		return err
	}

	remoteErr := s.client.Logout(ctx)
	if err := s.clear(ctx); err != nil {
		return err
	}
	if remoteErr != nil {
		return fmt.Errorf("logout error: %w", remoteErr)
	}
	return nil
}

// LogoutAll ends every session of the user. The access token may be
// refreshed on the way, which is why the tokens are saved first in case
// the call fails after a rotation.
func (s *SessionService) LogoutAll(ctx context.Context) error {
	before, err := s.Restore(ctx)
	if err != nil {
		return err
	}

	if err := s.client.LogoutAll(ctx); err != nil {
		if after := s.client.Tokens(); after.RefreshToken != before.RefreshToken && after.RefreshToken != "" {
			if saveErr := s.save(ctx, after); saveErr != nil {
				return errors.Join(err, saveErr)
			}
		}
		return fmt.Errorf("logout-all error: %w", err)
	}
	return s.clear(ctx)
}

// Status returns the saved session without contacting the server.
func (s *SessionService) Status(ctx context.Context) (client.Tokens, error) {
	return s.Restore(ctx)
}

func (s *SessionService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *SessionService) Close() error {
	return s.client.Close()
}
