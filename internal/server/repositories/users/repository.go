// Package users stores the principals that own refresh tokens.
package users

import (
	"context"

	"github.com/esse/crm/internal/server/models"
)

// Repository looks users up by the two keys the auth flows have: the
// username typed at login and the owner id carried by a refresh token.
// Lookups of unknown keys return common.ErrorNotFound.
type Repository interface {
	// Create fills ID and CreatedAt. A taken username yields
	// common.ErrorAlreadyExists.
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByUsername(ctx context.Context, userName string) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
}
