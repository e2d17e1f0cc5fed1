// Package repomanager wires repository implementations for one storage backend.
package repomanager

import (
	"context"

	"github.com/esse/crm/internal/server/repositories/refreshtokens"
	"github.com/esse/crm/internal/server/repositories/users"
)

type RepositoryManager interface {
	RunMigrations(ctx context.Context) error
	Users() users.Repository
	RefreshTokens() refreshtokens.Store
	Close() error
}
