package repomanager

import (
	"context"

	"github.com/esse/crm/internal/server/repositories/refreshtokens"
	"github.com/esse/crm/internal/server/repositories/users"
)

// InMemoryRepositoryManager keeps everything in process memory. State is lost
// on restart; meant for development and tests.
type InMemoryRepositoryManager struct {
	users         *users.MemoryRepository
	refreshTokens *refreshtokens.MemoryStore
}

func NewInMemoryRepositoryManager() *InMemoryRepositoryManager {
	return &InMemoryRepositoryManager{
		users:         users.NewMemoryRepository(),
		refreshTokens: refreshtokens.NewMemoryStore(),
	}
}

func (m *InMemoryRepositoryManager) RunMigrations(context.Context) error {
	return nil
}

func (m *InMemoryRepositoryManager) Users() users.Repository {
	return m.users
}

func (m *InMemoryRepositoryManager) RefreshTokens() refreshtokens.Store {
	return m.refreshTokens
}

func (m *InMemoryRepositoryManager) Close() error {
	return nil
}
