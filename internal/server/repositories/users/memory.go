package users

import (
	"context"
	"sync"
	"time"

	"github.com/esse/crm/internal/common"
	"github.com/esse/crm/internal/server/models"
	"github.com/google/uuid"
)

// MemoryRepository keeps users in process memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	byID   map[string]models.User
	byName map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:   make(map[string]models.User),
		byName: make(map[string]string),
	}
}

func (r *MemoryRepository) Create(_ context.Context, user *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[user.UserName]; ok {
		return nil, common.ErrorAlreadyExists
	}

	user.ID = uuid.NewString()
	user.CreatedAt = time.Now().UTC()
	r.byID[user.ID] = *user
	r.byName[user.UserName] = user.ID
	return user, nil
}

func (r *MemoryRepository) GetByUsername(ctx context.Context, userName string) (*models.User, error) {
	r.mu.RLock()
	id, ok := r.byName[userName]
	r.mu.RUnlock()
	if !ok {
		return nil, common.ErrorNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return &u, nil
}
