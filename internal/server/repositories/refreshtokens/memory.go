package refreshtokens

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/esse/crm/internal/common"
	"github.com/esse/crm/internal/server/models"
)

// MemoryStore is an in-process ledger. Atomic units run one at a time and
// record their writes in an overlay over the live rows. The overlay is
// applied only on success, so a unit pays for the rows it touches rather
// than for the whole ledger.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]models.RefreshToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]models.RefreshToken)}
}

func (s *MemoryStore) Ledger() Repository {
	return &autocommitRepository{store: s}
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	staged := &memoryRepository{live: s.rows, changed: make(map[string]*models.RefreshToken)}
	if err := fn(ctx, staged); err != nil {
		return err
	}
	for id, t := range staged.changed {
		if t == nil {
			delete(s.rows, id)
			continue
		}
		s.rows[id] = *t
	}
	return nil
}

// memoryRepository reads through its overlay to the live rows. The live map
// is never written until the owning Atomic call commits.
type memoryRepository struct {
	live map[string]models.RefreshToken
	// changed holds rows written by the unit; nil marks a delete.
	changed map[string]*models.RefreshToken
}

func (r *memoryRepository) get(tokenID string) (models.RefreshToken, bool) {
	if t, ok := r.changed[tokenID]; ok {
		if t == nil {
			return models.RefreshToken{}, false
		}
		return *t, true
	}
	t, ok := r.live[tokenID]
	return t, ok
}

func (r *memoryRepository) put(t models.RefreshToken) {
	r.changed[t.TokenID] = &t
}

// matching returns copies of every visible row accepted by match.
func (r *memoryRepository) matching(match func(models.RefreshToken) bool) []models.RefreshToken {
	var out []models.RefreshToken
	for id, t := range r.live {
		if _, ok := r.changed[id]; !ok && match(t) {
			out = append(out, t)
		}
	}
	for _, t := range r.changed {
		if t != nil && match(*t) {
			out = append(out, *t)
		}
	}
	return out
}

func (r *memoryRepository) Insert(_ context.Context, t *models.RefreshToken) error {
	if _, ok := r.get(t.TokenID); ok {
		return fmt.Errorf("%w: token id %s", common.ErrLedgerConflict, t.TokenID)
	}
	r.put(*t)
	return nil
}

func (r *memoryRepository) FindByTokenID(_ context.Context, tokenID string) (*models.RefreshToken, error) {
	t, ok := r.get(tokenID)
	if !ok {
		return nil, common.ErrorNotFound
	}
	return &t, nil
}

func (r *memoryRepository) FindByTokenIDForUpdate(ctx context.Context, tokenID string) (*models.RefreshToken, error) {
	return r.FindByTokenID(ctx, tokenID)
}

func (r *memoryRepository) FindByFamily(_ context.Context, family string) ([]*models.RefreshToken, error) {
	var tokens []*models.RefreshToken
	for _, t := range r.matching(func(t models.RefreshToken) bool { return t.Family == family }) {
		t := t
		tokens = append(tokens, &t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].CreatedAt.Before(tokens[j].CreatedAt) })
	return tokens, nil
}

func (r *memoryRepository) Update(_ context.Context, t *models.RefreshToken) error {
	stored, ok := r.get(t.TokenID)
	if !ok {
		return common.ErrorNotFound
	}
	if t.LastUsedAt != nil {
		stored.LastUsedAt = t.LastUsedAt
	}
	if stored.RevokedAt == nil {
		stored.RevokedAt = t.RevokedAt
	}
	r.put(stored)
	return nil
}

func (r *memoryRepository) RevokeFamily(_ context.Context, family string, at time.Time) (int64, error) {
	unrevoked := r.matching(func(t models.RefreshToken) bool { return t.Family == family && t.RevokedAt == nil })
	for _, t := range unrevoked {
		at := at
		t.RevokedAt = &at
		r.put(t)
	}
	return int64(len(unrevoked)), nil
}

// LockFamily is a no-op: Atomic already runs units one at a time.
func (r *memoryRepository) LockFamily(context.Context, string) error {
	return nil
}

func (r *memoryRepository) ListFamiliesForOwner(_ context.Context, ownerID string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, t := range r.matching(func(t models.RefreshToken) bool { return t.OwnerID == ownerID }) {
		seen[t.Family] = struct{}{}
	}
	families := make([]string, 0, len(seen))
	for f := range seen {
		families = append(families, f)
	}
	sort.Strings(families)
	return families, nil
}

func (r *memoryRepository) DeleteAllForOwner(_ context.Context, ownerID string) (int64, error) {
	return r.deleteWhere(func(t models.RefreshToken) bool { return t.OwnerID == ownerID }), nil
}

func (r *memoryRepository) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return r.deleteWhere(func(t models.RefreshToken) bool { return t.ExpiresAt.Before(cutoff) }), nil
}

func (r *memoryRepository) deleteWhere(match func(models.RefreshToken) bool) int64 {
	doomed := r.matching(match)
	for _, t := range doomed {
		r.changed[t.TokenID] = nil
	}
	return int64(len(doomed))
}

// autocommitRepository wraps every call in its own Atomic unit.
type autocommitRepository struct {
	store *MemoryStore
}

func (a *autocommitRepository) Insert(ctx context.Context, t *models.RefreshToken) error {
	return a.store.Atomic(ctx, func(ctx context.Context, repo Repository) error {
		return repo.Insert(ctx, t)
	})
}

func (a *autocommitRepository) FindByTokenID(ctx context.Context, tokenID string) (*models.RefreshToken, error) {
	var t *models.RefreshToken
	err := a.store.Atomic(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		t, err = repo.FindByTokenID(ctx, tokenID)
		return err
	})
	return t, err
}

func (a *autocommitRepository) FindByTokenIDForUpdate(ctx context.Context, tokenID string) (*models.RefreshToken, error) {
	return a.FindByTokenID(ctx, tokenID)
}

func (a *autocommitRepository) FindByFamily(ctx context.Context, family string) ([]*models.RefreshToken, error) {
	var tokens []*models.RefreshToken
	err := a.store.Atomic(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		tokens, err = repo.FindByFamily(ctx, family)
		return err
	})
	return tokens, err
}

func (a *autocommitRepository) Update(ctx context.Context, t *models.RefreshToken) error {
	return a.store.Atomic(ctx, func(ctx context.Context, repo Repository) error {
		return repo.Update(ctx, t)
	})
}

func (a *autocommitRepository) RevokeFamily(ctx context.Context, family string, at time.Time) (int64, error) {
	var n int64
	err := a.store.Atomic(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		n, err = repo.RevokeFamily(ctx, family, at)
		return err
	})
	return n, err
}

func (a *autocommitRepository) LockFamily(context.Context, string) error {
	return nil
}

func (a *autocommitRepository) ListFamiliesForOwner(ctx context.Context, ownerID string) ([]string, error) {
	var families []string
	err := a.store.Atomic(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		families, err = repo.ListFamiliesForOwner(ctx, ownerID)
		return err
	})
	return families, err
}

func (a *autocommitRepository) DeleteAllForOwner(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := a.store.Atomic(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		n, err = repo.DeleteAllForOwner(ctx, ownerID)
		return err
	})
	return n, err
}

func (a *autocommitRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := a.store.Atomic(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		n, err = repo.DeleteExpiredBefore(ctx, cutoff)
		return err
	})
	return n, err
}
