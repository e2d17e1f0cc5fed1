// Package refreshtokens declares the token ledger: the durable record of every
// issued refresh token, active or retired, keyed by token id.
package refreshtokens

import (
	"context"
	"time"

	"github.com/esse/crm/internal/server/models"
)

// Repository is the ledger contract. A Repository obtained from Store.Atomic
// is bound to one transaction; one obtained from Store.Ledger autocommits.
type Repository interface {
	// Insert persists a new token. A duplicate token id yields
	// common.ErrLedgerConflict.
	Insert(ctx context.Context, token *models.RefreshToken) error

	// FindByTokenID returns common.ErrorNotFound when the id is unknown.
	FindByTokenID(ctx context.Context, tokenID string) (*models.RefreshToken, error)

	// FindByTokenIDForUpdate is FindByTokenID that also locks the row until the
	// surrounding transaction ends.
	FindByTokenIDForUpdate(ctx context.Context, tokenID string) (*models.RefreshToken, error)

	// FindByFamily returns every token of a lineage, oldest first.
	FindByFamily(ctx context.Context, family string) ([]*models.RefreshToken, error)

	// Update persists LastUsedAt and RevokedAt. A RevokedAt that is already
	// set in storage is never overwritten.
	Update(ctx context.Context, token *models.RefreshToken) error

	// RevokeFamily sets RevokedAt = at on every token of the family that is
	// not revoked yet and reports how many rows changed.
	RevokeFamily(ctx context.Context, family string, at time.Time) (int64, error)

	// LockFamily serializes rotations and revocations of one family until the
	// surrounding transaction ends.
	LockFamily(ctx context.Context, family string) error

	// ListFamiliesForOwner returns the distinct families the owner has rows in.
	ListFamiliesForOwner(ctx context.Context, ownerID string) ([]string, error)

	// DeleteAllForOwner removes every row of the owner.
	DeleteAllForOwner(ctx context.Context, ownerID string) (int64, error)

	// DeleteExpiredBefore removes rows whose expiry is before cutoff.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store hands out ledger repositories and runs units of work atomically.
type Store interface {
	// Ledger returns a repository whose calls each commit on their own.
	Ledger() Repository

	// Atomic runs fn in a single transaction. Writes made through repo are
	// committed only if fn returns nil.
	Atomic(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}
