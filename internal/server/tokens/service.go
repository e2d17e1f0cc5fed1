// Package tokens issues, rotates and revokes refresh tokens.
//
// Every token belongs to a family: the chain of tokens produced by rotating
// the one minted at login. Presenting a token that is no longer active, or
// whose secret does not match, is treated as theft and revokes the whole
// family, including the token the legitimate client currently holds.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/esse/crm/internal/common"
	"github.com/esse/crm/internal/logging"
	"github.com/esse/crm/internal/server/metrics"
	"github.com/esse/crm/internal/server/models"
	"github.com/esse/crm/internal/server/repositories/refreshtokens"
)

// SecretHasher is a slow salted one-way function for token secrets.
type SecretHasher interface {
	Hash(secret string) (string, error)
	Verify(secret, encoded string) (bool, error)
}

// RevocationObserver is told about every family revoked as a whole, after the
// revocation is committed.
type RevocationObserver interface {
	FamilyRevoked(ctx context.Context, family string) error
}

// Issued is a freshly stored token together with the raw credential for the
// client. Raw is never persisted.
type Issued struct {
	Token *models.RefreshToken
	Raw   string
}

// IssueParams describes a new token. An empty Family starts a new lineage.
type IssueParams struct {
	OwnerID    string
	DeviceInfo string
	IPAddress  string
	Family     string
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithObserver(o RevocationObserver) Option {
	return func(s *Service) { s.observers = append(s.observers, o) }
}

type Service struct {
	store     refreshtokens.Store
	hasher    SecretHasher
	lifetime  time.Duration
	retention time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
	observers []RevocationObserver
	log       logging.Logger
}

// NewService builds the rotation engine. lifetime is the fixed validity of
// every token, retention how long rows are kept after they expire.
func NewService(store refreshtokens.Store, hasher SecretHasher, lifetime, retention time.Duration, logger logging.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		hasher:    hasher,
		lifetime:  lifetime,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.With("module", "tokens"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue stores a new token for the owner. Continuing an existing family takes
// the family lock so the insert cannot slip past a concurrent revocation.
func (s *Service) Issue(ctx context.Context, p IssueParams) (*Issued, error) {
	family := p.Family
	if family == "" {
		family = uuid.NewString()
	}

	token, raw, err := s.mint(p.OwnerID, p.DeviceInfo, p.IPAddress, family, s.now())
	if err != nil {
		return nil, err
	}

	if p.Family == "" {
		err = s.store.Ledger().Insert(ctx, token)
	} else {
		err = s.store.Atomic(ctx, func(ctx context.Context, repo refreshtokens.Repository) error {
			if err := repo.LockFamily(ctx, family); err != nil {
				return err
			}
			return repo.Insert(ctx, token)
		})
	}
	if err != nil {
		s.log.Error(ctx, "error storing refresh token", "family", family, "error", err)
		return nil, fmt.Errorf("error storing refresh token: %w", err)
	}

	s.metrics.Issued()
	s.log.Debug(ctx, "refresh token issued", "owner_id", p.OwnerID, "family", family, "token_id", token.TokenID)
	return &Issued{Token: token, Raw: raw}, nil
}

// Rotate exchanges an active token for its successor in the same family.
//
// Failures: common.ErrMalformedToken, common.ErrTokenNotFound and
// common.ErrReuseDetected. The last one is returned only after the family
// revocation has been committed.
func (s *Service) Rotate(ctx context.Context, raw string) (*Issued, error) {
	tokenID, secret, err := DecodeRaw(raw)
	if err != nil {
		s.metrics.RotateFailed("malformed")
		return nil, err
	}

	found, err := s.store.Ledger().FindByTokenID(ctx, tokenID)
	if err != nil {
		return nil, s.rotateError(ctx, tokenID, err)
	}

	// The stored hash never changes, so the slow check runs outside the
	// transaction. An unreadable hash counts as a mismatch.
	secretOK, err := s.hasher.Verify(secret, found.SecretHash)
	if err != nil {
		s.log.Warn(ctx, "stored refresh token hash is unreadable", "token_id", tokenID, "error", err)
		secretOK = false
	}

	// Revocation and expiry never go back, so a token inactive here stays
	// inactive under the lock and needs no successor.
	var (
		successor    *models.RefreshToken
		successorRaw string
	)
	if secretOK && found.IsActive(s.now()) {
		successor, successorRaw, err = s.mint(found.OwnerID, found.DeviceInfo, found.IPAddress, found.Family, s.now())
		if err != nil {
			s.metrics.RotateFailed("internal")
			return nil, err
		}
	}

	var (
		reuse   string
		revoked int64
	)
	err = s.store.Atomic(ctx, func(ctx context.Context, repo refreshtokens.Repository) error {
		if err := repo.LockFamily(ctx, found.Family); err != nil {
			return err
		}
		current, err := repo.FindByTokenIDForUpdate(ctx, tokenID)
		if err != nil {
			return err
		}

		now := s.now()
		switch {
		case !current.IsActive(now):
			reuse = "inactive"
		case !secretOK:
			reuse = "secret_mismatch"
		case successor == nil:
			// Only reachable if the clock stepped back since the pre-check.
			reuse = "inactive"
		}
		if reuse != "" {
			revoked, err = repo.RevokeFamily(ctx, current.Family, now)
			return err
		}

		current.LastUsedAt = &now
		current.RevokedAt = &now
		if err := repo.Update(ctx, current); err != nil {
			return err
		}

		successor.CreatedAt = now
		successor.ExpiresAt = now.Add(s.lifetime)
		return repo.Insert(ctx, successor)
	})
	if err != nil {
		return nil, s.rotateError(ctx, tokenID, err)
	}

	if reuse != "" {
		s.metrics.RotateFailed("reuse")
		s.metrics.ReuseDetected()
		s.log.Warn(ctx, "refresh token reuse detected, family revoked",
			"family", found.Family, "token_id", tokenID, "reason", reuse, "revoked", revoked)
		s.familyRevoked(ctx, found.Family)
		return nil, common.ErrReuseDetected
	}

	s.metrics.Issued()
	s.metrics.Rotated()
	s.log.Debug(ctx, "refresh token rotated", "family", found.Family, "token_id", tokenID, "successor_id", successor.TokenID)
	return &Issued{Token: successor, Raw: successorRaw}, nil
}

func (s *Service) rotateError(ctx context.Context, tokenID string, err error) error {
	if errors.Is(err, common.ErrorNotFound) {
		s.metrics.RotateFailed("not_found")
		return common.ErrTokenNotFound
	}
	s.metrics.RotateFailed("internal")
	s.log.Error(ctx, "refresh token rotation failed", "token_id", tokenID, "error", err)
	if errors.Is(err, common.ErrLedgerConflict) {
		return err
	}
	return fmt.Errorf("error rotating refresh token: %w", err)
}

// Revoke invalidates the presented token if it is still unrevoked. It never
// reports failure: a logout must not reveal whether a credential was valid.
func (s *Service) Revoke(ctx context.Context, raw string) {
	tokenID, _, err := DecodeRaw(raw)
	if err != nil {
		s.log.Debug(ctx, "ignoring malformed refresh token on revoke")
		return
	}

	var family string
	err = s.store.Atomic(ctx, func(ctx context.Context, repo refreshtokens.Repository) error {
		t, err := repo.FindByTokenIDForUpdate(ctx, tokenID)
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if t.IsRevoked() {
			return nil
		}

		now := s.now()
		t.RevokedAt = &now
		family = t.Family
		return repo.Update(ctx, t)
	})
	if err != nil {
		s.log.Warn(ctx, "error revoking refresh token", "token_id", tokenID, "error", err)
		return
	}

	if family != "" {
		s.log.Info(ctx, "refresh token revoked", "token_id", tokenID, "family", family)
		s.notifyObservers(ctx, family)
	}
}

// RevokeFamily revokes every unrevoked token of the family. Tokens revoked
// earlier keep their original RevokedAt.
func (s *Service) RevokeFamily(ctx context.Context, family string) error {
	var revoked int64
	err := s.store.Atomic(ctx, func(ctx context.Context, repo refreshtokens.Repository) error {
		if err := repo.LockFamily(ctx, family); err != nil {
			return err
		}
		var err error
		revoked, err = repo.RevokeFamily(ctx, family, s.now())
		return err
	})
	if err != nil {
		s.log.Error(ctx, "error revoking token family", "family", family, "error", err)
		return fmt.Errorf("error revoking token family: %w", err)
	}

	s.log.Info(ctx, "token family revoked", "family", family, "revoked", revoked)
	s.familyRevoked(ctx, family)
	return nil
}

// RevokeAllForOwner deletes every token of the owner. Later rotation of any
// of them fails with common.ErrTokenNotFound.
func (s *Service) RevokeAllForOwner(ctx context.Context, ownerID string) error {
	var (
		families []string
		deleted  int64
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, repo refreshtokens.Repository) error {
		var err error
		families, err = repo.ListFamiliesForOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		// ListFamiliesForOwner is sorted, so concurrent callers lock in the
		// same order.
		for _, f := range families {
			if err := repo.LockFamily(ctx, f); err != nil {
				return err
			}
		}
		deleted, err = repo.DeleteAllForOwner(ctx, ownerID)
		return err
	})
	if err != nil {
		s.log.Error(ctx, "error revoking owner tokens", "owner_id", ownerID, "error", err)
		return fmt.Errorf("error revoking owner tokens: %w", err)
	}

	s.log.Info(ctx, "all owner tokens revoked", "owner_id", ownerID, "families", len(families), "deleted", deleted)
	for _, f := range families {
		s.familyRevoked(ctx, f)
	}
	return nil
}

// PurgeExpired deletes rows that expired more than the retention period
// before now.
func (s *Service) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.retention)
	n, err := s.store.Ledger().DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		s.log.Error(ctx, "error purging expired refresh tokens", "cutoff", cutoff, "error", err)
		return 0, fmt.Errorf("error purging expired refresh tokens: %w", err)
	}

	s.metrics.Purged(n)
	if n > 0 {
		s.log.Info(ctx, "expired refresh tokens purged", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (s *Service) familyRevoked(ctx context.Context, family string) {
	s.metrics.FamilyRevoked()
	s.notifyObservers(ctx, family)
}

// notifyObservers pushes family to the observers without counting it as a
// family-wide revocation. A single logout still has to cut off access tokens
// minted from its lineage.
func (s *Service) notifyObservers(ctx context.Context, family string) {
	for _, o := range s.observers {
		if err := o.FamilyRevoked(ctx, family); err != nil {
			s.log.Error(ctx, "error propagating family revocation", "family", family, "error", err)
		}
	}
}

func (s *Service) mint(ownerID, deviceInfo, ipAddress, family string, now time.Time) (*models.RefreshToken, string, error) {
	tokenID := uuid.NewString()
	secret := uuid.NewString()

	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, "", fmt.Errorf("error hashing refresh token secret: %w", err)
	}

	token := &models.RefreshToken{
		TokenID:    tokenID,
		OwnerID:    ownerID,
		SecretHash: hash,
		Family:     family,
		ExpiresAt:  now.Add(s.lifetime),
		CreatedAt:  now,
		DeviceInfo: deviceInfo,
		IPAddress:  ipAddress,
	}
	return token, EncodeRaw(tokenID, secret), nil
}
