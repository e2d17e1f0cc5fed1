package refreshtokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/esse/crm/internal/common"
	"github.com/esse/crm/internal/dbx"
	"github.com/esse/crm/internal/server/models"
)

const tokenColumns = `token_id, owner_id, secret_hash, family, expires_at, created_at,
		       last_used_at, revoked_at, device_info, ip_address`

// PostgresRepository implements Repository over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, t *models.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (token_id, owner_id, secret_hash, family, expires_at, created_at,
		                            last_used_at, revoked_at, device_info, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		t.TokenID, t.OwnerID, t.SecretHash, t.Family, t.ExpiresAt, t.CreatedAt,
		nullTime(t.LastUsedAt), nullTime(t.RevokedAt), t.DeviceInfo, t.IPAddress)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return fmt.Errorf("%w: token id %s", common.ErrLedgerConflict, t.TokenID)
		}
		if dbx.IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: owner %s", common.ErrorNotFound, t.OwnerID)
		}
		return fmt.Errorf("error performing sql request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindByTokenID(ctx context.Context, tokenID string) (*models.RefreshToken, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM refresh_tokens
		WHERE token_id = $1
	`
	return r.findOne(ctx, query, tokenID)
}

func (r *PostgresRepository) FindByTokenIDForUpdate(ctx context.Context, tokenID string) (*models.RefreshToken, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM refresh_tokens
		WHERE token_id = $1
		FOR UPDATE
	`
	return r.findOne(ctx, query, tokenID)
}

func (r *PostgresRepository) findOne(ctx context.Context, query string, tokenID string) (*models.RefreshToken, error) {
	t, err := scanToken(r.db.QueryRowContext(ctx, query, tokenID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) FindByFamily(ctx context.Context, family string) ([]*models.RefreshToken, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM refresh_tokens
		WHERE family = $1
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, family)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var tokens []*models.RefreshToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return tokens, nil
}

func (r *PostgresRepository) Update(ctx context.Context, t *models.RefreshToken) error {
	query := `
		UPDATE refresh_tokens
		SET last_used_at = COALESCE($2, last_used_at),
		    revoked_at = COALESCE(revoked_at, $3)
		WHERE token_id = $1
	`
	res, err := r.db.ExecContext(ctx, query, t.TokenID, nullTime(t.LastUsedAt), nullTime(t.RevokedAt))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) RevokeFamily(ctx context.Context, family string, at time.Time) (int64, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE family = $1 AND revoked_at IS NULL
	`
	return r.exec(ctx, query, family, at)
}

func (r *PostgresRepository) LockFamily(ctx context.Context, family string) error {
	query := `SELECT pg_advisory_xact_lock(hashtext($1))`
	if _, err := r.db.ExecContext(ctx, query, family); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListFamiliesForOwner(ctx context.Context, ownerID string) ([]string, error) {
	query := `
		SELECT DISTINCT family
		FROM refresh_tokens
		WHERE owner_id = $1
		ORDER BY family
	`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var families []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		families = append(families, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return families, nil
}

func (r *PostgresRepository) DeleteAllForOwner(ctx context.Context, ownerID string) (int64, error) {
	query := `
		DELETE FROM refresh_tokens
		WHERE owner_id = $1
	`
	return r.exec(ctx, query, ownerID)
}

func (r *PostgresRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM refresh_tokens
		WHERE expires_at < $1
	`
	return r.exec(ctx, query, cutoff)
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*models.RefreshToken, error) {
	var (
		t                   models.RefreshToken
		lastUsed, revokedAt sql.NullTime
	)
	err := row.Scan(&t.TokenID, &t.OwnerID, &t.SecretHash, &t.Family, &t.ExpiresAt, &t.CreatedAt,
		&lastUsed, &revokedAt, &t.DeviceInfo, &t.IPAddress)
	if err != nil {
		return nil, err
	}
	t.LastUsedAt = timePtr(lastUsed)
	t.RevokedAt = timePtr(revokedAt)
	return &t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// PostgresStore runs ledger work on a *sql.DB.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ledger() Repository {
	return NewPostgresRepository(s.db)
}

func (s *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, NewPostgresRepository(tx))
	})
}
