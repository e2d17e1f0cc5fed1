package refreshtokens

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/esse/crm/internal/common"
	"github.com/esse/crm/internal/server/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{
	"token_id", "owner_id", "secret_hash", "family", "expires_at", "created_at",
	"last_used_at", "revoked_at", "device_info", "ip_address",
}

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock, db
}

func sampleToken(now time.Time) *models.RefreshToken {
	return &models.RefreshToken{
		TokenID:    "tid-1",
		OwnerID:    "owner-1",
		SecretHash: "$argon2id$hash",
		Family:     "fam-1",
		ExpiresAt:  now.Add(time.Hour),
		CreatedAt:  now,
		DeviceInfo: "curl/8.0",
		IPAddress:  "10.0.0.1",
	}
}

func TestInsert_Success(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	now := time.Now().UTC()
	tok := sampleToken(now)

	q := `(?s)^\s*INSERT\s+INTO\s+refresh_tokens\s*\(token_id,.*ip_address\)\s*VALUES\s*\(\$1,.*\$10\)\s*$`
	mock.ExpectExec(q).
		WithArgs("tid-1", "owner-1", "$argon2id$hash", "fam-1", tok.ExpiresAt, tok.CreatedAt,
			sqlmock.AnyArg(), sqlmock.AnyArg(), "curl/8.0", "10.0.0.1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Insert(context.Background(), tok))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_DuplicateIsLedgerConflict(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`INSERT\s+INTO\s+refresh_tokens`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	err := repo.Insert(context.Background(), sampleToken(time.Now()))
	require.ErrorIs(t, err, common.ErrLedgerConflict)
}

func TestInsert_MissingOwnerIsNotFound(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`INSERT\s+INTO\s+refresh_tokens`).
		WillReturnError(&pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"})

	err := repo.Insert(context.Background(), sampleToken(time.Now()))
	require.ErrorIs(t, err, common.ErrorNotFound)
	assert.NotErrorIs(t, err, common.ErrLedgerConflict)
}

func TestInsert_DBError(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`INSERT\s+INTO\s+refresh_tokens`).
		WillReturnError(errors.New("db down"))

	err := repo.Insert(context.Background(), sampleToken(time.Now()))
	require.Error(t, err)
	assert.Regexp(t, regexp.MustCompile(`error performing sql request: .*db down`), err.Error())
	assert.NotErrorIs(t, err, common.ErrLedgerConflict)
}

func TestFindByTokenID_Found(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	now := time.Now().UTC().Truncate(time.Second)
	used := now.Add(-time.Minute)

	q := `(?s)^\s*SELECT\s+token_id,.*FROM\s+refresh_tokens\s+WHERE\s+token_id\s*=\s*\$1\s*$`
	rows := sqlmock.NewRows(columns).
		AddRow("tid-1", "owner-1", "h", "fam-1", now.Add(time.Hour), now, used, used, "ua", "ip")
	mock.ExpectQuery(q).WithArgs("tid-1").WillReturnRows(rows)

	got, err := repo.FindByTokenID(context.Background(), "tid-1")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, "fam-1", got.Family)
	require.NotNil(t, got.RevokedAt)
	assert.True(t, got.RevokedAt.Equal(used))
	require.NotNil(t, got.LastUsedAt)
}

func TestFindByTokenID_NullTimestamps(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(columns).
		AddRow("tid-1", "owner-1", "h", "fam-1", now.Add(time.Hour), now, nil, nil, "", "")
	mock.ExpectQuery(`FROM\s+refresh_tokens`).WithArgs("tid-1").WillReturnRows(rows)

	got, err := repo.FindByTokenID(context.Background(), "tid-1")
	require.NoError(t, err)
	assert.Nil(t, got.RevokedAt)
	assert.Nil(t, got.LastUsedAt)
}

func TestFindByTokenID_NotFound(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`FROM\s+refresh_tokens`).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByTokenID(context.Background(), "missing")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestFindByTokenIDForUpdate_LocksRow(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	now := time.Now().UTC()

	q := `(?s)WHERE\s+token_id\s*=\s*\$1\s+FOR\s+UPDATE\s*$`
	rows := sqlmock.NewRows(columns).
		AddRow("tid-1", "owner-1", "h", "fam-1", now.Add(time.Hour), now, nil, nil, "", "")
	mock.ExpectQuery(q).WithArgs("tid-1").WillReturnRows(rows)

	got, err := repo.FindByTokenIDForUpdate(context.Background(), "tid-1")
	require.NoError(t, err)
	assert.Equal(t, "tid-1", got.TokenID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByFamily(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	now := time.Now().UTC()

	q := `(?s)WHERE\s+family\s*=\s*\$1\s+ORDER\s+BY\s+created_at\s*$`
	rows := sqlmock.NewRows(columns).
		AddRow("t0", "o", "h", "fam-1", now.Add(time.Hour), now, now, now, "", "").
		AddRow("t1", "o", "h", "fam-1", now.Add(time.Hour), now.Add(time.Second), nil, nil, "", "")
	mock.ExpectQuery(q).WithArgs("fam-1").WillReturnRows(rows)

	got, err := repo.FindByFamily(context.Background(), "fam-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t0", got[0].TokenID)
	assert.NotNil(t, got[0].RevokedAt)
	assert.Nil(t, got[1].RevokedAt)
}

func TestFindByFamily_DBError(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`WHERE\s+family`).WithArgs("fam-1").WillReturnError(errors.New("db err"))

	_, err := repo.FindByFamily(context.Background(), "fam-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db error: db err")
}

func TestUpdate_KeepsExistingRevocation(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	now := time.Now().UTC()
	tok := sampleToken(now)
	tok.LastUsedAt = &now
	tok.RevokedAt = &now

	q := `(?s)UPDATE\s+refresh_tokens\s+SET\s+last_used_at\s*=\s*COALESCE\(\$2,\s*last_used_at\),\s*revoked_at\s*=\s*COALESCE\(revoked_at,\s*\$3\)\s+WHERE\s+token_id\s*=\s*\$1`
	mock.ExpectExec(q).
		WithArgs("tid-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Update(context.Background(), tok))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_MissingRow(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`UPDATE\s+refresh_tokens`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), sampleToken(time.Now()))
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestRevokeFamily_OnlyUnrevokedRows(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	at := time.Now().UTC()

	mock.ExpectExec(`(?s)UPDATE\s+refresh_tokens\s+SET\s+revoked_at\s*=\s*\$2\s+WHERE\s+family\s*=\s*\$1\s+AND\s+revoked_at\s+IS\s+NULL`).
		WithArgs("fam-1", at).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.RevokeFamily(context.Background(), "fam-1", at)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeFamily_DBError(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`UPDATE\s+refresh_tokens`).WillReturnError(errors.New("boom"))

	_, err := repo.RevokeFamily(context.Background(), "fam-1", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db error")
}

func TestLockFamily(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`SELECT\s+pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("fam-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.LockFamily(context.Background(), "fam-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListFamiliesForOwner(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`(?s)SELECT\s+DISTINCT\s+family.*WHERE\s+owner_id\s*=\s*\$1`).
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"family"}).AddRow("a").AddRow("b"))

	got, err := repo.ListFamiliesForOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestDeleteAllForOwner(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`(?s)DELETE\s+FROM\s+refresh_tokens\s+WHERE\s+owner_id\s*=\s*\$1`).
		WithArgs("owner-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteAllForOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestDeleteExpiredBefore(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	cutoff := time.Now().Add(-24 * time.Hour)

	mock.ExpectExec(`(?s)DELETE\s+FROM\s+refresh_tokens\s+WHERE\s+expires_at\s*<\s*\$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.DeleteExpiredBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
}

func TestDeleteExpiredBefore_DBError(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`DELETE\s+FROM\s+refresh_tokens`).WillReturnError(errors.New("db err"))

	_, err := repo.DeleteExpiredBefore(context.Background(), time.Now())
	require.Error(t, err)
}

func TestPostgresStore_AtomicCommitsAndRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs("fam-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = store.Atomic(context.Background(), func(ctx context.Context, repo Repository) error {
		return repo.LockFamily(ctx, "fam-1")
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = store.Atomic(context.Background(), func(ctx context.Context, repo Repository) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}
