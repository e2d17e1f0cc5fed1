package tokens

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esse/crm/internal/common"
	"github.com/esse/crm/internal/cryptox"
	"github.com/esse/crm/internal/logging"
	"github.com/esse/crm/internal/server/metrics"
	"github.com/esse/crm/internal/server/models"
	"github.com/esse/crm/internal/server/repositories/refreshtokens"
)

const (
	lifetime  = 7 * 24 * time.Hour
	retention = 24 * time.Hour
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mu       sync.Mutex
	families []string
	err      error
}

func (o *recordingObserver) FamilyRevoked(_ context.Context, family string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.families = append(o.families, family)
	return o.err
}

func (o *recordingObserver) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.families...)
}

func cheapHasher(t *testing.T) *cryptox.Argon2Hasher {
	t.Helper()
	h, err := cryptox.NewArgon2Hasher(cryptox.Params{Time: 1, MemoryKB: 1024, Threads: 1})
	require.NoError(t, err)
	return h
}

type fixture struct {
	svc      *Service
	store    *refreshtokens.MemoryStore
	clock    *fakeClock
	observer *recordingObserver
	registry *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    refreshtokens.NewMemoryStore(),
		clock:    newFakeClock(),
		observer: &recordingObserver{},
		registry: prometheus.NewRegistry(),
	}
	f.svc = NewService(f.store, cheapHasher(t), lifetime, retention, logging.NewDiscardLogger(),
		WithClock(f.clock.Now),
		WithMetrics(metrics.New(f.registry)),
		WithObserver(f.observer),
	)
	return f
}

func (f *fixture) login(t *testing.T, owner string) *Issued {
	t.Helper()
	issued, err := f.svc.Issue(context.Background(), IssueParams{OwnerID: owner, DeviceInfo: "curl/8.0", IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	return issued
}

func (f *fixture) stored(t *testing.T, tokenID string) *models.RefreshToken {
	t.Helper()
	tok, err := f.store.Ledger().FindByTokenID(context.Background(), tokenID)
	require.NoError(t, err)
	return tok
}

func TestIssue_RawResolvesToActiveToken(t *testing.T) {
	f := newFixture(t)

	issued := f.login(t, "owner-1")

	id, secret, err := DecodeRaw(issued.Raw)
	require.NoError(t, err)
	assert.Equal(t, issued.Token.TokenID, id)
	assert.NotEqual(t, secret, issued.Token.SecretHash)

	got := f.stored(t, id)
	assert.Nil(t, got.RevokedAt)
	assert.Nil(t, got.LastUsedAt)
	assert.True(t, got.ExpiresAt.After(f.clock.Now()))
	assert.Equal(t, f.clock.Now().Add(lifetime), got.ExpiresAt)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, "curl/8.0", got.DeviceInfo)
	assert.Equal(t, "10.0.0.1", got.IPAddress)
	assert.NotEmpty(t, got.Family)

	ok, err := cheapHasher(t).Verify(secret, got.SecretHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIssue_NewLineagePerLogin(t *testing.T) {
	f := newFixture(t)

	a := f.login(t, "owner-1")
	b := f.login(t, "owner-1")

	assert.NotEqual(t, a.Token.TokenID, b.Token.TokenID)
	assert.NotEqual(t, a.Token.Family, b.Token.Family)
}

func TestIssue_ContinuesGivenFamily(t *testing.T) {
	f := newFixture(t)

	issued, err := f.svc.Issue(context.Background(), IssueParams{OwnerID: "owner-1", Family: "fam-x"})
	require.NoError(t, err)
	assert.Equal(t, "fam-x", issued.Token.Family)
}

func TestRotate_Once(t *testing.T) {
	f := newFixture(t)
	t0 := f.login(t, "owner-1")
	f.clock.Advance(time.Hour)

	t1, err := f.svc.Rotate(context.Background(), t0.Raw)
	require.NoError(t, err)

	assert.Equal(t, t0.Token.Family, t1.Token.Family)
	assert.NotEqual(t, t0.Token.TokenID, t1.Token.TokenID)
	assert.NotEqual(t, t0.Raw, t1.Raw)
	assert.Equal(t, "owner-1", t1.Token.OwnerID)
	assert.Equal(t, "curl/8.0", t1.Token.DeviceInfo)
	assert.Equal(t, f.clock.Now().Add(lifetime), t1.Token.ExpiresAt)

	retired := f.stored(t, t0.Token.TokenID)
	require.NotNil(t, retired.RevokedAt)
	require.NotNil(t, retired.LastUsedAt)
	assert.Equal(t, f.clock.Now(), *retired.RevokedAt)
	assert.Equal(t, f.clock.Now(), *retired.LastUsedAt)

	successor := f.stored(t, t1.Token.TokenID)
	assert.True(t, successor.IsActive(f.clock.Now()))
	assert.Empty(t, f.observer.seen())
}

func TestRotate_ReplayRevokesFamily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.login(t, "owner-1")

	t1, err := f.svc.Rotate(ctx, t0.Raw)
	require.NoError(t, err)

	_, err = f.svc.Rotate(ctx, t0.Raw)
	require.ErrorIs(t, err, common.ErrReuseDetected)

	assert.True(t, f.stored(t, t1.Token.TokenID).IsRevoked())
	assert.Equal(t, []string{t0.Token.Family}, f.observer.seen())

	_, err = f.svc.Rotate(ctx, t0.Raw)
	require.ErrorIs(t, err, common.ErrReuseDetected)
}

func TestRotate_TheftScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t0 := f.login(t, "owner-1")
	t1, err := f.svc.Rotate(ctx, t0.Raw)
	require.NoError(t, err)

	// attacker replays the stolen T0
	_, err = f.svc.Rotate(ctx, t0.Raw)
	require.ErrorIs(t, err, common.ErrReuseDetected)

	// legitimate client is now locked out as well
	_, err = f.svc.Rotate(ctx, t1.Raw)
	require.ErrorIs(t, err, common.ErrReuseDetected)

	family, err := f.store.Ledger().FindByFamily(ctx, t0.Token.Family)
	require.NoError(t, err)
	require.Len(t, family, 2)
	for _, tok := range family {
		assert.True(t, tok.IsRevoked(), tok.TokenID)
	}
}

func TestRotate_ExpiredNeverUsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.login(t, "owner-1")
	sibling, err := f.svc.Issue(ctx, IssueParams{OwnerID: "owner-1", Family: t0.Token.Family})
	require.NoError(t, err)

	f.clock.Advance(lifetime)

	_, err = f.svc.Rotate(ctx, t0.Raw)
	require.ErrorIs(t, err, common.ErrReuseDetected)

	expired := f.stored(t, t0.Token.TokenID)
	require.NotNil(t, expired.RevokedAt)
	assert.Nil(t, expired.LastUsedAt)
	assert.True(t, f.stored(t, sibling.Token.TokenID).IsRevoked())
}

func TestRotate_WrongSecretRevokesFamily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.login(t, "owner-1")

	forged := EncodeRaw(t0.Token.TokenID, "guessed-secret")
	_, err := f.svc.Rotate(ctx, forged)
	require.ErrorIs(t, err, common.ErrReuseDetected)

	stored := f.stored(t, t0.Token.TokenID)
	assert.True(t, stored.IsRevoked())
	assert.Nil(t, stored.LastUsedAt)

	_, err = f.svc.Rotate(ctx, t0.Raw)
	require.ErrorIs(t, err, common.ErrReuseDetected)
}

func TestRotate_CorruptStoredHashIsMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	require.NoError(t, f.store.Ledger().Insert(ctx, &models.RefreshToken{
		TokenID: "tid", OwnerID: "o", SecretHash: "not-a-phc-string", Family: "fam",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	_, err := f.svc.Rotate(ctx, EncodeRaw("tid", "secret"))
	require.ErrorIs(t, err, common.ErrReuseDetected)
	assert.True(t, f.stored(t, "tid").IsRevoked())
}

func TestRotate_MalformedAndUnknownLeaveNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.login(t, "owner-1")

	_, err := f.svc.Rotate(ctx, "%%%")
	require.ErrorIs(t, err, common.ErrMalformedToken)

	_, err = f.svc.Rotate(ctx, EncodeRaw("unknown-id", "secret"))
	require.ErrorIs(t, err, common.ErrTokenNotFound)

	_, err = f.svc.Rotate(ctx, EncodeRaw("\xff\xfe", "secret"))
	require.ErrorIs(t, err, common.ErrMalformedToken)
	_, err = f.svc.Rotate(ctx, EncodeRaw("id\x00x", "secret"))
	require.ErrorIs(t, err, common.ErrMalformedToken)

	assert.True(t, f.stored(t, t0.Token.TokenID).IsActive(f.clock.Now()))
	assert.Empty(t, f.observer.seen())
}

func TestRotate_ConcurrentSameToken(t *testing.T) {
	f := newFixture(t)
	t0 := f.login(t, "owner-1")

	const workers = 16
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		mu        sync.Mutex
		successes []*Issued
		reused    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			issued, err := f.svc.Rotate(context.Background(), t0.Raw)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes = append(successes, issued)
			case errors.Is(err, common.ErrReuseDetected):
				reused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, successes, 1)
	assert.Equal(t, workers-1, reused)
	assert.True(t, f.stored(t, successes[0].Token.TokenID).IsRevoked())
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.login(t, "owner-1")

	f.svc.Revoke(ctx, t0.Raw)
	first := f.stored(t, t0.Token.TokenID).RevokedAt
	require.NotNil(t, first)

	f.clock.Advance(time.Minute)
	f.svc.Revoke(ctx, t0.Raw)
	assert.Equal(t, *first, *f.stored(t, t0.Token.TokenID).RevokedAt)

	f.svc.Revoke(ctx, EncodeRaw("missing", "secret"))
	f.svc.Revoke(ctx, "not base64!")

	assert.Equal(t, []string{t0.Token.Family}, f.observer.seen())

	_, err := f.svc.Rotate(ctx, t0.Raw)
	require.ErrorIs(t, err, common.ErrReuseDetected)
}

func TestRevokeFamily_KeepsEarlierRevocations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.login(t, "owner-1")

	t1, err := f.svc.Rotate(ctx, t0.Raw)
	require.NoError(t, err)
	retiredAt := *f.stored(t, t0.Token.TokenID).RevokedAt

	f.clock.Advance(time.Hour)
	require.NoError(t, f.svc.RevokeFamily(ctx, t0.Token.Family))
	require.NoError(t, f.svc.RevokeFamily(ctx, t0.Token.Family))

	assert.Equal(t, retiredAt, *f.stored(t, t0.Token.TokenID).RevokedAt)
	assert.Equal(t, f.clock.Now(), *f.stored(t, t1.Token.TokenID).RevokedAt)
}

func TestRevokeAllForOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	phone := f.login(t, "alice")
	laptop := f.login(t, "alice")
	laptop2, err := f.svc.Rotate(ctx, laptop.Raw)
	require.NoError(t, err)
	bob := f.login(t, "bob")

	require.NoError(t, f.svc.RevokeAllForOwner(ctx, "alice"))

	for _, raw := range []string{phone.Raw, laptop.Raw, laptop2.Raw} {
		_, err := f.svc.Rotate(ctx, raw)
		require.ErrorIs(t, err, common.ErrTokenNotFound)
	}
	assert.ElementsMatch(t, []string{phone.Token.Family, laptop.Token.Family}, f.observer.seen())

	_, err = f.svc.Rotate(ctx, bob.Raw)
	require.NoError(t, err)
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.login(t, "owner-1")
	f.clock.Advance(lifetime + retention + time.Second)
	fresh := f.login(t, "owner-1")

	n, err := f.svc.PurgeExpired(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = f.store.Ledger().FindByTokenID(ctx, old.Token.TokenID)
	require.ErrorIs(t, err, common.ErrorNotFound)
	f.stored(t, fresh.Token.TokenID)
}

func TestPurgeExpired_KeepsRecentlyExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.login(t, "owner-1")
	f.clock.Advance(lifetime + time.Hour)

	n, err := f.svc.PurgeExpired(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.svc.Rotate(ctx, t0.Raw)
	require.ErrorIs(t, err, common.ErrReuseDetected)
}

func TestObserverFailureDoesNotMaskReuse(t *testing.T) {
	f := newFixture(t)
	f.observer.err = errors.New("redis down")
	ctx := context.Background()
	t0 := f.login(t, "owner-1")

	_, err := f.svc.Rotate(ctx, EncodeRaw(t0.Token.TokenID, "wrong"))
	require.ErrorIs(t, err, common.ErrReuseDetected)
	require.NoError(t, f.svc.RevokeFamily(ctx, t0.Token.Family))
}

type failingStore struct {
	*refreshtokens.MemoryStore
	err error
}

func (s *failingStore) Atomic(context.Context, func(context.Context, refreshtokens.Repository) error) error {
	return s.err
}

func TestRotate_LedgerFailure(t *testing.T) {
	mem := refreshtokens.NewMemoryStore()
	store := &failingStore{MemoryStore: mem, err: errors.New("connection reset")}
	svc := NewService(store, cheapHasher(t), lifetime, retention, logging.NewDiscardLogger())
	ctx := context.Background()

	t0, err := svc.Issue(ctx, IssueParams{OwnerID: "owner-1"})
	require.NoError(t, err)

	_, err = svc.Rotate(ctx, t0.Raw)
	require.Error(t, err)
	assert.NotErrorIs(t, err, common.ErrReuseDetected)
	assert.Contains(t, err.Error(), "connection reset")

	require.Error(t, svc.RevokeFamily(ctx, t0.Token.Family))
	require.Error(t, svc.RevokeAllForOwner(ctx, "owner-1"))
	svc.Revoke(ctx, t0.Raw)

	got, err := mem.Ledger().FindByTokenID(ctx, t0.Token.TokenID)
	require.NoError(t, err)
	assert.True(t, got.IsActive(time.Now()))
}

func TestRotate_ConflictSurfaces(t *testing.T) {
	store := &failingStore{MemoryStore: refreshtokens.NewMemoryStore(), err: common.ErrLedgerConflict}
	svc := NewService(store, cheapHasher(t), lifetime, retention, logging.NewDiscardLogger())
	ctx := context.Background()

	t0, err := svc.Issue(ctx, IssueParams{OwnerID: "owner-1"})
	require.NoError(t, err)

	_, err = svc.Rotate(ctx, t0.Raw)
	require.ErrorIs(t, err, common.ErrLedgerConflict)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.login(t, "owner-1")

	_, err := f.svc.Rotate(ctx, t0.Raw)
	require.NoError(t, err)
	_, err = f.svc.Rotate(ctx, t0.Raw)
	require.ErrorIs(t, err, common.ErrReuseDetected)

	expected := `
# HELP crm_refresh_token_reuse_detected_total Rotations rejected because a retired, expired or forged credential was presented.
# TYPE crm_refresh_token_reuse_detected_total counter
crm_refresh_token_reuse_detected_total 1
# HELP crm_refresh_tokens_issued_total Refresh tokens written to the ledger, including rotation successors.
# TYPE crm_refresh_tokens_issued_total counter
crm_refresh_tokens_issued_total 2
# HELP crm_refresh_tokens_rotated_total Successful refresh token rotations.
# TYPE crm_refresh_tokens_rotated_total counter
crm_refresh_tokens_rotated_total 1
`
	require.NoError(t, testutil.GatherAndCompare(f.registry, strings.NewReader(expected),
		"crm_refresh_tokens_issued_total",
		"crm_refresh_tokens_rotated_total",
		"crm_refresh_token_reuse_detected_total",
	))
}

type countingHasher struct {
	SecretHasher
	mu     sync.Mutex
	hashes int
}

func (h *countingHasher) Hash(secret string) (string, error) {
	h.mu.Lock()
	h.hashes++
	h.mu.Unlock()
	return h.SecretHasher.Hash(secret)
}

func (h *countingHasher) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hashes
}

func TestRotate_RejectedTokensMintNothing(t *testing.T) {
	hasher := &countingHasher{SecretHasher: cheapHasher(t)}
	clock := newFakeClock()
	svc := NewService(refreshtokens.NewMemoryStore(), hasher, lifetime, retention, logging.NewDiscardLogger(),
		WithClock(clock.Now))
	ctx := context.Background()

	t0, err := svc.Issue(ctx, IssueParams{OwnerID: "owner-1"})
	require.NoError(t, err)
	_, err = svc.Rotate(ctx, t0.Raw)
	require.NoError(t, err)
	require.Equal(t, 2, hasher.count())

	_, err = svc.Rotate(ctx, t0.Raw)
	require.ErrorIs(t, err, common.ErrReuseDetected)

	t2, err := svc.Issue(ctx, IssueParams{OwnerID: "owner-2"})
	require.NoError(t, err)
	_, err = svc.Rotate(ctx, EncodeRaw(t2.Token.TokenID, "guessed-secret"))
	require.ErrorIs(t, err, common.ErrReuseDetected)

	t3, err := svc.Issue(ctx, IssueParams{OwnerID: "owner-3"})
	require.NoError(t, err)
	clock.Advance(lifetime)
	_, err = svc.Rotate(ctx, t3.Raw)
	require.ErrorIs(t, err, common.ErrReuseDetected)

	assert.Equal(t, 4, hasher.count())
}

func TestRevoke_NotifiesWithoutCountingFamily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.login(t, "owner-1")
	t1 := f.login(t, "owner-2")

	f.svc.Revoke(ctx, t0.Raw)
	require.NoError(t, f.svc.RevokeFamily(ctx, t1.Token.Family))

	assert.Equal(t, []string{t0.Token.Family, t1.Token.Family}, f.observer.seen())
	expected := `
# HELP crm_refresh_token_families_revoked_total Token families revoked as a whole.
# TYPE crm_refresh_token_families_revoked_total counter
crm_refresh_token_families_revoked_total 1
`
	require.NoError(t, testutil.GatherAndCompare(f.registry, strings.NewReader(expected),
		"crm_refresh_token_families_revoked_total"))
}
