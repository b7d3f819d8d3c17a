package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/untibullet/landkid/internal/models"
	"github.com/untibullet/landkid/internal/repository"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	store *repository.Memory
	clock *testClock
	log   *StatusLog
	view  *View
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemory()
	clock := &testClock{now: t0}
	log := NewStatusLog(store, zap.NewNop(), Options{
		MaxAttempts:     10,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Now:             clock.Now,
	})
	t.Cleanup(log.Close)
	return &fixture{store: store, clock: clock, log: log, view: NewView(store)}
}

var testPullRequest = models.PullRequest{
	Repository:   "atlassian/landkid",
	SourceBranch: "feature",
	TargetBranch: "master",
}

func pullRequest(prID int) models.PullRequest {
	pr := testPullRequest
	pr.PullRequestID = prID
	return pr
}

// request создает заявку в состоянии states[0] и проводит ее по остальным; все записи датируются at
func (f *fixture) request(t *testing.T, prID, priority int, at time.Time, states ...models.State) *models.LandRequestStatus {
	t.Helper()
	require.NotEmpty(t, states)
	f.clock.Set(at)
	status, err := f.log.CreateRequest(context.Background(), pullRequest(prID), priority, "user-1", states[0], models.StatusMetadata{})
	require.NoError(t, err)
	if len(states) > 1 {
		status = f.moveTo(t, status.RequestID, at, states[1:]...)
	}
	return status
}

// moveTo проводит заявку по цепочке состояний; последний переход датируется at
func (f *fixture) moveTo(t *testing.T, requestID string, at time.Time, states ...models.State) *models.LandRequestStatus {
	t.Helper()
	var status *models.LandRequestStatus
	for _, state := range states {
		f.clock.Set(at)
		var err error
		status, err = f.log.AppendStatus(context.Background(), requestID, state, models.StatusMetadata{})
		require.NoError(t, err)
	}
	return status
}

func (f *fixture) latestCount(t *testing.T, requestID string) int {
	t.Helper()
	history, err := f.store.History(context.Background(), requestID)
	require.NoError(t, err)
	count := 0
	for _, status := range history {
		if status.IsLatest {
			count++
		}
	}
	return count
}

func statusIDs(statuses []models.LandRequestStatus) []string {
	ids := make([]string, 0, len(statuses))
	for _, status := range statuses {
		ids = append(ids, status.RequestID)
	}
	return ids
}

// conflictingStore всегда проигрывает гонку при записи
type conflictingStore struct {
	repository.Store
	appends atomic.Int32
}

func (s *conflictingStore) AppendStatus(context.Context, int64, *models.LandRequestStatus) (*models.LandRequestStatus, error) {
	s.appends.Inc()
	return nil, repository.ErrConflict
}

var errBrokenStore = errors.New("connection refused")

// failingAppendStore отказывает на любой записи статуса
type failingAppendStore struct {
	repository.Store
}

func (s *failingAppendStore) AppendStatus(context.Context, int64, *models.LandRequestStatus) (*models.LandRequestStatus, error) {
	return nil, errBrokenStore
}

// staleReadStore один раз отдает пустой список последних записей,
// как реплика, не увидевшая чужую заявку
type staleReadStore struct {
	repository.Store
	stale atomic.Bool
}

func (s *staleReadStore) ListLatest(ctx context.Context, filter repository.StatusFilter) ([]models.LandRequestStatus, error) {
	if s.stale.CompareAndSwap(true, false) {
		return nil, nil
	}
	return s.Store.ListLatest(ctx, filter)
}

// countingStore считает чтения последних записей
type countingStore struct {
	repository.Store
	lists atomic.Int32
}

func (s *countingStore) ListLatest(ctx context.Context, filter repository.StatusFilter) ([]models.LandRequestStatus, error) {
	s.lists.Inc()
	return s.Store.ListLatest(ctx, filter)
}

// brokenStore имитирует недоступную базу на чтении очереди
type brokenStore struct {
	repository.Store
}

func (s *brokenStore) ListLatest(context.Context, repository.StatusFilter) ([]models.LandRequestStatus, error) {
	return nil, errBrokenStore
}

func (s *brokenStore) LatestStatus(context.Context, string) (*models.LandRequestStatus, error) {
	return nil, errBrokenStore
}
