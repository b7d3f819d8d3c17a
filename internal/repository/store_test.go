package repository

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/untibullet/landkid/internal/models"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) Store

// extraBackends пополняется тестами с build-тегами (например, integration)
var extraBackends = map[string]storeFactory{}

func backends() map[string]storeFactory {
	all := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "landkid.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
	for name, factory := range extraBackends {
		all[name] = factory
	}
	return all
}

func landRequest(id string, prID, priority int) *models.LandRequest {
	return &models.LandRequest{
		ID: id,
		PullRequest: models.PullRequest{
			Repository:    "atlassian/landkid",
			PullRequestID: prID,
			SourceBranch:  "feature/" + id,
			TargetBranch:  "master",
		},
		Priority:    priority,
		TriggererID: "user-1",
		CreatedAt:   baseTime,
	}
}

func firstStatus(state models.State, at time.Time) *models.LandRequestStatus {
	return &models.LandRequestStatus{State: state, Date: at, Reason: "requested by user-1"}
}

// newRequest создает заявку вместе с первой записью журнала
func newRequest(t *testing.T, store Store, id string, prID, priority int, state models.State, at time.Time) *models.LandRequestStatus {
	t.Helper()
	status, err := store.CreateRequest(context.Background(), landRequest(id, prID, priority), firstStatus(state, at))
	require.NoError(t, err)
	return status
}

func appendState(t *testing.T, store Store, requestID string, expected int64, state models.State, at time.Time) *models.LandRequestStatus {
	t.Helper()
	status, err := store.AppendStatus(context.Background(), expected, &models.LandRequestStatus{
		RequestID: requestID,
		State:     state,
		Date:      at,
	})
	require.NoError(t, err)
	return status
}

func latestCount(t *testing.T, store Store, requestID string) int {
	t.Helper()
	history, err := store.History(context.Background(), requestID)
	require.NoError(t, err)
	count := 0
	for _, status := range history {
		if status.IsLatest {
			count++
		}
	}
	return count
}

func TestStores(t *testing.T) {
	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("create writes first record", func(t *testing.T) { testCreateWritesFirstRecord(t, factory(t)) })
			t.Run("create requires first record", func(t *testing.T) { testCreateRequiresFirstRecord(t, factory(t)) })
			t.Run("single latest record", func(t *testing.T) { testSingleLatest(t, factory(t)) })
			t.Run("stale expected id", func(t *testing.T) { testStaleExpectedID(t, factory(t)) })
			t.Run("racing appends", func(t *testing.T) { testRacingAppends(t, factory(t)) })
			t.Run("unknown request", func(t *testing.T) { testUnknownRequest(t, factory(t)) })
			t.Run("duplicate request", func(t *testing.T) { testDuplicateRequest(t, factory(t)) })
			t.Run("open request per pull request", func(t *testing.T) { testOpenRequestPerPullRequest(t, factory(t)) })
			t.Run("racing creates", func(t *testing.T) { testRacingCreates(t, factory(t)) })
			t.Run("list latest ordering", func(t *testing.T) { testListLatestOrdering(t, factory(t)) })
			t.Run("list latest filters", func(t *testing.T) { testListLatestFilters(t, factory(t)) })
		})
	}
}

func testCreateWritesFirstRecord(t *testing.T, store Store) {
	ctx := context.Background()
	created := newRequest(t, store, "req-a", 1, 4, models.StateWillQueueWhenReady, baseTime)

	assert.Equal(t, "req-a", created.RequestID)
	assert.Equal(t, models.StateWillQueueWhenReady, created.State)
	assert.True(t, created.IsLatest)
	assert.NotZero(t, created.ID)
	require.NotNil(t, created.Request)
	assert.Equal(t, 4, created.Request.Priority)

	latest, err := store.LatestStatus(ctx, "req-a")
	require.NoError(t, err)
	assert.Equal(t, created.ID, latest.ID)
	assert.Equal(t, "requested by user-1", latest.Reason)
	assert.True(t, latest.Date.Equal(baseTime))

	history, err := store.History(ctx, "req-a")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func testCreateRequiresFirstRecord(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.CreateRequest(ctx, landRequest("req-a", 1, 0), nil)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = store.CreateRequest(ctx, landRequest("req-a", 1, 0), firstStatus(models.State("exploded"), baseTime))
	require.ErrorIs(t, err, ErrInvalidInput)

	other := firstStatus(models.StateQueued, baseTime)
	other.RequestID = "req-b"
	_, err = store.CreateRequest(ctx, landRequest("req-a", 1, 0), other)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = store.GetRequest(ctx, "req-a")
	require.ErrorIs(t, err, ErrNotFound)
}

func testSingleLatest(t *testing.T, store Store) {
	ctx := context.Background()
	first := newRequest(t, store, "req-a", 1, 0, models.StateQueued, baseTime)
	assert.Equal(t, 1, latestCount(t, store, "req-a"))

	prev := first.ID
	for i, state := range []models.State{models.StateRunning, models.StateAwaitingMerge, models.StateMerging, models.StateSuccess} {
		status := appendState(t, store, "req-a", prev, state, baseTime.Add(time.Duration(i+1)*time.Minute))
		assert.True(t, status.IsLatest)
		assert.Equal(t, 1, latestCount(t, store, "req-a"))

		latest, err := store.LatestStatus(ctx, "req-a")
		require.NoError(t, err)
		assert.Equal(t, status.ID, latest.ID)
		assert.Equal(t, state, latest.State)
		prev = status.ID
	}

	history, err := store.History(ctx, "req-a")
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, models.StateQueued, history[0].State)
	assert.Equal(t, models.StateSuccess, history[4].State)
	assert.True(t, history[0].Date.Equal(baseTime))
}

func testStaleExpectedID(t *testing.T, store Store) {
	ctx := context.Background()
	first := newRequest(t, store, "req-a", 1, 0, models.StateQueued, baseTime)

	_, err := store.AppendStatus(ctx, 0, &models.LandRequestStatus{RequestID: "req-a", State: models.StateRunning, Date: baseTime})
	require.ErrorIs(t, err, ErrConflict)

	appendState(t, store, "req-a", first.ID, models.StateRunning, baseTime.Add(time.Second))

	_, err = store.AppendStatus(ctx, first.ID, &models.LandRequestStatus{RequestID: "req-a", State: models.StateCancelled, Date: baseTime})
	require.ErrorIs(t, err, ErrConflict)

	history, err := store.History(ctx, "req-a")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, 1, latestCount(t, store, "req-a"))
}

func testRacingAppends(t *testing.T, store Store) {
	ctx := context.Background()
	first := newRequest(t, store, "req-a", 1, 0, models.StateQueued, baseTime)

	const writers = 8
	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendStatus(ctx, first.ID, &models.LandRequestStatus{
				RequestID: "req-a",
				State:     models.StateRunning,
				Date:      baseTime.Add(time.Second),
			})
			switch {
			case err == nil:
				wins.Inc()
			case errors.Is(err, ErrConflict):
				conflicts.Inc()
			default:
				t.Errorf("unexpected append error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(writers-1), conflicts.Load())

	history, err := store.History(ctx, "req-a")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, 1, latestCount(t, store, "req-a"))
}

func testUnknownRequest(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.AppendStatus(ctx, 0, &models.LandRequestStatus{RequestID: "missing", State: models.StateQueued, Date: baseTime})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetRequest(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.LatestStatus(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func testDuplicateRequest(t *testing.T, store Store) {
	ctx := context.Background()
	newRequest(t, store, "req-a", 1, 0, models.StateQueued, baseTime)

	_, err := store.CreateRequest(ctx, landRequest("req-a", 2, 0), firstStatus(models.StateQueued, baseTime))
	require.ErrorIs(t, err, ErrAlreadyExists)

	fetched, err := store.GetRequest(ctx, "req-a")
	require.NoError(t, err)
	assert.Equal(t, 1, fetched.PullRequest.PullRequestID)
	assert.True(t, fetched.CreatedAt.Equal(baseTime))

	history, err := store.History(ctx, "req-a")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func testOpenRequestPerPullRequest(t *testing.T, store Store) {
	ctx := context.Background()
	open := newRequest(t, store, "req-a", 1, 0, models.StateWillQueueWhenReady, baseTime)

	_, err := store.CreateRequest(ctx, landRequest("req-b", 1, 0), firstStatus(models.StateQueued, baseTime))
	require.ErrorIs(t, err, ErrConflict)
	_, err = store.GetRequest(ctx, "req-b")
	require.ErrorIs(t, err, ErrNotFound)

	// другой PR того же репозитория не мешает
	newRequest(t, store, "req-c", 2, 0, models.StateQueued, baseTime)

	appendState(t, store, "req-a", open.ID, models.StateCancelled, baseTime.Add(time.Minute))
	reopened := newRequest(t, store, "req-b", 1, 0, models.StateQueued, baseTime.Add(2*time.Minute))
	assert.Equal(t, "req-b", reopened.RequestID)

	forPR, err := store.ListLatest(ctx, StatusFilter{
		States:        models.OpenStates,
		Repository:    "atlassian/landkid",
		PullRequestID: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"req-b"}, requestIDs(forPR))
}

func testRacingCreates(t *testing.T, store Store) {
	ctx := context.Background()

	const writers = 8
	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.CreateRequest(ctx, landRequest("req-"+strconv.Itoa(i), 7, 0), firstStatus(models.StateQueued, baseTime))
			switch {
			case err == nil:
				wins.Inc()
			case errors.Is(err, ErrConflict):
				conflicts.Inc()
			default:
				t.Errorf("unexpected create error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(writers-1), conflicts.Load())

	all, err := store.ListLatest(ctx, StatusFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testListLatestOrdering(t *testing.T, store Store) {
	ctx := context.Background()

	// вставка в "перемешанном" порядке не должна влиять на результат
	newRequest(t, store, "req-c", 3, 5, models.StateQueued, baseTime.Add(3*time.Minute))
	newRequest(t, store, "req-a", 1, 5, models.StateQueued, baseTime.Add(1*time.Minute))
	newRequest(t, store, "req-b", 2, 1, models.StateQueued, baseTime.Add(2*time.Minute))

	byPriority, err := store.ListLatest(ctx, StatusFilter{States: models.QueueStates, Order: OrderByPriority})
	require.NoError(t, err)
	assert.Equal(t, []string{"req-a", "req-c", "req-b"}, requestIDs(byPriority))
	require.NotNil(t, byPriority[0].Request)
	assert.Equal(t, 5, byPriority[0].Request.Priority)

	byDate, err := store.ListLatest(ctx, StatusFilter{States: models.QueueStates, Order: OrderByDate})
	require.NoError(t, err)
	assert.Equal(t, []string{"req-a", "req-b", "req-c"}, requestIDs(byDate))

	first, err := store.ListLatest(ctx, StatusFilter{States: []models.State{models.StateQueued}, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"req-a"}, requestIDs(first))

	// тот же порядок, что и у ORDER BY в запросах к базе
	SortStatuses(byDate, OrderByPriority)
	assert.Equal(t, requestIDs(byPriority), requestIDs(byDate))
}

func testListLatestFilters(t *testing.T, store Store) {
	ctx := context.Background()
	qa := newRequest(t, store, "req-a", 1, 0, models.StateQueued, baseTime)
	appendState(t, store, "req-a", qa.ID, models.StateRunning, baseTime.Add(time.Minute))
	newRequest(t, store, "req-b", 2, 0, models.StateWillQueueWhenReady, baseTime)

	running, err := store.ListLatest(ctx, StatusFilter{States: models.ActiveStates})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, models.StateRunning, running[0].State)
	assert.True(t, running[0].IsLatest)

	queued, err := store.ListLatest(ctx, StatusFilter{States: []models.State{models.StateQueued}, RequestID: "req-a"})
	require.NoError(t, err)
	assert.Empty(t, queued)

	forPR, err := store.ListLatest(ctx, StatusFilter{
		States:        models.OpenStates,
		Repository:    "atlassian/landkid",
		PullRequestID: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"req-b"}, requestIDs(forPR))

	all, err := store.ListLatest(ctx, StatusFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func requestIDs(statuses []models.LandRequestStatus) []string {
	ids := make([]string, 0, len(statuses))
	for _, status := range statuses {
		ids = append(ids, status.RequestID)
	}
	return ids
}

func TestBuildLatestQuery(t *testing.T) {
	query, args := buildLatestQuery(StatusFilter{
		States:        []models.State{models.StateQueued, models.StateRunning},
		Repository:    "atlassian/landkid",
		PullRequestID: 7,
		Order:         OrderByPriority,
		Limit:         1,
	}, func(n int) string { return "$" + string(rune('0'+n)) })

	assert.Contains(t, query, "s.is_latest = TRUE")
	assert.Contains(t, query, "s.state IN ($1, $2)")
	assert.Contains(t, query, "r.repository = $3")
	assert.Contains(t, query, "r.pull_request_id = $4")
	assert.True(t, strings.HasSuffix(query, "ORDER BY r.priority DESC, s.date ASC, s.id ASC LIMIT 1"))
	assert.Equal(t, []any{"queued", "running", "atlassian/landkid", 7}, args)
}

func TestBuildOpenRequestQuery(t *testing.T) {
	query, args := buildOpenRequestQuery("atlassian/landkid", 7, func(int) string { return "?" })

	assert.True(t, strings.HasPrefix(query, "SELECT EXISTS("))
	assert.Contains(t, query, "r.repository = ?")
	assert.Contains(t, query, "r.pull_request_id = ?")
	assert.True(t, strings.HasSuffix(query, "LIMIT 1)"))
	require.Len(t, args, len(models.OpenStates)+2)
	assert.Equal(t, []any{"atlassian/landkid", 7}, args[len(models.OpenStates):])
}

func TestMigrateRejectsUnknownDialect(t *testing.T) {
	err := Migrate(context.Background(), nil, Dialect("oracle"))
	require.ErrorIs(t, err, ErrInvalidInput)
}
