package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untibullet/landkid/internal/models"
)

func TestCurrentQueueOrdersByPriorityThenDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1 := f.request(t, 1, 5, t0.Add(1*time.Second), models.StateQueued)
	r2 := f.request(t, 2, 1, t0.Add(2*time.Second), models.StateQueued)
	r3 := f.request(t, 3, 5, t0.Add(3*time.Second), models.StateQueued)

	queue, err := f.view.CurrentQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{r1.RequestID, r3.RequestID, r2.RequestID}, statusIDs(queue))
}

func TestCurrentQueueIsGlobalAcrossStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.request(t, 2, 1, t0.Add(50*time.Second), models.StateQueued, models.StateRunning)
	c := f.request(t, 3, 1, t0.Add(60*time.Second), models.StateQueued)
	a := f.request(t, 1, 10, t0.Add(100*time.Second), models.StateQueued)

	queue, err := f.view.CurrentQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.RequestID, b.RequestID, c.RequestID}, statusIDs(queue))
	assert.Equal(t, models.StateRunning, queue[1].State)

	active, err := f.view.ActiveRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b.RequestID}, statusIDs(active))
}

func TestCurrentQueueTieBreaksOnRecordID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r2 := f.request(t, 2, 0, t0, models.StateQueued)
	r1 := f.request(t, 1, 0, t0, models.StateQueued)

	queue, err := f.view.CurrentQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{r2.RequestID, r1.RequestID}, statusIDs(queue))
}

func TestNextQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	next, err := f.view.NextQueued(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	r := f.request(t, 1, 0, t0, models.StateQueued)

	next, err = f.view.NextQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, r.RequestID, next.RequestID)
	assert.Equal(t, models.StateQueued, next.State)

	f.moveTo(t, r.RequestID, t0.Add(time.Second), models.StateRunning)
	next, err = f.view.NextQueued(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNextQueuedIgnoresPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.request(t, 1, 1, t0.Add(1*time.Second), models.StateQueued)
	urgent := f.request(t, 2, 10, t0.Add(2*time.Second), models.StateQueued)

	next, err := f.view.NextQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, old.RequestID, next.RequestID)

	queue, err := f.view.CurrentQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, urgent.RequestID, queue[0].RequestID)
}

func TestQueuedRequestByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	missing, err := f.view.QueuedRequestByID(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)

	r := f.request(t, 1, 0, t0, models.StateQueued)

	queued, err := f.view.QueuedRequestByID(ctx, r.RequestID)
	require.NoError(t, err)
	require.NotNil(t, queued)
	assert.Equal(t, r.RequestID, queued.RequestID)

	f.moveTo(t, r.RequestID, t0.Add(time.Second), models.StateRunning)
	gone, err := f.view.QueuedRequestByID(ctx, r.RequestID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestWaitingRequestsOnlyHoldWillQueueWhenReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	late := f.request(t, 1, 10, t0.Add(2*time.Second), models.StateWillQueueWhenReady)
	early := f.request(t, 2, 0, t0.Add(1*time.Second), models.StateWillQueueWhenReady)
	queued := f.request(t, 3, 0, t0, models.StateQueued)

	waiting, err := f.view.WaitingRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{early.RequestID, late.RequestID}, statusIDs(waiting))

	queue, err := f.view.CurrentQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{queued.RequestID}, statusIDs(queue))

	active, err := f.view.ActiveRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestTerminalRequestsLeaveEveryView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.request(t, 1, 0, t0, models.StateQueued, models.StateRunning,
		models.StateAwaitingMerge, models.StateMerging, models.StateSuccess)

	snapshot, err := f.view.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snapshot.Waiting)
	assert.Empty(t, snapshot.Queue)
	assert.Empty(t, snapshot.Running)

	open, err := f.view.LatestForPullRequest(ctx, "atlassian/landkid", 1)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	waiting := f.request(t, 1, 0, t0, models.StateWillQueueWhenReady)
	queued := f.request(t, 2, 0, t0.Add(time.Second), models.StateQueued)
	running := f.request(t, 3, 0, t0.Add(2*time.Second), models.StateQueued, models.StateRunning, models.StateAwaitingMerge)

	snapshot, err := f.view.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{waiting.RequestID}, statusIDs(snapshot.Waiting))
	assert.Equal(t, []string{queued.RequestID, running.RequestID}, statusIDs(snapshot.Queue))
	assert.Equal(t, []string{running.RequestID}, statusIDs(snapshot.Running))
	require.NotNil(t, snapshot.Queue[0].Request)
	assert.Equal(t, 2, snapshot.Queue[0].Request.PullRequest.PullRequestID)
}

func TestSnapshotIsSingleReadMatchingIndividualQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	counting := &countingStore{Store: f.store}
	view := NewView(counting)

	f.request(t, 1, 0, t0.Add(3*time.Second), models.StateWillQueueWhenReady)
	f.request(t, 2, 0, t0.Add(1*time.Second), models.StateWillQueueWhenReady)
	f.request(t, 3, 1, t0.Add(4*time.Second), models.StateQueued)
	f.request(t, 4, 9, t0.Add(5*time.Second), models.StateQueued, models.StateRunning)
	f.request(t, 5, 1, t0.Add(2*time.Second), models.StateQueued, models.StateRunning, models.StateAwaitingMerge, models.StateMerging)
	f.request(t, 6, 9, t0.Add(6*time.Second), models.StateQueued, models.StateRunning, models.StateFail)

	snapshot, err := view.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), counting.lists.Load())

	waiting, err := f.view.WaitingRequests(ctx)
	require.NoError(t, err)
	queue, err := f.view.CurrentQueue(ctx)
	require.NoError(t, err)
	running, err := f.view.ActiveRequests(ctx)
	require.NoError(t, err)

	assert.Equal(t, statusIDs(waiting), statusIDs(snapshot.Waiting))
	assert.Equal(t, statusIDs(queue), statusIDs(snapshot.Queue))
	assert.Equal(t, statusIDs(running), statusIDs(snapshot.Running))
	assert.Len(t, snapshot.Waiting, 2)
	assert.Len(t, snapshot.Queue, 3)
	assert.Len(t, snapshot.Running, 2)
}

func TestViewSurfacesStoreFailure(t *testing.T) {
	f := newFixture(t)
	view := NewView(&brokenStore{Store: f.store})

	queue, err := view.CurrentQueue(context.Background())
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Nil(t, queue)

	next, err := view.NextQueued(context.Background())
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Nil(t, next)

	snapshot, err := view.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Nil(t, snapshot)
}
