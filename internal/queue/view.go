package queue

import (
	"context"
	"slices"

	"github.com/untibullet/landkid/internal/models"
	"github.com/untibullet/landkid/internal/repository"
)

// View - запросы на чтение, восстанавливающие очередь по последним записям журнала.
// Собственного состояния не хранит: каждый вызов - одно согласованное чтение Store.
type View struct {
	store repository.Store
}

func NewView(store repository.Store) *View {
	return &View{store: store}
}

// Snapshot - состояние очереди для отображения
type Snapshot struct {
	Waiting []models.LandRequestStatus `json:"waiting"`
	Queue   []models.LandRequestStatus `json:"queue"`
	Running []models.LandRequestStatus `json:"running"`
}

// WaitingRequests - заявки в will-queue-when-ready, старые первыми
func (v *View) WaitingRequests(ctx context.Context) ([]models.LandRequestStatus, error) {
	return v.list(ctx, "waiting requests", repository.StatusFilter{
		States: models.WaitingStates,
		Order:  repository.OrderByDate,
	})
}

// CurrentQueue - queued, running, awaiting-merge и merging одним списком:
// по убыванию приоритета заявки, внутри приоритета по времени
func (v *View) CurrentQueue(ctx context.Context) ([]models.LandRequestStatus, error) {
	return v.list(ctx, "current queue", repository.StatusFilter{
		States: models.QueueStates,
		Order:  repository.OrderByPriority,
	})
}

// ActiveRequests - заявки, занимающие слоты запуска, старые первыми
func (v *View) ActiveRequests(ctx context.Context) ([]models.LandRequestStatus, error) {
	return v.list(ctx, "active requests", repository.StatusFilter{
		States: models.ActiveStates,
		Order:  repository.OrderByDate,
	})
}

// NextQueued - самая старая заявка в queued. Приоритет здесь не учитывается,
// в отличие от CurrentQueue. nil, если очередь пуста.
func (v *View) NextQueued(ctx context.Context) (*models.LandRequestStatus, error) {
	return v.first(ctx, "next queued", repository.StatusFilter{
		States: []models.State{models.StateQueued},
		Order:  repository.OrderByDate,
		Limit:  1,
	})
}

// QueuedRequestByID возвращает последнюю запись заявки, только если она в queued.
// Для неизвестной заявки и для заявки, ушедшей из queued, ответ одинаковый: nil.
func (v *View) QueuedRequestByID(ctx context.Context, requestID string) (*models.LandRequestStatus, error) {
	return v.first(ctx, "queued request by id", repository.StatusFilter{
		States:    []models.State{models.StateQueued},
		RequestID: requestID,
		Limit:     1,
	})
}

// LatestForPullRequest - незавершенная заявка для PR или nil
func (v *View) LatestForPullRequest(ctx context.Context, repo string, pullRequestID int) (*models.LandRequestStatus, error) {
	return v.first(ctx, "latest for pull request", repository.StatusFilter{
		States:        models.OpenStates,
		Repository:    repo,
		PullRequestID: pullRequestID,
		Order:         repository.OrderByDate,
		Limit:         1,
	})
}

// Snapshot собирает ожидающие, очередь и активные заявки из одного чтения
// последних записей, поэтому три списка согласованы между собой
func (v *View) Snapshot(ctx context.Context) (*Snapshot, error) {
	open, err := v.list(ctx, "queue snapshot", repository.StatusFilter{
		States: models.OpenStates,
		Order:  repository.OrderByDate,
	})
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		Waiting: []models.LandRequestStatus{},
		Queue:   []models.LandRequestStatus{},
		Running: []models.LandRequestStatus{},
	}
	for _, status := range open {
		if slices.Contains(models.WaitingStates, status.State) {
			snapshot.Waiting = append(snapshot.Waiting, status)
		}
		if slices.Contains(models.QueueStates, status.State) {
			snapshot.Queue = append(snapshot.Queue, status)
		}
		if slices.Contains(models.ActiveStates, status.State) {
			snapshot.Running = append(snapshot.Running, status)
		}
	}
	repository.SortStatuses(snapshot.Queue, repository.OrderByPriority)
	return snapshot, nil
}

func (v *View) list(ctx context.Context, op string, filter repository.StatusFilter) ([]models.LandRequestStatus, error) {
	statuses, err := v.store.ListLatest(ctx, filter)
	if err != nil {
		return nil, translate(op, err)
	}
	return statuses, nil
}

func (v *View) first(ctx context.Context, op string, filter repository.StatusFilter) (*models.LandRequestStatus, error) {
	statuses, err := v.list(ctx, op, filter)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, nil
	}
	return &statuses[0], nil
}
