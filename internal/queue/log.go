package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/karlseguin/ccache/v2"
	"go.uber.org/zap"

	lf "github.com/untibullet/landkid/internal/logfield"
	"github.com/untibullet/landkid/internal/models"
	"github.com/untibullet/landkid/internal/repository"
)

// Options - параметры журнала статусов
type Options struct {
	// MaxAttempts - сколько раз Transition пробует переход при гонке
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Заявки неизменяемы, поэтому их можно кешировать; статусы не кешируются
	RequestCacheSize int64
	RequestCacheTTL  time.Duration

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 10 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 500 * time.Millisecond
	}
	if o.RequestCacheSize <= 0 {
		o.RequestCacheSize = 1000
	}
	if o.RequestCacheTTL <= 0 {
		o.RequestCacheTTL = 10 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// StatusLog - единственная точка изменения журнала статусов.
// Проверяет переходы по таблице состояний и записывает их атомарно через Store.
type StatusLog struct {
	store    repository.Store
	requests *ccache.Cache
	opts     Options
	logger   *zap.Logger
}

func NewStatusLog(store repository.Store, logger *zap.Logger, opts Options) *StatusLog {
	opts = opts.withDefaults()
	return &StatusLog{
		store:    store,
		requests: ccache.New(ccache.Configure().MaxSize(opts.RequestCacheSize)),
		opts:     opts,
		logger:   logger.With(lf.Module("status_log")),
	}
}

// Close останавливает фоновую горутину кеша
func (l *StatusLog) Close() {
	l.requests.Stop()
}

// CreateRequest создает заявку сразу с первой записью журнала (state - состояние интейка).
// Заявка и запись сохраняются атомарно. Если у PR уже есть незавершенная заявка,
// возвращается ErrConcurrentModification.
func (l *StatusLog) CreateRequest(ctx context.Context, pr models.PullRequest, priority int, triggererID string, state models.State, meta models.StatusMetadata) (*models.LandRequestStatus, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, state)
	}
	if !models.CanTransition(models.StateNone, state) {
		return nil, fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, displayState(models.StateNone), state)
	}

	now := l.opts.Now().UTC()
	req := &models.LandRequest{
		ID:          uuid.New().String(),
		PullRequest: pr,
		Priority:    priority,
		TriggererID: triggererID,
		CreatedAt:   now,
	}
	status, err := l.store.CreateRequest(ctx, req, &models.LandRequestStatus{
		RequestID: req.ID,
		State:     state,
		Date:      now,
		Reason:    meta.Reason,
		BuildID:   meta.BuildID,
	})
	if err != nil {
		return nil, translate("create land request", err)
	}
	l.requests.Set(req.ID, *req, l.opts.RequestCacheTTL)

	l.logger.Info("land request created",
		lf.RequestID(req.ID),
		lf.StatusID(status.ID),
		lf.State(state),
		lf.Repository(pr.Repository),
		lf.PullRequestID(pr.PullRequestID),
		lf.UserID(triggererID))
	return status, nil
}

// Request возвращает заявку по ID
func (l *StatusLog) Request(ctx context.Context, requestID string) (*models.LandRequest, error) {
	if item := l.requests.Get(requestID); item != nil && !item.Expired() {
		if req, ok := item.Value().(models.LandRequest); ok {
			return &req, nil
		}
	}
	req, err := l.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, translate("get land request", err)
	}
	l.requests.Set(requestID, *req, l.opts.RequestCacheTTL)
	return req, nil
}

// Latest возвращает последнюю запись журнала заявки
func (l *StatusLog) Latest(ctx context.Context, requestID string) (*models.LandRequestStatus, error) {
	if _, err := l.Request(ctx, requestID); err != nil {
		return nil, err
	}
	return l.latest(ctx, requestID)
}

func (l *StatusLog) latest(ctx context.Context, requestID string) (*models.LandRequestStatus, error) {
	status, err := l.store.LatestStatus(ctx, requestID)
	if err != nil {
		return nil, translate("get latest status", err)
	}
	return status, nil
}

// History возвращает все записи журнала заявки в порядке добавления
func (l *StatusLog) History(ctx context.Context, requestID string) ([]models.LandRequestStatus, error) {
	if _, err := l.Request(ctx, requestID); err != nil {
		return nil, err
	}
	history, err := l.store.History(ctx, requestID)
	if err != nil {
		return nil, translate("get status history", err)
	}
	return history, nil
}

// AppendStatus переводит заявку в состояние state относительно текущей последней записи.
// Если последняя запись уже в состоянии state, переход считается выполненным
// и возвращается существующая запись: повтор после таймаута безопасен.
func (l *StatusLog) AppendStatus(ctx context.Context, requestID string, state models.State, meta models.StatusMetadata) (*models.LandRequestStatus, error) {
	if _, err := l.Request(ctx, requestID); err != nil {
		return nil, err
	}
	latest, err := l.latest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if latest.State == state {
		return latest, nil
	}
	return l.append(ctx, requestID, latest.ID, latest.State, state, meta)
}

// AppendStatusAfter выполняет переход, только если последняя запись заявки
// все еще expectedLatestID. Иначе ErrConcurrentModification.
func (l *StatusLog) AppendStatusAfter(ctx context.Context, requestID string, expectedLatestID int64, state models.State, meta models.StatusMetadata) (*models.LandRequestStatus, error) {
	if _, err := l.Request(ctx, requestID); err != nil {
		return nil, err
	}
	latest, err := l.latest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if latest.ID != expectedLatestID {
		return nil, fmt.Errorf("append status after %d: %w", expectedLatestID, ErrConcurrentModification)
	}
	return l.append(ctx, requestID, expectedLatestID, latest.State, state, meta)
}

// Transition - AppendStatus с ограниченным числом повторов при гонке.
// Ошибки RequestNotFound и InvalidTransition не повторяются; исчерпанные
// повторы возвращаются как ErrStoreUnavailable.
func (l *StatusLog) Transition(ctx context.Context, requestID string, state models.State, meta models.StatusMetadata) (*models.LandRequestStatus, error) {
	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = l.opts.InitialInterval
	expBackOff.MaxInterval = l.opts.MaxInterval
	expBackOff.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(expBackOff, uint64(l.opts.MaxAttempts-1)), ctx)

	var (
		result  *models.LandRequestStatus
		attempt int
	)
	operation := func() error {
		attempt++
		status, err := l.AppendStatus(ctx, requestID, state, meta)
		if err == nil {
			result = status
			return nil
		}
		if errors.Is(err, ErrConcurrentModification) {
			l.logger.Debug("status transition raced, retrying",
				lf.RequestID(requestID), lf.State(state), lf.Attempt(attempt))
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			l.logger.Warn("status transition retries exhausted",
				lf.RequestID(requestID), lf.State(state), lf.Attempt(attempt))
			return nil, fmt.Errorf("transition %s after %d attempts: %w: %w", state, attempt, ErrStoreUnavailable, err)
		}
		return nil, err
	}
	return result, nil
}

func (l *StatusLog) append(ctx context.Context, requestID string, expected int64, from, to models.State, meta models.StatusMetadata) (*models.LandRequestStatus, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, to)
	}
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, displayState(from), to)
	}

	status, err := l.store.AppendStatus(ctx, expected, &models.LandRequestStatus{
		RequestID: requestID,
		State:     to,
		Date:      l.opts.Now().UTC(),
		Reason:    meta.Reason,
		BuildID:   meta.BuildID,
	})
	if err != nil {
		return nil, translate("append status", err)
	}

	l.logger.Info("status appended",
		lf.RequestID(requestID),
		lf.StatusID(status.ID),
		lf.FromState(from),
		lf.State(to))
	return status, nil
}

func displayState(state models.State) models.State {
	if state == models.StateNone {
		return "none"
	}
	return state
}
