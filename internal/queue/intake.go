package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	lf "github.com/untibullet/landkid/internal/logfield"
	"github.com/untibullet/landkid/internal/models"
)

// LandInput - данные запроса на вливание от виджета
type LandInput struct {
	PullRequest models.PullRequest `json:"pullRequest"`
	Priority    int                `json:"priority"`
	UserID      string             `json:"userId"`
}

func (in LandInput) validate() error {
	if strings.TrimSpace(in.PullRequest.Repository) == "" {
		return fmt.Errorf("%w: repository is required", ErrInvalidInput)
	}
	if in.PullRequest.PullRequestID <= 0 {
		return fmt.Errorf("%w: pull request id must be positive", ErrInvalidInput)
	}
	return nil
}

// CheckResult - результат внешних проверок PR (сборки, апрувы, права)
type CheckResult struct {
	Errors          []string
	Warnings        []string
	CanLandWhenAble bool
}

// Checker - внешний источник проверок PR. Отказ в доступе возвращается как *AccessError.
type Checker interface {
	Check(ctx context.Context, pr models.PullRequest, userID string) (CheckResult, error)
}

// StaticChecker отдает заранее заданный результат (например, на время работ)
type StaticChecker struct {
	Errors            []string
	Warnings          []string
	AllowLandWhenAble bool
}

func (c StaticChecker) Check(context.Context, models.PullRequest, string) (CheckResult, error) {
	return CheckResult{
		Errors:          append([]string(nil), c.Errors...),
		Warnings:        append([]string(nil), c.Warnings...),
		CanLandWhenAble: c.AllowLandWhenAble,
	}, nil
}

const intakeLockStripes = 64

// Intake принимает заявки от виджета. Обработка одного и того же PR
// сериализуется в процессе; между репликами вторую незавершенную заявку
// для PR не дает создать Store.
type Intake struct {
	log     *StatusLog
	view    *View
	checker Checker
	banner  *Banner
	logger  *zap.Logger

	locks [intakeLockStripes]sync.Mutex
}

func NewIntake(log *StatusLog, view *View, checker Checker, banner *Banner, logger *zap.Logger) *Intake {
	return &Intake{
		log:     log,
		view:    view,
		checker: checker,
		banner:  banner,
		logger:  logger.With(lf.Module("intake")),
	}
}

// Land ставит PR в очередь (queued)
func (i *Intake) Land(ctx context.Context, in LandInput) (*models.LandRequestStatus, error) {
	return i.intake(ctx, in, models.StateQueued)
}

// LandWhenAble ставит PR в ожидание (will-queue-when-ready)
func (i *Intake) LandWhenAble(ctx context.Context, in LandInput) (*models.LandRequestStatus, error) {
	return i.intake(ctx, in, models.StateWillQueueWhenReady)
}

func (i *Intake) intake(ctx context.Context, in LandInput, state models.State) (*models.LandRequestStatus, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	mu := i.lockFor(in.PullRequest)
	mu.Lock()
	defer mu.Unlock()

	meta := models.StatusMetadata{Reason: "requested by " + userOrUnknown(in.UserID)}

	existing, err := i.view.LatestForPullRequest(ctx, in.PullRequest.Repository, in.PullRequest.PullRequestID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		status, err := i.log.CreateRequest(ctx, in.PullRequest, in.Priority, in.UserID, state, meta)
		if !errors.Is(err, ErrConcurrentModification) {
			return status, err
		}
		// заявку для этого PR только что создала другая реплика
		existing, err = i.view.LatestForPullRequest(ctx, in.PullRequest.Repository, in.PullRequest.PullRequestID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("create land request for %s#%d: %w",
				in.PullRequest.Repository, in.PullRequest.PullRequestID, ErrConcurrentModification)
		}
	}

	i.logger.Info("reusing open land request",
		lf.RequestID(existing.RequestID), lf.FromState(existing.State), lf.State(state))
	return i.log.Transition(ctx, existing.RequestID, state, meta)
}

// CanLand объединяет внешние проверки с состоянием очереди
func (i *Intake) CanLand(ctx context.Context, in LandInput) (*models.CanLandResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	check, err := i.checker.Check(ctx, in.PullRequest, in.UserID)
	if err != nil {
		return nil, err
	}

	result := &models.CanLandResult{
		Errors:        append([]string{}, check.Errors...),
		Warnings:      append([]string{}, check.Warnings...),
		BannerMessage: i.banner.Get(),
	}

	existing, err := i.view.LatestForPullRequest(ctx, in.PullRequest.Repository, in.PullRequest.PullRequestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.State == models.StateWillQueueWhenReady {
			result.Errors = append(result.Errors, "This PR is already set to land when able")
		} else {
			result.Errors = append(result.Errors,
				fmt.Sprintf("This PR is already in the land queue (<b>%s</b>)", existing.State))
		}
	}

	result.CanLand = len(result.Errors) == 0
	result.CanLandWhenAble = !result.CanLand && existing == nil && check.CanLandWhenAble
	return result, nil
}

func (i *Intake) lockFor(pr models.PullRequest) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pr.Repository + "#" + strconv.Itoa(pr.PullRequestID)))
	return &i.locks[h.Sum32()%intakeLockStripes]
}

func userOrUnknown(userID string) string {
	if userID == "" {
		return "unknown user"
	}
	return userID
}
