// repository/repository.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/untibullet/landkid/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("latest status changed concurrently")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

// Order задает порядок выдачи последних статусов
type Order int

const (
	// OrderByDate - по возрастанию даты записи
	OrderByDate Order = iota
	// OrderByPriority - по убыванию приоритета заявки, затем по возрастанию даты
	OrderByPriority
)

// StatusFilter описывает выборку среди последних (is_latest) записей журнала
type StatusFilter struct {
	States        []models.State
	RequestID     string
	Repository    string
	PullRequestID int
	Order         Order
	Limit         int
}

// Store - хранилище журнала статусов.
// CreateRequest атомарно сохраняет заявку вместе с ее первой записью журнала:
// заявки без последней записи не бывает. Если у того же PR уже есть незавершенная
// заявка, возвращается ErrConflict.
// AppendStatus атомарно снимает флаг is_latest с текущей записи и вставляет новую,
// если текущая последняя запись совпадает с expectedLatestID.
type Store interface {
	CreateRequest(ctx context.Context, req *models.LandRequest, first *models.LandRequestStatus) (*models.LandRequestStatus, error)
	GetRequest(ctx context.Context, id string) (*models.LandRequest, error)
	LatestStatus(ctx context.Context, requestID string) (*models.LandRequestStatus, error)
	AppendStatus(ctx context.Context, expectedLatestID int64, status *models.LandRequestStatus) (*models.LandRequestStatus, error)
	History(ctx context.Context, requestID string) ([]models.LandRequestStatus, error)
	ListLatest(ctx context.Context, filter StatusFilter) ([]models.LandRequestStatus, error)
	Ping(ctx context.Context) error
	Close() error
}

const requestColumns = `id, repository, pull_request_id, source_branch, target_branch, title, author_id, priority, triggerer_id, created_at`

const statusColumns = `id, request_id, state, date, is_latest, reason, build_id`

const latestColumns = `s.id, s.request_id, s.state, s.date, s.is_latest, s.reason, s.build_id,
        r.id, r.repository, r.pull_request_id, r.source_branch, r.target_branch, r.title,
        r.author_id, r.priority, r.triggerer_id, r.created_at`

// buildLatestQuery собирает запрос к последним статусам; placeholder отдает
// плейсхолдер для n-го аргумента в синтаксисе конкретной базы
func buildLatestQuery(filter StatusFilter, placeholder func(n int) string) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	sb.WriteString(`SELECT ` + latestColumns + `
        FROM land_request_statuses s
        JOIN land_requests r ON r.id = s.request_id
        WHERE s.is_latest = TRUE`)

	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, state := range filter.States {
			marks[i] = arg(string(state))
		}
		sb.WriteString(` AND s.state IN (` + strings.Join(marks, ", ") + `)`)
	}
	if filter.RequestID != "" {
		sb.WriteString(` AND s.request_id = ` + arg(filter.RequestID))
	}
	if filter.Repository != "" {
		sb.WriteString(` AND r.repository = ` + arg(filter.Repository))
		sb.WriteString(` AND r.pull_request_id = ` + arg(filter.PullRequestID))
	}

	switch filter.Order {
	case OrderByPriority:
		sb.WriteString(` ORDER BY r.priority DESC, s.date ASC, s.id ASC`)
	default:
		sb.WriteString(` ORDER BY s.date ASC, s.id ASC`)
	}

	if filter.Limit > 0 {
		sb.WriteString(fmt.Sprintf(` LIMIT %d`, filter.Limit))
	}
	return sb.String(), args
}

// buildOpenRequestQuery проверяет, есть ли у PR незавершенная заявка
func buildOpenRequestQuery(repo string, pullRequestID int, placeholder func(n int) string) (string, []any) {
	query, args := buildLatestQuery(StatusFilter{
		States:        models.OpenStates,
		Repository:    repo,
		PullRequestID: pullRequestID,
		Limit:         1,
	}, placeholder)
	return `SELECT EXISTS(` + query + `)`, args
}

// pullRequestKey - ключ PR для блокировок
func pullRequestKey(pr models.PullRequest) string {
	return pr.Repository + "#" + strconv.Itoa(pr.PullRequestID)
}

// matches проверяет запись на соответствие фильтру (без учета is_latest)
func (f StatusFilter) matches(status *models.LandRequestStatus, req *models.LandRequest) bool {
	if len(f.States) > 0 && !status.State.In(f.States) {
		return false
	}
	if f.RequestID != "" && status.RequestID != f.RequestID {
		return false
	}
	if f.Repository != "" {
		if req == nil || req.PullRequest.Repository != f.Repository || req.PullRequest.PullRequestID != f.PullRequestID {
			return false
		}
	}
	return true
}

// SortStatuses упорядочивает записи так же, как ORDER BY в запросах к последним статусам
func SortStatuses(statuses []models.LandRequestStatus, order Order) {
	sort.Slice(statuses, func(i, j int) bool {
		a, b := &statuses[i], &statuses[j]
		if order == OrderByPriority && a.Priority() != b.Priority() {
			return a.Priority() > b.Priority()
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.ID < b.ID
	})
}

func validateRequest(req *models.LandRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("%w: land request id is required", ErrInvalidInput)
	}
	if req.PullRequest.Repository == "" {
		return fmt.Errorf("%w: repository is required", ErrInvalidInput)
	}
	return nil
}

// validateFirstStatus проверяет первую запись журнала новой заявки
func validateFirstStatus(req *models.LandRequest, first *models.LandRequestStatus) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	if first == nil || !first.State.Valid() {
		return fmt.Errorf("%w: first status is required", ErrInvalidInput)
	}
	if first.RequestID != "" && first.RequestID != req.ID {
		return fmt.Errorf("%w: first status belongs to another request", ErrInvalidInput)
	}
	return nil
}

func validateStatus(status *models.LandRequestStatus) error {
	if status == nil || status.RequestID == "" {
		return fmt.Errorf("%w: request id is required", ErrInvalidInput)
	}
	if !status.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidInput, status.State)
	}
	return nil
}
