package repository

import (
	"context"
	"sync"

	"github.com/untibullet/landkid/internal/models"
)

// Memory - журнал статусов в памяти процесса: лог записей только на добавление
// и индекс "заявка -> позиция последней записи", которые меняются под одной блокировкой
type Memory struct {
	mu       sync.RWMutex
	requests map[string]models.LandRequest
	log      []models.LandRequestStatus
	latest   map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		requests: make(map[string]models.LandRequest),
		latest:   make(map[string]int),
	}
}

func (m *Memory) CreateRequest(_ context.Context, req *models.LandRequest, first *models.LandRequestStatus) (*models.LandRequestStatus, error) {
	if err := validateFirstStatus(req, first); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[req.ID]; ok {
		return nil, ErrAlreadyExists
	}
	if m.hasOpenRequest(req.PullRequest) {
		return nil, ErrConflict
	}

	m.requests[req.ID] = *req

	inserted := *first
	inserted.ID = int64(len(m.log) + 1)
	inserted.RequestID = req.ID
	inserted.IsLatest = true
	inserted.Request = nil
	m.log = append(m.log, inserted)
	m.latest[req.ID] = len(m.log) - 1

	created := *req
	inserted.Request = &created
	return &inserted, nil
}

// hasOpenRequest вызывается под блокировкой
func (m *Memory) hasOpenRequest(pr models.PullRequest) bool {
	for requestID, idx := range m.latest {
		other := m.requests[requestID].PullRequest
		if other.Repository == pr.Repository && other.PullRequestID == pr.PullRequestID &&
			m.log[idx].State.In(models.OpenStates) {
			return true
		}
	}
	return false
}

func (m *Memory) GetRequest(_ context.Context, id string) (*models.LandRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &req, nil
}

func (m *Memory) LatestStatus(_ context.Context, requestID string) (*models.LandRequestStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.latest[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	status := m.log[idx]
	return &status, nil
}

func (m *Memory) AppendStatus(_ context.Context, expectedLatestID int64, status *models.LandRequestStatus) (*models.LandRequestStatus, error) {
	if err := validateStatus(status); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[status.RequestID]; !ok {
		return nil, ErrNotFound
	}

	var currentID int64
	idx, hasLatest := m.latest[status.RequestID]
	if hasLatest {
		currentID = m.log[idx].ID
	}
	if currentID != expectedLatestID {
		return nil, ErrConflict
	}

	inserted := *status
	inserted.ID = int64(len(m.log) + 1)
	inserted.IsLatest = true
	inserted.Request = nil

	if hasLatest {
		m.log[idx].IsLatest = false
	}
	m.log = append(m.log, inserted)
	m.latest[status.RequestID] = len(m.log) - 1

	return &inserted, nil
}

func (m *Memory) History(_ context.Context, requestID string) ([]models.LandRequestStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var history []models.LandRequestStatus
	for _, status := range m.log {
		if status.RequestID == requestID {
			history = append(history, status)
		}
	}
	return history, nil
}

func (m *Memory) ListLatest(_ context.Context, filter StatusFilter) ([]models.LandRequestStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]models.LandRequestStatus, 0)
	for requestID, idx := range m.latest {
		req := m.requests[requestID]
		status := m.log[idx]
		if !filter.matches(&status, &req) {
			continue
		}
		status.Request = &req
		statuses = append(statuses, status)
	}

	SortStatuses(statuses, filter.Order)
	if filter.Limit > 0 && len(statuses) > filter.Limit {
		statuses = statuses[:filter.Limit]
	}
	return statuses, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
