package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/untibullet/landkid/internal/models"
)

const uniqueViolation = "23505"

// Postgres - журнал статусов поверх PostgreSQL
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateRequest сохраняет заявку и ее первую запись журнала в одной транзакции.
// Транзакционная advisory-блокировка по PR сериализует создание заявок для одного PR
// между всеми экземплярами сервиса; под ней проверяется, что незавершенной заявки нет.
func (r *Postgres) CreateRequest(ctx context.Context, req *models.LandRequest, first *models.LandRequestStatus) (*models.LandRequestStatus, error) {
	if err := validateFirstStatus(req, first); err != nil {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, pullRequestKey(req.PullRequest)); err != nil {
		return nil, fmt.Errorf("failed to lock pull request: %w", err)
	}

	openQuery, openArgs := buildOpenRequestQuery(req.PullRequest.Repository, req.PullRequest.PullRequestID,
		func(n int) string { return "$" + strconv.Itoa(n) })
	var open bool
	if err = tx.QueryRow(ctx, openQuery, openArgs...).Scan(&open); err != nil {
		return nil, fmt.Errorf("failed to check open land request: %w", err)
	}
	if open {
		return nil, ErrConflict
	}

	query := `
        INSERT INTO land_requests (` + requestColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `
	pr := req.PullRequest
	_, err = tx.Exec(ctx, query,
		req.ID, pr.Repository, pr.PullRequestID, pr.SourceBranch, pr.TargetBranch, pr.Title,
		pr.AuthorID, req.Priority, req.TriggererID, req.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create land request: %w", err)
	}

	inserted := *first
	inserted.RequestID = req.ID
	inserted.IsLatest = true
	insertQuery := `
        INSERT INTO land_request_statuses (request_id, state, date, is_latest, reason, build_id)
        VALUES ($1, $2, $3, TRUE, $4, $5)
        RETURNING id
    `
	err = tx.QueryRow(ctx, insertQuery,
		inserted.RequestID, string(inserted.State), inserted.Date, inserted.Reason, inserted.BuildID,
	).Scan(&inserted.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert first status: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	created := *req
	inserted.Request = &created
	return &inserted, nil
}

// GetRequest получает заявку по ID
func (r *Postgres) GetRequest(ctx context.Context, id string) (*models.LandRequest, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM land_requests WHERE id = $1`, id)
	req, err := scanPgRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get land request: %w", err)
	}
	return req, nil
}

// LatestStatus получает последнюю запись журнала для заявки
func (r *Postgres) LatestStatus(ctx context.Context, requestID string) (*models.LandRequestStatus, error) {
	query := `SELECT ` + statusColumns + ` FROM land_request_statuses WHERE request_id = $1 AND is_latest = TRUE`
	status, err := scanPgStatus(r.pool.QueryRow(ctx, query, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest status: %w", err)
	}
	return status, nil
}

// AppendStatus добавляет запись в журнал в одной транзакции со снятием флага is_latest.
// Текущая последняя запись блокируется через FOR UPDATE; если она отличается от
// expectedLatestID, возвращается ErrConflict.
func (r *Postgres) AppendStatus(ctx context.Context, expectedLatestID int64, status *models.LandRequestStatus) (*models.LandRequestStatus, error) {
	if err := validateStatus(status); err != nil {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM land_requests WHERE id = $1)`, status.RequestID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check land request existence: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	var currentID int64
	lockQuery := `SELECT id FROM land_request_statuses WHERE request_id = $1 AND is_latest = TRUE FOR UPDATE`
	err = tx.QueryRow(ctx, lockQuery, status.RequestID).Scan(&currentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to lock latest status: %w", err)
	}
	if currentID != expectedLatestID {
		return nil, ErrConflict
	}

	if currentID != 0 {
		_, err = tx.Exec(ctx, `UPDATE land_request_statuses SET is_latest = FALSE WHERE id = $1`, currentID)
		if err != nil {
			return nil, fmt.Errorf("failed to clear latest flag: %w", err)
		}
	}

	inserted := *status
	inserted.IsLatest = true
	inserted.Request = nil
	insertQuery := `
        INSERT INTO land_request_statuses (request_id, state, date, is_latest, reason, build_id)
        VALUES ($1, $2, $3, TRUE, $4, $5)
        RETURNING id
    `
	err = tx.QueryRow(ctx, insertQuery,
		inserted.RequestID, string(inserted.State), inserted.Date, inserted.Reason, inserted.BuildID,
	).Scan(&inserted.ID)
	if err != nil {
		// Вторая последняя запись для той же заявки упирается в частичный уникальный индекс
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to insert status: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &inserted, nil
}

// History возвращает всю историю статусов заявки в порядке добавления
func (r *Postgres) History(ctx context.Context, requestID string) ([]models.LandRequestStatus, error) {
	query := `SELECT ` + statusColumns + ` FROM land_request_statuses WHERE request_id = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get status history: %w", err)
	}
	defer rows.Close()

	var history []models.LandRequestStatus
	for rows.Next() {
		status, err := scanPgStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}
		history = append(history, *status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status history: %w", err)
	}
	return history, nil
}

// ListLatest выполняет выборку по последним записям одним запросом
func (r *Postgres) ListLatest(ctx context.Context, filter StatusFilter) ([]models.LandRequestStatus, error) {
	query, args := buildLatestQuery(filter, func(n int) string { return "$" + strconv.Itoa(n) })
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest statuses: %w", err)
	}
	defer rows.Close()

	statuses := make([]models.LandRequestStatus, 0)
	for rows.Next() {
		var (
			status models.LandRequestStatus
			req    models.LandRequest
			state  string
		)
		err := rows.Scan(
			&status.ID, &status.RequestID, &state, &status.Date, &status.IsLatest, &status.Reason, &status.BuildID,
			&req.ID, &req.PullRequest.Repository, &req.PullRequest.PullRequestID, &req.PullRequest.SourceBranch,
			&req.PullRequest.TargetBranch, &req.PullRequest.Title, &req.PullRequest.AuthorID,
			&req.Priority, &req.TriggererID, &req.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan latest status: %w", err)
		}
		status.State = models.State(state)
		status.Request = &req
		statuses = append(statuses, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate latest statuses: %w", err)
	}
	return statuses, nil
}

func (r *Postgres) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Postgres) Close() error {
	r.pool.Close()
	return nil
}

func scanPgRequest(row pgx.Row) (*models.LandRequest, error) {
	var req models.LandRequest
	pr := &req.PullRequest
	err := row.Scan(&req.ID, &pr.Repository, &pr.PullRequestID, &pr.SourceBranch, &pr.TargetBranch,
		&pr.Title, &pr.AuthorID, &req.Priority, &req.TriggererID, &req.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func scanPgStatus(row pgx.Row) (*models.LandRequestStatus, error) {
	var (
		status models.LandRequestStatus
		state  string
	)
	err := row.Scan(&status.ID, &status.RequestID, &state, &status.Date, &status.IsLatest, &status.Reason, &status.BuildID)
	if err != nil {
		return nil, err
	}
	status.State = models.State(state)
	return &status, nil
}
