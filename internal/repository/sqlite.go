package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/untibullet/landkid/internal/models"
	_ "modernc.org/sqlite"
)

// SQLite - журнал статусов во встроенной базе для одиночной установки.
// Все обращения идут через одно соединение, поэтому записи сериализованы.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite открывает (или создает) файл базы и применяет миграции
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}

	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_txlock", "immediate")
	dsn := "file:" + path + "?" + params.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := Migrate(ctx, db, DialectSQLite); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLite{db: db, path: path}, nil
}

// CreateRequest сохраняет заявку и ее первую запись журнала в одной транзакции.
// Транзакции открываются с _txlock=immediate, поэтому проверка незавершенной заявки
// для PR и вставка не перемежаются с другими писателями.
func (s *SQLite) CreateRequest(ctx context.Context, req *models.LandRequest, first *models.LandRequestStatus) (*models.LandRequestStatus, error) {
	if err := validateFirstStatus(req, first); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM land_requests WHERE id = ?`, req.ID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check land request existence: %w", err)
	}
	if exists > 0 {
		return nil, ErrAlreadyExists
	}

	openQuery, openArgs := buildOpenRequestQuery(req.PullRequest.Repository, req.PullRequest.PullRequestID,
		func(int) string { return "?" })
	var open bool
	if err := tx.QueryRowContext(ctx, openQuery, openArgs...).Scan(&open); err != nil {
		return nil, fmt.Errorf("failed to check open land request: %w", err)
	}
	if open {
		return nil, ErrConflict
	}

	pr := req.PullRequest
	_, err = tx.ExecContext(ctx,
		`INSERT INTO land_requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, pr.Repository, pr.PullRequestID, pr.SourceBranch, pr.TargetBranch, pr.Title,
		pr.AuthorID, req.Priority, req.TriggererID, req.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create land request: %w", err)
	}

	inserted := *first
	inserted.RequestID = req.ID
	inserted.IsLatest = true
	res, err := tx.ExecContext(ctx,
		`INSERT INTO land_request_statuses (request_id, state, date, is_latest, reason, build_id)
         VALUES (?, ?, ?, TRUE, ?, ?)`,
		inserted.RequestID, string(inserted.State), inserted.Date.UTC().UnixNano(), inserted.Reason, inserted.BuildID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert first status: %w", err)
	}
	if inserted.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	created := *req
	created.CreatedAt = fromUnixNano(req.CreatedAt.UTC().UnixNano())
	inserted.Date = fromUnixNano(inserted.Date.UTC().UnixNano())
	inserted.Request = &created
	return &inserted, nil
}

// GetRequest получает заявку по ID
func (s *SQLite) GetRequest(ctx context.Context, id string) (*models.LandRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM land_requests WHERE id = ?`, id)
	var (
		req     models.LandRequest
		created int64
	)
	pr := &req.PullRequest
	err := row.Scan(&req.ID, &pr.Repository, &pr.PullRequestID, &pr.SourceBranch, &pr.TargetBranch,
		&pr.Title, &pr.AuthorID, &req.Priority, &req.TriggererID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get land request: %w", err)
	}
	req.CreatedAt = fromUnixNano(created)
	return &req, nil
}

// LatestStatus получает последнюю запись журнала для заявки
func (s *SQLite) LatestStatus(ctx context.Context, requestID string) (*models.LandRequestStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+statusColumns+` FROM land_request_statuses WHERE request_id = ? AND is_latest = TRUE`, requestID)
	status, err := scanSQLiteStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest status: %w", err)
	}
	return status, nil
}

// AppendStatus добавляет запись в журнал в одной транзакции со снятием флага is_latest
func (s *SQLite) AppendStatus(ctx context.Context, expectedLatestID int64, status *models.LandRequestStatus) (*models.LandRequestStatus, error) {
	if err := validateStatus(status); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM land_requests WHERE id = ?`, status.RequestID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check land request existence: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	var currentID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM land_request_statuses WHERE request_id = ? AND is_latest = TRUE`, status.RequestID,
	).Scan(&currentID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read latest status: %w", err)
	}
	if currentID != expectedLatestID {
		return nil, ErrConflict
	}

	if currentID != 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE land_request_statuses SET is_latest = FALSE WHERE id = ?`, currentID); err != nil {
			return nil, fmt.Errorf("failed to clear latest flag: %w", err)
		}
	}

	inserted := *status
	inserted.IsLatest = true
	inserted.Request = nil
	res, err := tx.ExecContext(ctx,
		`INSERT INTO land_request_statuses (request_id, state, date, is_latest, reason, build_id)
         VALUES (?, ?, ?, TRUE, ?, ?)`,
		inserted.RequestID, string(inserted.State), inserted.Date.UTC().UnixNano(), inserted.Reason, inserted.BuildID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert status: %w", err)
	}
	if inserted.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	inserted.Date = fromUnixNano(inserted.Date.UTC().UnixNano())
	return &inserted, nil
}

// History возвращает всю историю статусов заявки в порядке добавления
func (s *SQLite) History(ctx context.Context, requestID string) ([]models.LandRequestStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+statusColumns+` FROM land_request_statuses WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get status history: %w", err)
	}
	defer rows.Close()

	var history []models.LandRequestStatus
	for rows.Next() {
		status, err := scanSQLiteStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}
		history = append(history, *status)
	}
	return history, rows.Err()
}

// ListLatest выполняет выборку по последним записям одним запросом
func (s *SQLite) ListLatest(ctx context.Context, filter StatusFilter) ([]models.LandRequestStatus, error) {
	query, args := buildLatestQuery(filter, func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest statuses: %w", err)
	}
	defer rows.Close()

	statuses := make([]models.LandRequestStatus, 0)
	for rows.Next() {
		var (
			status  models.LandRequestStatus
			req     models.LandRequest
			state   string
			date    int64
			created int64
		)
		err := rows.Scan(
			&status.ID, &status.RequestID, &state, &date, &status.IsLatest, &status.Reason, &status.BuildID,
			&req.ID, &req.PullRequest.Repository, &req.PullRequest.PullRequestID, &req.PullRequest.SourceBranch,
			&req.PullRequest.TargetBranch, &req.PullRequest.Title, &req.PullRequest.AuthorID,
			&req.Priority, &req.TriggererID, &created,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan latest status: %w", err)
		}
		status.State = models.State(state)
		status.Date = fromUnixNano(date)
		req.CreatedAt = fromUnixNano(created)
		status.Request = &req
		statuses = append(statuses, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate latest statuses: %w", err)
	}
	return statuses, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(connCtx)
}

// Close закрывает соединение с базой
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanSQLiteStatus(scanner interface{ Scan(dest ...any) error }) (*models.LandRequestStatus, error) {
	var (
		status models.LandRequestStatus
		state  string
		date   int64
	)
	if err := scanner.Scan(&status.ID, &status.RequestID, &state, &date, &status.IsLatest, &status.Reason, &status.BuildID); err != nil {
		return nil, err
	}
	status.State = models.State(state)
	status.Date = fromUnixNano(date)
	return &status, nil
}

func fromUnixNano(value int64) time.Time {
	return time.Unix(0, value).UTC()
}
