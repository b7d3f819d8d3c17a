package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/untibullet/landkid/internal/handlers"
	"github.com/untibullet/landkid/internal/models"
	"github.com/untibullet/landkid/internal/queue"
)

// APIError - ответ сервиса с ошибкой
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("landkid api: %d %s: %s", e.Status, e.Code, e.Message)
}

// History - история статусов одной заявки
type History struct {
	RequestID string                     `json:"requestId"`
	History   []models.LandRequestStatus `json:"history"`
}

// Client обращается к HTTP API очереди
type Client struct {
	client *resty.Client
}

func New(endpoint string) *Client {
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(time.Second * 10).
		SetRetryCount(3)

	return &Client{client: client}
}

// Queue возвращает ожидающие, очередь и активные заявки
func (c *Client) Queue(ctx context.Context) (*queue.Snapshot, error) {
	res := &queue.Snapshot{}
	if err := c.get(ctx, res, "/queue", nil); err != nil {
		return nil, err
	}
	return res, nil
}

// NextQueued возвращает голову очереди или nil, если очередь пуста
func (c *Client) NextQueued(ctx context.Context) (*models.LandRequestStatus, error) {
	res := &models.LandRequestStatus{}
	err := c.get(ctx, res, "/queue/next", nil)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// History возвращает историю статусов заявки
func (c *Client) History(ctx context.Context, requestID string) (*History, error) {
	res := &History{}
	if err := c.get(ctx, res, "/requests/{id}/history", map[string]string{"id": requestID}); err != nil {
		return nil, err
	}
	return res, nil
}

// Transition переводит заявку в новое состояние
func (c *Client) Transition(ctx context.Context, requestID string, state models.State, meta models.StatusMetadata) (*models.LandRequestStatus, error) {
	res := &models.LandRequestStatus{}
	errRes := &handlers.ErrorResponse{}
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(res).
		SetError(errRes).
		SetPathParam("id", requestID).
		SetBody(handlers.TransitionRequest{State: state, Reason: meta.Reason, BuildID: meta.BuildID}).
		Post("/requests/{id}/transition")
	if err != nil {
		return nil, fmt.Errorf("failed to transition request %s: %w", requestID, err)
	}
	if resp.IsError() {
		return nil, apiError(resp, errRes)
	}
	return res, nil
}

func (c *Client) get(ctx context.Context, result interface{}, path string, params map[string]string) error {
	errRes := &handlers.ErrorResponse{}
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(result).
		SetError(errRes).
		SetPathParams(params).
		Get(path)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	if resp.IsError() {
		return apiError(resp, errRes)
	}
	return nil
}

func apiError(resp *resty.Response, errRes *handlers.ErrorResponse) error {
	return &APIError{
		Status:  resp.StatusCode(),
		Code:    errRes.Error.Code,
		Message: errRes.Error.Message,
	}
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == handlers.ErrCodeNotFound
}
