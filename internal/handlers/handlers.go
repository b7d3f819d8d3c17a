package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	lf "github.com/untibullet/landkid/internal/logfield"
	"github.com/untibullet/landkid/internal/models"
	"github.com/untibullet/landkid/internal/queue"
)

// Коды ошибок для API
const (
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeInvalidTransition      = "INVALID_TRANSITION"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrCodeStoreUnavailable       = "STORE_UNAVAILABLE"
	ErrCodeBadRequest             = "BAD_REQUEST"
	ErrCodeInternal               = "INTERNAL"
)

type Handler struct {
	log    *queue.StatusLog
	view   *queue.View
	intake *queue.Intake
	banner *queue.Banner
	logger *zap.Logger
}

// New создает новый экземпляр обработчика
func New(log *queue.StatusLog, view *queue.View, intake *queue.Intake, banner *queue.Banner, logger *zap.Logger) *Handler {
	return &Handler{
		log:    log,
		view:   view,
		intake: intake,
		banner: banner,
		logger: logger,
	}
}

// ErrorResponse представляет структуру ошибки API
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newErrorResponse создает стандартный ответ с ошибкой
func newErrorResponse(code, message string) ErrorResponse {
	var resp ErrorResponse
	resp.Error.Code = code
	resp.Error.Message = message
	return resp
}

// TransitionRequest - тело запроса планировщика на смену состояния
type TransitionRequest struct {
	State   models.State `json:"state"`
	Reason  string       `json:"reason"`
	BuildID string       `json:"buildId"`
}

// BannerRequest - тело запроса на смену баннера; пустое сообщение убирает баннер
type BannerRequest struct {
	Message     string `json:"message"`
	MessageType string `json:"messageType"`
}

// CanLand проверяет, можно ли влить PR
func (h *Handler) CanLand(c echo.Context) error {
	h.logger.Info("CanLand: начало обработки запроса")

	var req queue.LandInput
	if err := c.Bind(&req); err != nil {
		h.logger.Error("CanLand: ошибка парсинга тела запроса", zap.Error(err))
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeBadRequest, "invalid request body"))
	}

	result, err := h.intake.CanLand(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, "CanLand", err)
	}

	h.logger.Info("CanLand: проверка завершена",
		lf.Repository(req.PullRequest.Repository),
		lf.PullRequestID(req.PullRequest.PullRequestID),
		zap.Bool("can_land", result.CanLand),
		zap.Int("errors_count", len(result.Errors)))
	return c.JSON(http.StatusOK, result)
}

// Land ставит PR в очередь
func (h *Handler) Land(c echo.Context) error {
	return h.land(c, "Land", h.intake.Land)
}

// LandWhenAble ставит PR в ожидание готовности
func (h *Handler) LandWhenAble(c echo.Context) error {
	return h.land(c, "LandWhenAble", h.intake.LandWhenAble)
}

type landFunc func(ctx context.Context, in queue.LandInput) (*models.LandRequestStatus, error)

func (h *Handler) land(c echo.Context, method string, do landFunc) error {
	h.logger.Info(method + ": начало обработки запроса")

	var req queue.LandInput
	if err := c.Bind(&req); err != nil {
		h.logger.Error(method+": ошибка парсинга тела запроса", zap.Error(err))
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeBadRequest, "invalid request body"))
	}

	status, err := do(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, method, err)
	}

	h.logger.Info(method+": заявка принята",
		lf.RequestID(status.RequestID),
		lf.State(status.State),
		lf.Repository(req.PullRequest.Repository),
		lf.PullRequestID(req.PullRequest.PullRequestID))
	return c.JSON(http.StatusOK, status)
}

// GetQueue возвращает ожидающие, очередь и активные заявки
func (h *Handler) GetQueue(c echo.Context) error {
	h.logger.Info("GetQueue: получение состояния очереди")

	snapshot, err := h.view.Snapshot(c.Request().Context())
	if err != nil {
		return h.fail(c, "GetQueue", err)
	}

	h.logger.Info("GetQueue: состояние очереди получено",
		zap.Int("waiting_count", len(snapshot.Waiting)),
		zap.Int("queue_count", len(snapshot.Queue)),
		zap.Int("running_count", len(snapshot.Running)))
	return c.JSON(http.StatusOK, snapshot)
}

// GetNextQueued возвращает самую старую заявку в queued
func (h *Handler) GetNextQueued(c echo.Context) error {
	h.logger.Info("GetNextQueued: получение следующей заявки")

	status, err := h.view.NextQueued(c.Request().Context())
	if err != nil {
		return h.fail(c, "GetNextQueued", err)
	}
	if status == nil {
		h.logger.Info("GetNextQueued: очередь пуста")
		return c.JSON(http.StatusNotFound, newErrorResponse(ErrCodeNotFound, "queue is empty"))
	}

	return c.JSON(http.StatusOK, status)
}

// GetQueuedRequest возвращает заявку, только если она все еще в queued
func (h *Handler) GetQueuedRequest(c echo.Context) error {
	requestID := c.Param("id")
	h.logger.Info("GetQueuedRequest: получение заявки", lf.RequestID(requestID))

	status, err := h.view.QueuedRequestByID(c.Request().Context(), requestID)
	if err != nil {
		return h.fail(c, "GetQueuedRequest", err)
	}
	if status == nil {
		h.logger.Info("GetQueuedRequest: заявка не в очереди", lf.RequestID(requestID))
		return c.JSON(http.StatusNotFound, newErrorResponse(ErrCodeNotFound, "request is not queued"))
	}

	return c.JSON(http.StatusOK, status)
}

// GetHistory возвращает историю статусов заявки
func (h *Handler) GetHistory(c echo.Context) error {
	requestID := c.Param("id")
	h.logger.Info("GetHistory: получение истории", lf.RequestID(requestID))

	history, err := h.log.History(c.Request().Context(), requestID)
	if err != nil {
		return h.fail(c, "GetHistory", err)
	}

	h.logger.Info("GetHistory: история получена", lf.RequestID(requestID), zap.Int("records_count", len(history)))
	return c.JSON(http.StatusOK, map[string]interface{}{"requestId": requestID, "history": history})
}

// Transition - точка входа планировщика: перевод заявки в новое состояние
func (h *Handler) Transition(c echo.Context) error {
	requestID := c.Param("id")
	h.logger.Info("Transition: начало обработки запроса", lf.RequestID(requestID))

	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		h.logger.Error("Transition: ошибка парсинга тела запроса", zap.Error(err))
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeBadRequest, "invalid request body"))
	}

	status, err := h.log.Transition(c.Request().Context(), requestID, req.State, models.StatusMetadata{
		Reason:  req.Reason,
		BuildID: req.BuildID,
	})
	if err != nil {
		return h.fail(c, "Transition", err)
	}

	h.logger.Info("Transition: состояние обновлено", lf.RequestID(requestID), lf.State(status.State))
	return c.JSON(http.StatusOK, status)
}

// GetBanner возвращает текущее сообщение баннера
func (h *Handler) GetBanner(c echo.Context) error {
	msg := h.banner.Get()
	if msg == nil {
		return c.JSON(http.StatusOK, models.BannerMessage{MessageType: models.MessageTypeDefault})
	}
	return c.JSON(http.StatusOK, msg)
}

// SetBanner заменяет или убирает сообщение баннера
func (h *Handler) SetBanner(c echo.Context) error {
	h.logger.Info("SetBanner: начало обработки запроса")

	var req BannerRequest
	if err := c.Bind(&req); err != nil {
		h.logger.Error("SetBanner: ошибка парсинга тела запроса", zap.Error(err))
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeBadRequest, "invalid request body"))
	}

	if req.Message == "" {
		h.banner.Clear()
		h.logger.Info("SetBanner: баннер убран")
		return h.GetBanner(c)
	}
	if err := h.banner.Set(req.Message, req.MessageType); err != nil {
		return h.fail(c, "SetBanner", err)
	}

	h.logger.Info("SetBanner: баннер обновлен", zap.String("message_type", req.MessageType))
	return h.GetBanner(c)
}

// RegisterRoutes регистрирует все роуты
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/can-land", h.CanLand)
	e.POST("/land", h.Land)
	e.POST("/land-when-able", h.LandWhenAble)

	e.GET("/queue", h.GetQueue)
	e.GET("/queue/next", h.GetNextQueued)

	requests := e.Group("/requests")
	requests.GET("/:id/queued", h.GetQueuedRequest)
	requests.GET("/:id/history", h.GetHistory)
	requests.POST("/:id/transition", h.Transition)

	e.GET("/banner", h.GetBanner)
	e.POST("/banner", h.SetBanner)
}
