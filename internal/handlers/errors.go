package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/untibullet/landkid/internal/queue"
)

// statusFor сопоставляет вид ошибки очереди с HTTP статусом и кодом API
func statusFor(err error) (int, string) {
	switch queue.Kind(err) {
	case queue.KindRequestNotFound:
		return http.StatusNotFound, ErrCodeNotFound
	case queue.KindInvalidTransition:
		return http.StatusConflict, ErrCodeInvalidTransition
	case queue.KindConcurrentModification:
		return http.StatusConflict, ErrCodeConcurrentModification
	case queue.KindInvalidInput:
		return http.StatusBadRequest, ErrCodeBadRequest
	case queue.KindStoreUnavailable:
		return http.StatusServiceUnavailable, ErrCodeStoreUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// fail пишет ответ с ошибкой. Отказ в доступе отдается с исходным кодом без изменений.
func (h *Handler) fail(c echo.Context, method string, err error) error {
	var accessErr *queue.AccessError
	if errors.As(err, &accessErr) {
		h.logger.Warn(method+": отказ в доступе", zap.String("code", accessErr.Code))
		return c.JSON(http.StatusForbidden, newErrorResponse(accessErr.Code, accessErr.Error()))
	}

	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(method+": ошибка обработки запроса", zap.Error(err), zap.String("code", code))
	} else {
		h.logger.Warn(method+": запрос отклонен", zap.Error(err), zap.String("code", code))
	}
	return c.JSON(status, newErrorResponse(code, err.Error()))
}
