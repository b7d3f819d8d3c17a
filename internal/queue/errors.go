package queue

import (
	"errors"
	"fmt"

	"github.com/untibullet/landkid/internal/repository"
)

var (
	ErrRequestNotFound        = errors.New("land request not found")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrConcurrentModification = errors.New("latest status was modified concurrently")
	ErrStoreUnavailable       = errors.New("status store unavailable")
	ErrInvalidInput           = errors.New("invalid input")
)

// Виды ошибок, которые видит внешний слой
const (
	KindRequestNotFound        = "RequestNotFound"
	KindInvalidTransition      = "InvalidTransition"
	KindConcurrentModification = "ConcurrentModification"
	KindStoreUnavailable       = "StoreUnavailable"
	KindInvalidInput           = "InvalidInput"
	KindAccessDenied           = "AccessDenied"
	KindUnknown                = "Unknown"
)

// Коды отказа в доступе, которые приходят из внешнего слоя авторизации
const (
	CodeUserDeniedAccess        = "USER_DENIED_ACCESS"
	CodeUserAlreadyDeniedAccess = "USER_ALREADY_DENIED_ACCESS"
)

// AccessError - отказ в доступе от внешнего слоя; код передается наружу без изменений
type AccessError struct {
	Code    string
	Message string
}

func (e *AccessError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Kind возвращает вид ошибки. StoreUnavailable проверяется раньше
// ConcurrentModification: исчерпанные повторы оборачивают обе ошибки.
func Kind(err error) string {
	var accessErr *AccessError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &accessErr):
		return KindAccessDenied
	case errors.Is(err, ErrRequestNotFound):
		return KindRequestNotFound
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrConcurrentModification):
		return KindConcurrentModification
	default:
		return KindUnknown
	}
}

// translate переводит ошибки хранилища в таксономию очереди
func translate(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrRequestNotFound)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%s: %w", op, ErrConcurrentModification)
	case errors.Is(err, repository.ErrInvalidInput):
		return fmt.Errorf("%s: %w: %w", op, ErrInvalidInput, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
}
