package queue

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/untibullet/landkid/internal/models"
)

// Banner хранит сообщение, которое видят все пользователи виджета
type Banner struct {
	v atomic.Value
}

func NewBanner(message, messageType string) (*Banner, error) {
	b := &Banner{}
	if message == "" {
		return b, nil
	}
	if err := b.Set(message, messageType); err != nil {
		return nil, err
	}
	return b, nil
}

// Set заменяет сообщение; пустой тип означает default
func (b *Banner) Set(message, messageType string) error {
	if messageType == "" {
		messageType = models.MessageTypeDefault
	}
	switch messageType {
	case models.MessageTypeDefault, models.MessageTypeWarning, models.MessageTypeError:
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, messageType)
	}
	b.v.Store(models.BannerMessage{
		MessageExists: message != "",
		Message:       message,
		MessageType:   messageType,
	})
	return nil
}

func (b *Banner) Clear() {
	b.v.Store(models.BannerMessage{MessageType: models.MessageTypeDefault})
}

// Get возвращает сообщение или nil, если его нет
func (b *Banner) Get() *models.BannerMessage {
	msg, ok := b.v.Load().(models.BannerMessage)
	if !ok || !msg.MessageExists {
		return nil
	}
	return &msg
}
