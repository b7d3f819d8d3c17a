// models/models.go
package models

import "time"

// PullRequest описывает PR, который пользователь хочет влить
type PullRequest struct {
	Repository    string `json:"repository" db:"repository"`
	PullRequestID int    `json:"pullRequestId" db:"pull_request_id"`
	SourceBranch  string `json:"sourceBranch" db:"source_branch"`
	TargetBranch  string `json:"targetBranch" db:"target_branch"`
	Title         string `json:"title" db:"title"`
	AuthorID      string `json:"authorId" db:"author_id"`
}

// LandRequest - намерение пользователя влить конкретный PR через очередь.
// После создания не изменяется, текущий статус вычисляется по журналу статусов.
type LandRequest struct {
	ID          string      `json:"id" db:"id"`
	PullRequest PullRequest `json:"pullRequest"`
	Priority    int         `json:"priority" db:"priority"`
	TriggererID string      `json:"triggererId" db:"triggerer_id"`
	CreatedAt   time.Time   `json:"createdAt" db:"created_at"`
}

// StatusMetadata - необязательные данные, сопровождающие переход
type StatusMetadata struct {
	Reason  string `json:"reason,omitempty"`
	BuildID string `json:"buildId,omitempty"`
}

// LandRequestStatus - одна запись журнала статусов заявки
type LandRequestStatus struct {
	ID        int64        `json:"id" db:"id"`
	RequestID string       `json:"requestId" db:"request_id"`
	State     State        `json:"state" db:"state"`
	Date      time.Time    `json:"date" db:"date"`
	IsLatest  bool         `json:"isLatest" db:"is_latest"`
	Reason    string       `json:"reason,omitempty" db:"reason"`
	BuildID   string       `json:"buildId,omitempty" db:"build_id"`
	Request   *LandRequest `json:"request,omitempty" db:"-"`
}

// Metadata возвращает метаданные записи
func (s *LandRequestStatus) Metadata() StatusMetadata {
	return StatusMetadata{Reason: s.Reason, BuildID: s.BuildID}
}

// Priority возвращает приоритет заявки, к которой относится запись
func (s *LandRequestStatus) Priority() int {
	if s.Request == nil {
		return 0
	}
	return s.Request.Priority
}

// Типы баннера
const (
	MessageTypeDefault = "default"
	MessageTypeWarning = "warning"
	MessageTypeError   = "error"
)

// BannerMessage - сообщение, которое показывается над кнопками виджета
type BannerMessage struct {
	MessageExists bool   `json:"messageExists"`
	Message       string `json:"message"`
	MessageType   string `json:"messageType"`
}

// CanLandResult - ответ на вопрос "можно ли влить PR сейчас"
type CanLandResult struct {
	CanLand         bool           `json:"canLand"`
	CanLandWhenAble bool           `json:"canLandWhenAble"`
	Errors          []string       `json:"errors"`
	Warnings        []string       `json:"warnings"`
	BannerMessage   *BannerMessage `json:"bannerMessage"`
}
