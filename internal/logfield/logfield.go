package lf

import (
	"github.com/untibullet/landkid/internal/models"
	"go.uber.org/zap"
)

const (
	FieldModule        = "module"
	FieldRequestID     = "request_id"
	FieldStatusID      = "status_id"
	FieldState         = "state"
	FieldFromState     = "from_state"
	FieldRepository    = "repository"
	FieldPullRequestID = "pull_request_id"
	FieldUserID        = "user_id"
	FieldAttempt       = "attempt"
)

func Module(module string) zap.Field {
	return zap.String(FieldModule, module)
}

func RequestID(id string) zap.Field {
	return zap.String(FieldRequestID, id)
}

func StatusID(id int64) zap.Field {
	return zap.Int64(FieldStatusID, id)
}

func State(state models.State) zap.Field {
	return zap.String(FieldState, string(state))
}

func FromState(state models.State) zap.Field {
	return zap.String(FieldFromState, string(state))
}

func Repository(name string) zap.Field {
	return zap.String(FieldRepository, name)
}

func PullRequestID(id int) zap.Field {
	return zap.Int(FieldPullRequestID, id)
}

func UserID(id string) zap.Field {
	return zap.String(FieldUserID, id)
}

func Attempt(n int) zap.Field {
	return zap.Int(FieldAttempt, n)
}
