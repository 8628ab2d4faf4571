package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventActionProposed   EventType = "action_proposed"
	EventActionApproved   EventType = "action_approved"
	EventActionRejected   EventType = "action_rejected"
	EventActionExpired    EventType = "action_expired"
	EventActionExecuted   EventType = "action_executed"
	EventPermissionDenied EventType = "permission_denied"
	EventChatDeleted      EventType = "chat_deleted"
	EventAuthFailure      EventType = "auth_failure"
)

type Event struct {
	Type      EventType
	AccountID string
	ChatID    string
	ActionID  string
	ToolName  string
	Details   map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "actions").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.AccountID != "" {
		logger = logger.With().Str("account_id", event.AccountID).Logger()
	}
	if event.ChatID != "" {
		logger = logger.With().Str("chat_id", event.ChatID).Logger()
	}
	if event.ActionID != "" {
		logger = logger.With().Str("action_id", event.ActionID).Logger()
	}
	if event.ToolName != "" {
		logger = logger.With().Str("tool", event.ToolName).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}
