package model

import (
	"encoding/json"
	"time"
)

// PendingAction is the ledger row for a tool call that requires human
// confirmation. Rows are created by the turn orchestrator, mutated exactly
// once by the confirmation flow (or lazy expiry), and never deleted except
// by the owning session's cascade. The status transition is conditional on
// the stored status still being pending; see PendingActionRepository.
type PendingAction struct {
	ID        string           `db:"id" json:"id"`
	ChatID    string           `db:"chat_id" json:"chatId"`
	ToolName  string           `db:"tool_name" json:"toolName"`
	ToolArgs  json.RawMessage  `db:"tool_args" json:"toolArgs"`
	Prompt    string           `db:"prompt" json:"prompt"`
	Status    ActionStatus     `db:"status" json:"status"`
	Result    *json.RawMessage `db:"result" json:"result,omitempty"`
	Reason    *string          `db:"reason" json:"reason,omitempty"`
	CreatedAt time.Time        `db:"created_at" json:"createdAt"`
	ExpiresAt time.Time        `db:"expires_at" json:"expiresAt"`
	DecidedAt *time.Time       `db:"decided_at" json:"decidedAt,omitempty"`
}

// ExpiredBy reports whether the confirmation window has passed at the given
// instant. Expiry is evaluated lazily; the stored status may still read
// pending after the deadline.
func (a *PendingAction) ExpiredBy(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

type CreatePendingActionParams struct {
	ChatID    string
	ToolName  string
	ToolArgs  json.RawMessage
	Prompt    string
	ExpiresAt time.Time
}
