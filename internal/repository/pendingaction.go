package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/staffdesk/agent-server-go/internal/model"
)

// PendingActionRepository owns the action ledger. Terminal transitions are
// conditional persisted writes (status must still be pending at write time)
// so correctness holds across processes without an in-process lock. Rows are
// never deleted by the engine; the owning session's cascade is the only path
// that removes them.
type PendingActionRepository interface {
	FindByID(ctx context.Context, id string) (*model.PendingAction, error)
	FindPendingByChatID(ctx context.Context, chatID string) ([]model.PendingAction, error)
	Create(ctx context.Context, params model.CreatePendingActionParams) (*model.PendingAction, error)
	// TransitionFromPending moves the action to a terminal status if and only
	// if the stored status is still pending. An approval additionally
	// requires the confirmation window to still be open at write time.
	// Returns true when this call won the transition.
	TransitionFromPending(ctx context.Context, id string, to model.ActionStatus, reason *string) (bool, error)
	RecordResult(ctx context.Context, id string, result json.RawMessage) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) PendingActionRepository
}

type pendingActionRepo struct {
	db chatDB
}

func NewPendingActionRepository(db *sqlx.DB) PendingActionRepository {
	return &pendingActionRepo{db: db}
}

func (r *pendingActionRepo) WithTx(tx *sqlx.Tx) PendingActionRepository {
	return &pendingActionRepo{db: tx}
}

func (r *pendingActionRepo) FindByID(ctx context.Context, id string) (*model.PendingAction, error) {
	var action model.PendingAction
	err := r.db.GetContext(ctx, &action, `
		SELECT * FROM pending_actions WHERE id = $1
	`, id)
	return HandleNotFound(&action, err)
}

func (r *pendingActionRepo) FindPendingByChatID(ctx context.Context, chatID string) ([]model.PendingAction, error) {
	var actions []model.PendingAction
	err := r.db.SelectContext(ctx, &actions, `
		SELECT * FROM pending_actions
		WHERE chat_id = $1 AND status = 'pending'
		ORDER BY created_at ASC
	`, chatID)
	return actions, err
}

func (r *pendingActionRepo) Create(ctx context.Context, params model.CreatePendingActionParams) (*model.PendingAction, error) {
	var action model.PendingAction
	err := r.db.GetContext(ctx, &action, `
		INSERT INTO pending_actions (id, chat_id, tool_name, tool_args, prompt, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		RETURNING *
	`, uuid.NewString(), params.ChatID, params.ToolName, params.ToolArgs,
		params.Prompt, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &action, nil
}

func (r *pendingActionRepo) TransitionFromPending(ctx context.Context, id string, to model.ActionStatus, reason *string) (bool, error) {
	// an approval that commits after the deadline must lose the transition,
	// even when the caller loaded the row while it was still fresh
	result, err := r.db.ExecContext(ctx, `
		UPDATE pending_actions SET
			status = $2,
			reason = COALESCE($3, reason),
			decided_at = $4
		WHERE id = $1 AND status = 'pending'
			AND ($2 <> 'approved' OR expires_at > $4)
	`, id, to, reason, time.Now())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *pendingActionRepo) RecordResult(ctx context.Context, id string, resultPayload json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pending_actions SET result = $2 WHERE id = $1
	`, id, resultPayload)
	return err
}
