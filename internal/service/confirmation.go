package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/staffdesk/agent-server-go/internal/audit"
	"github.com/staffdesk/agent-server-go/internal/database"
	apperrors "github.com/staffdesk/agent-server-go/internal/errors"
	"github.com/staffdesk/agent-server-go/internal/model"
	"github.com/staffdesk/agent-server-go/internal/repository"
	"github.com/staffdesk/agent-server-go/internal/stream"
	"github.com/staffdesk/agent-server-go/internal/tool"
)

// ConfirmationService processes approve/reject decisions against the
// pending action ledger. The terminal transition is a conditional persisted
// write on the stored status, never an in-process lock: decisions may race
// in from different processes, and exactly one wins.
// TxRunner runs a function inside a database transaction. Satisfied by
// *database.DB.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

type ConfirmationService struct {
	db         TxRunner
	chatRepo   repository.ChatSessionRepository
	msgRepo    repository.MessageRepository
	actionRepo repository.PendingActionRepository
	registry   *tool.Registry
	gate       tool.PermissionGate
	broker     EventPublisher
}

func NewConfirmationService(
	db TxRunner,
	chatRepo repository.ChatSessionRepository,
	msgRepo repository.MessageRepository,
	actionRepo repository.PendingActionRepository,
	registry *tool.Registry,
	gate tool.PermissionGate,
	broker EventPublisher,
) *ConfirmationService {
	return &ConfirmationService{
		db:         db,
		chatRepo:   chatRepo,
		msgRepo:    msgRepo,
		actionRepo: actionRepo,
		registry:   registry,
		gate:       gate,
		broker:     broker,
	}
}

// Decide applies a verdict to a pending action. On approval the underlying
// tool is executed exactly once; the returned action carries the recorded
// result. Losers of a decision race get the same Conflict as a decision on
// an already-decided action.
func (s *ConfirmationService) Decide(ctx context.Context, actionID, accountID string, verdict model.Verdict, reason *string) (*model.PendingAction, error) {
	action, err := s.actionRepo.FindByID(ctx, actionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if action == nil {
		return nil, apperrors.NotFound("Action")
	}

	// ownership failure is indistinguishable from a missing action
	session, err := s.chatRepo.FindByIDAndAccount(ctx, action.ChatID, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Action")
	}

	if action.Status.Terminal() {
		return nil, apperrors.Conflict(string(action.Status))
	}

	if action.ExpiredBy(time.Now()) {
		won, err := s.actionRepo.TransitionFromPending(ctx, actionID, model.ActionStatusExpired, nil)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if won {
			audit.Log(ctx, audit.Event{
				Type:      audit.EventActionExpired,
				AccountID: accountID,
				ChatID:    action.ChatID,
				ActionID:  actionID,
				ToolName:  action.ToolName,
			})
		}
		return nil, apperrors.ActionExpired()
	}

	switch verdict {
	case model.VerdictReject:
		return s.reject(ctx, action, accountID, reason)
	case model.VerdictApprove:
		return s.approve(ctx, action, accountID, reason)
	default:
		return nil, apperrors.InvalidInput("verdict", "must be approve or reject")
	}
}

func (s *ConfirmationService) reject(ctx context.Context, action *model.PendingAction, accountID string, reason *string) (*model.PendingAction, error) {
	var won bool
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		won, txErr = s.actionRepo.WithTx(tx).TransitionFromPending(ctx, action.ID, model.ActionStatusRejected, reason)
		if txErr != nil {
			return txErr
		}
		if !won {
			return nil
		}
		_, txErr = s.msgRepo.WithTx(tx).Create(ctx, model.CreateMessageParams{
			ChatID:  action.ChatID,
			Role:    model.RoleSystem,
			Content: fmt.Sprintf("Action %q was rejected by the user.", action.ToolName),
		})
		return txErr
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if !won {
		return nil, s.conflictFor(ctx, action.ID)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventActionRejected,
		AccountID: accountID,
		ChatID:    action.ChatID,
		ActionID:  action.ID,
		ToolName:  action.ToolName,
	})

	log.Info().
		Str("actionId", action.ID).
		Str("tool", action.ToolName).
		Msg("pending action rejected")

	return s.actionRepo.FindByID(ctx, action.ID)
}

func (s *ConfirmationService) approve(ctx context.Context, action *model.PendingAction, accountID string, reason *string) (*model.PendingAction, error) {
	won, err := s.actionRepo.TransitionFromPending(ctx, action.ID, model.ActionStatusApproved, reason)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if !won {
		return nil, s.conflictFor(ctx, action.ID)
	}

	// the classification-time check is only a UX filter; this one is the
	// authorization boundary, because permissions may have changed since
	allowed, err := s.gate.Check(ctx, accountID, action.ToolName, action.ToolArgs)
	if err != nil {
		return nil, apperrors.External("permission gate", err)
	}
	if !allowed {
		denied, _ := json.Marshal(map[string]string{"error": "permission_denied"})
		if recErr := s.actionRepo.RecordResult(ctx, action.ID, denied); recErr != nil {
			log.Error().Err(recErr).Str("actionId", action.ID).Msg("failed to record denial result")
		}
		audit.Log(ctx, audit.Event{
			Type:      audit.EventPermissionDenied,
			AccountID: accountID,
			ChatID:    action.ChatID,
			ActionID:  action.ID,
			ToolName:  action.ToolName,
			Details:   map[string]interface{}{"stage": "execution"},
		})
		return nil, apperrors.PermissionDenied(action.ToolName)
	}

	result, execErr := s.registry.Execute(ctx, action.ToolName, action.ToolArgs)
	if execErr != nil {
		// the approval is spent; record the failure so the audit trail and
		// the continuation turn both see it
		result, _ = json.Marshal(map[string]string{
			"error":   string(apperrors.ErrCodeExecutionFailure),
			"message": execErr.Error(),
		})
	}
	if err := s.actionRepo.RecordResult(ctx, action.ID, result); err != nil {
		log.Error().Err(err).Str("actionId", action.ID).Msg("failed to record action result")
	}

	if _, err := s.msgRepo.Create(ctx, model.CreateMessageParams{
		ChatID:  action.ChatID,
		Role:    model.RoleSystem,
		Content: fmt.Sprintf("Action %q was approved and executed.", action.ToolName),
	}); err != nil {
		log.Error().Err(err).Str("actionId", action.ID).Msg("failed to append approval note")
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventActionApproved,
		AccountID: accountID,
		ChatID:    action.ChatID,
		ActionID:  action.ID,
		ToolName:  action.ToolName,
		Details:   map[string]interface{}{"executionFailed": execErr != nil},
	})

	updated, err := s.actionRepo.FindByID(ctx, action.ID)
	if err != nil || updated == nil {
		// fall back to the in-memory view; the transition already happened
		action.Status = model.ActionStatusApproved
		raw := json.RawMessage(result)
		action.Result = &raw
		updated = action
	}

	event := stream.NewEvent(stream.EventActionConfirmed, map[string]any{
		"actionId": updated.ID,
		"tool":     updated.ToolName,
		"status":   updated.Status,
		"result":   updated.Result,
	})
	if err := s.broker.Publish(ctx, action.ChatID, event); err != nil {
		log.Warn().Err(err).Str("actionId", action.ID).Msg("failed to mirror confirmation result")
	}

	log.Info().
		Str("actionId", action.ID).
		Str("tool", action.ToolName).
		Bool("executionFailed", execErr != nil).
		Msg("pending action approved and executed")

	return updated, nil
}

// conflictFor names the status that actually won the race.
func (s *ConfirmationService) conflictFor(ctx context.Context, actionID string) error {
	current, err := s.actionRepo.FindByID(ctx, actionID)
	if err != nil || current == nil {
		return apperrors.Conflict("decided")
	}
	return apperrors.Conflict(string(current.Status))
}
