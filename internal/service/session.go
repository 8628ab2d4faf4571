package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/staffdesk/agent-server-go/internal/audit"
	apperrors "github.com/staffdesk/agent-server-go/internal/errors"
	"github.com/staffdesk/agent-server-go/internal/model"
	"github.com/staffdesk/agent-server-go/internal/repository"
)

const defaultChatTitle = "New conversation"

type SessionService struct {
	chatRepo   repository.ChatSessionRepository
	msgRepo    repository.MessageRepository
	actionRepo repository.PendingActionRepository
}

func NewSessionService(
	chatRepo repository.ChatSessionRepository,
	msgRepo repository.MessageRepository,
	actionRepo repository.PendingActionRepository,
) *SessionService {
	return &SessionService{
		chatRepo:   chatRepo,
		msgRepo:    msgRepo,
		actionRepo: actionRepo,
	}
}

func (s *SessionService) Create(ctx context.Context, accountID, title string) (*model.ChatSession, error) {
	if title == "" {
		title = defaultChatTitle
	}

	session, err := s.chatRepo.Create(ctx, model.CreateChatSessionParams{
		AccountID: accountID,
		Title:     title,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat session: %w", err)
	}

	log.Info().
		Str("chatId", session.ID).
		Str("accountId", accountID).
		Msg("chat session created")

	return session, nil
}

func (s *SessionService) List(ctx context.Context, accountID string) ([]model.ChatSession, error) {
	return s.chatRepo.ListByAccountID(ctx, accountID)
}

// SessionDetail bundles a session with its transcript and still-pending
// actions.
type SessionDetail struct {
	Session        *model.ChatSession    `json:"session"`
	Messages       []model.Message       `json:"messages"`
	PendingActions []model.PendingAction `json:"pendingActions"`
}

// Get fetches a session for its owner. A session owned by another account
// is indistinguishable from a missing one. Pending actions past their
// deadline still report pending here; expiry is evaluated only when a
// decision arrives.
func (s *SessionService) Get(ctx context.Context, chatID, accountID string) (*SessionDetail, error) {
	session, err := s.chatRepo.FindByIDAndAccount(ctx, chatID, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Chat session")
	}

	messages, err := s.msgRepo.FindByChatID(ctx, chatID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	actions, err := s.actionRepo.FindPendingByChatID(ctx, chatID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	return &SessionDetail{
		Session:        session,
		Messages:       messages,
		PendingActions: actions,
	}, nil
}

// Delete removes a session and, via cascade, its messages and any
// still-pending actions.
func (s *SessionService) Delete(ctx context.Context, chatID, accountID string) error {
	session, err := s.chatRepo.FindByIDAndAccount(ctx, chatID, accountID)
	if err != nil {
		return apperrors.Database(err)
	}
	if session == nil {
		return apperrors.NotFound("Chat session")
	}

	if err := s.chatRepo.Delete(ctx, chatID); err != nil {
		return apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventChatDeleted,
		AccountID: accountID,
		ChatID:    chatID,
	})

	log.Info().
		Str("chatId", chatID).
		Str("accountId", accountID).
		Msg("chat session deleted")

	return nil
}
