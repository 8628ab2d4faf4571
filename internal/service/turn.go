package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/staffdesk/agent-server-go/internal/audit"
	apperrors "github.com/staffdesk/agent-server-go/internal/errors"
	"github.com/staffdesk/agent-server-go/internal/model"
	"github.com/staffdesk/agent-server-go/internal/provider"
	"github.com/staffdesk/agent-server-go/internal/repository"
	"github.com/staffdesk/agent-server-go/internal/stream"
	"github.com/staffdesk/agent-server-go/internal/tool"
)

const systemPrompt = "You are the staff operations assistant. You can look up " +
	"shifts, tasks and pricing directly. Consequential changes are sent to the " +
	"user for confirmation before they run; tell the user when an action is " +
	"awaiting their approval."

// NotesProvider supplies externally owned policy/memory notes that are
// folded into the turn context. The engine treats them as opaque text.
type NotesProvider interface {
	Notes(ctx context.Context, accountID, chatID string) ([]string, error)
}

// EventPublisher mirrors turn events onto the watcher fan-out. Satisfied by
// *stream.Broker.
type EventPublisher interface {
	Publish(ctx context.Context, chatID string, event stream.Event) error
}

type TurnConfig struct {
	HistoryWindow   int
	MaxToolRounds   int
	ConfirmationTTL time.Duration
}

// TurnService drives one conversational turn: it assembles context, calls
// the completion provider, and interprets its output. Auto-executable tool
// calls run inline and their results feed back into the same provider
// context; consequential calls are parked on the pending action ledger and
// the turn ends with a confirmation prompt.
type TurnService struct {
	chatRepo   repository.ChatSessionRepository
	msgRepo    repository.MessageRepository
	actionRepo repository.PendingActionRepository
	completion provider.Completion
	registry   *tool.Registry
	gate       tool.PermissionGate
	notes      NotesProvider
	broker     EventPublisher
	cfg        TurnConfig
}

func NewTurnService(
	chatRepo repository.ChatSessionRepository,
	msgRepo repository.MessageRepository,
	actionRepo repository.PendingActionRepository,
	completion provider.Completion,
	registry *tool.Registry,
	gate tool.PermissionGate,
	notes NotesProvider,
	broker EventPublisher,
	cfg TurnConfig,
) *TurnService {
	return &TurnService{
		chatRepo:   chatRepo,
		msgRepo:    msgRepo,
		actionRepo: actionRepo,
		completion: completion,
		registry:   registry,
		gate:       gate,
		notes:      notes,
		broker:     broker,
		cfg:        cfg,
	}
}

// RunTurn processes one user message. Events go to sink in the exact order
// steps occur; the caller owns the terminating sentinel.
func (s *TurnService) RunTurn(ctx context.Context, chatID, accountID, userText string, sink stream.Emitter) error {
	session, err := s.chatRepo.FindByIDAndAccount(ctx, chatID, accountID)
	if err != nil {
		return apperrors.Database(err)
	}
	if session == nil {
		return apperrors.NotFound("Chat session")
	}

	if _, err := s.msgRepo.Create(ctx, model.CreateMessageParams{
		ChatID:  chatID,
		Role:    model.RoleUser,
		Content: userText,
	}); err != nil {
		return apperrors.Database(err)
	}
	if err := s.chatRepo.Touch(ctx, chatID); err != nil {
		log.Warn().Err(err).Str("chatId", chatID).Msg("failed to touch chat session")
	}

	convo, err := s.assembleContext(ctx, session, accountID)
	if err != nil {
		return err
	}

	finalText, runErr := s.runRounds(ctx, session, accountID, convo, sink)

	if finalText != "" {
		if _, err := s.msgRepo.Create(ctx, model.CreateMessageParams{
			ChatID:  chatID,
			Role:    model.RoleAssistant,
			Content: finalText,
		}); err != nil {
			log.Error().Err(err).Str("chatId", chatID).Msg("failed to persist assistant message")
			if runErr == nil {
				runErr = apperrors.Database(err)
			}
		}
	}

	return runErr
}

// RunContinuation re-enters the turn loop seeded with the result of a
// just-confirmed action, as if the provider had received a tool response.
func (s *TurnService) RunContinuation(ctx context.Context, action *model.PendingAction, accountID string, sink stream.Emitter) error {
	session, err := s.chatRepo.FindByIDAndAccount(ctx, action.ChatID, accountID)
	if err != nil {
		return apperrors.Database(err)
	}
	if session == nil {
		return apperrors.NotFound("Chat session")
	}

	convo, err := s.assembleContext(ctx, session, accountID)
	if err != nil {
		return err
	}

	call := provider.ToolCall{
		ID:        action.ID,
		Name:      action.ToolName,
		Arguments: action.ToolArgs,
	}
	resultContent := "{}"
	if action.Result != nil {
		resultContent = string(*action.Result)
	}
	convo = append(convo,
		provider.ChatMessage{Role: provider.RoleAssistant, ToolCalls: []provider.ToolCall{call}},
		provider.ChatMessage{Role: provider.RoleTool, ToolCallID: call.ID, Content: resultContent},
	)

	finalText, runErr := s.runRounds(ctx, session, accountID, convo, sink)

	if finalText != "" {
		if _, err := s.msgRepo.Create(ctx, model.CreateMessageParams{
			ChatID:  action.ChatID,
			Role:    model.RoleAssistant,
			Content: finalText,
		}); err != nil {
			log.Error().Err(err).Str("chatId", action.ChatID).Msg("failed to persist assistant message")
			if runErr == nil {
				runErr = apperrors.Database(err)
			}
		}
		if err := s.chatRepo.Touch(ctx, action.ChatID); err != nil {
			log.Warn().Err(err).Str("chatId", action.ChatID).Msg("failed to touch chat session")
		}
	}

	return runErr
}

func (s *TurnService) assembleContext(ctx context.Context, session *model.ChatSession, accountID string) ([]provider.ChatMessage, error) {
	convo := []provider.ChatMessage{{Role: provider.RoleSystem, Content: systemPrompt}}

	notes, err := s.notes.Notes(ctx, accountID, session.ID)
	if err != nil {
		// collaborator data: degrade without it rather than failing the turn
		log.Warn().Err(err).Str("chatId", session.ID).Msg("failed to load context notes")
	} else if len(notes) > 0 {
		convo = append(convo, provider.ChatMessage{
			Role:    provider.RoleSystem,
			Content: "Context notes:\n- " + strings.Join(notes, "\n- "),
		})
	}

	history, err := s.msgRepo.FindRecentByChatID(ctx, session.ID, s.cfg.HistoryWindow)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	for _, m := range history {
		convo = append(convo, provider.ChatMessage{
			Role:    providerRole(m.Role),
			Content: m.Content,
		})
	}
	return convo, nil
}

func providerRole(role model.MessageRole) provider.Role {
	switch role {
	case model.RoleAssistant:
		return provider.RoleAssistant
	case model.RoleSystem:
		return provider.RoleSystem
	default:
		return provider.RoleUser
	}
}

// runRounds loops provider calls until the model stops asking for tools,
// every remaining call is parked for confirmation, or the round budget runs
// out. Returns the assistant's accumulated text.
func (s *TurnService) runRounds(ctx context.Context, session *model.ChatSession, accountID string, convo []provider.ChatMessage, sink stream.Emitter) (string, error) {
	var final strings.Builder

	for round := 0; round < s.cfg.MaxToolRounds; round++ {
		st, err := s.completion.StreamCompletion(ctx, provider.Request{
			Messages: convo,
			Tools:    s.registry.Specs(),
		})
		if err != nil {
			return final.String(), apperrors.ProviderFailure(err)
		}

		text, calls, err := s.consume(st, sink)
		if text != "" {
			if final.Len() > 0 {
				final.WriteString("\n\n")
			}
			final.WriteString(text)
		}
		if err != nil {
			return final.String(), err
		}

		if len(calls) == 0 {
			return final.String(), nil
		}

		convo = append(convo, provider.ChatMessage{
			Role:      provider.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})

		anyExecuted := false
		for _, call := range calls {
			outcome, err := s.dispatch(ctx, session, accountID, call, sink)
			if err != nil {
				return final.String(), err
			}
			convo = append(convo, outcome.feedback)
			if outcome.executed {
				anyExecuted = true
			}
		}

		// all calls parked: the turn ends awaiting confirmation
		if !anyExecuted {
			return final.String(), nil
		}
	}

	log.Warn().
		Str("chatId", session.ID).
		Int("rounds", s.cfg.MaxToolRounds).
		Msg("tool round budget exhausted")
	return final.String(), nil
}

func (s *TurnService) consume(st provider.Stream, sink stream.Emitter) (string, []provider.ToolCall, error) {
	defer st.Close()

	var text strings.Builder
	var calls []provider.ToolCall
	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return text.String(), calls, nil
		}
		if err != nil {
			return text.String(), calls, apperrors.ProviderFailure(err)
		}
		if chunk.TextDelta != "" {
			text.WriteString(chunk.TextDelta)
			if err := sink.Emit(stream.TextDelta(chunk.TextDelta)); err != nil {
				return text.String(), calls, err
			}
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
	}
}

type dispatchOutcome struct {
	// executed is true when the call produced feedback the model can react
	// to in another round: a result, an execution failure, or a permission
	// denial. Parked confirmation-required calls leave it false.
	executed bool
	feedback provider.ChatMessage
}

type toolResultPayload struct {
	ToolCallID string           `json:"toolCallId"`
	Tool       string           `json:"tool"`
	Result     json.RawMessage  `json:"result,omitempty"`
	Error      *toolErrorDetail `json:"error,omitempty"`
}

type toolErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type confirmationPayload struct {
	ActionID  string          `json:"actionId"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args"`
	Prompt    string          `json:"prompt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

func (s *TurnService) dispatch(ctx context.Context, session *model.ChatSession, accountID string, call provider.ToolCall, sink stream.Emitter) (dispatchOutcome, error) {
	allowed, err := s.gate.Check(ctx, accountID, call.Name, call.Arguments)
	if err != nil {
		return dispatchOutcome{}, apperrors.External("permission gate", err)
	}

	if !allowed {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventPermissionDenied,
			AccountID: accountID,
			ChatID:    session.ID,
			ToolName:  call.Name,
		})
		return s.inlineFailure(call, apperrors.PermissionDenied(call.Name), sink)
	}

	if tool.Classify(call.Name) == tool.ClassifyAuto {
		result, execErr := s.registry.Execute(ctx, call.Name, call.Arguments)
		if execErr != nil {
			// surfaced in-stream so the model can react, not as a stream failure
			return s.inlineFailure(call, apperrors.ExecutionFailure(call.Name, execErr), sink)
		}

		audit.Log(ctx, audit.Event{
			Type:      audit.EventActionExecuted,
			AccountID: accountID,
			ChatID:    session.ID,
			ToolName:  call.Name,
			Details:   map[string]interface{}{"mode": "auto"},
		})

		if err := sink.Emit(stream.NewEvent(stream.EventToolResult, toolResultPayload{
			ToolCallID: call.ID,
			Tool:       call.Name,
			Result:     result,
		})); err != nil {
			return dispatchOutcome{}, err
		}

		return dispatchOutcome{
			executed: true,
			feedback: provider.ChatMessage{
				Role:       provider.RoleTool,
				ToolCallID: call.ID,
				Content:    string(result),
			},
		}, nil
	}

	// consequential: park it on the ledger and ask the human
	action, err := s.actionRepo.Create(ctx, model.CreatePendingActionParams{
		ChatID:    session.ID,
		ToolName:  call.Name,
		ToolArgs:  call.Arguments,
		Prompt:    s.registry.ConfirmationPrompt(call.Name, call.Arguments),
		ExpiresAt: time.Now().Add(s.cfg.ConfirmationTTL),
	})
	if err != nil {
		return dispatchOutcome{}, apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventActionProposed,
		AccountID: accountID,
		ChatID:    session.ID,
		ActionID:  action.ID,
		ToolName:  call.Name,
	})

	event := stream.NewEvent(stream.EventConfirmationRequired, confirmationPayload{
		ActionID:  action.ID,
		Tool:      action.ToolName,
		Args:      action.ToolArgs,
		Prompt:    action.Prompt,
		ExpiresAt: action.ExpiresAt,
	})
	if err := sink.Emit(event); err != nil {
		return dispatchOutcome{}, err
	}
	if err := s.broker.Publish(ctx, session.ID, event); err != nil {
		log.Warn().Err(err).Str("actionId", action.ID).Msg("failed to mirror confirmation event")
	}

	pendingNote, _ := json.Marshal(map[string]string{
		"status":   "confirmation_pending",
		"actionId": action.ID,
	})
	return dispatchOutcome{
		executed: false,
		feedback: provider.ChatMessage{
			Role:       provider.RoleTool,
			ToolCallID: call.ID,
			Content:    string(pendingNote),
		},
	}, nil
}

func (s *TurnService) inlineFailure(call provider.ToolCall, appErr *apperrors.AppError, sink stream.Emitter) (dispatchOutcome, error) {
	if err := sink.Emit(stream.NewEvent(stream.EventToolResult, toolResultPayload{
		ToolCallID: call.ID,
		Tool:       call.Name,
		Error: &toolErrorDetail{
			Code:    string(appErr.Code),
			Message: appErr.Message,
		},
	})); err != nil {
		return dispatchOutcome{}, err
	}

	feedback, _ := json.Marshal(map[string]string{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
	return dispatchOutcome{
		executed: true,
		feedback: provider.ChatMessage{
			Role:       provider.RoleTool,
			ToolCallID: call.ID,
			Content:    string(feedback),
		},
	}, nil
}
