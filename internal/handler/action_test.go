package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/staffdesk/agent-server-go/internal/model"
	"github.com/staffdesk/agent-server-go/internal/provider"
	"github.com/staffdesk/agent-server-go/internal/service"
	"github.com/staffdesk/agent-server-go/internal/tool"
)

type actionTestEnv struct {
	chatRepo   *mockChatRepo
	msgRepo    *mockMsgRepo
	actionRepo *mockActionRepo
	router     chi.Router
}

func newActionTestEnv(t *testing.T, completion *scriptedCompletion) *actionTestEnv {
	t.Helper()
	env := &actionTestEnv{
		chatRepo:   new(mockChatRepo),
		msgRepo:    new(mockMsgRepo),
		actionRepo: new(mockActionRepo),
	}

	registry := echoRegistry(t)
	confirmationService := service.NewConfirmationService(
		nopTxRunner{}, env.chatRepo, env.msgRepo, env.actionRepo,
		registry, allowAllGate{}, nopPublisher{},
	)
	turnService := service.NewTurnService(
		env.chatRepo, env.msgRepo, env.actionRepo, completion, registry,
		allowAllGate{}, noNotes{}, nopPublisher{},
		service.TurnConfig{HistoryWindow: 40, MaxToolRounds: 8, ConfirmationTTL: 15 * time.Minute},
	)

	h := NewActionHandler(confirmationService, turnService)
	r := chi.NewRouter()
	r.Use(withAccount)
	r.Mount("/", h.Routes())
	env.router = r
	return env
}

func pendingSendAction(ttl time.Duration) *model.PendingAction {
	return &model.PendingAction{
		ID:        "act-1",
		ChatID:    "chat-1",
		ToolName:  tool.ToolSendTeamMessage,
		ToolArgs:  json.RawMessage(`{"text":"hi"}`),
		Status:    model.ActionStatusPending,
		ExpiresAt: time.Now().Add(ttl),
	}
}

func TestActionHandler_Decide(t *testing.T) {
	session := &model.ChatSession{ID: "chat-1", AccountID: "acc-1"}

	t.Run("rejects an invalid verdict", func(t *testing.T) {
		env := newActionTestEnv(t, &scriptedCompletion{})

		req := httptest.NewRequest(http.MethodPost, "/act-1/decision", strings.NewReader(`{"verdict":"maybe"}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "INVALID_INPUT")
	})

	t.Run("rejection returns updated status as plain JSON", func(t *testing.T) {
		env := newActionTestEnv(t, &scriptedCompletion{})

		action := pendingSendAction(time.Minute)
		rejected := *action
		rejected.Status = model.ActionStatusRejected

		env.actionRepo.On("FindByID", mock.Anything, "act-1").Return(action, nil).Once()
		env.chatRepo.On("FindByIDAndAccount", mock.Anything, "chat-1", "acc-1").Return(session, nil)
		env.actionRepo.On("TransitionFromPending", mock.Anything, "act-1", model.ActionStatusRejected, mock.Anything).Return(true, nil)
		env.msgRepo.On("Create", mock.Anything, mock.Anything).Return(&model.Message{}, nil)
		env.actionRepo.On("FindByID", mock.Anything, "act-1").Return(&rejected, nil)

		req := httptest.NewRequest(http.MethodPost, "/act-1/decision", strings.NewReader(`{"verdict":"reject","reason":"not now"}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), `"status":"rejected"`)
	})

	t.Run("approval streams the result and the continuation", func(t *testing.T) {
		completion := &scriptedCompletion{streams: []*scriptedStream{
			{chunks: []provider.Chunk{{TextDelta: "The message was sent."}}},
		}}
		env := newActionTestEnv(t, completion)

		action := pendingSendAction(time.Minute)
		result := json.RawMessage(`{"ok":true}`)
		approved := *action
		approved.Status = model.ActionStatusApproved
		approved.Result = &result

		env.actionRepo.On("FindByID", mock.Anything, "act-1").Return(action, nil).Once()
		env.chatRepo.On("FindByIDAndAccount", mock.Anything, "chat-1", "acc-1").Return(session, nil)
		env.chatRepo.On("Touch", mock.Anything, "chat-1").Return(nil)
		env.actionRepo.On("TransitionFromPending", mock.Anything, "act-1", model.ActionStatusApproved, mock.Anything).Return(true, nil)
		env.actionRepo.On("RecordResult", mock.Anything, "act-1", mock.Anything).Return(nil)
		env.msgRepo.On("Create", mock.Anything, mock.Anything).Return(&model.Message{}, nil)
		env.actionRepo.On("FindByID", mock.Anything, "act-1").Return(&approved, nil)
		env.msgRepo.On("FindRecentByChatID", mock.Anything, "chat-1", 40).Return([]model.Message{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/act-1/decision", strings.NewReader(`{"verdict":"approve"}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

		body := rec.Body.String()
		confirmedAt := strings.Index(body, "event: action-confirmed\n")
		deltaAt := strings.Index(body, "event: text-delta\n")
		doneAt := strings.Index(body, "event: done\n")
		assert.GreaterOrEqual(t, confirmedAt, 0)
		assert.Greater(t, deltaAt, confirmedAt)
		assert.Greater(t, doneAt, deltaAt)
		assert.Equal(t, 1, strings.Count(body, "event: done\n"))
	})

	t.Run("already decided action conflicts", func(t *testing.T) {
		env := newActionTestEnv(t, &scriptedCompletion{})

		decided := pendingSendAction(time.Minute)
		decided.Status = model.ActionStatusApproved
		env.actionRepo.On("FindByID", mock.Anything, "act-1").Return(decided, nil)
		env.chatRepo.On("FindByIDAndAccount", mock.Anything, "chat-1", "acc-1").Return(session, nil)

		req := httptest.NewRequest(http.MethodPost, "/act-1/decision", strings.NewReader(`{"verdict":"approve"}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "CONFLICT")
	})

	t.Run("expired action is gone", func(t *testing.T) {
		env := newActionTestEnv(t, &scriptedCompletion{})

		stale := pendingSendAction(-time.Minute)
		env.actionRepo.On("FindByID", mock.Anything, "act-1").Return(stale, nil)
		env.chatRepo.On("FindByIDAndAccount", mock.Anything, "chat-1", "acc-1").Return(session, nil)
		env.actionRepo.On("TransitionFromPending", mock.Anything, "act-1", model.ActionStatusExpired, mock.Anything).Return(true, nil)

		req := httptest.NewRequest(http.MethodPost, "/act-1/decision", strings.NewReader(`{"verdict":"approve"}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusGone, rec.Code)
		assert.Contains(t, rec.Body.String(), "ACTION_EXPIRED")
	})

	t.Run("unknown action is not found", func(t *testing.T) {
		env := newActionTestEnv(t, &scriptedCompletion{})
		env.actionRepo.On("FindByID", mock.Anything, "act-x").Return(nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/act-x/decision", strings.NewReader(`{"verdict":"approve"}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
