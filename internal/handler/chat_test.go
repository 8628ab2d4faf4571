package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/staffdesk/agent-server-go/internal/database"
	"github.com/staffdesk/agent-server-go/internal/middleware"
	"github.com/staffdesk/agent-server-go/internal/model"
	"github.com/staffdesk/agent-server-go/internal/provider"
	"github.com/staffdesk/agent-server-go/internal/repository"
	"github.com/staffdesk/agent-server-go/internal/service"
	"github.com/staffdesk/agent-server-go/internal/stream"
	"github.com/staffdesk/agent-server-go/internal/tool"
)

// Mock chat session repository
type mockChatRepo struct {
	mock.Mock
}

func (m *mockChatRepo) FindByIDAndAccount(ctx context.Context, id, accountID string) (*model.ChatSession, error) {
	args := m.Called(ctx, id, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ChatSession), args.Error(1)
}

func (m *mockChatRepo) ListByAccountID(ctx context.Context, accountID string) ([]model.ChatSession, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ChatSession), args.Error(1)
}

func (m *mockChatRepo) Create(ctx context.Context, params model.CreateChatSessionParams) (*model.ChatSession, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ChatSession), args.Error(1)
}

func (m *mockChatRepo) Touch(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockChatRepo) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockChatRepo) WithTx(tx *sqlx.Tx) repository.ChatSessionRepository {
	return m
}

// Mock message repository
type mockMsgRepo struct {
	mock.Mock
}

func (m *mockMsgRepo) Create(ctx context.Context, params model.CreateMessageParams) (*model.Message, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *mockMsgRepo) FindByChatID(ctx context.Context, chatID string) ([]model.Message, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Message), args.Error(1)
}

func (m *mockMsgRepo) FindRecentByChatID(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	args := m.Called(ctx, chatID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Message), args.Error(1)
}

func (m *mockMsgRepo) CountByChatID(ctx context.Context, chatID string) (int, error) {
	args := m.Called(ctx, chatID)
	return args.Int(0), args.Error(1)
}

func (m *mockMsgRepo) WithTx(tx *sqlx.Tx) repository.MessageRepository {
	return m
}

// Mock pending action repository
type mockActionRepo struct {
	mock.Mock
}

func (m *mockActionRepo) FindByID(ctx context.Context, id string) (*model.PendingAction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PendingAction), args.Error(1)
}

func (m *mockActionRepo) FindPendingByChatID(ctx context.Context, chatID string) ([]model.PendingAction, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PendingAction), args.Error(1)
}

func (m *mockActionRepo) Create(ctx context.Context, params model.CreatePendingActionParams) (*model.PendingAction, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PendingAction), args.Error(1)
}

func (m *mockActionRepo) TransitionFromPending(ctx context.Context, id string, to model.ActionStatus, reason *string) (bool, error) {
	args := m.Called(ctx, id, to, reason)
	return args.Bool(0), args.Error(1)
}

func (m *mockActionRepo) RecordResult(ctx context.Context, id string, result json.RawMessage) error {
	args := m.Called(ctx, id, result)
	return args.Error(0)
}

func (m *mockActionRepo) WithTx(tx *sqlx.Tx) repository.PendingActionRepository {
	return m
}

type allowAllGate struct{}

func (allowAllGate) Check(ctx context.Context, accountID, toolName string, toolArgs json.RawMessage) (bool, error) {
	return true, nil
}

type noNotes struct{}

func (noNotes) Notes(ctx context.Context, accountID, chatID string) ([]string, error) {
	return nil, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, chatID string, event stream.Event) error {
	return nil
}

type nopTxRunner struct{}

func (nopTxRunner) WithTx(ctx context.Context, fn database.TxFunc) error {
	return fn(nil)
}

// scriptedStream replays fixed chunks then io.EOF.
type scriptedStream struct {
	chunks []provider.Chunk
	pos    int
}

func (s *scriptedStream) Recv() (provider.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return provider.Chunk{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *scriptedStream) Close() error { return nil }

type scriptedCompletion struct {
	streams []*scriptedStream
	err     error
	calls   int
}

func (c *scriptedCompletion) StreamCompletion(ctx context.Context, req provider.Request) (provider.Stream, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if c.calls > len(c.streams) {
		return nil, errors.New("no stream scripted for this round")
	}
	return c.streams[c.calls-1], nil
}

func echoRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	names := []string{
		tool.ToolListShifts,
		tool.ToolGetTaskSummary,
		tool.ToolGetPriceRules,
		tool.ToolResetClockInThreshold,
		tool.ToolSendTeamMessage,
		tool.ToolUpdatePriceRule,
		tool.ToolAdjustGamificationScore,
	}
	defs := make([]tool.Definition, 0, len(names))
	for _, name := range names {
		defs = append(defs, tool.Definition{
			Name: name,
			Handler: tool.HandlerFunc(func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				return json.RawMessage(`{"ok":true}`), nil
			}),
		})
	}
	registry, err := tool.NewRegistry(defs)
	require.NoError(t, err)
	return registry
}

var testAccount = &model.Account{ID: "acc-1", DisplayName: "Test Staffer"}

// withAccount injects the authenticated account the way the auth middleware
// would.
func withAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), middleware.AccountContextKey, testAccount)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// countingMiddleware is a passthrough that records how often it ran, used to
// verify which routes sit behind which middleware.
func countingMiddleware(hits *int32) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(hits, 1)
			next.ServeHTTP(w, r)
		})
	}
}

type chatTestEnv struct {
	chatRepo    *mockChatRepo
	msgRepo     *mockMsgRepo
	actionRepo  *mockActionRepo
	completion  *scriptedCompletion
	router      chi.Router
	timeoutHits int32
	limiterHits int32
}

func newChatTestEnv(t *testing.T, completion *scriptedCompletion) *chatTestEnv {
	t.Helper()
	env := &chatTestEnv{
		chatRepo:   new(mockChatRepo),
		msgRepo:    new(mockMsgRepo),
		actionRepo: new(mockActionRepo),
		completion: completion,
	}

	sessionService := service.NewSessionService(env.chatRepo, env.msgRepo, env.actionRepo)
	turnService := service.NewTurnService(
		env.chatRepo, env.msgRepo, env.actionRepo, completion, echoRegistry(t),
		allowAllGate{}, noNotes{}, nopPublisher{},
		service.TurnConfig{HistoryWindow: 40, MaxToolRounds: 8, ConfirmationTTL: 15 * time.Minute},
	)

	h := NewChatHandler(sessionService, turnService)
	r := chi.NewRouter()
	r.Use(withAccount)
	r.Mount("/", h.Routes(countingMiddleware(&env.timeoutHits), countingMiddleware(&env.limiterHits)))
	env.router = r
	return env
}

func TestChatHandler_MiddlewareScope(t *testing.T) {
	session := &model.ChatSession{ID: "chat-1", AccountID: "acc-1"}

	t.Run("crud routes run behind the request timeout only", func(t *testing.T) {
		env := newChatTestEnv(t, &scriptedCompletion{})
		env.chatRepo.On("ListByAccountID", mock.Anything, "acc-1").Return([]model.ChatSession{}, nil)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int32(1), atomic.LoadInt32(&env.timeoutHits))
		assert.Equal(t, int32(0), atomic.LoadInt32(&env.limiterHits))
	})

	t.Run("message send runs behind the rate limit only", func(t *testing.T) {
		env := newChatTestEnv(t, &scriptedCompletion{streams: []*scriptedStream{
			{chunks: []provider.Chunk{{TextDelta: "ok"}}},
		}})
		env.chatRepo.On("FindByIDAndAccount", mock.Anything, "chat-1", "acc-1").Return(session, nil)
		env.chatRepo.On("Touch", mock.Anything, "chat-1").Return(nil)
		env.msgRepo.On("Create", mock.Anything, mock.Anything).Return(&model.Message{}, nil)
		env.msgRepo.On("FindRecentByChatID", mock.Anything, "chat-1", 40).Return([]model.Message{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/chat-1/messages", strings.NewReader(`{"text":"hi"}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int32(0), atomic.LoadInt32(&env.timeoutHits))
		assert.Equal(t, int32(1), atomic.LoadInt32(&env.limiterHits))
	})
}

func TestChatHandler_SendMessage(t *testing.T) {
	session := &model.ChatSession{ID: "chat-1", AccountID: "acc-1"}

	t.Run("rejects empty text", func(t *testing.T) {
		env := newChatTestEnv(t, &scriptedCompletion{})

		req := httptest.NewRequest(http.MethodPost, "/chat-1/messages", strings.NewReader(`{"text":"   "}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "MISSING_REQUIRED")
		assert.Equal(t, 0, env.completion.calls)
	})

	t.Run("foreign chat fails as an ordinary not found", func(t *testing.T) {
		env := newChatTestEnv(t, &scriptedCompletion{})
		env.chatRepo.On("FindByIDAndAccount", mock.Anything, "chat-1", "acc-1").Return(nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/chat-1/messages", strings.NewReader(`{"text":"hi"}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	})

	t.Run("streams the turn and terminates with done", func(t *testing.T) {
		completion := &scriptedCompletion{streams: []*scriptedStream{
			{chunks: []provider.Chunk{{TextDelta: "Hello"}, {TextDelta: " there"}}},
		}}
		env := newChatTestEnv(t, completion)

		env.chatRepo.On("FindByIDAndAccount", mock.Anything, "chat-1", "acc-1").Return(session, nil)
		env.chatRepo.On("Touch", mock.Anything, "chat-1").Return(nil)
		env.msgRepo.On("FindRecentByChatID", mock.Anything, "chat-1", 40).Return([]model.Message{}, nil)
		env.msgRepo.On("Create", mock.Anything, mock.Anything).Return(&model.Message{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/chat-1/messages", strings.NewReader(`{"text":"hi"}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

		body := rec.Body.String()
		assert.Equal(t, 2, strings.Count(body, "event: text-delta\n"))
		assert.Equal(t, 1, strings.Count(body, "event: done\n"))
		assert.NotContains(t, body, "event: error\n")
	})

	t.Run("provider failure before any emission is an ordinary error", func(t *testing.T) {
		completion := &scriptedCompletion{err: errors.New("connection refused")}
		env := newChatTestEnv(t, completion)

		env.chatRepo.On("FindByIDAndAccount", mock.Anything, "chat-1", "acc-1").Return(session, nil)
		env.chatRepo.On("Touch", mock.Anything, "chat-1").Return(nil)
		env.msgRepo.On("FindRecentByChatID", mock.Anything, "chat-1", 40).Return([]model.Message{}, nil)
		env.msgRepo.On("Create", mock.Anything, mock.Anything).Return(&model.Message{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/chat-1/messages", strings.NewReader(`{"text":"hi"}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, rec.Body.String(), "PROVIDER_FAILURE")
	})
}

func TestChatHandler_Sessions(t *testing.T) {
	t.Run("creates a session", func(t *testing.T) {
		env := newChatTestEnv(t, &scriptedCompletion{})
		env.chatRepo.On("Create", mock.Anything, mock.MatchedBy(func(p model.CreateChatSessionParams) bool {
			return p.AccountID == "acc-1" && p.Title == "Scheduling"
		})).Return(&model.ChatSession{ID: "chat-1", Title: "Scheduling"}, nil)

		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"title":"Scheduling"}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Contains(t, rec.Body.String(), "chat-1")
	})

	t.Run("lists sessions for the account", func(t *testing.T) {
		env := newChatTestEnv(t, &scriptedCompletion{})
		env.chatRepo.On("ListByAccountID", mock.Anything, "acc-1").Return([]model.ChatSession{
			{ID: "chat-1"}, {ID: "chat-2"},
		}, nil)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"total":2`)
	})

	t.Run("gets a session with transcript and pending actions", func(t *testing.T) {
		env := newChatTestEnv(t, &scriptedCompletion{})
		env.chatRepo.On("FindByIDAndAccount", mock.Anything, "chat-1", "acc-1").
			Return(&model.ChatSession{ID: "chat-1", AccountID: "acc-1"}, nil)
		env.msgRepo.On("FindByChatID", mock.Anything, "chat-1").Return([]model.Message{}, nil)
		env.actionRepo.On("FindPendingByChatID", mock.Anything, "chat-1").Return([]model.PendingAction{}, nil)

		req := httptest.NewRequest(http.MethodGet, "/chat-1", nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("deletes a session", func(t *testing.T) {
		env := newChatTestEnv(t, &scriptedCompletion{})
		env.chatRepo.On("FindByIDAndAccount", mock.Anything, "chat-1", "acc-1").
			Return(&model.ChatSession{ID: "chat-1", AccountID: "acc-1"}, nil)
		env.chatRepo.On("Delete", mock.Anything, "chat-1").Return(nil)

		req := httptest.NewRequest(http.MethodDelete, "/chat-1", nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
