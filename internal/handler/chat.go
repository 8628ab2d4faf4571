package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/staffdesk/agent-server-go/internal/errors"
	"github.com/staffdesk/agent-server-go/internal/middleware"
	"github.com/staffdesk/agent-server-go/internal/service"
	"github.com/staffdesk/agent-server-go/internal/stream"
)

type ChatHandler struct {
	sessionService *service.SessionService
	turnService    *service.TurnService
}

func NewChatHandler(sessionService *service.SessionService, turnService *service.TurnService) *ChatHandler {
	return &ChatHandler{
		sessionService: sessionService,
		turnService:    turnService,
	}
}

// Routes mounts the session CRUD surface behind requestTimeout and the
// message-send route behind sendLimit. SendMessage responds with a
// long-lived stream, so it stays outside the request timeout.
func (h *ChatHandler) Routes(requestTimeout, sendLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(requestTimeout)
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{chatID}", h.Get)
		r.Delete("/{chatID}", h.Delete)
	})
	r.With(sendLimit).Post("/{chatID}/messages", h.SendMessage)

	return r
}

// POST /v1/chats
func (h *ChatHandler) Create(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	if account == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	session, err := h.sessionService.Create(r.Context(), account.ID, strings.TrimSpace(req.Title))
	if err != nil {
		log.Error().Err(err).Msg("failed to create chat session")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

// GET /v1/chats
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	if account == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	sessions, err := h.sessionService.List(r.Context(), account.ID)
	if err != nil {
		log.Error().Err(err).Msg("failed to list chat sessions")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// GET /v1/chats/{chatID}
func (h *ChatHandler) Get(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	if account == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	chatID := chi.URLParam(r, "chatID")

	detail, err := h.sessionService.Get(r.Context(), chatID, account.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// DELETE /v1/chats/{chatID}
func (h *ChatHandler) Delete(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	if account == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	chatID := chi.URLParam(r, "chatID")

	if err := h.sessionService.Delete(r.Context(), chatID, account.ID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// POST /v1/chats/{chatID}/messages
//
// Runs one conversational turn and streams its events. Errors before the
// first emission come back as an ordinary failed call; after it they are
// emitted in-stream followed by the terminating sentinel.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	if account == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	chatID := chi.URLParam(r, "chatID")

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, apperrors.MissingRequired("text"))
		return
	}

	sw, err := stream.NewWriter(w)
	if err != nil {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	runErr := h.turnService.RunTurn(r.Context(), chatID, account.ID, req.Text, sw)
	if runErr != nil && !sw.Started() {
		writeError(w, runErr)
		return
	}
	if runErr != nil {
		log.Error().Err(runErr).Str("chatId", chatID).Msg("turn failed mid-stream")
	}

	sw.Finish(runErr)
}
