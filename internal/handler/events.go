package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/staffdesk/agent-server-go/internal/middleware"
	"github.com/staffdesk/agent-server-go/internal/service"
	"github.com/staffdesk/agent-server-go/internal/stream"
)

// EventsHandler serves the long-lived watcher stream for a chat session.
// It mirrors confirmation-required and action-confirmed events produced by
// turns running anywhere in the fleet, so a second client sees prompts
// live. This is a mirror, not the request-scoped turn stream; it has no
// terminating sentinel and carries heartbeats instead.
type EventsHandler struct {
	broker         *stream.Broker
	sessionService *service.SessionService
}

func NewEventsHandler(broker *stream.Broker, sessionService *service.SessionService) *EventsHandler {
	return &EventsHandler{
		broker:         broker,
		sessionService: sessionService,
	}
}


func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	if account == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	chatID := chi.URLParam(r, "chatID")

	// ownership gate doubles as the existence check
	detail, err := h.sessionService.Get(r.Context(), chatID, account.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(chatID)
	defer h.broker.Unsubscribe(client)

	log.Info().
		Str("chatId", chatID).
		Str("accountId", account.ID).
		Msg("watcher connection established")

	// replay outstanding confirmations so a fresh watcher catches up
	for _, action := range detail.PendingActions {
		event := stream.NewEvent(stream.EventConfirmationRequired, map[string]any{
			"actionId":  action.ID,
			"tool":      action.ToolName,
			"args":      action.ToolArgs,
			"prompt":    action.Prompt,
			"expiresAt": action.ExpiresAt,
		})
		if err := h.sendRawEvent(w, flusher, event); err != nil {
			return
		}
	}

	if err := h.sendEvent(w, flusher, "connected", map[string]any{
		"chatId":         chatID,
		"pendingActions": len(detail.PendingActions),
	}); err != nil {
		return
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(stream.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("chatId", chatID).Msg("watcher connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("chatId", chatID).Msg("watcher connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("chatId", chatID).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, stream.Event{Type: stream.EventType(eventType), Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event stream.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
