package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/staffdesk/agent-server-go/internal/errors"
	"github.com/staffdesk/agent-server-go/internal/middleware"
	"github.com/staffdesk/agent-server-go/internal/model"
	"github.com/staffdesk/agent-server-go/internal/service"
	"github.com/staffdesk/agent-server-go/internal/stream"
)

type ActionHandler struct {
	confirmationService *service.ConfirmationService
	turnService         *service.TurnService
}

func NewActionHandler(confirmationService *service.ConfirmationService, turnService *service.TurnService) *ActionHandler {
	return &ActionHandler{
		confirmationService: confirmationService,
		turnService:         turnService,
	}
}

func (h *ActionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/{actionID}/decision", h.Decide)

	return r
}

// POST /v1/actions/{actionID}/decision
//
// Rejection returns the updated status synchronously. Approval executes the
// tool, then answers with an event stream: one action-confirmed event
// carrying the execution result, followed by the continuation turn and the
// terminating sentinel.
func (h *ActionHandler) Decide(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	if account == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	actionID := chi.URLParam(r, "actionID")

	var req struct {
		Verdict string  `json:"verdict"`
		Reason  *string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	verdict := model.Verdict(req.Verdict)
	if verdict != model.VerdictApprove && verdict != model.VerdictReject {
		writeError(w, apperrors.InvalidInput("verdict", "must be approve or reject"))
		return
	}

	action, err := h.confirmationService.Decide(r.Context(), actionID, account.ID, verdict, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	if verdict == model.VerdictReject {
		writeJSON(w, http.StatusOK, map[string]any{
			"actionId": action.ID,
			"status":   action.Status,
		})
		return
	}

	sw, serr := stream.NewWriter(w)
	if serr != nil {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	if err := sw.Emit(stream.NewEvent(stream.EventActionConfirmed, map[string]any{
		"actionId": action.ID,
		"tool":     action.ToolName,
		"status":   action.Status,
		"result":   action.Result,
	})); err != nil {
		log.Error().Err(err).Str("actionId", action.ID).Msg("failed to emit confirmation result")
		return
	}

	contErr := h.turnService.RunContinuation(r.Context(), action, account.ID, sw)
	if contErr != nil {
		log.Error().Err(contErr).Str("actionId", action.ID).Msg("continuation turn failed")
	}

	sw.Finish(contErr)
}
