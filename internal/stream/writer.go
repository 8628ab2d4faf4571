package stream

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	apperrors "github.com/staffdesk/agent-server-go/internal/errors"
)

// Writer frames events onto a server-sent-event response. It guarantees the
// stream terminates in exactly one done or error event: emissions after the
// terminator are dropped, and Finish backfills a terminator if the producer
// never sent one.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu         sync.Mutex
	started    bool
	terminated bool
}

// NewWriter prepares an SSE response. Returns an error if the underlying
// ResponseWriter cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

func (sw *Writer) Emit(event Event) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.terminated {
		if event.Type.Terminal() {
			return nil
		}
		log.Warn().Str("type", string(event.Type)).Msg("event dropped after stream terminator")
		return nil
	}

	if !sw.started {
		sw.w.Header().Set("Content-Type", "text/event-stream")
		sw.w.Header().Set("Cache-Control", "no-cache")
		sw.w.Header().Set("Connection", "keep-alive")
		sw.w.Header().Set("X-Accel-Buffering", "no")
		sw.w.WriteHeader(http.StatusOK)
		sw.started = true
	}

	if _, err := fmt.Fprintf(sw.w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	sw.flusher.Flush()

	if event.Type.Terminal() {
		sw.terminated = true
	}
	return nil
}

// Started reports whether any event has been written. Errors discovered
// before the first emission may still be reported as an ordinary failed
// call; after it, they must go in-stream.
func (sw *Writer) Started() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.started
}

// Finish closes the stream with the outcome of the producing task. A nil
// error emits done; anything else emits an error event. No-op if a
// terminator was already written.
func (sw *Writer) Finish(err error) {
	if err == nil {
		_ = sw.Emit(Done())
		return
	}

	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}
	_ = sw.Emit(Error(string(appErr.Code), appErr.Message))
}
