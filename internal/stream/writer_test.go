package stream

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/staffdesk/agent-server-go/internal/errors"
)

func TestWriterEmit(t *testing.T) {
	t.Run("sets SSE headers on first emission", func(t *testing.T) {
		rec := httptest.NewRecorder()
		sw, err := NewWriter(rec)
		require.NoError(t, err)

		assert.False(t, sw.Started())
		require.NoError(t, sw.Emit(TextDelta("hello")))
		assert.True(t, sw.Started())

		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
		assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	})

	t.Run("frames events as event and data lines", func(t *testing.T) {
		rec := httptest.NewRecorder()
		sw, err := NewWriter(rec)
		require.NoError(t, err)

		require.NoError(t, sw.Emit(TextDelta("hi")))
		require.NoError(t, sw.Emit(Done()))

		body := rec.Body.String()
		assert.Contains(t, body, "event: text-delta\n")
		assert.Contains(t, body, `data: {"text":"hi"}`+"\n\n")
		assert.Contains(t, body, "event: done\n")
	})

	t.Run("drops events after the terminator", func(t *testing.T) {
		rec := httptest.NewRecorder()
		sw, err := NewWriter(rec)
		require.NoError(t, err)

		require.NoError(t, sw.Emit(Done()))
		require.NoError(t, sw.Emit(TextDelta("late")))
		require.NoError(t, sw.Emit(Done()))

		body := rec.Body.String()
		assert.NotContains(t, body, "late")
		assert.Equal(t, 1, strings.Count(body, "event: done\n"))
	})
}

func TestWriterFinish(t *testing.T) {
	t.Run("nil error emits done", func(t *testing.T) {
		rec := httptest.NewRecorder()
		sw, err := NewWriter(rec)
		require.NoError(t, err)

		sw.Finish(nil)
		assert.Contains(t, rec.Body.String(), "event: done\n")
	})

	t.Run("app error emits its code", func(t *testing.T) {
		rec := httptest.NewRecorder()
		sw, err := NewWriter(rec)
		require.NoError(t, err)

		sw.Finish(apperrors.ProviderFailure(errors.New("upstream 500")))

		body := rec.Body.String()
		assert.Contains(t, body, "event: error\n")
		assert.Contains(t, body, "PROVIDER_FAILURE")
		assert.NotContains(t, body, "event: done\n")
	})

	t.Run("unknown error maps to internal", func(t *testing.T) {
		rec := httptest.NewRecorder()
		sw, err := NewWriter(rec)
		require.NoError(t, err)

		sw.Finish(errors.New("boom"))
		assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
	})

	t.Run("no second terminator after producer already closed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		sw, err := NewWriter(rec)
		require.NoError(t, err)

		require.NoError(t, sw.Emit(Error("PROVIDER_FAILURE", "stream broke")))
		sw.Finish(nil)

		body := rec.Body.String()
		assert.Equal(t, 1, strings.Count(body, "event: error\n"))
		assert.NotContains(t, body, "event: done\n")
	})
}

func TestEventTypeTerminal(t *testing.T) {
	assert.True(t, EventDone.Terminal())
	assert.True(t, EventError.Terminal())
	assert.False(t, EventTextDelta.Terminal())
	assert.False(t, EventToolResult.Terminal())
	assert.False(t, EventConfirmationRequired.Terminal())
	assert.False(t, EventActionConfirmed.Terminal())
}
