package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const requestTimeout = 5 * time.Minute

// HTTPClient talks to an OpenAI-compatible chat-completions endpoint with
// server-sent-event streaming.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewHTTPClient(baseURL, apiKey, model string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
}

type wireDelta struct {
	Content   string `json:"content"`
	ToolCalls []struct {
		Index    int    `json:"index"`
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
}

type wireChunk struct {
	Choices []struct {
		Delta        wireDelta `json:"delta"`
		FinishReason *string   `json:"finish_reason"`
	} `json:"choices"`
}

func (c *HTTPClient) StreamCompletion(ctx context.Context, req Request) (Stream, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Error().
			Int("status", resp.StatusCode).
			Str("model", c.model).
			Dur("elapsed", time.Since(start)).
			Msg("provider returned error status")
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, snippet)
	}

	log.Debug().
		Str("model", c.model).
		Int("messages", len(req.Messages)).
		Msg("provider stream opened")

	return newSSEStream(resp.Body), nil
}

func (c *HTTPClient) buildRequest(req Request) wireRequest {
	wr := wireRequest{
		Model:  c.model,
		Stream: true,
	}
	for _, m := range req.Messages {
		wm := wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.ID = tc.ID
			wtc.Type = "function"
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		wr.Messages = append(wr.Messages, wm)
	}
	for _, t := range req.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		wr.Tools = append(wr.Tools, wt)
	}
	return wr
}

// sseStream incrementally parses "data:" framed chunks. Text deltas pass
// through as they arrive; tool call fragments are accumulated by index and
// emitted once the provider finishes, preserving emission order.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	partial map[int]*partialCall
	queued  []ToolCall
	done    bool
}

type partialCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{
		body:    body,
		scanner: scanner,
		partial: make(map[int]*partialCall),
	}
}

func (s *sseStream) Recv() (Chunk, error) {
	for {
		if len(s.queued) > 0 {
			call := s.queued[0]
			s.queued = s.queued[1:]
			return Chunk{ToolCall: &call}, nil
		}
		if s.done {
			return Chunk{}, io.EOF
		}

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Chunk{}, fmt.Errorf("read provider stream: %w", err)
			}
			s.finish()
			continue
		}

		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.finish()
			continue
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return Chunk{}, fmt.Errorf("unparseable provider chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		for _, tc := range delta.ToolCalls {
			p, ok := s.partial[tc.Index]
			if !ok {
				p = &partialCall{index: tc.Index}
				s.partial[tc.Index] = p
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
		}

		if delta.Content != "" {
			return Chunk{TextDelta: delta.Content}, nil
		}
	}
}

func (s *sseStream) finish() {
	s.done = true

	calls := make([]*partialCall, 0, len(s.partial))
	for _, p := range s.partial {
		calls = append(calls, p)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].index < calls[j].index })

	for _, p := range calls {
		args := p.args.String()
		if args == "" {
			args = "{}"
		}
		s.queued = append(s.queued, ToolCall{
			ID:        p.id,
			Name:      p.name,
			Arguments: json.RawMessage(args),
		})
	}
	s.partial = make(map[int]*partialCall)
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
