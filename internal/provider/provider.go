package provider

import (
	"context"
	"encoding/json"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a structured request from the completion provider to perform
// a named action with arguments. It lives only for the duration of turn
// processing; consequential calls are promoted into pending action rows.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
}

type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type Request struct {
	Messages []ChatMessage
	Tools    []ToolSpec
}

// Chunk is one element of a provider stream: either a text fragment or a
// completed tool call, in the order the provider emitted them.
type Chunk struct {
	TextDelta string
	ToolCall  *ToolCall
}

// Stream yields chunks until io.EOF. Any other error means the provider
// failed mid-stream.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Completion is the language-model collaborator: it takes a conversation
// and returns streamed text interleaved with zero or more tool calls.
type Completion interface {
	StreamCompletion(ctx context.Context, req Request) (Stream, error)
}
