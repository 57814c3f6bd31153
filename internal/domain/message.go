package domain

import "encoding/json"

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// PartKind discriminates ContentPart variants.
type PartKind string

const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
)

// ContentPart is one piece of a message. Exactly one payload field is set,
// selected by Kind.
type ContentPart struct {
	Kind PartKind `json:"kind"`

	// PartText
	Text string `json:"text,omitempty"`

	// PartImage: either a URL or inline base64 data with a media type.
	ImageURL  string `json:"image_url,omitempty"`
	ImageData string `json:"image_data,omitempty"`
	MediaType string `json:"media_type,omitempty"`

	// PartToolCall: an assistant-issued tool invocation.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// PartToolResult: the outcome of a prior tool call.
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextPart builds a text content part.
func TextPart(s string) ContentPart {
	return ContentPart{Kind: PartText, Text: s}
}

// Message represents a single turn in a conversation. Part order is
// caller-significant and preserved into backend encodings except where a
// codec documents deterministic role merging.
type Message struct {
	Role  string        `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// UserMessage builds a single-part text message with the user role.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []ContentPart{TextPart(text)}}
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			s += p.Text
		}
	}
	return s
}

// ToolCalls returns the tool-call parts of the message, in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Kind == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ChatRequest is the canonical completion request dispatched to a backend.
type ChatRequest struct {
	Messages      []Message  `json:"messages"`
	Tools         []ToolSpec `json:"tools,omitempty"`
	Temperature   *float64   `json:"temperature,omitempty"`
	MaxTokens     int        `json:"max_tokens,omitempty"`
	StopSequences []string   `json:"stop_sequences,omitempty"`
}

// Validate checks the request shape before any encoding or network I/O.
func (r ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return NewRelayError("ChatRequest.Validate", ErrEncoding, "empty message list")
	}
	for _, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return NewRelayError("ChatRequest.Validate", ErrEncoding, "unknown role "+m.Role)
		}
	}
	seen := make(map[string]struct{}, len(r.Tools))
	for _, t := range r.Tools {
		if t.Name == "" {
			return NewRelayError("ChatRequest.Validate", ErrEncoding, "tool with empty name")
		}
		if _, dup := seen[t.Name]; dup {
			return NewRelayError("ChatRequest.Validate", ErrEncoding, "duplicate tool "+t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// ToolSpec describes a tool for the function-calling protocol. Parameters is
// a JSON-schema-shaped description of the arguments; it is validated by the
// backend, not locally.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a model-initiated request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult carries the outcome of an executed tool call back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
