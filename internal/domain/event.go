package domain

// EventType discriminates StreamEvent variants.
type EventType string

const (
	EventTextDelta     EventType = "text_delta"
	EventToolCallStart EventType = "tool_call_start"
	EventToolCallDelta EventType = "tool_call_delta"
	EventToolCallEnd   EventType = "tool_call_end"
	EventUsage         EventType = "usage"
	EventEnd           EventType = "end"
	EventError         EventType = "error"
)

// StreamEvent is one canonical event in a completion stream. Exactly one
// payload group is meaningful, selected by Type.
//
// Events for a single tool call arrive Start, zero or more Delta, End, and
// are never interleaved with another call's events; codecs re-serialize
// backends that interleave. Argument deltas always form a valid UTF-8 prefix
// sequence, and their concatenation is the complete argument JSON.
type StreamEvent struct {
	Type EventType

	// EventTextDelta
	Text string

	// EventToolCallStart / Delta / End
	ToolCallID string
	ToolName   string
	Arguments  string // incremental JSON fragment on Delta

	// EventUsage
	Usage *Usage

	// EventError: terminal; no events follow.
	Err error
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	// Estimated is true when the counts came from the local token
	// accountant rather than the backend.
	Estimated bool `json:"estimated,omitempty"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// TextEvent builds a TextDelta event.
func TextEvent(s string) StreamEvent { return StreamEvent{Type: EventTextDelta, Text: s} }

// EndEvent builds a StreamEnd event.
func EndEvent() StreamEvent { return StreamEvent{Type: EventEnd} }

// ErrorEvent builds a terminal error event.
func ErrorEvent(err error) StreamEvent { return StreamEvent{Type: EventError, Err: err} }

// UsageEvent builds a Usage event.
func UsageEvent(u Usage) StreamEvent { return StreamEvent{Type: EventUsage, Usage: &u} }
