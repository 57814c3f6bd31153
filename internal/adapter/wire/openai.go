package wire

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"modelrelay/internal/domain"
)

// openaiCodec speaks the OpenAI Chat Completions API and its many
// compatible implementations. Streaming uses SSE data lines terminated by
// a [DONE] sentinel; tool calls arrive as indexed fragments that the
// decoder re-serializes into contiguous per-call event groups.
type openaiCodec struct{}

func (openaiCodec) Kind() domain.ProviderKind { return domain.ProviderOpenAI }

// --- request wire types ---

type openaiRequest struct {
	Model         string              `json:"model"`
	Messages      []openaiMessage     `json:"messages"`
	Tools         []openaiTool        `json:"tools,omitempty"`
	MaxTokens     int                 `json:"max_tokens,omitempty"`
	Temperature   *float64            `json:"temperature,omitempty"`
	Stop          []string            `json:"stop,omitempty"`
	Stream        bool                `json:"stream"`
	StreamOptions *openaiStreamOption `json:"stream_options,omitempty"`
}

type openaiStreamOption struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"` // string or []openaiContentPart
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openaiCallFunction `json:"function"`
}

type openaiCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

func (c *openaiCodec) Encode(req domain.ChatRequest, model domain.ResolvedModel, cred domain.Credential) (*Request, error) {
	body, err := openaiBody(req, model)
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "text/event-stream")
	if cred.Kind != domain.CredentialNone && cred.Secret != "" {
		header.Set("Authorization", bearerHeader(cred))
	}

	return &Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(model.BaseURL, "/") + "/chat/completions",
		Header: header,
		Body:   body,
	}, nil
}

// openaiBody builds the request JSON shared by the OpenAI and Copilot
// codecs.
func openaiBody(req domain.ChatRequest, model domain.ResolvedModel) ([]byte, error) {
	wreq := openaiRequest{
		Model:         model.Model.ID,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Stop:          req.StopSequences,
		Stream:        true,
		StreamOptions: &openaiStreamOption{IncludeUsage: true},
	}

	for _, m := range req.Messages {
		msg, err := openaiMessageFrom(m)
		if err != nil {
			return nil, err
		}
		wreq.Messages = append(wreq.Messages, msg...)
	}

	for _, t := range req.Tools {
		wreq.Tools = append(wreq.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	body, err := json.Marshal(wreq)
	if err != nil {
		return nil, domain.NewRelayError("openai.Encode", domain.ErrEncoding, err.Error())
	}
	return body, nil
}

// openaiMessageFrom converts one canonical message. A canonical tool
// message may carry several results; each becomes its own wire message
// because the API binds one tool_call_id per message.
func openaiMessageFrom(m domain.Message) ([]openaiMessage, error) {
	if m.Role == domain.RoleTool {
		var out []openaiMessage
		for _, p := range m.Parts {
			if p.Kind != domain.PartToolResult || p.ToolResult == nil {
				continue
			}
			out = append(out, openaiMessage{
				Role:       "tool",
				Content:    p.ToolResult.Content,
				ToolCallID: p.ToolResult.ToolCallID,
			})
		}
		if len(out) == 0 {
			return nil, domain.NewRelayError("openai.Encode", domain.ErrEncoding, "tool message without tool_result part")
		}
		return out, nil
	}

	msg := openaiMessage{Role: m.Role}
	var parts []openaiContentPart
	hasImage := false
	for _, p := range m.Parts {
		switch p.Kind {
		case domain.PartText:
			parts = append(parts, openaiContentPart{Type: "text", Text: p.Text})
		case domain.PartImage:
			hasImage = true
			url := p.ImageURL
			if url == "" {
				url = fmt.Sprintf("data:%s;base64,%s", p.MediaType, p.ImageData)
			}
			parts = append(parts, openaiContentPart{Type: "image_url", ImageURL: &openaiImageURL{URL: url}})
		case domain.PartToolCall:
			if p.ToolCall == nil {
				return nil, domain.NewRelayError("openai.Encode", domain.ErrEncoding, "tool_call part without payload")
			}
			msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
				ID:   p.ToolCall.ID,
				Type: "function",
				Function: openaiCallFunction{
					Name:      p.ToolCall.Name,
					Arguments: string(p.ToolCall.Arguments),
				},
			})
		default:
			return nil, domain.NewRelayError("openai.Encode", domain.ErrEncoding, "unsupported part "+string(p.Kind))
		}
	}

	// Plain text collapses to a string body; the array form is only
	// required for multimodal content.
	if hasImage {
		msg.Content = parts
	} else if text := m.Text(); text != "" {
		msg.Content = text
	}
	return []openaiMessage{msg}, nil
}

// --- streaming wire types ---

type openaiStreamChunk struct {
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiDecoder struct {
	op    string
	sse   sseSplitter
	calls *callTracker
	done  bool
}

func (c *openaiCodec) NewDecoder() Decoder {
	return &openaiDecoder{op: "openai.Decode", calls: newCallTracker()}
}

func (d *openaiDecoder) Feed(p []byte) ([]domain.StreamEvent, error) {
	var events []domain.StreamEvent
	for _, frame := range d.sse.feed(p) {
		if d.done {
			break
		}
		if string(frame.data) == "[DONE]" {
			d.done = true
			events = append(events, d.calls.finish()...)
			events = append(events, domain.EndEvent())
			break
		}
		evs, err := d.frame(frame.data)
		if err != nil {
			return events, err
		}
		events = append(events, evs...)
	}
	return events, nil
}

func (d *openaiDecoder) frame(data []byte) ([]domain.StreamEvent, error) {
	var chunk openaiStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, domain.NewRelayError(d.op, domain.ErrDecoding, "bad frame: "+string(data))
	}

	var events []domain.StreamEvent
	if chunk.Usage != nil {
		events = append(events, domain.UsageEvent(domain.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
		}))
	}
	if len(chunk.Choices) == 0 {
		return events, nil
	}

	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		events = append(events, domain.TextEvent(choice.Delta.Content))
	}
	for _, tc := range choice.Delta.ToolCalls {
		key := "0"
		if tc.Index != nil {
			key = strconv.Itoa(*tc.Index)
		}
		if tc.ID != "" || tc.Function.Name != "" {
			events = append(events, d.calls.begin(key, tc.ID, tc.Function.Name)...)
		}
		if tc.Function.Arguments != "" {
			events = append(events, d.calls.arg(key, []byte(tc.Function.Arguments))...)
		}
	}
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		// Calls are final once the choice finishes; [DONE] (or a trailing
		// usage chunk) still follows.
		events = append(events, d.calls.finish()...)
	}
	return events, nil
}

func (d *openaiDecoder) Finish() ([]domain.StreamEvent, error) {
	if d.done {
		return nil, nil
	}
	if len(d.sse.rest()) > 0 {
		return nil, domain.NewRelayError(d.op, domain.ErrDecoding, "stream closed mid-frame")
	}
	return nil, domain.NewRelayError(d.op, domain.ErrNetwork, "stream closed before [DONE]")
}

type openaiAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func (c *openaiCodec) DecodeError(status int, header http.Header, body []byte) error {
	return openaiErrorFrom("openai.DecodeError", status, header, body)
}

func openaiErrorFrom(op string, status int, header http.Header, body []byte) error {
	relayErr := mapStatusError(op, status, header, body)

	var wrapped struct {
		Error *openaiAPIError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil {
		if code, ok := wrapped.Error.Code.(string); ok && code == "context_length_exceeded" {
			relayErr.Err = domain.ErrContextOverflow
		}
		if wrapped.Error.Type == "insufficient_quota" {
			relayErr.Err = domain.ErrRateLimit
		}
		relayErr.Detail = wrapped.Error.Message
	}
	return relayErr
}
