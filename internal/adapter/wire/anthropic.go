package wire

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"modelrelay/internal/domain"
)

const (
	anthropicVersion    = "2023-06-01"
	anthropicDefaultMax = 4096
)

// anthropicCodec speaks the Anthropic Messages API. Streaming uses SSE with
// typed events; system messages are lifted into the request's system field
// and tool results become user messages carrying a tool_result block (both
// deterministic, order-preserving transforms).
type anthropicCodec struct{}

func (anthropicCodec) Kind() domain.ProviderKind { return domain.ProviderAnthropic }

// --- request wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// image
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

func (c *anthropicCodec) Encode(req domain.ChatRequest, model domain.ResolvedModel, cred domain.Credential) (*Request, error) {
	wreq := anthropicRequest{
		Model:       model.Model.ID,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		StopSeqs:    req.StopSequences,
		Stream:      true,
	}
	if wreq.MaxTokens <= 0 {
		wreq.MaxTokens = anthropicDefaultMax
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Text())
			continue
		case domain.RoleTool:
			msg := anthropicMessage{Role: "user"}
			for _, p := range m.Parts {
				if p.Kind != domain.PartToolResult || p.ToolResult == nil {
					continue
				}
				msg.Content = append(msg.Content, anthropicContent{
					Type:      "tool_result",
					ToolUseID: p.ToolResult.ToolCallID,
					Content:   p.ToolResult.Content,
					IsError:   p.ToolResult.IsError,
				})
			}
			if len(msg.Content) == 0 {
				return nil, domain.NewRelayError("anthropic.Encode", domain.ErrEncoding, "tool message without tool_result part")
			}
			wreq.Messages = append(wreq.Messages, msg)
			continue
		}

		msg := anthropicMessage{Role: m.Role}
		for _, p := range m.Parts {
			block, err := anthropicBlock(p)
			if err != nil {
				return nil, err
			}
			msg.Content = append(msg.Content, block)
		}
		wreq.Messages = append(wreq.Messages, msg)
	}
	wreq.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		wreq.Tools = append(wreq.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	body, err := json.Marshal(wreq)
	if err != nil {
		return nil, domain.NewRelayError("anthropic.Encode", domain.ErrEncoding, err.Error())
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "text/event-stream")
	header.Set("anthropic-version", anthropicVersion)
	if cred.Kind != domain.CredentialNone {
		header.Set("x-api-key", cred.Secret)
	}

	return &Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(model.BaseURL, "/") + "/v1/messages",
		Header: header,
		Body:   body,
	}, nil
}

func anthropicBlock(p domain.ContentPart) (anthropicContent, error) {
	switch p.Kind {
	case domain.PartText:
		return anthropicContent{Type: "text", Text: p.Text}, nil
	case domain.PartImage:
		src := &anthropicImageSource{}
		if p.ImageURL != "" {
			src.Type = "url"
			src.URL = p.ImageURL
		} else {
			src.Type = "base64"
			src.MediaType = p.MediaType
			src.Data = p.ImageData
		}
		return anthropicContent{Type: "image", Source: src}, nil
	case domain.PartToolCall:
		if p.ToolCall == nil {
			return anthropicContent{}, domain.NewRelayError("anthropic.Encode", domain.ErrEncoding, "tool_call part without payload")
		}
		input := p.ToolCall.Arguments
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return anthropicContent{Type: "tool_use", ID: p.ToolCall.ID, Name: p.ToolCall.Name, Input: input}, nil
	default:
		return anthropicContent{}, domain.NewRelayError("anthropic.Encode", domain.ErrEncoding, "unsupported part "+string(p.Kind))
	}
}

// --- streaming wire types ---

type anthropicStreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Delta        json.RawMessage   `json:"delta,omitempty"`
	Usage        *anthropicUsage   `json:"usage,omitempty"`
	Message      *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Error *anthropicAPIError `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicDecoder struct {
	sse    sseSplitter
	calls  *callTracker
	prompt int // input token count from message_start
	done   bool
}

func (c *anthropicCodec) NewDecoder() Decoder {
	return &anthropicDecoder{calls: newCallTracker()}
}

func (d *anthropicDecoder) Feed(p []byte) ([]domain.StreamEvent, error) {
	var events []domain.StreamEvent
	for _, frame := range d.sse.feed(p) {
		if d.done {
			break
		}
		evs, err := d.frame(frame)
		if err != nil {
			return events, err
		}
		events = append(events, evs...)
	}
	return events, nil
}

func (d *anthropicDecoder) frame(frame sseEvent) ([]domain.StreamEvent, error) {
	var evt anthropicStreamEvent
	if err := json.Unmarshal(frame.data, &evt); err != nil {
		return nil, domain.NewRelayError("anthropic.Decode", domain.ErrDecoding, "bad frame: "+string(frame.data))
	}

	key := strconv.Itoa(evt.Index)
	switch evt.Type {
	case "message_start":
		if evt.Message != nil {
			d.prompt = evt.Message.Usage.InputTokens
		}
		return nil, nil

	case "content_block_start":
		if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
			return d.calls.begin(key, evt.ContentBlock.ID, evt.ContentBlock.Name), nil
		}
		return nil, nil

	case "content_block_delta":
		var delta anthropicDelta
		if err := json.Unmarshal(evt.Delta, &delta); err != nil {
			return nil, domain.NewRelayError("anthropic.Decode", domain.ErrDecoding, "bad delta: "+string(evt.Delta))
		}
		switch delta.Type {
		case "text_delta":
			return []domain.StreamEvent{domain.TextEvent(delta.Text)}, nil
		case "input_json_delta":
			return d.calls.arg(key, []byte(delta.PartialJSON)), nil
		}
		return nil, nil

	case "content_block_stop":
		return d.calls.end(key), nil

	case "message_delta":
		if evt.Usage != nil {
			return []domain.StreamEvent{domain.UsageEvent(domain.Usage{
				PromptTokens:     d.prompt,
				CompletionTokens: evt.Usage.OutputTokens,
			})}, nil
		}
		return nil, nil

	case "message_stop":
		d.done = true
		events := d.calls.finish()
		return append(events, domain.EndEvent()), nil

	case "error":
		msg := "backend stream error"
		kind := domain.ErrDecoding
		if evt.Error != nil {
			msg = evt.Error.Message
			if evt.Error.Type == "overloaded_error" {
				kind = domain.ErrOverloaded
			}
		}
		return nil, domain.NewRelayError("anthropic.Decode", kind, msg)

	default:
		// ping and future event types are ignored.
		return nil, nil
	}
}

func (d *anthropicDecoder) Finish() ([]domain.StreamEvent, error) {
	if d.done {
		return nil, nil
	}
	if len(d.sse.rest()) > 0 {
		return nil, domain.NewRelayError("anthropic.Decode", domain.ErrDecoding, "stream closed mid-frame")
	}
	return nil, domain.NewRelayError("anthropic.Decode", domain.ErrNetwork, "stream closed before message_stop")
}

func (c *anthropicCodec) DecodeError(status int, header http.Header, body []byte) error {
	relayErr := mapStatusError("anthropic.DecodeError", status, header, body)

	var wrapped struct {
		Error *anthropicAPIError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil {
		switch wrapped.Error.Type {
		case "overloaded_error":
			relayErr.Err = domain.ErrOverloaded
		case "rate_limit_error":
			relayErr.Err = domain.ErrRateLimit
		case "authentication_error", "permission_error":
			relayErr.Err = domain.ErrAuthInvalid
		case "invalid_request_error":
			if strings.Contains(wrapped.Error.Message, "prompt is too long") {
				relayErr.Err = domain.ErrContextOverflow
			} else {
				relayErr.Err = domain.ErrEncoding
			}
		}
		relayErr.Detail = wrapped.Error.Message
	}
	return relayErr
}
