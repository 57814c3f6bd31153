package wire

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"modelrelay/internal/domain"
)

// ollamaCodec speaks the native Ollama chat API. The daemon needs no
// authentication and streams one JSON object per line, with a done:true
// terminator carrying token counts. Tool calls arrive complete, never as
// fragments.
type ollamaCodec struct{}

func (ollamaCodec) Kind() domain.ProviderKind { return domain.ProviderOllama }

// DefaultOllamaBaseURL is where a locally installed daemon listens.
const DefaultOllamaBaseURL = "http://localhost:11434"

// --- request wire types ---

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []openaiTool    `json:"tools,omitempty"` // Ollama adopted the OpenAI tool schema
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"` // base64, no data URI prefix
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

func (c *ollamaCodec) Encode(req domain.ChatRequest, model domain.ResolvedModel, _ domain.Credential) (*Request, error) {
	wreq := ollamaRequest{
		Model:  model.Model.ID,
		Stream: true,
	}

	for _, m := range req.Messages {
		msg := ollamaMessage{Role: m.Role, Content: m.Text()}
		for _, p := range m.Parts {
			switch p.Kind {
			case domain.PartText:
			case domain.PartImage:
				if p.ImageData == "" {
					return nil, domain.NewRelayError("ollama.Encode", domain.ErrEncoding, "image parts must be inline base64")
				}
				msg.Images = append(msg.Images, p.ImageData)
			case domain.PartToolCall:
				if p.ToolCall == nil {
					return nil, domain.NewRelayError("ollama.Encode", domain.ErrEncoding, "tool_call part without payload")
				}
				msg.ToolCalls = append(msg.ToolCalls, ollamaToolCall{
					Function: ollamaToolFunction{Name: p.ToolCall.Name, Arguments: p.ToolCall.Arguments},
				})
			case domain.PartToolResult:
				if p.ToolResult == nil {
					return nil, domain.NewRelayError("ollama.Encode", domain.ErrEncoding, "tool_result part without payload")
				}
				msg.Content = p.ToolResult.Content
			default:
				return nil, domain.NewRelayError("ollama.Encode", domain.ErrEncoding, "unsupported part "+string(p.Kind))
			}
		}
		wreq.Messages = append(wreq.Messages, msg)
	}

	for _, t := range req.Tools {
		wreq.Tools = append(wreq.Tools, openaiTool{
			Type:     "function",
			Function: openaiFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	if req.Temperature != nil || req.MaxTokens > 0 || len(req.StopSequences) > 0 {
		wreq.Options = &ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			Stop:        req.StopSequences,
		}
	}

	body, err := json.Marshal(wreq)
	if err != nil {
		return nil, domain.NewRelayError("ollama.Encode", domain.ErrEncoding, err.Error())
	}

	baseURL := model.BaseURL
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")

	return &Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(baseURL, "/") + "/api/chat",
		Header: header,
		Body:   body,
	}, nil
}

// --- streaming wire types ---

type ollamaStreamChunk struct {
	Message         *ollamaMessage `json:"message,omitempty"`
	Done            bool           `json:"done"`
	DoneReason      string         `json:"done_reason,omitempty"`
	PromptEvalCount int            `json:"prompt_eval_count,omitempty"`
	EvalCount       int            `json:"eval_count,omitempty"`
	Error           string         `json:"error,omitempty"`
}

type ollamaDecoder struct {
	lines   lineSplitter
	callSeq int
	done    bool
}

func (c *ollamaCodec) NewDecoder() Decoder { return &ollamaDecoder{} }

func (d *ollamaDecoder) Feed(p []byte) ([]domain.StreamEvent, error) {
	var events []domain.StreamEvent
	for _, line := range d.lines.feed(p) {
		if d.done {
			break
		}
		var chunk ollamaStreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return events, domain.NewRelayError("ollama.Decode", domain.ErrDecoding, "bad frame: "+string(line))
		}
		if chunk.Error != "" {
			return events, domain.NewRelayError("ollama.Decode", domain.ErrDecoding, chunk.Error)
		}

		if chunk.Message != nil {
			if chunk.Message.Content != "" {
				events = append(events, domain.TextEvent(chunk.Message.Content))
			}
			for _, tc := range chunk.Message.ToolCalls {
				d.callSeq++
				id := fmt.Sprintf("%s:%d", tc.Function.Name, d.callSeq)
				args := string(tc.Function.Arguments)
				if args == "" {
					args = "{}"
				}
				events = append(events,
					domain.StreamEvent{Type: domain.EventToolCallStart, ToolCallID: id, ToolName: tc.Function.Name},
					domain.StreamEvent{Type: domain.EventToolCallDelta, ToolCallID: id, ToolName: tc.Function.Name, Arguments: args},
					domain.StreamEvent{Type: domain.EventToolCallEnd, ToolCallID: id, ToolName: tc.Function.Name},
				)
			}
		}

		if chunk.Done {
			d.done = true
			events = append(events, domain.UsageEvent(domain.Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
			}))
			events = append(events, domain.EndEvent())
		}
	}
	return events, nil
}

func (d *ollamaDecoder) Finish() ([]domain.StreamEvent, error) {
	if d.done {
		return nil, nil
	}
	if len(d.lines.rest()) > 0 {
		return nil, domain.NewRelayError("ollama.Decode", domain.ErrDecoding, "stream closed mid-frame")
	}
	return nil, domain.NewRelayError("ollama.Decode", domain.ErrNetwork, "stream closed before done")
}

func (c *ollamaCodec) DecodeError(status int, header http.Header, body []byte) error {
	relayErr := mapStatusError("ollama.DecodeError", status, header, body)

	var wrapped struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != "" {
		if status == http.StatusNotFound && strings.Contains(wrapped.Error, "not found") {
			relayErr.Err = domain.ErrUnknownModel
		}
		relayErr.Detail = wrapped.Error
	}
	return relayErr
}

// --- model catalog types, consumed by the registry ---

// OllamaTag is one locally available model reported by /api/tags.
type OllamaTag struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// OllamaTagsResponse is the /api/tags payload.
type OllamaTagsResponse struct {
	Models []OllamaTag `json:"models"`
}
