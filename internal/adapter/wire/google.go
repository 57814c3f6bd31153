package wire

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"modelrelay/internal/domain"
)

// googleCodec speaks the Google Generative Language (Gemini) API.
// Streaming uses streamGenerateContent with alt=sse. The API only knows
// the user and model roles: system messages are lifted into
// systemInstruction and consecutive same-role messages are merged into one
// content entry, in order. Tool calls arrive as complete functionCall
// parts, so each one is emitted as an immediate Start/Delta/End group.
type googleCodec struct{}

func (googleCodec) Kind() domain.ProviderKind { return domain.ProviderGoogle }

// --- request wire types ---

type googleRequest struct {
	Contents          []googleContent `json:"contents"`
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	Tools             []googleTool    `json:"tools,omitempty"`
	GenerationConfig  *googleGenCfg   `json:"generationConfig,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *googleBlob       `json:"inlineData,omitempty"`
	FileData         *googleFileData   `json:"fileData,omitempty"`
	FunctionCall     *googleFuncCall   `json:"functionCall,omitempty"`
	FunctionResponse *googleFuncResult `json:"functionResponse,omitempty"`
}

type googleBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type googleFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type googleFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type googleFuncResult struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type googleTool struct {
	FunctionDeclarations []googleFuncDecl `json:"functionDeclarations"`
}

type googleFuncDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type googleGenCfg struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

func (c *googleCodec) Encode(req domain.ChatRequest, model domain.ResolvedModel, cred domain.Credential) (*Request, error) {
	wreq := googleRequest{}

	var system []googlePart
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			system = append(system, googlePart{Text: m.Text()})
			continue
		}
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}
		parts, err := googleParts(m)
		if err != nil {
			return nil, err
		}
		// Merge with the previous entry when the mapped role repeats;
		// the API rejects consecutive same-role contents.
		if n := len(wreq.Contents); n > 0 && wreq.Contents[n-1].Role == role {
			wreq.Contents[n-1].Parts = append(wreq.Contents[n-1].Parts, parts...)
			continue
		}
		wreq.Contents = append(wreq.Contents, googleContent{Role: role, Parts: parts})
	}
	if len(system) > 0 {
		wreq.SystemInstruction = &googleContent{Parts: system}
	}

	if len(req.Tools) > 0 {
		decls := make([]googleFuncDecl, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = googleFuncDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		wreq.Tools = []googleTool{{FunctionDeclarations: decls}}
	}

	if req.Temperature != nil || req.MaxTokens > 0 || len(req.StopSequences) > 0 {
		wreq.GenerationConfig = &googleGenCfg{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.StopSequences,
		}
	}

	body, err := json.Marshal(wreq)
	if err != nil {
		return nil, domain.NewRelayError("google.Encode", domain.ErrEncoding, err.Error())
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "text/event-stream")

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
		strings.TrimRight(model.BaseURL, "/"), url.PathEscape(model.Model.ID))
	if cred.Kind != domain.CredentialNone && cred.Secret != "" {
		endpoint += "&key=" + url.QueryEscape(cred.Secret)
	}

	return &Request{
		Method: http.MethodPost,
		URL:    endpoint,
		Header: header,
		Body:   body,
	}, nil
}

func googleParts(m domain.Message) ([]googlePart, error) {
	var parts []googlePart
	for _, p := range m.Parts {
		switch p.Kind {
		case domain.PartText:
			parts = append(parts, googlePart{Text: p.Text})
		case domain.PartImage:
			if p.ImageURL != "" {
				parts = append(parts, googlePart{FileData: &googleFileData{MimeType: p.MediaType, FileURI: p.ImageURL}})
			} else {
				parts = append(parts, googlePart{InlineData: &googleBlob{MimeType: p.MediaType, Data: p.ImageData}})
			}
		case domain.PartToolCall:
			if p.ToolCall == nil {
				return nil, domain.NewRelayError("google.Encode", domain.ErrEncoding, "tool_call part without payload")
			}
			parts = append(parts, googlePart{FunctionCall: &googleFuncCall{Name: p.ToolCall.Name, Args: p.ToolCall.Arguments}})
		case domain.PartToolResult:
			if p.ToolResult == nil {
				return nil, domain.NewRelayError("google.Encode", domain.ErrEncoding, "tool_result part without payload")
			}
			// The API addresses results by function name; the canonical
			// call ID encodes it as name:counter.
			name, _, _ := strings.Cut(p.ToolResult.ToolCallID, ":")
			parts = append(parts, googlePart{FunctionResponse: &googleFuncResult{
				Name:     name,
				Response: map[string]any{"output": p.ToolResult.Content},
			}})
		default:
			return nil, domain.NewRelayError("google.Encode", domain.ErrEncoding, "unsupported part "+string(p.Kind))
		}
	}
	return parts, nil
}

// --- streaming wire types ---

type googleStreamChunk struct {
	Candidates []struct {
		Content      *googleContent `json:"content,omitempty"`
		FinishReason string         `json:"finishReason,omitempty"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

type googleDecoder struct {
	sse      sseSplitter
	callSeq  int
	usage    *domain.Usage // latest usage metadata; emitted at stream end
	finished bool
	done     bool
}

func (c *googleCodec) NewDecoder() Decoder { return &googleDecoder{} }

func (d *googleDecoder) Feed(p []byte) ([]domain.StreamEvent, error) {
	var events []domain.StreamEvent
	for _, frame := range d.sse.feed(p) {
		if d.done {
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

func (d *googleDecoder) frame(data []byte) ([]domain.StreamEvent, error) {
	var chunk googleStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, domain.NewRelayError("google.Decode", domain.ErrDecoding, "bad frame: "+string(data))
	}

	var events []domain.StreamEvent
	if chunk.UsageMetadata != nil {
		// Counts are cumulative per chunk; only the last one is reported.
		d.usage = &domain.Usage{
			PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
			CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
		}
	}

	for _, cand := range chunk.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					events = append(events, domain.TextEvent(part.Text))
				}
				if part.FunctionCall != nil {
					events = append(events, d.functionCall(part.FunctionCall)...)
				}
			}
		}
		if cand.FinishReason != "" {
			d.finished = true
		}
		break // single-candidate requests only
	}
	return events, nil
}

// functionCall emits a complete Start/Delta/End group for one call. The
// backend never streams argument fragments, so the group is synthesized
// whole, with an ID of the form name:counter.
func (d *googleDecoder) functionCall(call *googleFuncCall) []domain.StreamEvent {
	d.callSeq++
	id := fmt.Sprintf("%s:%d", call.Name, d.callSeq)
	args := string(call.Args)
	if args == "" {
		args = "{}"
	}
	return []domain.StreamEvent{
		{Type: domain.EventToolCallStart, ToolCallID: id, ToolName: call.Name},
		{Type: domain.EventToolCallDelta, ToolCallID: id, ToolName: call.Name, Arguments: args},
		{Type: domain.EventToolCallEnd, ToolCallID: id, ToolName: call.Name},
	}
}

func (d *googleDecoder) Finish() ([]domain.StreamEvent, error) {
	if d.done {
		return nil, nil
	}
	if len(d.sse.rest()) > 0 {
		return nil, domain.NewRelayError("google.Decode", domain.ErrDecoding, "stream closed mid-frame")
	}
	if !d.finished {
		return nil, domain.NewRelayError("google.Decode", domain.ErrNetwork, "stream closed without finish reason")
	}
	d.done = true
	var events []domain.StreamEvent
	if d.usage != nil {
		events = append(events, domain.UsageEvent(*d.usage))
	}
	return append(events, domain.EndEvent()), nil
}

type googleAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (c *googleCodec) DecodeError(status int, header http.Header, body []byte) error {
	relayErr := mapStatusError("google.DecodeError", status, header, body)

	var wrapped struct {
		Error *googleAPIError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil {
		switch wrapped.Error.Status {
		case "RESOURCE_EXHAUSTED":
			relayErr.Err = domain.ErrRateLimit
		case "UNAUTHENTICATED", "PERMISSION_DENIED":
			relayErr.Err = domain.ErrAuthInvalid
		case "UNAVAILABLE":
			relayErr.Err = domain.ErrOverloaded
		}
		relayErr.Detail = wrapped.Error.Message
	}
	return relayErr
}
