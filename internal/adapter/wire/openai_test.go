package wire

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"testing"

	"modelrelay/internal/domain"
)

func TestOpenAIEncode(t *testing.T) {
	codec := &openaiCodec{}
	temp := 0.2
	req := domain.ChatRequest{
		Messages:    []domain.Message{domain.UserMessage("hi")},
		Temperature: &temp,
		MaxTokens:   100,
	}

	wreq, err := codec.Encode(req,
		testModel(domain.ProviderOpenAI, "https://api.openai.com/v1", "gpt-4o"),
		domain.Credential{Kind: domain.CredentialBearer, Secret: "sk-test"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if wreq.URL != "https://api.openai.com/v1/chat/completions" {
		t.Errorf("URL = %q", wreq.URL)
	}
	if got := wreq.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}

	var body openaiRequest
	if err := json.Unmarshal(wreq.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if !body.Stream || body.StreamOptions == nil || !body.StreamOptions.IncludeUsage {
		t.Error("stream usage reporting not requested")
	}
	if body.Messages[0].Content != "hi" {
		t.Errorf("content = %v, want plain string", body.Messages[0].Content)
	}
	if body.Temperature == nil || *body.Temperature != 0.2 {
		t.Errorf("temperature = %v", body.Temperature)
	}
}

func TestOpenAIEncodeMultimodalContent(t *testing.T) {
	codec := &openaiCodec{}
	req := domain.ChatRequest{
		Messages: []domain.Message{{
			Role: domain.RoleUser,
			Parts: []domain.ContentPart{
				domain.TextPart("what is this"),
				{Kind: domain.PartImage, ImageData: "aGk=", MediaType: "image/png"},
			},
		}},
	}

	wreq, err := codec.Encode(req,
		testModel(domain.ProviderOpenAI, "https://api.openai.com/v1", "gpt-4o"),
		domain.Credential{Kind: domain.CredentialBearer, Secret: "k"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var body struct {
		Messages []struct {
			Content []openaiContentPart `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(wreq.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	parts := body.Messages[0].Content
	if len(parts) != 2 || parts[1].Type != "image_url" {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[1].ImageURL.URL != "data:image/png;base64,aGk=" {
		t.Errorf("image url = %q", parts[1].ImageURL.URL)
	}
}

func TestOpenAIDecodeTextAndUsage(t *testing.T) {
	d := (&openaiCodec{}).NewDecoder()

	events := feedAll(t, d,
		"data: {\"choices\":[{\"delta\":{\"content\":\"4\"},\"finish_reason\":null}]}\n\n",
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n",
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":1}}\n\n",
		"data: [DONE]\n\n",
	)

	want := []domain.EventType{domain.EventTextDelta, domain.EventUsage, domain.EventEnd}
	if !reflect.DeepEqual(eventTypes(events), want) {
		t.Fatalf("types = %v, want %v", eventTypes(events), want)
	}
	if events[1].Usage.PromptTokens != 9 || events[1].Usage.CompletionTokens != 1 {
		t.Errorf("usage = %+v", events[1].Usage)
	}
}

func TestOpenAIDecodeInterleavedToolCalls(t *testing.T) {
	d := (&openaiCodec{}).NewDecoder()

	idx0, idx1 := 0, 1
	frame := func(tc openaiToolCall) string {
		chunk := openaiStreamChunk{Choices: []openaiStreamChoice{{
			Delta: openaiStreamDelta{ToolCalls: []openaiToolCall{tc}},
		}}}
		raw, _ := json.Marshal(chunk)
		return "data: " + string(raw) + "\n\n"
	}

	events := feedAll(t, d,
		frame(openaiToolCall{Index: &idx0, ID: "call_a", Function: openaiCallFunction{Name: "alpha"}}),
		frame(openaiToolCall{Index: &idx1, ID: "call_b", Function: openaiCallFunction{Name: "beta"}}),
		frame(openaiToolCall{Index: &idx0, Function: openaiCallFunction{Arguments: `{"a":1}`}}),
		frame(openaiToolCall{Index: &idx1, Function: openaiCallFunction{Arguments: `{"b":2}`}}),
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n",
		"data: [DONE]\n\n",
	)

	// call_b must replay contiguously after call_a closes.
	sawAEnd := false
	for _, ev := range events {
		if ev.ToolCallID == "call_a" && ev.Type == domain.EventToolCallEnd {
			sawAEnd = true
		}
		if ev.ToolCallID == "call_b" && !sawAEnd {
			t.Fatalf("call_b event before call_a ended: %v", eventTypes(events))
		}
	}
	if got := joinArgs(events, "call_a"); got != `{"a":1}` {
		t.Errorf("call_a arguments = %q", got)
	}
	if got := joinArgs(events, "call_b"); got != `{"b":2}` {
		t.Errorf("call_b arguments = %q", got)
	}
	if events[len(events)-1].Type != domain.EventEnd {
		t.Error("missing end event")
	}
}

func TestOpenAIFinishWithoutDoneIsNetworkError(t *testing.T) {
	d := (&openaiCodec{}).NewDecoder()
	d.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"},\"finish_reason\":null}]}\n\n"))

	_, err := d.Finish()
	if !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestOpenAIFinishMidFrameIsDecodingError(t *testing.T) {
	d := (&openaiCodec{}).NewDecoder()
	d.Feed([]byte("data: {\"choi"))

	_, err := d.Finish()
	if !errors.Is(err, domain.ErrDecoding) {
		t.Fatalf("err = %v, want ErrDecoding", err)
	}
}

func TestOpenAIDecodeError(t *testing.T) {
	codec := &openaiCodec{}

	err := codec.DecodeError(http.StatusBadRequest, http.Header{},
		[]byte(`{"error":{"message":"too long","code":"context_length_exceeded"}}`))
	if !errors.Is(err, domain.ErrContextOverflow) {
		t.Errorf("err = %v, want ErrContextOverflow", err)
	}

	err = codec.DecodeError(http.StatusTooManyRequests, http.Header{},
		[]byte(`{"error":{"message":"quota","type":"insufficient_quota"}}`))
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Errorf("err = %v, want ErrRateLimit", err)
	}

	err = codec.DecodeError(http.StatusUnauthorized, http.Header{}, []byte(`{}`))
	if !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("err = %v, want ErrAuthInvalid", err)
	}
}
