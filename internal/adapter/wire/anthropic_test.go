package wire

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"testing"

	"modelrelay/internal/domain"
)

func TestAnthropicEncode(t *testing.T) {
	codec := &anthropicCodec{}
	req := domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Parts: []domain.ContentPart{domain.TextPart("be brief")}},
			domain.UserMessage("what is 2+2"),
		},
	}

	wreq, err := codec.Encode(req,
		testModel(domain.ProviderAnthropic, "https://api.anthropic.com", "claude-sonnet-4-5"),
		domain.Credential{Kind: domain.CredentialAPIKey, Secret: "sk-test"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if wreq.URL != "https://api.anthropic.com/v1/messages" {
		t.Errorf("URL = %q", wreq.URL)
	}
	if got := wreq.Header.Get("x-api-key"); got != "sk-test" {
		t.Errorf("x-api-key = %q", got)
	}
	if got := wreq.Header.Get("anthropic-version"); got != "2023-06-01" {
		t.Errorf("anthropic-version = %q", got)
	}

	var body anthropicRequest
	if err := json.Unmarshal(wreq.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.System != "be brief" {
		t.Errorf("system = %q; system messages must be lifted", body.System)
	}
	if len(body.Messages) != 1 || body.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", body.Messages)
	}
	if body.MaxTokens != anthropicDefaultMax {
		t.Errorf("max_tokens = %d, want default %d", body.MaxTokens, anthropicDefaultMax)
	}
	if !body.Stream {
		t.Error("stream not set")
	}
}

func TestAnthropicEncodeToolResultAsUserMessage(t *testing.T) {
	codec := &anthropicCodec{}
	req := domain.ChatRequest{
		Messages: []domain.Message{
			domain.UserMessage("weather?"),
			{Role: domain.RoleTool, Parts: []domain.ContentPart{{
				Kind:       domain.PartToolResult,
				ToolResult: &domain.ToolResult{ToolCallID: "toolu_1", Content: "sunny"},
			}}},
		},
	}

	wreq, err := codec.Encode(req,
		testModel(domain.ProviderAnthropic, "https://api.anthropic.com", "claude-sonnet-4-5"),
		domain.Credential{Kind: domain.CredentialAPIKey, Secret: "k"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var body anthropicRequest
	json.Unmarshal(wreq.Body, &body)
	if len(body.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(body.Messages))
	}
	last := body.Messages[1]
	if last.Role != "user" {
		t.Errorf("tool result role = %q, want user", last.Role)
	}
	if len(last.Content) != 1 || last.Content[0].Type != "tool_result" || last.Content[0].ToolUseID != "toolu_1" {
		t.Errorf("tool result block = %+v", last.Content)
	}
}

func TestAnthropicDecodeTextStream(t *testing.T) {
	d := (&anthropicCodec{}).NewDecoder()

	events := feedAll(t, d,
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":12}}}\n\n",
		"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\"}}\n\n",
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n",
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n",
		"data: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
		"data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":2}}\n\n",
		"data: {\"type\":\"message_stop\"}\n\n",
	)

	if got := joinText(events); got != "Hello" {
		t.Errorf("text = %q", got)
	}
	last := events[len(events)-1]
	if last.Type != domain.EventEnd {
		t.Errorf("last event = %v, want end", last.Type)
	}
	var usage *domain.Usage
	for _, ev := range events {
		if ev.Type == domain.EventUsage {
			usage = ev.Usage
		}
	}
	if usage == nil || usage.PromptTokens != 12 || usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestAnthropicDecodeToolUse(t *testing.T) {
	d := (&anthropicCodec{}).NewDecoder()

	events := feedAll(t, d,
		"data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":3}}}\n\n",
		"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_1\",\"name\":\"get_weather\"}}\n\n",
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"city\\\":\"}}\n\n",
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"\\\"Paris\\\"}\"}}\n\n",
		"data: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
		"data: {\"type\":\"message_stop\"}\n\n",
	)

	want := []domain.EventType{
		domain.EventToolCallStart,
		domain.EventToolCallDelta,
		domain.EventToolCallDelta,
		domain.EventToolCallEnd,
		domain.EventEnd,
	}
	if !reflect.DeepEqual(eventTypes(events), want) {
		t.Fatalf("types = %v, want %v", eventTypes(events), want)
	}
	if got := joinArgs(events, "toolu_1"); got != `{"city":"Paris"}` {
		t.Errorf("arguments = %q", got)
	}
}

func TestAnthropicDecodeSplitAcrossReads(t *testing.T) {
	d := (&anthropicCodec{}).NewDecoder()

	full := "data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"4\"}}\n\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	var events []domain.StreamEvent
	for i := 0; i < len(full); i++ {
		evs, err := d.Feed([]byte{full[i]})
		if err != nil {
			t.Fatalf("Feed at byte %d: %v", i, err)
		}
		events = append(events, evs...)
	}
	if got := joinText(events); got != "4" {
		t.Errorf("text = %q", got)
	}
	if events[len(events)-1].Type != domain.EventEnd {
		t.Error("missing end event")
	}
}

func TestAnthropicDecodeErrorFrame(t *testing.T) {
	d := (&anthropicCodec{}).NewDecoder()

	_, err := d.Feed([]byte("data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"busy\"}}\n\n"))
	if !errors.Is(err, domain.ErrOverloaded) {
		t.Fatalf("err = %v, want ErrOverloaded", err)
	}
}

func TestAnthropicFinishBeforeStopIsNetworkError(t *testing.T) {
	d := (&anthropicCodec{}).NewDecoder()
	d.Feed([]byte("data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"x\"}}\n\n"))

	_, err := d.Finish()
	if !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestAnthropicDecodeError(t *testing.T) {
	codec := &anthropicCodec{}

	err := codec.DecodeError(http.StatusBadRequest, http.Header{},
		[]byte(`{"error":{"type":"invalid_request_error","message":"prompt is too long: 250000 tokens"}}`))
	if !errors.Is(err, domain.ErrContextOverflow) {
		t.Errorf("err = %v, want ErrContextOverflow", err)
	}

	err = codec.DecodeError(http.StatusTooManyRequests,
		http.Header{"Retry-After": []string{"7"}},
		[]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Errorf("err = %v, want ErrRateLimit", err)
	}
	if hint := domain.RetryAfterHint(err); hint.Seconds() != 7 {
		t.Errorf("retry-after hint = %v, want 7s", hint)
	}
}
