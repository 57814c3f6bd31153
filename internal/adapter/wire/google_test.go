package wire

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"testing"

	"modelrelay/internal/domain"
)

func TestGoogleEncode(t *testing.T) {
	codec := &googleCodec{}
	req := domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Parts: []domain.ContentPart{domain.TextPart("be terse")}},
			domain.UserMessage("hello"),
		},
		MaxTokens: 64,
	}

	wreq, err := codec.Encode(req,
		testModel(domain.ProviderGoogle, "https://generativelanguage.googleapis.com", "gemini-2.0-flash"),
		domain.Credential{Kind: domain.CredentialAPIKey, Secret: "AIza-test"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if !strings.Contains(wreq.URL, "/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse") {
		t.Errorf("URL = %q", wreq.URL)
	}
	if !strings.Contains(wreq.URL, "key=AIza-test") {
		t.Errorf("URL missing key parameter: %q", wreq.URL)
	}

	var body googleRequest
	if err := json.Unmarshal(wreq.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.SystemInstruction == nil || body.SystemInstruction.Parts[0].Text != "be terse" {
		t.Errorf("systemInstruction = %+v", body.SystemInstruction)
	}
	if len(body.Contents) != 1 || body.Contents[0].Role != "user" {
		t.Errorf("contents = %+v", body.Contents)
	}
	if body.GenerationConfig == nil || body.GenerationConfig.MaxOutputTokens != 64 {
		t.Errorf("generationConfig = %+v", body.GenerationConfig)
	}
}

func TestGoogleEncodeMergesConsecutiveRoles(t *testing.T) {
	codec := &googleCodec{}
	req := domain.ChatRequest{
		Messages: []domain.Message{
			domain.UserMessage("first"),
			domain.UserMessage("second"),
			{Role: domain.RoleAssistant, Parts: []domain.ContentPart{domain.TextPart("reply")}},
			{Role: domain.RoleTool, Parts: []domain.ContentPart{{
				Kind:       domain.PartToolResult,
				ToolResult: &domain.ToolResult{ToolCallID: "lookup:1", Content: "42"},
			}}},
		},
	}

	wreq, err := codec.Encode(req,
		testModel(domain.ProviderGoogle, "https://generativelanguage.googleapis.com", "gemini-2.0-flash"),
		domain.Credential{Kind: domain.CredentialAPIKey, Secret: "k"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var body googleRequest
	json.Unmarshal(wreq.Body, &body)

	roles := make([]string, len(body.Contents))
	for i, c := range body.Contents {
		roles[i] = c.Role
	}
	// user+user merge; the tool result maps back to user.
	want := []string{"user", "model", "user"}
	if !reflect.DeepEqual(roles, want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	if len(body.Contents[0].Parts) != 2 {
		t.Errorf("merged user parts = %d, want 2", len(body.Contents[0].Parts))
	}
	fr := body.Contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "lookup" {
		t.Errorf("functionResponse = %+v; call ID must map back to the function name", fr)
	}
}

func TestGoogleDecodeTextAndUsage(t *testing.T) {
	d := (&googleCodec{}).NewDecoder()

	events := feedAll(t, d,
		"data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"Hel\"}]}}],\"usageMetadata\":{\"promptTokenCount\":5,\"candidatesTokenCount\":1}}\n\n",
		"data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"lo\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":5,\"candidatesTokenCount\":2}}\n\n",
	)

	if got := joinText(events); got != "Hello" {
		t.Errorf("text = %q", got)
	}
	types := eventTypes(events)
	if types[len(types)-1] != domain.EventEnd || types[len(types)-2] != domain.EventUsage {
		t.Fatalf("types = %v, want usage then end trailing", types)
	}
	for _, ev := range events {
		if ev.Type == domain.EventUsage && ev.Usage.CompletionTokens != 2 {
			t.Errorf("usage = %+v; only the final cumulative count must be reported", ev.Usage)
		}
	}
}

func TestGoogleDecodeFunctionCall(t *testing.T) {
	d := (&googleCodec{}).NewDecoder()

	events := feedAll(t, d,
		"data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"functionCall\":{\"name\":\"lookup\",\"args\":{\"q\":\"go\"}}}]},\"finishReason\":\"STOP\"}]}\n\n",
	)

	want := []domain.EventType{
		domain.EventToolCallStart,
		domain.EventToolCallDelta,
		domain.EventToolCallEnd,
		domain.EventEnd,
	}
	if !reflect.DeepEqual(eventTypes(events), want) {
		t.Fatalf("types = %v, want %v", eventTypes(events), want)
	}
	if events[0].ToolCallID != "lookup:1" {
		t.Errorf("call id = %q", events[0].ToolCallID)
	}
	if events[1].Arguments != `{"q":"go"}` {
		t.Errorf("arguments = %q", events[1].Arguments)
	}
}

func TestGoogleFinishWithoutFinishReasonIsNetworkError(t *testing.T) {
	d := (&googleCodec{}).NewDecoder()
	d.Feed([]byte("data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"x\"}]}}]}\n\n"))

	_, err := d.Finish()
	if !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestGoogleDecodeError(t *testing.T) {
	codec := &googleCodec{}

	err := codec.DecodeError(http.StatusTooManyRequests, http.Header{},
		[]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Errorf("err = %v, want ErrRateLimit", err)
	}

	err = codec.DecodeError(http.StatusForbidden, http.Header{},
		[]byte(`{"error":{"code":403,"message":"bad key","status":"PERMISSION_DENIED"}}`))
	if !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("err = %v, want ErrAuthInvalid", err)
	}
}
