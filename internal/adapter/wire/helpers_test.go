package wire

import (
	"testing"

	"modelrelay/internal/domain"
)

// feedAll pushes each chunk through the decoder, then Finish, collecting
// every event.
func feedAll(t *testing.T, d Decoder, chunks ...string) []domain.StreamEvent {
	t.Helper()
	var events []domain.StreamEvent
	for _, c := range chunks {
		evs, err := d.Feed([]byte(c))
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		events = append(events, evs...)
	}
	evs, err := d.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return append(events, evs...)
}

func eventTypes(events []domain.StreamEvent) []domain.EventType {
	out := make([]domain.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func joinText(events []domain.StreamEvent) string {
	var s string
	for _, ev := range events {
		if ev.Type == domain.EventTextDelta {
			s += ev.Text
		}
	}
	return s
}

func joinArgs(events []domain.StreamEvent, callID string) string {
	var s string
	for _, ev := range events {
		if ev.Type == domain.EventToolCallDelta && ev.ToolCallID == callID {
			s += ev.Arguments
		}
	}
	return s
}

func testModel(kind domain.ProviderKind, baseURL, modelID string) domain.ResolvedModel {
	return domain.ResolvedModel{
		ProviderID: string(kind),
		Kind:       kind,
		BaseURL:    baseURL,
		Model:      domain.ModelInfo{ID: modelID, SupportsTools: true, SupportsImage: true},
	}
}
