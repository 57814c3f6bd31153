package wire

import "modelrelay/internal/domain"

// callTracker re-serializes streamed tool calls into the canonical
// Start → Delta* → End ordering. A single call streams its argument deltas
// live; if the backend opens a second call before the first ends (OpenAI
// interleaves by fragment index), the later call's fragments are buffered
// and replayed as a contiguous Start/Delta/End group once the stream ahead
// of it closes.
type callTracker struct {
	open   string // key of the call currently streaming live, "" if none
	queue  []string
	states map[string]*callState
}

type callState struct {
	id      string
	name    string
	pending []byte // buffered argument bytes for queued calls
	tail    []byte // held-back incomplete UTF-8 sequence
	ended   bool
}

func newCallTracker() *callTracker {
	return &callTracker{states: make(map[string]*callState)}
}

// begin registers a new tool call under key (a backend-specific index or
// block identifier). The first active call emits Start immediately; later
// concurrent calls stay queued.
func (t *callTracker) begin(key, id, name string) []domain.StreamEvent {
	if _, exists := t.states[key]; exists {
		return nil
	}
	st := &callState{id: id, name: name}
	t.states[key] = st

	if t.open == "" {
		t.open = key
		return []domain.StreamEvent{{Type: domain.EventToolCallStart, ToolCallID: id, ToolName: name}}
	}
	t.queue = append(t.queue, key)
	return nil
}

// arg appends an argument fragment for the call under key. Fragments are
// emitted as deltas only for the live call, and never split inside a
// multi-byte UTF-8 sequence.
func (t *callTracker) arg(key string, fragment []byte) []domain.StreamEvent {
	st, ok := t.states[key]
	if !ok || st.ended {
		return nil
	}

	if key != t.open {
		st.pending = append(st.pending, fragment...)
		return nil
	}

	joined := append(st.tail, fragment...)
	valid, tail := splitValidUTF8(joined)
	st.tail = tail
	if len(valid) == 0 {
		return nil
	}
	return []domain.StreamEvent{{
		Type:       domain.EventToolCallDelta,
		ToolCallID: st.id,
		ToolName:   st.name,
		Arguments:  string(valid),
	}}
}

// end closes the call under key. Closing the live call emits its End and
// promotes the next queued call, replaying that call's buffered arguments.
func (t *callTracker) end(key string) []domain.StreamEvent {
	st, ok := t.states[key]
	if !ok || st.ended {
		return nil
	}
	st.ended = true

	if key != t.open {
		// Ends while queued; replayed in full when promoted.
		return nil
	}

	events := st.flushTail()
	events = append(events, domain.StreamEvent{Type: domain.EventToolCallEnd, ToolCallID: st.id, ToolName: st.name})
	t.open = ""
	return append(events, t.promote()...)
}

// finish closes every call still outstanding, in arrival order. Called when
// the backend signals end of the assistant turn.
func (t *callTracker) finish() []domain.StreamEvent {
	var events []domain.StreamEvent
	for t.open != "" || len(t.queue) > 0 {
		if t.open != "" {
			st := t.states[t.open]
			st.ended = true
			events = append(events, st.flushTail()...)
			events = append(events, domain.StreamEvent{Type: domain.EventToolCallEnd, ToolCallID: st.id, ToolName: st.name})
			t.open = ""
		}
		events = append(events, t.promote()...)
	}
	return events
}

// flushTail emits any held-back bytes as a final delta. A call closed
// mid-rune still delivers every argument byte the backend sent; only
// splits between deltas are guaranteed rune-aligned.
func (st *callState) flushTail() []domain.StreamEvent {
	if len(st.tail) == 0 {
		return nil
	}
	ev := domain.StreamEvent{
		Type:       domain.EventToolCallDelta,
		ToolCallID: st.id,
		ToolName:   st.name,
		Arguments:  string(st.tail),
	}
	st.tail = nil
	return []domain.StreamEvent{ev}
}

// promote replays the next queued call: Start, a single Delta carrying its
// buffered arguments, and — when the backend already ended it — End.
func (t *callTracker) promote() []domain.StreamEvent {
	var events []domain.StreamEvent
	for len(t.queue) > 0 {
		key := t.queue[0]
		t.queue = t.queue[1:]
		st := t.states[key]

		events = append(events, domain.StreamEvent{Type: domain.EventToolCallStart, ToolCallID: st.id, ToolName: st.name})
		if len(st.pending) > 0 {
			events = append(events, domain.StreamEvent{
				Type:       domain.EventToolCallDelta,
				ToolCallID: st.id,
				ToolName:   st.name,
				Arguments:  string(st.pending),
			})
			st.pending = nil
		}
		if st.ended {
			events = append(events, domain.StreamEvent{Type: domain.EventToolCallEnd, ToolCallID: st.id, ToolName: st.name})
			continue
		}
		// Still live; it becomes the open call and streams from here on.
		t.open = key
		break
	}
	return events
}
