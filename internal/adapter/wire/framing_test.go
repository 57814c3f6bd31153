package wire

import (
	"bytes"
	"testing"
)

func TestSSESplitterPartialFrames(t *testing.T) {
	var s sseSplitter

	if events := s.feed([]byte("data: {\"a\":")); len(events) != 0 {
		t.Fatalf("incomplete frame produced %d events", len(events))
	}
	events := s.feed([]byte("1}\n\ndata: {\"b\":2}\n\n"))
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if string(events[0].data) != `{"a":1}` || string(events[1].data) != `{"b":2}` {
		t.Errorf("unexpected payloads: %q, %q", events[0].data, events[1].data)
	}
	if len(s.rest()) != 0 {
		t.Errorf("leftover bytes: %q", s.rest())
	}
}

func TestSSESplitterCRLFAndEventNames(t *testing.T) {
	var s sseSplitter

	events := s.feed([]byte("event: message_start\r\ndata: {}\r\n\r\n"))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].name != "message_start" {
		t.Errorf("name = %q, want message_start", events[0].name)
	}
}

func TestSSESplitterSkipsComments(t *testing.T) {
	var s sseSplitter

	events := s.feed([]byte(": keepalive\n\ndata: 1\n\n"))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if string(events[0].data) != "1" {
		t.Errorf("data = %q", events[0].data)
	}
}

func TestSSESplitterMultiLineData(t *testing.T) {
	var s sseSplitter

	events := s.feed([]byte("data: line1\ndata: line2\n\n"))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if string(events[0].data) != "line1\nline2" {
		t.Errorf("data = %q, want joined lines", events[0].data)
	}
}

func TestSSESplitterByteAtATime(t *testing.T) {
	var s sseSplitter

	input := "data: {\"x\":true}\n\n"
	var total int
	for i := 0; i < len(input); i++ {
		total += len(s.feed([]byte{input[i]}))
	}
	if total != 1 {
		t.Fatalf("got %d events, want 1", total)
	}
}

func TestLineSplitter(t *testing.T) {
	var l lineSplitter

	lines := l.feed([]byte("{\"a\":1}\n{\"b\""))
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	lines = l.feed([]byte(":2}\r\n\n"))
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if string(lines[0]) != `{"b":2}` {
		t.Errorf("line = %q", lines[0])
	}
	if len(l.rest()) != 0 {
		t.Errorf("leftover bytes: %q", l.rest())
	}
}

func TestSplitValidUTF8(t *testing.T) {
	// "héllo" cut in the middle of the two-byte é sequence.
	full := []byte("h\xc3\xa9llo")
	valid, tail := splitValidUTF8(full[:2])
	if string(valid) != "h" {
		t.Errorf("valid = %q, want h", valid)
	}
	if !bytes.Equal(tail, []byte{0xc3}) {
		t.Errorf("tail = %x, want c3", tail)
	}

	// Prepending the tail to the next fragment restores the rune.
	rejoined := append(tail, full[2:]...)
	valid, tail = splitValidUTF8(rejoined)
	if string(valid) != "\xc3\xa9llo" || tail != nil {
		t.Errorf("rejoined = %q tail = %x", valid, tail)
	}
}

func TestSplitValidUTF8FourByteRune(t *testing.T) {
	emoji := []byte("\xf0\x9f\x98\x80") // 😀
	for cut := 1; cut < len(emoji); cut++ {
		valid, tail := splitValidUTF8(emoji[:cut])
		if len(valid) != 0 {
			t.Errorf("cut %d: emitted %x before the rune completed", cut, valid)
		}
		if len(tail) != cut {
			t.Errorf("cut %d: tail = %x", cut, tail)
		}
	}
	valid, tail := splitValidUTF8(emoji)
	if !bytes.Equal(valid, emoji) || tail != nil {
		t.Errorf("complete rune held back: valid=%x tail=%x", valid, tail)
	}
}

func TestSplitValidUTF8PassesInvalidBytesThrough(t *testing.T) {
	// A lone continuation byte is not a cut rune; nothing to hold back.
	b := []byte{'a', 0xa9}
	valid, tail := splitValidUTF8(b)
	if !bytes.Equal(valid, b) || tail != nil {
		t.Errorf("valid=%x tail=%x", valid, tail)
	}
}
