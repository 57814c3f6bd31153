package wire

import (
	"bytes"
	"unicode/utf8"
)

// sseEvent is one parsed server-sent event: the event name (empty when the
// backend only sends data lines) and the concatenated data payload.
type sseEvent struct {
	name string
	data []byte
}

// sseSplitter incrementally splits an SSE byte stream into events. Bytes
// that do not yet form a complete event (terminated by a blank line) stay
// buffered until more input arrives, so a frame split across transport
// reads is never surfaced partially.
type sseSplitter struct {
	buf bytes.Buffer
}

// feed appends p and returns all newly completed events.
func (s *sseSplitter) feed(p []byte) []sseEvent {
	s.buf.Write(p)

	var events []sseEvent
	for {
		raw := s.buf.Bytes()
		end, skip := blankLine(raw)
		if end < 0 {
			return events
		}
		block := make([]byte, end)
		copy(block, raw[:end])
		s.buf.Next(end + skip)

		if evt, ok := parseSSEBlock(block); ok {
			events = append(events, evt)
		}
	}
}

// rest returns any buffered bytes that never completed a frame.
func (s *sseSplitter) rest() []byte { return s.buf.Bytes() }

// blankLine finds the first blank-line separator in raw, returning the
// offset of the separator and its length, or (-1, 0) when none is present.
// Both \n\n and \r\n\r\n separators occur in the wild.
func blankLine(raw []byte) (int, int) {
	lf := bytes.Index(raw, []byte("\n\n"))
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

// parseSSEBlock parses one event block. Comment-only blocks (lines starting
// with ':') and blocks without a data field yield ok=false.
func parseSSEBlock(block []byte) (sseEvent, bool) {
	var evt sseEvent
	var data [][]byte
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		switch {
		case len(line) == 0 || line[0] == ':':
			continue
		case bytes.HasPrefix(line, []byte("event:")):
			evt.name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" ")))
		}
	}
	if len(data) == 0 {
		return sseEvent{}, false
	}
	evt.data = bytes.Join(data, []byte("\n"))
	return evt, true
}

// lineSplitter incrementally splits a line-delimited JSON stream into
// complete lines, buffering any trailing partial line.
type lineSplitter struct {
	buf bytes.Buffer
}

// feed appends p and returns all newly completed, non-empty lines.
func (l *lineSplitter) feed(p []byte) [][]byte {
	l.buf.Write(p)

	var lines [][]byte
	for {
		raw := l.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return lines
		}
		line := bytes.TrimSuffix(raw[:idx], []byte("\r"))
		if len(bytes.TrimSpace(line)) > 0 {
			out := make([]byte, len(line))
			copy(out, line)
			lines = append(lines, out)
		}
		l.buf.Next(idx + 1)
	}
}

// rest returns any buffered bytes that never completed a line.
func (l *lineSplitter) rest() []byte { return l.buf.Bytes() }

// splitValidUTF8 splits b into its longest valid-UTF-8 prefix and a tail
// holding an incomplete trailing rune, if any. Backends chunk tool-argument
// JSON at arbitrary byte offsets; the tail is held back and prepended to
// the next fragment so emitted deltas never split a multi-byte sequence.
func splitValidUTF8(b []byte) (valid, tail []byte) {
	if len(b) == 0 || utf8.Valid(b) {
		return b, nil
	}
	// Walk back to the start byte of the last rune; hold it back only when
	// the sequence it begins is cut short by the fragment boundary.
	for i := len(b) - 1; i >= 0 && len(b)-i < utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if expected := runeLen(b[i]); expected > len(b)-i {
				return b[:i], b[i:]
			}
			break
		}
	}
	return b, nil
}

// runeLen returns the encoded length a UTF-8 lead byte declares.
func runeLen(lead byte) int {
	switch {
	case lead < 0x80:
		return 1
	case lead&0xE0 == 0xC0:
		return 2
	case lead&0xF0 == 0xE0:
		return 3
	case lead&0xF8 == 0xF0:
		return 4
	default:
		return 1
	}
}
