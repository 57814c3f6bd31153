// Package tokencount estimates prompt and completion token counts for
// backends that do not report usage in-band. Counts are approximate: each
// backend tokenizes with its own vocabulary, so the accountant flags every
// result as an estimate.
package tokencount

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"modelrelay/internal/domain"
)

// Per-message framing overhead, in tokens. Matches the chat-markup
// overhead OpenAI documents for its chat models; close enough for the
// other backends given the counts are estimates anyway.
const (
	tokensPerMessage = 3
	tokensPerReply   = 3
)

const fallbackEncoding = "cl100k_base"

// Accountant counts tokens with a cached tiktoken encoding, falling back
// to a bytes/4 heuristic when no encoding can be loaded (offline hosts:
// tiktoken fetches vocabularies on first use).
type Accountant struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
	// loadFailed records a permanent fallback so offline hosts do not
	// retry the vocabulary download on every request.
	loadFailed bool
}

// New creates an Accountant. Encoding load is lazy.
func New() *Accountant { return &Accountant{} }

// CountText estimates tokens in a text fragment.
func (a *Accountant) CountText(s string) int {
	if s == "" {
		return 0
	}
	if enc := a.encoding(); enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return heuristic(s)
}

// CountRequest estimates the prompt tokens a request will consume,
// including per-message framing overhead and tool schemas.
func (a *Accountant) CountRequest(req domain.ChatRequest) int {
	total := tokensPerReply
	for _, m := range req.Messages {
		total += tokensPerMessage
		for _, p := range m.Parts {
			switch p.Kind {
			case domain.PartText:
				total += a.CountText(p.Text)
			case domain.PartToolCall:
				if p.ToolCall != nil {
					total += a.CountText(p.ToolCall.Name)
					total += a.CountText(string(p.ToolCall.Arguments))
				}
			case domain.PartToolResult:
				if p.ToolResult != nil {
					total += a.CountText(p.ToolResult.Content)
				}
			}
			// Image tokens depend on backend-specific tiling rules;
			// they are not estimated here.
		}
	}
	for _, t := range req.Tools {
		total += a.CountText(t.Name)
		total += a.CountText(t.Description)
		total += a.CountText(string(t.Parameters))
	}
	return total
}

func (a *Accountant) encoding() *tiktoken.Tiktoken {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enc != nil || a.loadFailed {
		return a.enc
	}
	enc, err := tiktoken.GetEncoding(fallbackEncoding)
	if err != nil {
		a.loadFailed = true
		return nil
	}
	a.enc = enc
	return enc
}

// heuristic approximates one token per four characters, floored at one
// token per whitespace-separated word.
func heuristic(s string) int {
	n := len(s) / 4
	if words := len(strings.Fields(s)); words > n {
		return words
	}
	if n == 0 {
		n = 1
	}
	return n
}
