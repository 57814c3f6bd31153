// Package wire translates canonical chat requests into backend-specific
// HTTP requests and backend response frames into canonical stream events.
// One codec exists per backend variant; the orchestrator never branches on
// backend details itself.
package wire

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"modelrelay/internal/domain"
)

// Request is a fully encoded backend HTTP request, ready for the transport.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Codec is the per-backend translation contract.
type Codec interface {
	// Kind identifies the backend variant this codec serves.
	Kind() domain.ProviderKind
	// Encode builds the backend request, including auth headers from the
	// supplied credential. Fails with ErrEncoding for requests the
	// backend cannot express.
	Encode(req domain.ChatRequest, model domain.ResolvedModel, cred domain.Credential) (*Request, error)
	// NewDecoder returns a fresh stateful decoder for one response
	// stream. Decoders are never shared between requests.
	NewDecoder() Decoder
	// DecodeError translates a non-2xx backend response into a canonical
	// error, surfacing any retry-after hint the backend provided.
	DecodeError(status int, header http.Header, body []byte) error
}

// Decoder incrementally parses backend response frames. Feed tolerates
// partial frames across transport reads: bytes that do not yet form a
// complete frame are buffered inside the decoder and never emitted as
// malformed events.
type Decoder interface {
	Feed(p []byte) ([]domain.StreamEvent, error)
	// Finish is called when the transport stream closes. It flushes any
	// terminal state and reports whether a partial frame was left behind.
	Finish() ([]domain.StreamEvent, error)
}

// ForKind returns the codec for a backend variant.
func ForKind(kind domain.ProviderKind) (Codec, error) {
	switch kind {
	case domain.ProviderAnthropic:
		return &anthropicCodec{}, nil
	case domain.ProviderOpenAI:
		return &openaiCodec{}, nil
	case domain.ProviderGoogle:
		return &googleCodec{}, nil
	case domain.ProviderOllama:
		return &ollamaCodec{}, nil
	case domain.ProviderCopilot:
		return &copilotCodec{}, nil
	default:
		return nil, domain.NewRelayError("wire.ForKind", domain.ErrUnknownProvider, string(kind))
	}
}

// maxErrorBody caps how much of an error response body is kept in a
// canonical error's detail.
const maxErrorBody = 4096

// mapStatusError maps an HTTP status code plus response headers to the
// canonical error taxonomy. Codecs refine the result with backend-specific
// body vocabulary.
func mapStatusError(op string, status int, header http.Header, body []byte) *domain.RelayError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	detail := fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(body)))

	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = domain.ErrAuthInvalid
	case status == http.StatusTooManyRequests:
		kind = domain.ErrRateLimit
	case status == http.StatusRequestEntityTooLarge:
		kind = domain.ErrContextOverflow
	case status == http.StatusServiceUnavailable || status == 529:
		kind = domain.ErrOverloaded
	case status >= 500:
		kind = domain.ErrNetwork
	case status == http.StatusRequestTimeout:
		kind = domain.ErrNetwork
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = domain.ErrEncoding
	default:
		// 404 on a hosted endpoint, 410, and other statuses the taxonomy
		// has no opinion on; the raw status stays in the detail.
		kind = domain.ErrUnknown
	}

	return &domain.RelayError{
		Op:         op,
		Err:        kind,
		Detail:     detail,
		RetryAfter: parseRetryAfter(header.Get("Retry-After")),
	}
}

// parseRetryAfter parses a Retry-After header value, either delta-seconds
// or an HTTP date. Returns zero for absent or unparseable values.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// bearerHeader builds an Authorization header value for bearer credentials.
func bearerHeader(cred domain.Credential) string {
	return "Bearer " + cred.Secret
}
