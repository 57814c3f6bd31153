package relay

import (
	"context"
	"errors"
	"io"

	"modelrelay/internal/adapter/transport"
	"modelrelay/internal/adapter/wire"
	"modelrelay/internal/domain"
)

// Opener establishes one streaming completion against a backend. The HTTP
// backends share one implementation built on a wire codec; SDK-backed
// backends plug in their own.
type Opener interface {
	Open(ctx context.Context, model domain.ResolvedModel, cred domain.Credential, req domain.ChatRequest) (Conn, error)
}

// Conn is one open completion stream. Next returns batches of canonical
// events and io.EOF once the stream is exhausted and flushed.
type Conn interface {
	Next() ([]domain.StreamEvent, error)
	Close() error
}

// httpOpener drives a wire codec over the pooled HTTP transport.
type httpOpener struct {
	codec     wire.Codec
	transport *transport.Adapter
}

func newHTTPOpener(kind domain.ProviderKind, tr *transport.Adapter) (Opener, error) {
	codec, err := wire.ForKind(kind)
	if err != nil {
		return nil, err
	}
	return &httpOpener{codec: codec, transport: tr}, nil
}

func (o *httpOpener) Open(ctx context.Context, model domain.ResolvedModel, cred domain.Credential, req domain.ChatRequest) (Conn, error) {
	encoded, err := o.codec.Encode(req, model, cred)
	if err != nil {
		return nil, err
	}

	stream, err := o.transport.Open(ctx, encoded)
	if err != nil {
		return nil, err
	}
	if stream.Status < 200 || stream.Status >= 300 {
		body := transport.ReadErrorBody(stream)
		return nil, o.codec.DecodeError(stream.Status, stream.Header, body)
	}

	return &httpConn{
		stream: stream,
		dec:    o.codec.NewDecoder(),
		buf:    make([]byte, 32<<10),
	}, nil
}

// httpConn reads transport chunks and feeds them to the codec's decoder.
// Partial frames stay buffered inside the decoder between reads.
type httpConn struct {
	stream *transport.Stream
	dec    wire.Decoder
	buf    []byte
	eof    bool
}

func (c *httpConn) Next() ([]domain.StreamEvent, error) {
	if c.eof {
		return nil, io.EOF
	}
	for {
		n, err := c.stream.Read(c.buf)
		if n > 0 {
			events, derr := c.dec.Feed(c.buf[:n])
			if derr != nil {
				return events, derr
			}
			if len(events) > 0 {
				return events, nil
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			c.eof = true
			events, ferr := c.dec.Finish()
			if ferr != nil {
				return events, ferr
			}
			if len(events) > 0 {
				return events, nil
			}
			return nil, io.EOF
		}
		if ctxErr := contextError(err); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, domain.NewRelayError("relay.stream", domain.ErrNetwork, err.Error())
	}
}

func (c *httpConn) Close() error {
	c.stream.Cancel()
	return nil
}

// contextError surfaces cancellation and deadline errors untranslated so
// callers can tell teardown from backend failure.
func contextError(err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return nil
}
