// Package transport issues encoded backend requests over a pooled HTTP
// client and exposes each response as a cancellable byte stream.
package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"modelrelay/internal/adapter/wire"
	"modelrelay/internal/domain"
)

// maxErrorResponse caps how much of a non-2xx body is read for error
// translation.
const maxErrorResponse = 64 * 1024

// Default timeouts: connect covers dial + TLS, response covers waiting for
// the backend to start answering. Neither bounds total stream duration;
// that is the caller's context deadline.
const (
	DefaultConnTimeout = 30 * time.Second
	DefaultRespTimeout = 120 * time.Second
)

// Connection pool defaults sized for a handful of backend hosts with
// long-lived streaming connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// PoolConfig configures HTTP connection pooling.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// Config configures an Adapter.
type Config struct {
	ConnTimeout time.Duration
	RespTimeout time.Duration
	Pool        PoolConfig
	// RequestsPerSecond enables a client-side rate limiter when > 0,
	// applied before dialing.
	RequestsPerSecond float64
	Burst             int
}

// Adapter opens streaming backend connections. Safe for concurrent use;
// connection reuse is the pooled client's concern.
type Adapter struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates an Adapter with a pooled transport.
func New(cfg Config, logger *slog.Logger) *Adapter {
	a := &Adapter{
		client: &http.Client{Transport: NewPooledTransport(cfg)},
		logger: logger,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return a
}

// NewWithClient creates an Adapter around a caller-supplied client, used
// in tests and by hosts with bespoke transport needs (proxies, mTLS).
func NewWithClient(client *http.Client, logger *slog.Logger) *Adapter {
	return &Adapter{client: client, logger: logger}
}

// NewPooledTransport builds an http.Transport with the adapter's pooling
// and timeout defaults applied over cfg.
func NewPooledTransport(cfg Config) *http.Transport {
	connTimeout := cfg.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = DefaultConnTimeout
	}
	respTimeout := cfg.RespTimeout
	if respTimeout <= 0 {
		respTimeout = DefaultRespTimeout
	}

	pool := cfg.Pool
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = defaultMaxIdleConns
	}
	if pool.MaxIdleConnsPerHost <= 0 {
		pool.MaxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	if pool.MaxConnsPerHost <= 0 {
		pool.MaxConnsPerHost = defaultMaxConnsPerHost
	}
	if pool.IdleConnTimeout <= 0 {
		pool.IdleConnTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          pool.MaxIdleConns,
		MaxIdleConnsPerHost:   pool.MaxIdleConnsPerHost,
		MaxConnsPerHost:       pool.MaxConnsPerHost,
		IdleConnTimeout:       pool.IdleConnTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// Stream is one open backend response. Status and Header are available
// immediately; the body streams until EOF, Close, or Cancel.
type Stream struct {
	Status int
	Header http.Header

	body      io.ReadCloser
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Read implements io.Reader over the response body.
func (s *Stream) Read(p []byte) (int, error) { return s.body.Read(p) }

// Close releases the stream, returning the connection to the pool when the
// body was fully drained.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		s.cancel()
	})
	return err
}

// Cancel aborts the stream promptly: the request context is cancelled
// first so the underlying connection is torn down rather than waiting for
// the consumer to stop reading.
func (s *Stream) Cancel() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.body.Close()
	})
}

// Open sends an encoded request and returns its response stream. The
// caller inspects Stream.Status; non-2xx bodies go through the codec's
// error translation. Transport-level failures map to ErrNetwork.
// Cancelling ctx closes the underlying connection.
func (a *Adapter) Open(ctx context.Context, req *wire.Request) (*Stream, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, domain.WrapOp("transport.Open", err)
		}
	}

	reqCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		return nil, domain.NewRelayError("transport.Open", domain.ErrEncoding, err.Error())
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewRelayError("transport.Open", domain.ErrNetwork, err.Error())
	}

	if a.logger != nil {
		a.logger.Debug("backend connection opened",
			"url", req.URL,
			"status", resp.StatusCode,
			"elapsed", time.Since(start),
		)
	}

	return &Stream{
		Status: resp.StatusCode,
		Header: resp.Header,
		body:   resp.Body,
		cancel: cancel,
	}, nil
}

// ReadErrorBody drains a bounded prefix of a non-2xx stream's body for
// error translation, then releases the stream.
func ReadErrorBody(s *Stream) []byte {
	defer s.Cancel()
	body, _ := io.ReadAll(io.LimitReader(s, maxErrorResponse))
	return body
}
