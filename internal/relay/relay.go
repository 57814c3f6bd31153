// Package relay orchestrates streaming chat completions: it resolves the
// requested model, pre-validates capabilities and credentials, opens the
// backend stream through the matching codec, and forwards canonical events
// to the caller with retry, circuit breaking and usage accounting applied.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"

	"modelrelay/internal/adapter/transport"
	"modelrelay/internal/domain"
	"modelrelay/internal/infra/tracer"
	"modelrelay/internal/registry"
	"modelrelay/internal/tokencount"
)

// RetryPolicy bounds how connection-phase failures are retried. Retries
// stop the moment any event has been delivered to the caller.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when the host configures nothing.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
}

// backoff computes the delay before retry number attempt (0-based), with
// 0-25% jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay * time.Duration(1<<uint(attempt))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

// BreakerSettings configures the per-provider circuit breakers guarding
// stream establishment.
type BreakerSettings struct {
	Enabled     bool
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// Relay is the completion orchestrator.
type Relay struct {
	registry   *registry.Registry
	creds      domain.CredentialSource
	telemetry  domain.Telemetry
	accountant *tokencount.Accountant
	logger     *slog.Logger
	retry      RetryPolicy
	openers    map[domain.ProviderKind]Opener

	breakerCfg BreakerSettings
	breakerMu  sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker[Conn]
}

// Option customizes a Relay.
type Option func(*Relay)

// WithTelemetry installs a host telemetry sink.
func WithTelemetry(t domain.Telemetry) Option {
	return func(r *Relay) { r.telemetry = t }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Relay) {
		if p.MaxAttempts > 0 {
			r.retry = p
		}
	}
}

// WithBreaker enables per-provider circuit breakers on stream
// establishment.
func WithBreaker(s BreakerSettings) Option {
	return func(r *Relay) { r.breakerCfg = s }
}

// WithOpener registers or replaces the stream opener for a backend kind.
// SDK-backed backends and tests hook in through this.
func WithOpener(kind domain.ProviderKind, o Opener) Option {
	return func(r *Relay) { r.openers[kind] = o }
}

// New builds a Relay over the given registry and transport. The five
// HTTP-spoken backend kinds get codec-driven openers by default.
func New(reg *registry.Registry, tr *transport.Adapter, creds domain.CredentialSource, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		registry:   reg,
		creds:      creds,
		telemetry:  domain.NopTelemetry{},
		accountant: tokencount.New(),
		logger:     logger,
		retry:      DefaultRetryPolicy,
		openers:    make(map[domain.ProviderKind]Opener, 6),
		breakers:   make(map[string]*gobreaker.CircuitBreaker[Conn]),
	}
	for _, kind := range []domain.ProviderKind{
		domain.ProviderAnthropic,
		domain.ProviderOpenAI,
		domain.ProviderGoogle,
		domain.ProviderOllama,
		domain.ProviderCopilot,
	} {
		if o, err := newHTTPOpener(kind, tr); err == nil {
			r.openers[kind] = o
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle is one in-flight completion. Events closes after the terminal
// event (StreamEnd or a single error event); no event is ever delivered
// after Cancel returns.
type Handle struct {
	id     string
	events chan domain.StreamEvent
	cancel context.CancelFunc
	done   chan struct{}
}

// ID returns the unique request id.
func (h *Handle) ID() string { return h.id }

// Events returns the canonical event stream.
func (h *Handle) Events() <-chan domain.StreamEvent { return h.events }

// Cancel aborts the completion and blocks until the producer has fully
// stopped. Idempotent.
func (h *Handle) Cancel() {
	h.cancel()
	<-h.done
}

// Complete starts a streaming completion against the named provider and
// model. Request shape, model capabilities and credentials are validated
// before any network I/O; failures there return an error instead of a
// handle. Once a handle is returned, all outcomes flow through its event
// channel.
func (r *Relay) Complete(ctx context.Context, providerID, modelID string, req domain.ChatRequest) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resolved, err := r.registry.Resolve(providerID, modelID)
	if err != nil {
		return nil, err
	}
	if err := checkCapabilities(req, resolved.Model); err != nil {
		return nil, err
	}

	cred, err := r.credentialFor(resolved)
	if err != nil {
		return nil, err
	}

	opener, ok := r.openers[resolved.Kind]
	if !ok {
		return nil, domain.NewRelayError("relay.Complete", domain.ErrUnknownProvider,
			fmt.Sprintf("no backend for kind %s", resolved.Kind))
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:     ulid.Make().String(),
		events: make(chan domain.StreamEvent, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go r.run(runCtx, h, opener, resolved, cred, req)
	return h, nil
}

// checkCapabilities fails fast when the request needs something the
// resolved model does not support.
func checkCapabilities(req domain.ChatRequest, model domain.ModelInfo) error {
	if len(req.Tools) > 0 && !model.SupportsTools {
		return domain.NewRelayError("relay.Complete", domain.ErrUnsupportedCapability,
			model.ID+" does not support tools")
	}
	if !model.SupportsImage {
		for _, m := range req.Messages {
			for _, p := range m.Parts {
				if p.Kind == domain.PartImage {
					return domain.NewRelayError("relay.Complete", domain.ErrUnsupportedCapability,
						model.ID+" does not support image input")
				}
			}
		}
	}
	return nil
}

// credentialFor looks up the wire credential a backend kind requires. The
// local daemon and the SDK-backed backend authenticate out of band.
func (r *Relay) credentialFor(resolved domain.ResolvedModel) (domain.Credential, error) {
	switch resolved.Kind {
	case domain.ProviderOllama, domain.ProviderBedrock:
		return domain.Credential{Kind: domain.CredentialNone}, nil
	}
	cred, ok := r.creds.Lookup(resolved.ProviderID)
	if !ok || cred.Secret == "" {
		return domain.Credential{}, domain.NewRelayError("relay.Complete", domain.ErrNoCredential, resolved.ProviderID)
	}
	return cred, nil
}

// run is the producer goroutine behind a Handle.
func (r *Relay) run(ctx context.Context, h *Handle, opener Opener, resolved domain.ResolvedModel, cred domain.Credential, req domain.ChatRequest) {
	defer close(h.done)
	defer close(h.events)
	defer h.cancel()

	start := time.Now()
	ctx, span := tracer.StartSpan(ctx, "relay.complete", trace.WithAttributes(
		tracer.StringAttr("relay.request_id", h.id),
		tracer.StringAttr("relay.provider", resolved.ProviderID),
		tracer.StringAttr("relay.model", resolved.Model.ID),
	))
	defer span.End()

	r.telemetry.RequestStarted(h.id, resolved.ProviderID, resolved.Model.ID)

	usage, err := r.stream(ctx, h, opener, resolved, cred, req)
	latency := time.Since(start)

	switch {
	case err == nil:
		tracer.SetOK(span)
		span.SetAttributes(
			tracer.IntAttr("relay.prompt_tokens", usage.PromptTokens),
			tracer.IntAttr("relay.completion_tokens", usage.CompletionTokens),
		)
		r.telemetry.RequestCompleted(h.id, latency, usage)
		r.logger.Debug("completion finished",
			"request_id", h.id,
			"provider", resolved.ProviderID,
			"model", resolved.Model.ID,
			"latency", latency,
			"tokens", usage.Total(),
		)
	case contextError(err) != nil:
		// Cancellation is a normal terminal state; the channel just
		// closes.
		r.telemetry.RequestFailed(h.id, latency, domain.CodeCancelled)
	default:
		tracer.RecordError(span, err)
		r.telemetry.RequestFailed(h.id, latency, domain.ErrorCodeOf(err))
		r.logger.Warn("completion failed",
			"request_id", h.id,
			"provider", resolved.ProviderID,
			"model", resolved.Model.ID,
			"code", domain.ErrorCodeOf(err),
			"error", err,
		)
		r.send(ctx, h, domain.ErrorEvent(err))
	}
}

// stream runs the attempt loop. It returns the final usage on success, a
// context error on cancellation, or the terminal backend error. Retries
// apply only to connection-phase failures with a retryable cause, and only
// while no event has reached the caller.
func (r *Relay) stream(ctx context.Context, h *Handle, opener Opener, resolved domain.ResolvedModel, cred domain.Credential, req domain.ChatRequest) (domain.Usage, error) {
	var (
		delivered  bool
		usage      domain.Usage
		completion strings.Builder
	)

	for attempt := 0; ; attempt++ {
		conn, err := r.open(ctx, opener, resolved, cred, req)
		if err == nil {
			usage, err = r.drain(ctx, h, conn, req, &delivered, &completion)
			if err == nil {
				return usage, nil
			}
		}

		if cerr := contextError(err); cerr != nil {
			return domain.Usage{}, cerr
		}
		if delivered || attempt+1 >= r.retry.MaxAttempts || !domain.IsRetryable(err) {
			return domain.Usage{}, err
		}

		delay := r.retry.backoff(attempt)
		if hint := domain.RetryAfterHint(err); hint > delay {
			delay = hint
		}
		r.logger.Info("retrying completion",
			"request_id", h.id,
			"provider", resolved.ProviderID,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.Usage{}, ctx.Err()
		}
	}
}

// open establishes the backend stream, routed through the provider's
// circuit breaker when enabled. Only establishment failures count against
// the breaker; mid-stream errors do not.
func (r *Relay) open(ctx context.Context, opener Opener, resolved domain.ResolvedModel, cred domain.Credential, req domain.ChatRequest) (Conn, error) {
	if !r.breakerCfg.Enabled {
		return opener.Open(ctx, resolved, cred, req)
	}

	cb := r.breaker(resolved.ProviderID)
	conn, err := cb.Execute(func() (Conn, error) {
		return opener.Open(ctx, resolved, cred, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewRelayError("relay.open", domain.ErrOverloaded,
				fmt.Sprintf("provider %s circuit open", resolved.ProviderID))
		}
		return nil, err
	}
	return conn, nil
}

// breaker returns the provider's circuit breaker, creating it on first
// use.
func (r *Relay) breaker(providerID string) *gobreaker.CircuitBreaker[Conn] {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()

	if cb, ok := r.breakers[providerID]; ok {
		return cb
	}

	cfg := r.breakerCfg
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[Conn](gobreaker.Settings{
		Name:        "provider:" + providerID,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Client-side faults (bad request, missing credential)
			// say nothing about backend health.
			return err == nil || !domain.IsRetryable(err)
		},
	})
	r.breakers[providerID] = cb
	return cb
}

// drain forwards a connection's events to the handle until the stream
// ends. When the backend reported no usage, an estimated usage event is
// injected before StreamEnd.
func (r *Relay) drain(ctx context.Context, h *Handle, conn Conn, req domain.ChatRequest, delivered *bool, completion *strings.Builder) (domain.Usage, error) {
	defer conn.Close()

	var (
		usage     domain.Usage
		haveUsage bool
		ended     bool
	)

	for !ended {
		events, err := conn.Next()
		for _, ev := range events {
			switch ev.Type {
			case domain.EventTextDelta:
				completion.WriteString(ev.Text)
			case domain.EventUsage:
				usage = *ev.Usage
				haveUsage = true
			case domain.EventError:
				// The terminal error event is emitted by run after
				// retry eligibility is decided, not forwarded raw.
				return usage, ev.Err
			case domain.EventEnd:
				if !haveUsage {
					usage = domain.Usage{
						PromptTokens:     r.accountant.CountRequest(req),
						CompletionTokens: r.accountant.CountText(completion.String()),
						Estimated:        true,
					}
					haveUsage = true
					if !r.send(ctx, h, domain.UsageEvent(usage)) {
						return usage, ctx.Err()
					}
					*delivered = true
				}
				ended = true
			}
			if !r.send(ctx, h, ev) {
				return usage, ctx.Err()
			}
			*delivered = true
			if ended {
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return usage, err
		}
	}

	if !ended {
		return usage, domain.NewRelayError("relay.stream", domain.ErrDecoding, "stream closed before end")
	}
	return usage, nil
}

// send delivers one event to the handle, aborting on cancellation.
func (r *Relay) send(ctx context.Context, h *Handle, ev domain.StreamEvent) bool {
	select {
	case h.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
