// Command relay streams a chat completion from any configured provider to
// stdout through the canonical event stream.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"modelrelay/internal/adapter/bedrock"
	"modelrelay/internal/adapter/transport"
	"modelrelay/internal/domain"
	"modelrelay/internal/infra/config"
	"modelrelay/internal/infra/logger"
	"modelrelay/internal/infra/tracer"
	"modelrelay/internal/registry"
	"modelrelay/internal/relay"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "models":
			if err := runModels(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "models: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`relay - stream chat completions from any configured provider

USAGE:
    relay [FLAGS]            stream a completion (prompt from -prompt or stdin)
    relay models [FLAGS]     list configured providers and their models

FLAGS:
    -config PATH     config file (default relay.yaml)
    -provider ID     provider to use
    -model ID        model to use
    -prompt TEXT     prompt text; reads stdin when omitted
    -system TEXT     optional system prompt
    -max-tokens N    completion token cap`)
}

type app struct {
	cfg      *config.Config
	registry *registry.Registry
	relay    *relay.Relay
	shutdown []func()
}

func (a *app) close() {
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		a.shutdown[i]()
	}
}

func buildApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	a.shutdown = append(a.shutdown, func() { closeLog() })

	stopTracing, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.close()
		return nil, err
	}
	a.shutdown = append(a.shutdown, func() { stopTracing(context.Background()) })

	specs := make([]registry.Spec, 0, len(cfg.Providers))
	creds := domain.StaticCredentials{}
	for _, p := range cfg.Providers {
		spec := registry.Spec{ID: p.ID, Kind: p.Kind(), BaseURL: p.BaseURL}
		for _, m := range p.Models {
			spec.Models = append(spec.Models, domain.ModelInfo{
				ID:            m.ID,
				DisplayName:   m.DisplayName,
				ContextWindow: m.ContextWindow,
				MaxOutput:     m.MaxOutput,
				SupportsTools: m.SupportsTools,
				SupportsImage: m.SupportsImage,
			})
		}
		specs = append(specs, spec)
		creds[p.ID] = p.Credential()
	}

	reg, err := registry.New(specs, log)
	if err != nil {
		a.close()
		return nil, err
	}
	a.registry = reg

	tr := transport.New(transport.Config{
		ConnTimeout:       cfg.Transport.ConnTimeout,
		RespTimeout:       cfg.Transport.RespTimeout,
		RequestsPerSecond: cfg.Transport.RequestsPerSecond,
		Pool: transport.PoolConfig{
			MaxIdleConns:        cfg.Transport.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.Transport.MaxIdleConnsPerHost,
			MaxConnsPerHost:     cfg.Transport.MaxConnsPerHost,
			IdleConnTimeout:     cfg.Transport.IdleConnTimeout,
		},
	}, log)

	opts := []relay.Option{
		relay.WithRetryPolicy(relay.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		}),
	}
	if cfg.Breaker.Enabled {
		opts = append(opts, relay.WithBreaker(relay.BreakerSettings{
			Enabled:     true,
			MaxFailures: cfg.Breaker.MaxFailures,
			Timeout:     cfg.Breaker.Timeout,
			Interval:    cfg.Breaker.Interval,
		}))
	}
	for _, p := range cfg.Providers {
		if p.Kind() != domain.ProviderBedrock {
			continue
		}
		opener, err := bedrock.NewOpener(ctx, p.Region, log)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		opts = append(opts, relay.WithOpener(domain.ProviderBedrock, opener))
	}

	a.relay = relay.New(reg, tr, creds, log, opts...)
	return a, nil
}

func run(args []string) error {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	configPath := fs.String("config", "relay.yaml", "config file path")
	providerID := fs.String("provider", "", "provider id")
	modelID := fs.String("model", "", "model id")
	prompt := fs.String("prompt", "", "prompt text; reads stdin when omitted")
	system := fs.String("system", "", "system prompt")
	maxTokens := fs.Int("max-tokens", 0, "completion token cap")
	fs.Parse(args)

	if *providerID == "" || *modelID == "" {
		return fmt.Errorf("-provider and -model are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.close()

	text := *prompt
	if text == "" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		text = string(raw)
	}
	if text == "" {
		return fmt.Errorf("empty prompt")
	}

	req := domain.ChatRequest{MaxTokens: *maxTokens}
	if *system != "" {
		req.Messages = append(req.Messages, domain.Message{
			Role:  domain.RoleSystem,
			Parts: []domain.ContentPart{domain.TextPart(*system)},
		})
	}
	req.Messages = append(req.Messages, domain.UserMessage(text))

	// Dynamic catalogs resolve against the last observed model list.
	if err := a.registry.RefreshModels(ctx, *providerID); err != nil {
		return err
	}

	h, err := a.relay.Complete(ctx, *providerID, *modelID, req)
	if err != nil {
		return err
	}
	defer h.Cancel()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	var usage domain.Usage
	for ev := range h.Events() {
		switch ev.Type {
		case domain.EventTextDelta:
			out.WriteString(ev.Text)
			out.Flush()
		case domain.EventToolCallStart:
			fmt.Fprintf(out, "\n[tool call %s: %s(", ev.ToolCallID, ev.ToolName)
		case domain.EventToolCallDelta:
			out.WriteString(ev.Arguments)
		case domain.EventToolCallEnd:
			out.WriteString(")]\n")
		case domain.EventUsage:
			usage = *ev.Usage
		case domain.EventError:
			return ev.Err
		}
	}

	fmt.Fprintf(out, "\n")
	est := ""
	if usage.Estimated {
		est = " (estimated)"
	}
	fmt.Fprintf(out, "-- %d prompt + %d completion tokens%s\n",
		usage.PromptTokens, usage.CompletionTokens, est)
	return nil
}

func runModels(args []string) error {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	configPath := fs.String("config", "relay.yaml", "config file path")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tCONTEXT\tTOOLS\tIMAGES")
	for _, desc := range a.registry.List() {
		if desc.DynamicCatalog {
			if err := a.registry.RefreshModels(ctx, desc.ID); err != nil {
				fmt.Fprintf(os.Stderr, "warning: refresh %s: %v\n", desc.ID, err)
			}
		}
		models, err := a.registry.Models(desc.ID)
		if err != nil {
			return err
		}
		for _, m := range models {
			fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%v\n",
				desc.ID, m.ID, m.ContextWindow, m.SupportsTools, m.SupportsImage)
		}
	}
	return w.Flush()
}
