package registry

import "modelrelay/internal/domain"

// Built-in model tables for backends without a models-list endpoint.
// Context windows and capability flags come from each backend's published
// model documentation; hosts can override them per provider via
// Spec.Models.

func builtinCatalog(kind domain.ProviderKind) []domain.ModelInfo {
	switch kind {
	case domain.ProviderAnthropic:
		return anthropicModels
	case domain.ProviderOpenAI:
		return openaiModels
	case domain.ProviderGoogle:
		return googleModels
	case domain.ProviderCopilot:
		return copilotModels
	case domain.ProviderBedrock:
		return bedrockModels
	default:
		return nil
	}
}

var anthropicModels = []domain.ModelInfo{
	{ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", ContextWindow: 200000, MaxOutput: 64000, SupportsTools: true, SupportsImage: true},
	{ID: "claude-opus-4-1", DisplayName: "Claude Opus 4.1", ContextWindow: 200000, MaxOutput: 32000, SupportsTools: true, SupportsImage: true},
	{ID: "claude-3-5-haiku-latest", DisplayName: "Claude Haiku 3.5", ContextWindow: 200000, MaxOutput: 8192, SupportsTools: true, SupportsImage: true},
}

var openaiModels = []domain.ModelInfo{
	{ID: "gpt-4o", DisplayName: "GPT-4o", ContextWindow: 128000, MaxOutput: 16384, SupportsTools: true, SupportsImage: true},
	{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", ContextWindow: 128000, MaxOutput: 16384, SupportsTools: true, SupportsImage: true},
	{ID: "gpt-4.1", DisplayName: "GPT-4.1", ContextWindow: 1047576, MaxOutput: 32768, SupportsTools: true, SupportsImage: true},
	{ID: "o3-mini", DisplayName: "o3-mini", ContextWindow: 200000, MaxOutput: 100000, SupportsTools: true},
}

var googleModels = []domain.ModelInfo{
	{ID: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", ContextWindow: 1048576, MaxOutput: 8192, SupportsTools: true, SupportsImage: true},
	{ID: "gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro", ContextWindow: 2097152, MaxOutput: 8192, SupportsTools: true, SupportsImage: true},
	{ID: "gemini-1.5-flash", DisplayName: "Gemini 1.5 Flash", ContextWindow: 1048576, MaxOutput: 8192, SupportsTools: true, SupportsImage: true},
}

// Copilot fronts several upstream models behind one endpoint; the chat
// service itself reports which are enabled for the account, but these are
// the stable baseline.
var copilotModels = []domain.ModelInfo{
	{ID: "gpt-4o", DisplayName: "GPT-4o (Copilot)", ContextWindow: 128000, MaxOutput: 16384, SupportsTools: true, SupportsImage: true},
	{ID: "o3-mini", DisplayName: "o3-mini (Copilot)", ContextWindow: 200000, MaxOutput: 100000, SupportsTools: true},
	{ID: "claude-3.5-sonnet", DisplayName: "Claude 3.5 Sonnet (Copilot)", ContextWindow: 90000, MaxOutput: 8192, SupportsTools: true},
}

var bedrockModels = []domain.ModelInfo{
	{ID: "anthropic.claude-sonnet-4-5-v1:0", DisplayName: "Claude Sonnet 4.5 (Bedrock)", ContextWindow: 200000, MaxOutput: 64000, SupportsTools: true, SupportsImage: true},
	{ID: "anthropic.claude-3-5-haiku-20241022-v1:0", DisplayName: "Claude Haiku 3.5 (Bedrock)", ContextWindow: 200000, MaxOutput: 8192, SupportsTools: true},
	{ID: "amazon.nova-pro-v1:0", DisplayName: "Amazon Nova Pro", ContextWindow: 300000, MaxOutput: 5120, SupportsTools: true, SupportsImage: true},
}
