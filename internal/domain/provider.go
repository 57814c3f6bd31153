package domain

// ProviderKind identifies a backend variant. One wire codec (or SDK-backed
// stream opener) exists per kind.
type ProviderKind string

const (
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderOpenAI    ProviderKind = "openai"
	ProviderGoogle    ProviderKind = "google"
	ProviderOllama    ProviderKind = "ollama"
	ProviderCopilot   ProviderKind = "copilot"
	ProviderBedrock   ProviderKind = "bedrock"
)

// ModelInfo describes one model a provider serves, with the capability
// flags consumed for request pre-validation.
type ModelInfo struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name,omitempty"`
	ContextWindow int    `json:"context_window"`
	MaxOutput     int    `json:"max_output,omitempty"`
	SupportsTools bool   `json:"supports_tools"`
	SupportsImage bool   `json:"supports_image"`
}

// ProviderDescriptor describes one configured backend and its model
// catalog. Descriptors are immutable; a settings change replaces the whole
// registry snapshot, never a descriptor in place.
type ProviderDescriptor struct {
	ID      string       `json:"id"`
	Kind    ProviderKind `json:"kind"`
	BaseURL string       `json:"base_url,omitempty"`
	Models  []ModelInfo  `json:"models"`
	// DynamicCatalog is true when the model list comes from a backend
	// endpoint (the local daemon) rather than static capability data.
	DynamicCatalog bool `json:"dynamic_catalog,omitempty"`
}

// ResolvedModel is a (provider, model) pair captured at request start. An
// in-flight request always finishes against the ResolvedModel it captured,
// regardless of later settings changes.
type ResolvedModel struct {
	ProviderID string
	Kind       ProviderKind
	BaseURL    string
	Model      ModelInfo
}

// CredentialKind discriminates how a credential is presented on the wire.
type CredentialKind string

const (
	CredentialBearer CredentialKind = "bearer"  // Authorization: Bearer <secret>
	CredentialAPIKey CredentialKind = "api_key" // provider-specific key header or query
	CredentialNone   CredentialKind = "none"    // local daemon
)

// Credential is an opaque secret supplied by the host. This core never
// persists or prompts for credentials.
type Credential struct {
	Kind   CredentialKind
	Secret string
}

// CredentialSource is the host-supplied credential lookup capability.
type CredentialSource interface {
	// Lookup returns the credential for a provider, or false when the
	// host has none configured.
	Lookup(providerID string) (Credential, bool)
}

// StaticCredentials is a map-backed CredentialSource, used by the CLI and
// in tests.
type StaticCredentials map[string]Credential

func (s StaticCredentials) Lookup(providerID string) (Credential, bool) {
	c, ok := s[providerID]
	return c, ok
}
