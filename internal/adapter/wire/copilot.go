package wire

import (
	"net/http"
	"strings"

	"modelrelay/internal/domain"
)

// Copilot identification headers. The chat endpoint rejects requests that
// do not present an editor identity.
const (
	copilotEditorVersion   = "modelrelay/0.1.0"
	copilotIntegrationID   = "vscode-chat"
	copilotDefaultAPIBase  = "https://api.githubcopilot.com"
	copilotOpenAIUserAgent = "GitHubCopilotChat/0.26.7"
)

// copilotCodec speaks the GitHub Copilot chat endpoint. The body and SSE
// framing are OpenAI-shaped, so encoding and decoding delegate to the
// OpenAI codec; only the endpoint, auth, and identification headers
// differ. The short-lived chat bearer token is supplied by the host —
// exchanging the device OAuth token for it is the host's concern.
type copilotCodec struct{}

func (copilotCodec) Kind() domain.ProviderKind { return domain.ProviderCopilot }

func (c *copilotCodec) Encode(req domain.ChatRequest, model domain.ResolvedModel, cred domain.Credential) (*Request, error) {
	if cred.Kind == domain.CredentialNone || cred.Secret == "" {
		return nil, domain.NewRelayError("copilot.Encode", domain.ErrAuthInvalid, "missing chat token")
	}

	body, err := openaiBody(req, model)
	if err != nil {
		return nil, err
	}

	baseURL := model.BaseURL
	if baseURL == "" {
		baseURL = copilotDefaultAPIBase
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "text/event-stream")
	header.Set("Authorization", bearerHeader(cred))
	header.Set("Editor-Version", copilotEditorVersion)
	header.Set("Copilot-Integration-Id", copilotIntegrationID)
	header.Set("User-Agent", copilotOpenAIUserAgent)

	return &Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(baseURL, "/") + "/chat/completions",
		Header: header,
		Body:   body,
	}, nil
}

func (c *copilotCodec) NewDecoder() Decoder {
	return &openaiDecoder{op: "copilot.Decode", calls: newCallTracker()}
}

func (c *copilotCodec) DecodeError(status int, header http.Header, body []byte) error {
	return openaiErrorFrom("copilot.DecodeError", status, header, body)
}
