//go:build !bedrock

// Package bedrock opens completion streams through the AWS Bedrock
// Converse API. Without the bedrock build tag only this stub compiles, so
// the AWS SDK stays out of default builds.
package bedrock

import (
	"context"
	"fmt"
	"log/slog"

	"modelrelay/internal/relay"
)

// NewOpener fails without the bedrock build tag.
func NewOpener(_ context.Context, _ string, _ *slog.Logger) (relay.Opener, error) {
	return nil, fmt.Errorf("bedrock backend requires build with -tags bedrock")
}
