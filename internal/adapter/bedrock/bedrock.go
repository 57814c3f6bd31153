//go:build bedrock

// Package bedrock opens completion streams through the AWS Bedrock
// Converse API instead of a hand-rolled wire codec. It compiles only with
// the bedrock build tag so the AWS SDK stays out of default builds.
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"modelrelay/internal/domain"
	"modelrelay/internal/relay"
)

// converseStreamAPI abstracts the Bedrock runtime for testability.
type converseStreamAPI interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Opener implements relay.Opener via ConverseStream. Authentication uses
// the default AWS credential chain, never the relay credential source.
type Opener struct {
	client converseStreamAPI
	logger *slog.Logger
}

// NewOpener builds an Opener for the given region using the default AWS
// credential chain.
func NewOpener(ctx context.Context, region string, logger *slog.Logger) (*Opener, error) {
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Opener{client: bedrockruntime.NewFromConfig(awsCfg), logger: logger}, nil
}

// newOpenerWithClient injects a client, for tests.
func newOpenerWithClient(client converseStreamAPI, logger *slog.Logger) *Opener {
	return &Opener{client: client, logger: logger}
}

// Open implements relay.Opener.
func (o *Opener) Open(ctx context.Context, model domain.ResolvedModel, _ domain.Credential, req domain.ChatRequest) (relay.Conn, error) {
	input, err := toConverseStreamInput(req, model.Model.ID)
	if err != nil {
		return nil, err
	}
	out, err := o.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, mapError(err)
	}
	stream := out.GetStream()
	return &conn{stream: stream, events: stream.Events()}, nil
}

// converseEventStream is the slice of the SDK event stream the connection
// consumes; *bedrockruntime.ConverseStreamEventStream satisfies it.
type converseEventStream interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// conn adapts the SDK's event channel to the relay connection contract.
type conn struct {
	stream converseEventStream
	events <-chan types.ConverseStreamOutput

	openToolID string
	ended      bool
	eof        bool
}

func (c *conn) Next() ([]domain.StreamEvent, error) {
	if c.eof {
		return nil, io.EOF
	}
	for {
		evt, ok := <-c.events
		if !ok {
			c.eof = true
			if err := c.stream.Err(); err != nil {
				return nil, mapError(err)
			}
			if !c.ended {
				c.ended = true
				return []domain.StreamEvent{domain.EndEvent()}, nil
			}
			return nil, io.EOF
		}
		if events := c.translate(evt); len(events) > 0 {
			return events, nil
		}
	}
}

func (c *conn) Close() error {
	return c.stream.Close()
}

// translate maps one SDK stream event to canonical events. Tool input
// arrives as string fragments between a ContentBlockStart and a
// ContentBlockStop, matching the Start/Delta/End serialization directly.
func (c *conn) translate(evt types.ConverseStreamOutput) []domain.StreamEvent {
	switch e := evt.(type) {
	case *types.ConverseStreamOutputMemberContentBlockStart:
		if start, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
			c.openToolID = aws.ToString(start.Value.ToolUseId)
			return []domain.StreamEvent{{
				Type:       domain.EventToolCallStart,
				ToolCallID: c.openToolID,
				ToolName:   aws.ToString(start.Value.Name),
			}}
		}
		return nil

	case *types.ConverseStreamOutputMemberContentBlockDelta:
		switch d := e.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			return []domain.StreamEvent{domain.TextEvent(d.Value)}
		case *types.ContentBlockDeltaMemberToolUse:
			return []domain.StreamEvent{{
				Type:       domain.EventToolCallDelta,
				ToolCallID: c.openToolID,
				Arguments:  aws.ToString(d.Value.Input),
			}}
		}
		return nil

	case *types.ConverseStreamOutputMemberContentBlockStop:
		if c.openToolID != "" {
			ev := domain.StreamEvent{Type: domain.EventToolCallEnd, ToolCallID: c.openToolID}
			c.openToolID = ""
			return []domain.StreamEvent{ev}
		}
		return nil

	case *types.ConverseStreamOutputMemberMetadata:
		if e.Value.Usage == nil {
			return nil
		}
		return []domain.StreamEvent{domain.UsageEvent(domain.Usage{
			PromptTokens:     int(aws.ToInt32(e.Value.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(e.Value.Usage.OutputTokens)),
		})}

	case *types.ConverseStreamOutputMemberMessageStop:
		// Metadata still follows; End is emitted when the channel
		// drains so usage precedes it.
		return nil

	default:
		return nil
	}
}

func toConverseStreamInput(req domain.ChatRequest, modelID string) (*bedrockruntime.ConverseStreamInput, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(modelID),
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	input.InferenceConfig = &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokens)),
	}
	if req.Temperature != nil {
		input.InferenceConfig.Temperature = aws.Float32(float32(*req.Temperature))
	}
	if len(req.StopSequences) > 0 {
		input.InferenceConfig.StopSequences = req.StopSequences
	}

	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			input.System = append(input.System,
				&types.SystemContentBlockMemberText{Value: m.Text()})
			continue
		}
		msg, err := toMessage(m)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			input.Messages = append(input.Messages, *msg)
		}
	}

	if len(req.Tools) > 0 {
		input.ToolConfig = toToolConfig(req.Tools)
	}
	return input, nil
}

func toMessage(m domain.Message) (*types.Message, error) {
	msg := &types.Message{}
	switch m.Role {
	case domain.RoleAssistant:
		msg.Role = types.ConversationRoleAssistant
	default:
		// Tool results travel under the user role on this API.
		msg.Role = types.ConversationRoleUser
	}

	for _, p := range m.Parts {
		switch p.Kind {
		case domain.PartText:
			msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: p.Text})

		case domain.PartImage:
			if p.ImageData == "" {
				return nil, domain.NewRelayError("bedrock.Encode", domain.ErrEncoding,
					"image parts require inline data")
			}
			raw, err := base64.StdEncoding.DecodeString(p.ImageData)
			if err != nil {
				return nil, domain.NewRelayError("bedrock.Encode", domain.ErrEncoding,
					"invalid image data: "+err.Error())
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberImage{
				Value: types.ImageBlock{
					Format: imageFormat(p.MediaType),
					Source: &types.ImageSourceMemberBytes{Value: raw},
				},
			})

		case domain.PartToolCall:
			if p.ToolCall == nil {
				continue
			}
			var args map[string]interface{}
			if len(p.ToolCall.Arguments) > 0 {
				json.Unmarshal(p.ToolCall.Arguments, &args)
			}
			if args == nil {
				args = map[string]interface{}{}
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(p.ToolCall.ID),
					Name:      aws.String(p.ToolCall.Name),
					Input:     document.NewLazyDocument(args),
				},
			})

		case domain.PartToolResult:
			if p.ToolResult == nil {
				continue
			}
			block := types.ToolResultBlock{
				ToolUseId: aws.String(p.ToolResult.ToolCallID),
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: p.ToolResult.Content},
				},
			}
			if p.ToolResult.IsError {
				block.Status = types.ToolResultStatusError
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberToolResult{Value: block})
		}
	}

	if len(msg.Content) == 0 {
		return nil, nil
	}
	return msg, nil
}

func imageFormat(mediaType string) types.ImageFormat {
	switch mediaType {
	case "image/png":
		return types.ImageFormatPng
	case "image/gif":
		return types.ImageFormatGif
	case "image/webp":
		return types.ImageFormatWebp
	default:
		return types.ImageFormatJpeg
	}
}

func toToolConfig(tools []domain.ToolSpec) *types.ToolConfiguration {
	var out []types.Tool
	for _, t := range tools {
		var schema map[string]interface{}
		if len(t.Parameters) > 0 {
			json.Unmarshal(t.Parameters, &schema)
		}
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		out = append(out, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schema),
				},
			},
		})
	}
	return &types.ToolConfiguration{Tools: out}
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case code == "ThrottlingException" || code == "TooManyRequestsException":
			return domain.NewRelayError("bedrock", domain.ErrRateLimit, msg)
		case code == "AccessDeniedException" || code == "UnrecognizedClientException":
			return domain.NewRelayError("bedrock", domain.ErrAuthInvalid, msg)
		case code == "ValidationException" && strings.Contains(msg, "too long"):
			return domain.NewRelayError("bedrock", domain.ErrContextOverflow, msg)
		case code == "ModelNotReadyException" || code == "ServiceUnavailableException" ||
			code == "InternalServerException":
			return domain.NewRelayError("bedrock", domain.ErrOverloaded, msg)
		}
	}
	return domain.NewRelayError("bedrock", domain.ErrNetwork, msg)
}
