// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates gateway requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses and streaming events back into the generic model structures,
// tagging failures with provider error kinds at the boundary.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/atelier-ai/atelier/runtime/model"
	"github.com/atelier-ai/atelier/runtime/profile"
)

// provider tags errors emitted by this adapter.
const provider = "anthropic"

// defaultMaxTokens caps completions when neither the request nor the profile
// sets a limit. The Messages API rejects requests without max_tokens, so the
// adapter always sends one.
const defaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a stub in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Config carries the per-profile invocation defaults.
	Config struct {
		// Model is the Claude model identifier sent with every request.
		// Required.
		Model string

		// Temperature is the sampling temperature used when a request does
		// not carry one. Sent only when positive.
		Temperature float64

		// MaxTokens is the completion cap used when a request does not carry
		// one. Zero or negative falls back to defaultMaxTokens.
		MaxTokens int
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg MessagesClient
		cfg Config
	}
)

// New builds an Anthropic-backed model client from the provided Messages
// client and configuration.
func New(msg MessagesClient, cfg Config) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	return &Client{msg: msg, cfg: cfg}, nil
}

// NewFromProfile constructs a client from a provider profile using the
// default Anthropic HTTP client. The profile's BaseURL, when set, overrides
// the SDK endpoint.
func NewFromProfile(p profile.Profile) (*Client, error) {
	if p.Kind != profile.KindAnthropic {
		return nil, fmt.Errorf("anthropic: profile kind %q is not anthropic", p.Kind)
	}
	if p.Credential == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(p.Credential)}
	if p.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.BaseURL))
	}
	ac := sdk.NewClient(opts...)
	return New(&ac.Messages, Config{
		Model:       p.Model,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})
}

// Complete issues a non-streaming Messages.New request and flattens the
// response text blocks into a single completion.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return model.Response{}, wrapErr("messages.new", err)
	}
	return translateResponse(msg)
}

// Stream invokes Messages.NewStreaming and adapts incremental events into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, wrapErr("messages.stream", err)
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req model.Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: messages are required")
	}
	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	var system []sdk.TextBlockParam
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			// The Messages API carries system prompts in a dedicated
			// top-level field rather than in the conversation.
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(conversation) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: at least one user or assistant message is required")
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.cfg.Model),
		MaxTokens: int64(c.maxTokens(req)),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if t, ok := c.temperature(req); ok {
		params.Temperature = sdk.Float(t)
	}
	return params, nil
}

func (c *Client) maxTokens(req model.Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if c.cfg.MaxTokens > 0 {
		return c.cfg.MaxTokens
	}
	return defaultMaxTokens
}

// temperature resolves the effective sampling temperature. A request value
// always wins, including an explicit zero; the profile default is sent only
// when positive.
func (c *Client) temperature(req model.Request) (float64, bool) {
	if req.Temperature != nil {
		return *req.Temperature, true
	}
	if c.cfg.Temperature > 0 {
		return c.cfg.Temperature, true
	}
	return 0, false
}

func translateResponse(msg *sdk.Message) (model.Response, error) {
	if msg == nil {
		return model.Response{}, errors.New("anthropic: response message is nil")
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return model.Response{
		Content:      text.String(),
		Model:        string(msg.Model),
		FinishReason: string(msg.StopReason),
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

// wrapErr tags an SDK failure with the provider error classification. API
// errors carry an HTTP status that maps directly to a kind; transport and
// context failures are classified from the error chain.
func wrapErr(op string, err error) error {
	cause := fmt.Errorf("anthropic %s: %w", op, err)
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return model.NewProviderError(provider, apierr.StatusCode, model.KindFromStatus(apierr.StatusCode), "", cause)
	}
	_, kind := model.Classify(err)
	return model.NewProviderError(provider, 0, kind, "", cause)
}
