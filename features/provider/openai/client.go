// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. One adapter serves every OpenAI-compatible backend:
// OpenAI itself plus DeepSeek, GLM, Qwen, Kimi, Grok, Gemini and arbitrary
// custom endpoints, which differ only in base URL and default model. Requests
// are translated into ChatCompletion calls using github.com/openai/openai-go
// and failures are tagged with provider error kinds at the boundary.
package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/atelier-ai/atelier/runtime/model"
	"github.com/atelier-ai/atelier/runtime/profile"
)

type (
	// CompletionsClient captures the subset of the OpenAI SDK client used by
	// the adapter. It is satisfied by *sdk.ChatCompletionService so callers
	// can pass either a real client or a stub in tests.
	CompletionsClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
		NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Config carries the per-profile invocation defaults.
	Config struct {
		// Provider names the backend in errors. Defaults to "openai".
		Provider string

		// Model is the model identifier sent with every request. Required.
		Model string

		// Temperature is the sampling temperature used when a request does
		// not carry one. Sent only when positive.
		Temperature float64

		// MaxTokens is the completion cap used when a request does not carry
		// one. Zero omits the cap and leaves it to the backend.
		MaxTokens int
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		client   CompletionsClient
		provider string
		cfg      Config
	}
)

// New builds an OpenAI-backed model client from the provided completions
// client and configuration.
func New(client CompletionsClient, cfg Config) (*Client, error) {
	if client == nil {
		return nil, errors.New("openai: completions client is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	provider := cfg.Provider
	if provider == "" {
		provider = "openai"
	}
	return &Client{client: client, provider: provider, cfg: cfg}, nil
}

// NewFromProfile constructs a client from a provider profile using the
// default OpenAI HTTP client. The profile's kind selects the endpoint
// preset; a profile BaseURL overrides it. Custom profiles must carry their
// own endpoint.
func NewFromProfile(p profile.Profile) (*Client, error) {
	preset, ok := PresetFor(p.Kind)
	if !ok && p.Kind != profile.KindCustom {
		return nil, fmt.Errorf("openai: profile kind %q is not OpenAI-compatible", p.Kind)
	}
	if p.Credential == "" {
		return nil, errors.New("openai: api key is required")
	}
	baseURL := preset.BaseURL
	if p.BaseURL != "" {
		baseURL = p.BaseURL
	}
	if p.Kind == profile.KindCustom && baseURL == "" {
		return nil, errors.New("openai: custom profile requires a base url")
	}
	modelID := p.Model
	if modelID == "" {
		modelID = preset.DefaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(p.Credential)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	oc := sdk.NewClient(opts...)
	return New(&oc.Chat.Completions, Config{
		Provider:    string(p.Kind),
		Model:       modelID,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})
}

// Complete issues a non-streaming chat completion request.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareParams(req)
	if err != nil {
		return model.Response{}, err
	}
	completion, err := c.client.New(ctx, params)
	if err != nil {
		return model.Response{}, wrapErr(c.provider, "chat.completions", err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return model.Response{}, model.NewProviderError(c.provider, 0, model.ErrorKindUnknown, "response contained no choices", nil)
	}
	choice := completion.Choices[0]
	return model.Response{
		Content:      choice.Message.Content,
		Model:        completion.Model,
		FinishReason: string(choice.FinishReason),
		Usage: model.TokenUsage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		},
	}, nil
}

// Stream issues a streaming chat completion request. Usage reporting is
// requested so the final chunk carries token counts.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)}
	stream := c.client.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, wrapErr(c.provider, "chat.completions stream", err)
	}
	return &chatStream{provider: c.provider, stream: stream}, nil
}

func (c *Client) prepareParams(req model.Request) (sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.ChatCompletionNewParams{}, errors.New("openai: messages are required")
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.cfg.Model),
		Messages: make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			params.Messages = append(params.Messages, sdk.SystemMessage(m.Content))
		case model.RoleAssistant:
			params.Messages = append(params.Messages, sdk.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, sdk.UserMessage(m.Content))
		}
	}
	if t, ok := c.temperature(req); ok {
		params.Temperature = sdk.Float(t)
	}
	if maxTokens := c.maxTokens(req); maxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(maxTokens))
	}
	return params, nil
}

func (c *Client) maxTokens(req model.Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return c.cfg.MaxTokens
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

// wrapErr tags an SDK failure with the provider error classification. API
// errors carry an HTTP status that maps directly to a kind; transport and
// context failures are classified from the error chain.
func wrapErr(provider, op string, err error) error {
	cause := fmt.Errorf("%s %s: %w", provider, op, err)
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return model.NewProviderError(provider, apierr.StatusCode, model.KindFromStatus(apierr.StatusCode), "", cause)
	}
	_, kind := model.Classify(err)
	return model.NewProviderError(provider, 0, kind, "", cause)
}
