// Package model defines the provider-agnostic contract between the gateway
// and concrete LLM backends. It normalizes chat completion requests,
// responses, streaming chunks, and failure classification so the rest of the
// pipeline never couples to a specific SDK. Implementations live under
// features/provider and translate these types into provider wire formats.
package model

import (
	"context"
	"errors"
)

type (
	// Client is the contract the gateway uses to invoke a configured backend.
	// Implementations wrap provider SDKs (OpenAI-compatible endpoints,
	// Anthropic, the offline mock) and must be safe for concurrent use, since
	// one client instance is cached per profile and shared across sessions.
	Client interface {
		// Complete sends a chat completion request and returns the full
		// response. Failures are reported as *ProviderError carrying the
		// classification kind assigned at the adapter boundary.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a chat completion request and returns a Streamer that
		// yields incremental chunks. The returned Streamer must be closed by
		// the caller. Backends without streaming support return
		// ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return Chunk values until io.EOF. Recv is intended for a single
	// consumer goroutine; Close releases the underlying stream and is safe to
	// call at any point, including after cancellation.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
	}

	// Request captures the normalized parameters of one model invocation.
	// The target model is part of the profile the client was built from, not
	// of the request.
	Request struct {
		// Messages is the ordered conversation sent to the model: system
		// instructions, user inputs, and prior assistant turns.
		Messages []Message

		// Temperature overrides the profile's sampling temperature when
		// non-nil. Nil keeps the profile value, which may legitimately be 0.
		Temperature *float64

		// MaxTokens caps completion tokens for this call. Zero keeps the
		// profile's cap.
		MaxTokens int
	}

	// Response wraps the generated content returned by a backend.
	Response struct {
		// Content is the assistant text produced by the model.
		Content string

		// Model is the provider-reported model identifier that served the
		// call, which may differ from the requested one (aliases, snapshots).
		Model string

		// FinishReason explains why generation stopped, e.g. "stop" or
		// "max_tokens". Values are provider-specific and may be empty.
		FinishReason string

		// Usage reports token consumption when the provider supplies it.
		// All-zero when unavailable.
		Usage TokenUsage
	}

	// Message mirrors one chat message exchanged with the model.
	Message struct {
		// Role is one of RoleSystem, RoleUser, RoleAssistant.
		Role string

		// Content is the message text.
		Content string
	}

	// Chunk is a streaming event. Type selects which payload field is set:
	//
	//   - ChunkTypeText:  Text holds an incremental content delta.
	//   - ChunkTypeUsage: Usage reports token usage, typically once at the end.
	//   - ChunkTypeStop:  StopReason explains the termination reason.
	Chunk struct {
		// Type is the chunk kind, one of the ChunkType constants.
		Type string
		// Text holds the content delta when Type == ChunkTypeText.
		Text string
		// Usage reports token usage when Type == ChunkTypeUsage.
		Usage *TokenUsage
		// StopReason explains termination when Type == ChunkTypeStop.
		StopReason string
	}

	// TokenUsage records prompt and completion token counts as reported by
	// the provider. The gateway aggregates TotalTokens across calls for cost
	// tracking.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int
		// OutputTokens counts tokens generated in this completion.
		OutputTokens int
		// TotalTokens is the provider-reported aggregate. Prefer it over
		// summing the parts; some providers include overhead.
		TotalTokens int
	}
)

// Message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chunk type constants, the well-known streaming event kinds.
const (
	ChunkTypeText  = "text"
	ChunkTypeUsage = "usage"
	ChunkTypeStop  = "stop"
)

// ErrStreamingUnsupported indicates the backend does not implement streaming
// for the requested model/parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant returns an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }
