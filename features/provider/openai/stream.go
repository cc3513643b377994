package openai

import (
	"io"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/atelier-ai/atelier/runtime/model"
)

// chatStream adapts a Chat Completions SSE stream to model.Streamer. Chat
// Completions has no dedicated stop event: the last content chunk carries a
// finish reason and, with IncludeUsage, a trailing usage-only chunk follows.
// A single SSE chunk can therefore yield several model chunks, which are
// buffered in order and drained across Recv calls, so no pump goroutine is
// needed.
type chatStream struct {
	provider string
	stream   *ssestream.Stream[sdk.ChatCompletionChunk]

	pending []model.Chunk
	err     error
	done    bool
}

// Recv returns the next chunk, io.EOF once the stream is exhausted, or the
// sticky stream error.
func (s *chatStream) Recv() (model.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return chunk, nil
		}
		if s.err != nil {
			return model.Chunk{}, s.err
		}
		if s.done {
			return model.Chunk{}, io.EOF
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				s.err = wrapErr(s.provider, "chat.completions stream", err)
				return model.Chunk{}, s.err
			}
			continue
		}
		s.collect(s.stream.Current())
	}
}

// Close releases the underlying SSE stream.
func (s *chatStream) Close() error {
	return s.stream.Close()
}

func (s *chatStream) collect(chunk sdk.ChatCompletionChunk) {
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeText, Text: choice.Delta.Content})
		}
		if choice.FinishReason != "" {
			s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeStop, StopReason: string(choice.FinishReason)})
		}
	}
	u := chunk.Usage
	if u.PromptTokens > 0 || u.CompletionTokens > 0 || u.TotalTokens > 0 {
		usage := model.TokenUsage{
			InputTokens:  int(u.PromptTokens),
			OutputTokens: int(u.CompletionTokens),
			TotalTokens:  int(u.TotalTokens),
		}
		s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeUsage, Usage: &usage})
	}
}
