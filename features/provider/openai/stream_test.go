package openai

import (
	"fmt"
	"io"
	"syscall"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/runtime/model"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream and
// reports err once the sequence is exhausted.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func deltaEvent(text string) ssestream.Event {
	return ssestream.Event{
		Data: []byte(fmt.Sprintf(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`, text)),
	}
}

func newTestStream(dec *testDecoder) *chatStream {
	return &chatStream{
		provider: "openai",
		stream:   ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil),
	}
}

func drain(t *testing.T, s *chatStream) []model.Chunk {
	t.Helper()
	var chunks []model.Chunk
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
}

func TestChatStreamDeliversTextStopUsage(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		deltaEvent("很"),
		deltaEvent("好。"),
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`)},
	}}
	s := newTestStream(dec)
	defer s.Close()

	chunks := drain(t, s)
	require.Len(t, chunks, 4)
	require.Equal(t, model.Chunk{Type: model.ChunkTypeText, Text: "很"}, chunks[0])
	require.Equal(t, model.Chunk{Type: model.ChunkTypeText, Text: "好。"}, chunks[1])
	require.Equal(t, model.Chunk{Type: model.ChunkTypeStop, StopReason: "stop"}, chunks[2])
	require.Equal(t, model.ChunkTypeUsage, chunks[3].Type)
	require.Equal(t, model.TokenUsage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}, *chunks[3].Usage)

	// EOF is sticky once the stream is drained.
	_, err := s.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestChatStreamSplitsCombinedChunk(t *testing.T) {
	// Some compatible backends fold text, finish reason and usage into one
	// SSE chunk. Each piece still surfaces as its own model chunk.
	dec := &testDecoder{events: []ssestream.Event{
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"完。"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`)},
	}}
	s := newTestStream(dec)
	defer s.Close()

	chunks := drain(t, s)
	require.Len(t, chunks, 3)
	require.Equal(t, model.ChunkTypeText, chunks[0].Type)
	require.Equal(t, model.ChunkTypeStop, chunks[1].Type)
	require.Equal(t, model.ChunkTypeUsage, chunks[2].Type)
}

func TestChatStreamSurfacesDecoderError(t *testing.T) {
	dec := &testDecoder{
		events: []ssestream.Event{deltaEvent("片段")},
		err:    syscall.ECONNRESET,
	}
	s := newTestStream(dec)
	defer s.Close()

	chunk, err := s.Recv()
	require.NoError(t, err)
	require.Equal(t, "片段", chunk.Text)

	_, err = s.Recv()
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.ErrorKindConnection, pe.Kind())
	require.ErrorIs(t, err, syscall.ECONNRESET)

	// The error is sticky.
	_, again := s.Recv()
	require.Equal(t, err, again)
}

func TestChatStreamSkipsEmptyDeltas(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}`)},
		deltaEvent("正文"),
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)},
	}}
	s := newTestStream(dec)
	defer s.Close()

	chunks := drain(t, s)
	require.Len(t, chunks, 2)
	require.Equal(t, "正文", chunks[0].Text)
	require.Equal(t, model.ChunkTypeStop, chunks[1].Type)
}
