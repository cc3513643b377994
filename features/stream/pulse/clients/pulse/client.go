// Package pulse wraps goa.design/pulse streaming behind the small surface the
// progress sink and subscriber need. Callers own the Redis connection: they
// build a redis.Client, hand it to New, and get back a Client that opens
// streams and consumer groups on demand.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis backs all Pulse streams opened by the client. Required.
		Redis *redis.Client
		// StreamMaxLen caps the entries Redis keeps per stream. Zero keeps
		// the Pulse default.
		StreamMaxLen int
		// OperationTimeout bounds each Add call. Zero disables the bound.
		OperationTimeout time.Duration
	}

	// Client opens Pulse streams backed by a shared Redis connection.
	Client interface {
		// Stream returns a handle to the named stream, creating it on first
		// use.
		Stream(name string) (Stream, error)
		// Close releases client-owned resources. The Redis connection belongs
		// to the caller and stays open.
		Close(ctx context.Context) error
	}

	// Stream publishes progress events and opens consumer groups that read
	// them back.
	Stream interface {
		// Add appends an event to the stream and returns the Redis event ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink opens a consumer group on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	}

	// Sink is one consumer group reading a Pulse stream.
	Sink interface {
		// Subscribe returns the channel events arrive on.
		Subscribe() <-chan *streaming.Event
		// Ack marks an event as processed.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink.
		Close(context.Context)
	}
)

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New builds a Client on top of the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &streamHandle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op: the Redis connection lifecycle belongs to the caller.
func (c *client) Close(context.Context) error { return nil }

type streamHandle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *streamHandle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *streamHandle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return groupSink{sink: sink}, nil
}

// groupSink narrows streaming.Sink to the Sink interface.
type groupSink struct {
	sink *streaming.Sink
}

func (g groupSink) Subscribe() <-chan *streaming.Event { return g.sink.Subscribe() }

func (g groupSink) Ack(ctx context.Context, evt *streaming.Event) error {
	return g.sink.Ack(ctx, evt)
}

func (g groupSink) Close(ctx context.Context) { g.sink.Close(ctx) }
