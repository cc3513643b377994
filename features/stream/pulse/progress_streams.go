package pulse

import (
	"context"
	"errors"

	clientspulse "github.com/atelier-ai/atelier/features/stream/pulse/clients/pulse"
	"github.com/atelier-ai/atelier/runtime/pipeline"
)

// ProgressStreams wires a caller-provided Pulse client into the chapter
// pipeline. It owns a publishing sink (handed to the session controller) and
// can spawn subscribers that reuse the same client so services do not need to
// manage multiple Pulse connections.
type ProgressStreams struct {
	sink   *Sink
	client clientspulse.Client
}

// ProgressStreamsOptions configures the helper returned by NewProgressStreams.
type ProgressStreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing. It is
	// required and typically built via features/stream/pulse/clients/pulse.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink (stream ID derivation,
	// marshaling). Leave zero-valued for defaults.
	Sink Options
}

// NewProgressStreams constructs helpers for publishing pipeline notifications
// to Pulse and subscribing to the resulting streams. Callers hand the returned
// sink to the session controller and keep the helper around to create
// subscribers (e.g., terminal watchers or SSE fan-out) later on.
func NewProgressStreams(opts ProgressStreamsOptions) (*ProgressStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &ProgressStreams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink so callers can pass it to the controller.
func (p *ProgressStreams) Sink() pipeline.Sink {
	return p.sink
}

// NewSubscriber constructs a Pulse-backed subscriber that reuses the helper's
// client. This keeps notification publishing and consumption on the same Redis
// connection pool for efficiency.
func (p *ProgressStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = p.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink (and therefore the underlying Pulse
// client). Call this during service shutdown after all subscribers have been
// canceled.
func (p *ProgressStreams) Close(ctx context.Context) error {
	return p.sink.Close(ctx)
}
