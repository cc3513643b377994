// Package pulse exposes a pipeline.Sink implementation that publishes chapter
// progress notifications to goa.design/pulse streams. It mirrors the layering
// used by existing Pulse deployments: services build a Redis client, pass it to
// the Pulse client, and hand the resulting sink to the pipeline controller.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atelier-ai/atelier/features/stream/pulse/clients/pulse"
	"github.com/atelier-ai/atelier/runtime/pipeline"
)

// eventProgress names the single event kind published by the sink. Consumers
// key off the envelope type rather than the Redis event name, but keeping them
// equal makes raw XRANGE output readable.
const eventProgress = "progress"

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish notifications. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from a notification. Defaults to
		// `project/<ProjectID>`.
		StreamID func(pipeline.Notification) (string, error)
		// MarshalEnvelope allows overriding the envelope serialization (primarily for tests).
		MarshalEnvelope func(envelope) ([]byte, error)
	}

	// Sink publishes pipeline notifications into Pulse streams. It delegates
	// serialization to the configured envelope marshaler.
	// Thread-safe for concurrent Notify operations.
	Sink struct {
		client pulse.Client
		opts   sinkOptions
	}

	// sinkOptions holds internal configuration derived from Options.
	sinkOptions struct {
		streamID        func(pipeline.Notification) (string, error)
		marshalEnvelope func(envelope) ([]byte, error)
	}

	// envelope wraps notifications for transmission over Pulse streams. It adds
	// metadata and serializes the notification body as JSON.
	envelope struct {
		// Type identifies the event kind. Progress notifications use "progress".
		Type string `json:"type"`
		// ProjectID links the event to the project whose chapters are being produced.
		ProjectID string `json:"project_id"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the notification body, if any.
		Payload any `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed progress sink. The Client field in opts is
// required; StreamID and MarshalEnvelope default to the built-in implementations
// if not provided.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// Notify publishes the notification to the derived Pulse stream. It derives the
// stream ID, wraps the notification in an envelope, marshals it to JSON, and
// publishes it via the Pulse client. Thread-safe for concurrent calls.
func (s *Sink) Notify(ctx context.Context, n pipeline.Notification) error {
	streamID, err := s.opts.streamID(n)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := envelope{
		Type:      eventProgress,
		ProjectID: n.ProjectID,
		Timestamp: time.Now().UTC(),
		Payload:   n,
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the underlying
// Pulse client, which may or may not close the Redis connection depending on
// the client implementation. Safe to call more than once.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the notification's
// project. Returns an error if the project ID is empty.
func defaultStreamID(n pipeline.Notification) (string, error) {
	if n.ProjectID == "" {
		return "", errors.New("notification missing project id")
	}
	return fmt.Sprintf("project/%s", n.ProjectID), nil
}

// defaultMarshal serializes an envelope to JSON.
func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
