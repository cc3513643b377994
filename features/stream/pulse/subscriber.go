package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/atelier-ai/atelier/features/stream/pulse/clients/pulse"
	"github.com/atelier-ai/atelier/runtime/pipeline"
)

type (
	// NotificationDecoder converts raw payloads read from Pulse into pipeline
	// notifications. Custom decoders can be provided to handle non-standard
	// envelope formats.
	NotificationDecoder func([]byte) (pipeline.Notification, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume notifications. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to "atelier_subscriber".
		SinkName string
		// Buffer specifies the notification channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes notification payloads. Defaults to the built-in JSON decoder.
		Decoder NotificationDecoder
	}

	// Subscriber consumes Pulse streams and emits pipeline notifications. It
	// wraps a Pulse sink (consumer group) and decodes incoming payloads into
	// pipeline.Notification values.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode NotificationDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in opts
// is required; SinkName, Buffer, and Decoder default to sensible values if not
// provided (see SubscriberOptions field documentation).
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "atelier_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a Pulse sink on the given stream ID and returns channels for
// notifications and errors. It spawns a goroutine that consumes from the sink,
// decodes payloads, and emits notifications. The returned cancel function stops
// consumption, closes the sink, and closes both channels.
//
// Usage:
//
//	notes, errs, cancel, err := sub.Subscribe(ctx, "project/p-42")
//	defer cancel()
//	for n := range notes {
//	    // process notification
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan pipeline.Notification, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	notes := make(chan pipeline.Notification, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, notes, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return notes, errs, cancelFunc, nil
}

// consume reads events from the Pulse sink channel, decodes them, and emits
// them on the out channel. It acks each event after successful emission. Closes
// both channels when ctx is canceled or when the sink channel closes. Sends
// errors on the errs channel if decoding or acking fails, then returns.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- pipeline.Notification, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the default JSON envelope format and extracts the
// notification body. The project ID falls back to the envelope field when the
// body omits it. Returns an error if the payload is malformed.
func decodeEnvelope(payload []byte) (pipeline.Notification, error) {
	var env struct {
		Type      string          `json:"type"`
		ProjectID string          `json:"project_id"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return pipeline.Notification{}, err
	}
	var n pipeline.Notification
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			return pipeline.Notification{}, err
		}
	}
	if n.ProjectID == "" {
		n.ProjectID = env.ProjectID
	}
	return n, nil
}
