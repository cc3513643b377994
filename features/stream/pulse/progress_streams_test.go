package pulse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/atelier-ai/atelier/features/stream/pulse/clients/pulse"
)

func TestProgressStreamsSinkLifecycle(t *testing.T) {
	client := &fakeClient{stream: &fakeStream{sink: &fakeSink{events: make(chan *streaming.Event)}}}
	streams, err := NewProgressStreams(ProgressStreamsOptions{Client: client})
	require.NoError(t, err)
	require.NotNil(t, streams.Sink())
	require.NoError(t, streams.Close(context.Background()))
	require.Equal(t, 1, client.closeCount)
}

func TestProgressStreamsRequiresClient(t *testing.T) {
	_, err := NewProgressStreams(ProgressStreamsOptions{})
	require.EqualError(t, err, "pulse client is required")
}

func TestProgressStreamsSubscriberUsesClient(t *testing.T) {
	eventsCh := make(chan *streaming.Event)
	sink := &fakeSink{events: eventsCh}
	client := &fakeClient{stream: &fakeStream{sink: sink}}
	streams, err := NewProgressStreams(ProgressStreamsOptions{Client: client})
	require.NoError(t, err)

	sub, err := streams.NewSubscriber(SubscriberOptions{SinkName: "front", Buffer: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	notes, errs, stop, err := sub.Subscribe(ctx, "project/test")
	if err != nil {
		cancel()
		require.FailNowf(t, "subscribe", "subscribe error: %v", err)
	}
	close(eventsCh)
	stop()
	cancel()

	select {
	case _, ok := <-notes:
		require.False(t, ok, "expected closed notifications channel")
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for notifications close")
	}
	select {
	case _, ok := <-errs:
		require.False(t, ok, "expected closed errs channel")
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for errs close")
	}
	require.True(t, sink.closed)
}

type fakeClient struct {
	stream     *fakeStream
	streamErr  error
	closeCount int
	lastStream string
}

func (f *fakeClient) Stream(name string) (clientspulse.Stream, error) {
	f.lastStream = name
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

func (f *fakeClient) Close(ctx context.Context) error {
	f.closeCount++
	return nil
}

type addedEvent struct {
	event   string
	payload []byte
}

type fakeStream struct {
	sink     *fakeSink
	sinkErr  error
	lastSink string
	added    []addedEvent
	addErr   error
}

func (f *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, addedEvent{event: event, payload: payload})
	return "0-0", nil
}

func (f *fakeStream) NewSink(ctx context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	f.lastSink = name
	if f.sinkErr != nil {
		return nil, f.sinkErr
	}
	return f.sink, nil
}

type fakeSink struct {
	events chan *streaming.Event
	acked  []string
	ackErr error
	closed bool
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.events }

func (f *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, evt.ID)
	return nil
}

func (f *fakeSink) Close(context.Context) { f.closed = true }
