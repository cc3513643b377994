package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/atelier-ai/atelier/runtime/telemetry"
)

type (
	// Notification is the progress payload emitted before every state
	// transition, including the terminal error case.
	Notification struct {
		Status    Status `json:"status"`
		Message   string `json:"message"`
		ProjectID string `json:"project_id"`
		ChapterID string `json:"chapter_id"`
		Iteration int    `json:"iteration"`
	}

	// Sink receives progress notifications. The controller awaits Notify
	// inline, so delivery order matches transition order; a sink error is
	// logged and never halts the run. Wrap slow sinks in a QueuedSink to
	// keep them off the pipeline's critical path.
	Sink interface {
		Notify(ctx context.Context, n Notification) error
	}

	// SinkFunc adapts a function to the Sink interface.
	SinkFunc func(ctx context.Context, n Notification) error

	// LogSink writes notifications to the telemetry logger.
	LogSink struct {
		logger telemetry.Logger
	}

	// QueuedSink decouples notification delivery from the pipeline through a
	// bounded queue drained by a single worker goroutine. When the queue is
	// full the notification is dropped and counted rather than blocking the
	// run. Delivery order is preserved for queued notifications.
	QueuedSink struct {
		next   Sink
		logger telemetry.Logger

		mu     sync.RWMutex
		queue  chan Notification
		closed bool

		dropped atomic.Int64
		done    chan struct{}
	}

	// QueuedOption customizes a QueuedSink.
	QueuedOption func(*QueuedSink)
)

// Notify implements Sink.
func (f SinkFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// NewLogSink returns a sink that logs every notification at info level.
func NewLogSink(logger telemetry.Logger) *LogSink {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (s *LogSink) Notify(ctx context.Context, n Notification) error {
	s.logger.Info(ctx, "session progress",
		"status", string(n.Status),
		"message", n.Message,
		"project", n.ProjectID,
		"chapter", n.ChapterID,
		"iteration", n.Iteration,
	)
	return nil
}

// WithQueuedLogger sets the logger used to report drops and delivery
// failures. When nil, the sink uses a noop logger.
func WithQueuedLogger(logger telemetry.Logger) QueuedOption {
	return func(s *QueuedSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewQueuedSink wraps next with a bounded queue of the given size drained by
// one worker goroutine. Call Close to flush and stop the worker.
func NewQueuedSink(next Sink, size int, opts ...QueuedOption) *QueuedSink {
	if size <= 0 {
		size = 16
	}
	s := &QueuedSink{
		next:   next,
		logger: telemetry.NewNoopLogger(),
		queue:  make(chan Notification, size),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	go s.drain()
	return s
}

// Notify implements Sink. It never blocks: when the queue is full the
// notification is dropped, counted, and logged. Notifications enqueued after
// Close are dropped.
func (s *QueuedSink) Notify(ctx context.Context, n Notification) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(ctx, n)
		return nil
	}
	select {
	case s.queue <- n:
	default:
		s.drop(ctx, n)
	}
	return nil
}

// Dropped reports how many notifications were discarded because the queue
// was full or closed.
func (s *QueuedSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes queued notifications, stops the worker, and returns once
// delivery has finished. Safe to call more than once.
func (s *QueuedSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

func (s *QueuedSink) drop(ctx context.Context, n Notification) {
	s.dropped.Add(1)
	s.logger.Warn(ctx, "progress notification dropped",
		"status", string(n.Status),
		"project", n.ProjectID,
		"dropped", s.dropped.Load(),
	)
}

// drain delivers queued notifications until the queue is closed. Delivery
// uses a background context: queued notifications outlive the run that
// produced them.
func (s *QueuedSink) drain() {
	defer close(s.done)
	for n := range s.queue {
		if err := s.next.Notify(context.Background(), n); err != nil {
			s.logger.Error(context.Background(), "progress notification delivery failed",
				"status", string(n.Status),
				"project", n.ProjectID,
				"error", err.Error(),
			)
		}
	}
}
