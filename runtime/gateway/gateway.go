// Package gateway routes model calls to configured provider backends. It
// resolves which profile serves a pipeline role, materializes and caches one
// client per profile id, wraps completions in classified retry, and keeps
// process-wide usage counters that are safe under concurrent sessions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atelier-ai/atelier/runtime/model"
	"github.com/atelier-ai/atelier/runtime/profile"
	"github.com/atelier-ai/atelier/runtime/retry"
	"github.com/atelier-ai/atelier/runtime/telemetry"
)

// MockProfileID is the reserved id of the built-in cost-free backend. It
// resolves without consulting the profile store, so the system stays usable
// with no credentials configured.
const MockProfileID = "mock"

type (
	// ClientFactory constructs a backend client for a profile. The factory
	// decides which concrete adapter matches the profile kind.
	ClientFactory func(profile.Profile) (model.Client, error)

	// Gateway is the process-wide registry of materialized provider clients.
	// Safe for concurrent use.
	Gateway struct {
		store   profile.Store
		factory ClientFactory

		policy  retry.Policy
		offline bool

		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu      sync.Mutex
		entries map[string]*entry

		totalRequests atomic.Int64
		totalTokens   atomic.Int64
	}

	// ChatRequest carries one completion request through the gateway.
	ChatRequest struct {
		// ProfileID selects the backend. Usually obtained from Resolve.
		ProfileID string
		// Messages is the conversation to complete, oldest first.
		Messages []model.Message
		// Temperature overrides the profile default when non-nil.
		Temperature *float64
		// MaxTokens overrides the profile default when positive.
		MaxTokens int
		// DisableRetry makes the call a single attempt with no
		// classification step.
		DisableRetry bool
	}

	// Stats is a read-only snapshot of gateway usage.
	Stats struct {
		// TotalRequests counts completions that succeeded since process
		// start. Failed attempts do not count.
		TotalRequests int64
		// TotalTokens accumulates reported token usage across successful
		// completions and finished streams.
		TotalTokens int64
		// LoadedProfileIDs lists the profile ids with a live cached client,
		// sorted.
		LoadedProfileIDs []string
	}

	// Option customizes a Gateway.
	Option func(*Gateway)

	// entry is one cache slot. The once gate makes get-or-create atomic:
	// concurrent callers for the same id share a single build.
	entry struct {
		once   sync.Once
		ready  atomic.Bool
		client model.Client
		err    error
	}
)

// WithOffline puts the gateway in demo mode: Resolve ignores assignments and
// always routes to the reserved mock profile.
func WithOffline() Option {
	return func(g *Gateway) {
		g.offline = true
	}
}

// WithRetryPolicy overrides the default backoff policy applied to Chat.
func WithRetryPolicy(p retry.Policy) Option {
	return func(g *Gateway) {
		g.policy = p
	}
}

// WithLogger configures the gateway logger. When nil, the gateway uses a noop
// logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics configures the gateway metrics recorder. When nil, the gateway
// uses a noop recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(g *Gateway) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

// New constructs a gateway over the given profile store and client factory.
// The store may be nil only in offline mode. Each call to New returns an
// isolated instance with its own cache and counters.
func New(store profile.Store, factory ClientFactory, opts ...Option) *Gateway {
	g := &Gateway{
		store:   store,
		factory: factory,
		policy:  retry.DefaultPolicy(),
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		if o != nil {
			o(g)
		}
	}
	if g.factory == nil {
		panic("gateway: client factory is required")
	}
	if g.store == nil && !g.offline {
		panic("gateway: profile store is required")
	}
	return g
}

// Resolve returns the profile id serving a pipeline role and warms its cache
// slot. In offline mode it always returns MockProfileID, ignoring
// assignments. Otherwise an unassigned role yields *UnassignedRoleError and
// an assigned but unloadable profile yields *ProfileNotFoundError.
func (g *Gateway) Resolve(ctx context.Context, role profile.Role) (string, error) {
	if g.offline {
		if _, err := g.client(ctx, MockProfileID); err != nil {
			return "", err
		}
		return MockProfileID, nil
	}
	assignments, err := g.store.Assignments(ctx)
	if err != nil {
		return "", fmt.Errorf("load role assignments: %w", err)
	}
	id := assignments[role]
	if id == "" {
		return "", &UnassignedRoleError{Role: role}
	}
	if _, err := g.client(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// Chat executes one completion against the backend bound to req.ProfileID.
// Retryable failures are absorbed up to the policy ceiling with classified
// backoff; terminal failures surface immediately. Usage counters move only
// when an attempt succeeds.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (model.Response, error) {
	client, err := g.client(ctx, req.ProfileID)
	if err != nil {
		return model.Response{}, err
	}
	mreq := model.Request{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	if req.DisableRetry {
		return g.call(ctx, client, req.ProfileID, mreq)
	}

	var resp model.Response
	cfg := retry.Config{
		Policy: g.policy,
		Retryable: func(err error) bool {
			retryable, _ := model.Classify(err)
			return retryable
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			_, kind := model.Classify(err)
			g.logger.Warn(ctx, "provider call failed, retrying",
				"profile", req.ProfileID,
				"kind", string(kind),
				"attempt", attempt+1,
				"delay", delay.String(),
				"error", err.Error(),
			)
			g.metrics.IncCounter("gateway.chat.retry", 1, "profile", req.ProfileID, "kind", string(kind))
		},
	}
	err = retry.Do(ctx, cfg, func(ctx context.Context) error {
		r, callErr := g.call(ctx, client, req.ProfileID, mreq)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return model.Response{}, err
	}
	return resp, nil
}

// Stream opens an incremental completion against the backend bound to
// req.ProfileID. There is no retry wrapper: once chunks have reached the
// caller, partial output is observable and a restart would duplicate it.
// Streamed calls do not move the usage counters; only Chat does.
func (g *Gateway) Stream(ctx context.Context, req ChatRequest) (model.Streamer, error) {
	client, err := g.client(ctx, req.ProfileID)
	if err != nil {
		return nil, err
	}
	stream, err := client.Stream(ctx, model.Request{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		g.metrics.IncCounter("gateway.stream.error", 1, "profile", req.ProfileID)
		return nil, err
	}
	g.metrics.IncCounter("gateway.stream.start", 1, "profile", req.ProfileID)
	return stream, nil
}

// Stats returns a snapshot of the usage counters and loaded cache entries.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	ids := make([]string, 0, len(g.entries))
	for id, e := range g.entries {
		if e.ready.Load() {
			ids = append(ids, id)
		}
	}
	g.mu.Unlock()
	sort.Strings(ids)
	return Stats{
		TotalRequests:    g.totalRequests.Load(),
		TotalTokens:      g.totalTokens.Load(),
		LoadedProfileIDs: ids,
	}
}

// Reset drops every cached client so the next call rebuilds from the current
// store contents. Usage counters are process-lifetime and survive the reset.
func (g *Gateway) Reset() {
	g.mu.Lock()
	g.entries = make(map[string]*entry)
	g.mu.Unlock()
}

// client returns the cached backend for id, building it on first use. The
// build runs at most once per cache slot; a failed build is evicted so a
// later call can try again.
func (g *Gateway) client(ctx context.Context, id string) (model.Client, error) {
	if id == "" {
		return nil, errors.New("profile id is required")
	}
	g.mu.Lock()
	e, ok := g.entries[id]
	if !ok {
		e = &entry{}
		g.entries[id] = e
	}
	g.mu.Unlock()

	e.once.Do(func() {
		e.client, e.err = g.build(ctx, id)
		if e.err == nil {
			e.ready.Store(true)
		}
	})
	if e.err != nil {
		g.mu.Lock()
		if cur, ok := g.entries[id]; ok && cur == e {
			delete(g.entries, id)
		}
		g.mu.Unlock()
		return nil, e.err
	}
	return e.client, nil
}

// build loads the profile definition and constructs the matching client. The
// reserved mock id synthesizes its profile instead of hitting the store.
func (g *Gateway) build(ctx context.Context, id string) (model.Client, error) {
	var prof profile.Profile
	if id == MockProfileID {
		prof = profile.Profile{
			ID:          MockProfileID,
			Name:        "Offline Mock",
			Kind:        profile.KindMock,
			Model:       "mock",
			Temperature: 0.7,
			MaxTokens:   8000,
		}
	} else {
		p, err := g.store.GetProfile(ctx, id)
		if err != nil {
			if errors.Is(err, profile.ErrNotFound) {
				return nil, &ProfileNotFoundError{ID: id}
			}
			return nil, fmt.Errorf("load profile %q: %w", id, err)
		}
		prof = p
	}
	client, err := g.factory(prof)
	if err != nil {
		return nil, fmt.Errorf("build client for profile %q: %w", id, err)
	}
	g.logger.Info(ctx, "provider client loaded",
		"profile", id, "kind", string(prof.Kind), "model", prof.Model)
	g.metrics.IncCounter("gateway.cache.load", 1, "profile", id, "kind", string(prof.Kind))
	return client, nil
}

// call performs a single completion attempt and moves the usage counters on
// success.
func (g *Gateway) call(ctx context.Context, client model.Client, id string, req model.Request) (model.Response, error) {
	start := time.Now()
	resp, err := client.Complete(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		g.metrics.IncCounter("gateway.chat.error", 1, "profile", id)
		return model.Response{}, err
	}
	g.totalRequests.Add(1)
	g.totalTokens.Add(int64(resp.Usage.TotalTokens))
	g.metrics.IncCounter("gateway.chat.success", 1, "profile", id)
	g.metrics.RecordTimer("gateway.chat.duration", elapsed, "profile", id)
	g.logger.Debug(ctx, "chat completed",
		"profile", id,
		"model", resp.Model,
		"tokens", resp.Usage.TotalTokens,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}
