// Package pipeline coordinates the multi-role writing loop: the archivist
// briefs, the writer drafts, the reviewer critiques, the editor revises, and
// the user steers further rounds with feedback until the chapter is
// confirmed and finalized.
//
// A Controller holds exactly one session at a time and drives it through a
// fixed status sequence. Every transition is reported to the configured Sink
// before the corresponding step runs, so observers see what is about to
// happen. Cancel is cooperative: it resets the visible state immediately and
// the in-flight run is discarded at its next transition rather than aborted
// mid-call.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/atelier-ai/atelier/runtime/profile"
	"github.com/atelier-ai/atelier/runtime/telemetry"
)

// DefaultMaxIterations bounds feedback revision rounds per chapter.
const DefaultMaxIterations = 5

// firstVersion is the draft version assumed when no store has one yet.
const firstVersion = "v1"

type (
	// Controller runs writing sessions. One controller serves one session at
	// a time; concurrent sessions need separate controllers sharing the same
	// gateway and agents.
	Controller struct {
		agents  Agents
		sink    Sink
		drafts  DraftStore
		analyst Analyst
		canon   CanonSink
		logger  telemetry.Logger
		tracer  telemetry.Tracer

		maxIterations int

		// runMu serializes session operations. Callers that lose the race
		// get ErrSessionActive instead of queueing.
		runMu sync.Mutex

		mu         sync.Mutex
		status     Status
		projectID  string
		chapterID  string
		iteration  int
		generation uint64
	}

	// Option configures a Controller.
	Option func(*Controller)

	// StartRequest begins a fresh session for one chapter.
	StartRequest struct {
		ProjectID string
		ChapterID string
		Meta      ChapterMeta
	}

	// Action selects how user feedback is applied.
	Action string

	// FeedbackRequest carries one round of user feedback on the current
	// draft.
	FeedbackRequest struct {
		ProjectID string
		ChapterID string
		// Text is the user's feedback, threaded into the editing step.
		Text string
		// Action defaults to ActionRevise when empty.
		Action Action
		// RejectedItems names card proposals the user declined.
		RejectedItems []string
	}

	// RunResult is the outcome of a completed Start or Feedback call.
	RunResult struct {
		RunID     string
		Status    Status
		Iteration int
		Brief     string
		Draft     string
		Version   string
		Review    string
		Proposals []Proposal
	}

	// Snapshot is a point-in-time view of the session.
	Snapshot struct {
		Status        Status
		ProjectID     string
		ChapterID     string
		Iteration     int
		MaxIterations int
	}
)

const (
	// ActionRevise runs another review and edit round with the feedback.
	ActionRevise Action = "revise"
	// ActionConfirm accepts the current draft and finalizes the chapter.
	ActionConfirm Action = "confirm"
)

// New creates a session controller. Every role in agents must be populated;
// all other collaborators are optional.
func New(agents Agents, opts ...Option) (*Controller, error) {
	if err := agents.validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		agents:        agents,
		sink:          SinkFunc(func(context.Context, Notification) error { return nil }),
		logger:        telemetry.NewNoopLogger(),
		tracer:        telemetry.NewNoopTracer(),
		maxIterations: DefaultMaxIterations,
		status:        StatusIdle,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c, nil
}

// WithSink registers the progress notification sink. When nil, transitions
// are not reported.
func WithSink(s Sink) Option {
	return func(c *Controller) {
		if s != nil {
			c.sink = s
		}
	}
}

// WithMaxIterations overrides the revision round limit.
func WithMaxIterations(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithDraftStore registers the draft persistence collaborator. Without one
// the controller skips draft loading and final persistence.
func WithDraftStore(s DraftStore) Option {
	return func(c *Controller) { c.drafts = s }
}

// WithAnalyst registers the post-chapter analysis collaborator. Without one
// finalize skips summary, canon extraction, and proposal detection.
func WithAnalyst(a Analyst) Option {
	return func(c *Controller) { c.analyst = a }
}

// WithCanonSink registers the canon update target. Without one extracted
// canon documents are validated and dropped.
func WithCanonSink(s CanonSink) Option {
	return func(c *Controller) { c.canon = s }
}

// WithLogger sets the logger. When nil, the controller uses a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer sets the tracer. When nil, the controller uses a noop tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(c *Controller) {
		if t != nil {
			c.tracer = t
		}
	}
}

// Start runs the full generation sequence for a chapter: brief, draft,
// review, edit. On success the session parks in StatusWaitingFeedback with
// the revised draft and any detected card proposals. The iteration count is
// reset to zero.
//
// A second session operation while one is running fails immediately with
// ErrSessionActive.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*RunResult, error) {
	if req.ProjectID == "" || req.ChapterID == "" {
		return nil, fmt.Errorf("pipeline: project and chapter ids are required")
	}
	if !c.runMu.TryLock() {
		return nil, ErrSessionActive
	}
	defer c.runMu.Unlock()

	runID := uuid.NewString()
	c.mu.Lock()
	c.projectID = req.ProjectID
	c.chapterID = req.ChapterID
	c.iteration = 0
	gen := c.generation
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "pipeline.start")
	defer span.End()
	c.logger.Info(ctx, "session started",
		"run", runID, "project", req.ProjectID, "chapter", req.ChapterID)

	base := Task{ProjectID: req.ProjectID, ChapterID: req.ChapterID}

	if err := c.transition(ctx, gen, StatusGeneratingBrief, "Archivist is organizing the source material..."); err != nil {
		return nil, err
	}
	task := base
	task.Meta = req.Meta
	res, err := c.runStep(ctx, gen, profile.RoleArchivist, c.agents.Archivist, task)
	if err != nil {
		return nil, err
	}
	brief := res.Brief

	if err := c.transition(ctx, gen, StatusWritingDraft, "Writer is drafting the chapter..."); err != nil {
		return nil, err
	}
	task = base
	task.Meta = req.Meta
	task.Brief = brief
	res, err = c.runStep(ctx, gen, profile.RoleWriter, c.agents.Writer, task)
	if err != nil {
		return nil, err
	}
	draft := res.Draft
	version := res.Version
	if version == "" {
		version = firstVersion
	}

	if err := c.transition(ctx, gen, StatusReviewing, "Reviewer is evaluating the draft..."); err != nil {
		return nil, err
	}
	task = base
	task.DraftVersion = version
	res, err = c.runStep(ctx, gen, profile.RoleReviewer, c.agents.Reviewer, task)
	if err != nil {
		return nil, err
	}
	review := res.Review

	if err := c.transition(ctx, gen, StatusEditing, "Editor is revising the draft..."); err != nil {
		return nil, err
	}
	task = base
	task.DraftVersion = version
	task.ReviewNotes = review
	res, err = c.runStep(ctx, gen, profile.RoleEditor, c.agents.Editor, task)
	if err != nil {
		return nil, err
	}
	if res.Draft != "" {
		draft = res.Draft
	}
	if res.Version != "" {
		version = res.Version
	}

	if err := c.transition(ctx, gen, StatusWaitingFeedback, "Waiting for user feedback..."); err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "session waiting for feedback", "run", runID, "version", version)

	return &RunResult{
		RunID:     runID,
		Status:    StatusWaitingFeedback,
		Brief:     brief,
		Draft:     draft,
		Version:   version,
		Review:    review,
		Proposals: c.detectProposals(ctx, req.ProjectID, draft),
	}, nil
}

// Feedback applies one round of user feedback. ActionConfirm finalizes the
// chapter; ActionRevise (the default) runs another review and edit pass with
// the feedback and rejected proposals threaded into the editing step.
//
// A revise that would push the iteration count past the limit fails with
// ErrMaxIterations and leaves the session exactly as it was.
func (c *Controller) Feedback(ctx context.Context, req FeedbackRequest) (*RunResult, error) {
	if req.ProjectID == "" || req.ChapterID == "" {
		return nil, fmt.Errorf("pipeline: project and chapter ids are required")
	}
	if !c.runMu.TryLock() {
		return nil, ErrSessionActive
	}
	defer c.runMu.Unlock()

	runID := uuid.NewString()
	if req.Action == ActionConfirm {
		c.mu.Lock()
		c.projectID = req.ProjectID
		c.chapterID = req.ChapterID
		gen := c.generation
		c.mu.Unlock()
		return c.finalize(ctx, gen, runID, req.ProjectID, req.ChapterID)
	}

	c.mu.Lock()
	next := c.iteration + 1
	if next > c.maxIterations {
		c.mu.Unlock()
		return nil, ErrMaxIterations
	}
	c.iteration = next
	c.projectID = req.ProjectID
	c.chapterID = req.ChapterID
	gen := c.generation
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "pipeline.feedback")
	defer span.End()
	c.logger.Info(ctx, "feedback round started",
		"run", runID, "project", req.ProjectID, "chapter", req.ChapterID, "iteration", next)

	version := firstVersion
	if c.drafts != nil {
		draft, err := c.drafts.LatestDraft(ctx, req.ProjectID, req.ChapterID)
		switch {
		case errors.Is(err, ErrNoDraft):
		case err != nil:
			return nil, c.failWith(ctx, gen, fmt.Errorf("load latest draft: %w", err))
		default:
			version = draft.Version
		}
	}

	base := Task{ProjectID: req.ProjectID, ChapterID: req.ChapterID, Iteration: next}

	if err := c.transition(ctx, gen, StatusReviewing, "Reviewer is re-evaluating with the user feedback..."); err != nil {
		return nil, err
	}
	task := base
	task.DraftVersion = version
	res, err := c.runStep(ctx, gen, profile.RoleReviewer, c.agents.Reviewer, task)
	if err != nil {
		return nil, err
	}
	review := res.Review

	if err := c.transition(ctx, gen, StatusEditing, "Editor is revising from the user feedback..."); err != nil {
		return nil, err
	}
	task = base
	task.DraftVersion = version
	task.ReviewNotes = review
	task.Feedback = req.Text
	task.RejectedItems = req.RejectedItems
	res, err = c.runStep(ctx, gen, profile.RoleEditor, c.agents.Editor, task)
	if err != nil {
		return nil, err
	}
	draft := res.Draft
	if res.Version != "" {
		version = res.Version
	}

	if err := c.transition(ctx, gen, StatusWaitingFeedback, "Waiting for user feedback..."); err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "revision round complete", "run", runID, "iteration", next, "version", version)

	return &RunResult{
		RunID:     runID,
		Status:    StatusWaitingFeedback,
		Iteration: next,
		Draft:     draft,
		Version:   version,
		Review:    review,
		Proposals: c.detectProposals(ctx, req.ProjectID, draft),
	}, nil
}

// Cancel resets the session to idle and emits an idle notification. It never
// waits for an in-flight run: a step already executing continues, but its
// result is discarded when it tries to advance.
func (c *Controller) Cancel(ctx context.Context) {
	c.mu.Lock()
	n := Notification{
		Status:    StatusIdle,
		Message:   "Session cancelled",
		ProjectID: c.projectID,
		ChapterID: c.chapterID,
	}
	c.generation++
	c.status = StatusIdle
	c.projectID = ""
	c.chapterID = ""
	c.iteration = 0
	c.mu.Unlock()

	c.logger.Info(ctx, "session cancelled", "project", n.ProjectID, "chapter", n.ChapterID)
	if err := c.sink.Notify(ctx, n); err != nil {
		c.logger.Warn(ctx, "cancel notification failed", "error", err)
	}
}

// Status returns a snapshot of the session state.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Status:        c.status,
		ProjectID:     c.projectID,
		ChapterID:     c.chapterID,
		Iteration:     c.iteration,
		MaxIterations: c.maxIterations,
	}
}

// Analyze reruns the downstream analysis for a chapter that already has a
// draft, without generating anything. The session briefly reports
// StatusGeneratingBrief while the analysis runs, then returns to idle.
func (c *Controller) Analyze(ctx context.Context, projectID, chapterID string) error {
	if projectID == "" || chapterID == "" {
		return fmt.Errorf("pipeline: project and chapter ids are required")
	}
	if !c.runMu.TryLock() {
		return ErrSessionActive
	}
	defer c.runMu.Unlock()

	if c.drafts == nil {
		return fmt.Errorf("pipeline: no draft store configured")
	}
	draft, err := c.drafts.LatestDraft(ctx, projectID, chapterID)
	if err != nil {
		return fmt.Errorf("load latest draft: %w", err)
	}

	c.mu.Lock()
	c.projectID = projectID
	c.chapterID = chapterID
	gen := c.generation
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "pipeline.analyze")
	defer span.End()

	if err := c.transition(ctx, gen, StatusGeneratingBrief, "Organizing chapter notes..."); err != nil {
		return err
	}
	c.analyzeContent(ctx, projectID, chapterID, draft.Content)
	return c.transition(ctx, gen, StatusIdle, "Analysis complete")
}

// finalize persists the latest draft as final, runs the downstream analysis,
// and completes the session. Without a draft store only the status moves.
func (c *Controller) finalize(ctx context.Context, gen uint64, runID, projectID, chapterID string) (*RunResult, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.finalize")
	defer span.End()

	c.mu.Lock()
	iteration := c.iteration
	c.mu.Unlock()

	if c.drafts == nil {
		if err := c.transition(ctx, gen, StatusCompleted, "Chapter finalized"); err != nil {
			return nil, err
		}
		c.logger.Info(ctx, "chapter finalized", "run", runID, "project", projectID, "chapter", chapterID)
		return &RunResult{RunID: runID, Status: StatusCompleted, Iteration: iteration}, nil
	}

	draft, err := c.drafts.LatestDraft(ctx, projectID, chapterID)
	if err != nil {
		return nil, c.failWith(ctx, gen, fmt.Errorf("no draft found to finalize: %w", err))
	}
	if err := c.drafts.SaveFinal(ctx, projectID, chapterID, draft.Content); err != nil {
		return nil, c.failWith(ctx, gen, fmt.Errorf("save final draft: %w", err))
	}
	c.analyzeContent(ctx, projectID, chapterID, draft.Content)

	if err := c.transition(ctx, gen, StatusCompleted, "Chapter finalized"); err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "chapter finalized",
		"run", runID, "project", projectID, "chapter", chapterID, "version", draft.Version)
	return &RunResult{
		RunID:     runID,
		Status:    StatusCompleted,
		Iteration: iteration,
		Draft:     draft.Content,
		Version:   draft.Version,
	}, nil
}

// runStep executes one role agent and enforces the uniform success contract:
// a transport error or a success=false result both end the run in
// StatusError.
func (c *Controller) runStep(ctx context.Context, gen uint64, role profile.Role, agent Agent, task Task) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline."+string(role))
	defer span.End()

	res, err := agent.Execute(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, c.failWith(ctx, gen, &RoleError{Role: role, Err: err})
	}
	if !res.Success {
		rerr := &RoleError{Role: role, Message: res.Message}
		span.RecordError(rerr)
		span.SetStatus(codes.Error, rerr.Error())
		return Result{}, c.failWith(ctx, gen, rerr)
	}
	return res, nil
}

// transition advances the session status and reports it before the step
// runs. A generation mismatch means Cancel won the race and the run is
// abandoned with ErrCancelled. Sink failures are logged, never escalated.
func (c *Controller) transition(ctx context.Context, gen uint64, status Status, message string) error {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return ErrCancelled
	}
	c.status = status
	n := Notification{
		Status:    status,
		Message:   message,
		ProjectID: c.projectID,
		ChapterID: c.chapterID,
		Iteration: c.iteration,
	}
	c.mu.Unlock()

	c.logger.Debug(ctx, "session status", "status", string(status), "message", message)
	if err := c.sink.Notify(ctx, n); err != nil {
		c.logger.Warn(ctx, "progress notification failed", "status", string(status), "error", err)
	}
	return nil
}

// failWith moves the session to StatusError and reports cause through the
// sink, then returns cause. When Cancel already reset the session, the cause
// is discarded and ErrCancelled is returned instead.
func (c *Controller) failWith(ctx context.Context, gen uint64, cause error) error {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return ErrCancelled
	}
	c.status = StatusError
	n := Notification{
		Status:    StatusError,
		Message:   cause.Error(),
		ProjectID: c.projectID,
		ChapterID: c.chapterID,
		Iteration: c.iteration,
	}
	c.mu.Unlock()

	c.logger.Error(ctx, "session step failed", "error", cause)
	if err := c.sink.Notify(ctx, n); err != nil {
		c.logger.Warn(ctx, "error notification failed", "error", err)
	}
	return cause
}

// detectProposals asks the analyst for new setting cards in the draft.
// Detection failures never fail the round; the result just has no proposals.
func (c *Controller) detectProposals(ctx context.Context, projectID, draft string) []Proposal {
	if c.analyst == nil || draft == "" {
		return nil
	}
	proposals, err := c.analyst.DetectProposals(ctx, projectID, draft)
	if err != nil {
		c.logger.Warn(ctx, "proposal detection failed", "project", projectID, "error", err)
		return nil
	}
	return proposals
}

// analyzeContent runs the post-chapter analysis: summary, canon extraction,
// canon apply. Analysis is best effort; each failure is logged and the rest
// of the sequence continues where it can.
func (c *Controller) analyzeContent(ctx context.Context, projectID, chapterID, content string) {
	if c.analyst == nil {
		return
	}
	if _, err := c.analyst.SummarizeChapter(ctx, projectID, chapterID, content); err != nil {
		c.logger.Warn(ctx, "chapter summary failed",
			"project", projectID, "chapter", chapterID, "error", err)
	}
	raw, err := c.analyst.ExtractCanon(ctx, projectID, chapterID, content)
	if err != nil {
		c.logger.Warn(ctx, "canon extraction failed",
			"project", projectID, "chapter", chapterID, "error", err)
		return
	}
	updates, err := decodeCanonUpdates(raw)
	if err != nil {
		c.logger.Warn(ctx, "canon document rejected",
			"project", projectID, "chapter", chapterID, "error", err)
		return
	}
	if c.canon == nil || updates.Empty() {
		return
	}
	if err := c.canon.Apply(ctx, projectID, updates); err != nil {
		c.logger.Warn(ctx, "canon apply failed", "project", projectID, "error", err)
	}
}
