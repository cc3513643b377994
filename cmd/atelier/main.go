// Command atelier runs one complete chapter session against the configured
// providers: brief, draft, review, edit, then confirm and finalize. With the
// default configuration everything stays offline on the structural mock, so
// the binary doubles as a smoke test for the wiring.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"
	"gopkg.in/yaml.v3"

	"github.com/atelier-ai/atelier/config"
	promongo "github.com/atelier-ai/atelier/features/profile/mongo"
	clientsmongo "github.com/atelier-ai/atelier/features/profile/mongo/clients/mongo"
	"github.com/atelier-ai/atelier/features/provider"
	"github.com/atelier-ai/atelier/features/provider/middleware"
	streampulse "github.com/atelier-ai/atelier/features/stream/pulse"
	clientspulse "github.com/atelier-ai/atelier/features/stream/pulse/clients/pulse"
	"github.com/atelier-ai/atelier/runtime/budget"
	"github.com/atelier-ai/atelier/runtime/gateway"
	"github.com/atelier-ai/atelier/runtime/model"
	"github.com/atelier-ai/atelier/runtime/pipeline"
	"github.com/atelier-ai/atelier/runtime/profile"
	"github.com/atelier-ai/atelier/runtime/profile/inmem"
	"github.com/atelier-ai/atelier/runtime/telemetry"
)

// demoSession bundles the flag values describing the chapter to produce.
type demoSession struct {
	ProjectID string
	ChapterID string
	Title     string
	Goal      string
	Words     int
	Feedback  string
	Watch     bool
}

func main() {
	var (
		configF   = flag.String("config", "", "Path to YAML configuration (default: built-in offline demo)")
		initF     = flag.String("init-config", "", "Write an annotated example configuration to the given path and exit")
		projectF  = flag.String("project", "demo-project", "Project id for the demo session")
		chapterF  = flag.String("chapter", "V1C1", "Chapter id for the demo session")
		titleF    = flag.String("title", "旧城区的信号", "Chapter title")
		goalF     = flag.String("goal", "主角潜入旧城区，找到灰潮会控制枢纽的入口。", "Chapter goal")
		wordsF    = flag.Int("words", 1200, "Target word count")
		feedbackF = flag.String("feedback", "", "Run one revision round with this feedback before confirming")
		watchF    = flag.Bool("watch", false, "Follow the Pulse progress stream (requires redis.addr)")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if *initF != "" {
		if err := config.WriteExample(*initF); err != nil {
			log.Fatal(ctx, err)
		}
		log.Printf(ctx, "wrote %s", *initF)
		return
	}

	cfg := config.Default()
	if *configF != "" {
		loaded, err := config.Load(*configF)
		if err != nil {
			log.Fatal(ctx, err)
		}
		cfg = loaded
	}
	log.Print(ctx, log.KV{K: "offline", V: cfg.Offline})

	session := demoSession{
		ProjectID: *projectF,
		ChapterID: *chapterF,
		Title:     *titleF,
		Goal:      *goalF,
		Words:     *wordsF,
		Feedback:  *feedbackF,
		Watch:     *watchF,
	}
	if err := run(ctx, cfg, session); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, cfg config.Config, session demoSession) error {
	logger := telemetry.NewClueLogger()

	// Cancel the run on SIGINT/SIGTERM; the controller aborts between steps.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-c:
			log.Printf(ctx, "interrupt (%v), cancelling run", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// 1) Profile store: durable when Mongo is configured, in-memory otherwise.
	store, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// 2) Progress sink and shared rate-limit map: both ride the same Redis
	//    connection when one is configured.
	var (
		sink    pipeline.Sink = pipeline.NewLogSink(logger)
		streams *streampulse.ProgressStreams
		tpmMap  *rmap.Map
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer rdb.Close()
		pulseClient, err := clientspulse.New(clientspulse.Options{
			Redis:            rdb,
			StreamMaxLen:     1000,
			OperationTimeout: 5 * time.Second,
		})
		if err != nil {
			return err
		}
		streams, err = streampulse.NewProgressStreams(streampulse.ProgressStreamsOptions{Client: pulseClient})
		if err != nil {
			return err
		}
		defer streams.Close(context.Background())
		sink = streams.Sink()

		if m, err := rmap.Join(ctx, "atelier:tpm", rdb); err == nil {
			tpmMap = m
		} else {
			log.Errorf(ctx, err, "rate limit map unavailable, using local limiter")
		}
	}

	// 3) Gateway: provider clients built on demand from profiles, shared
	//    retry policy, adaptive rate limiting between gateway and adapters.
	limiter := middleware.NewAdaptiveRateLimiter(ctx, tpmMap, "tpm", 60000, 240000)
	factory := provider.Factory(provider.WithMiddleware(limiter.Middleware()))
	gwOpts := []gateway.Option{
		gateway.WithRetryPolicy(cfg.RetryPolicy()),
		gateway.WithLogger(logger),
		gateway.WithMetrics(telemetry.NewClueMetrics()),
	}
	if cfg.Offline {
		gwOpts = append(gwOpts, gateway.WithOffline())
	}
	gw := gateway.New(store, factory, gwOpts...)

	// 4) Controller: four role agents drive their prompts through the
	//    gateway; the writer and editor persist drafts for later rounds.
	//    Draft text embedded in prompts is clipped to the current_draft
	//    allocation.
	drafts := newMemoryDrafts()
	budgeter := cfg.Budgeter()
	newAgent := func(role profile.Role) *roleAgent {
		return &roleAgent{role: role, gw: gw, drafts: drafts, budget: budgeter}
	}
	agents := pipeline.Agents{
		Archivist: newAgent(profile.RoleArchivist),
		Writer:    newAgent(profile.RoleWriter),
		Reviewer:  newAgent(profile.RoleReviewer),
		Editor:    newAgent(profile.RoleEditor),
	}
	ctrl, err := pipeline.New(agents,
		pipeline.WithSink(sink),
		pipeline.WithMaxIterations(cfg.MaxIterations),
		pipeline.WithDraftStore(drafts),
		pipeline.WithAnalyst(&analyst{gw: gw}),
		pipeline.WithCanonSink(&logCanon{logger: logger}),
		pipeline.WithLogger(logger),
		pipeline.WithTracer(telemetry.NewClueTracer()),
	)
	if err != nil {
		return err
	}

	// 5) Optionally follow the Pulse stream from a second consumer group, the
	//    way a UI would.
	if session.Watch {
		if streams == nil {
			return fmt.Errorf("-watch requires redis.addr in the configuration")
		}
		sub, err := streams.NewSubscriber(streampulse.SubscriberOptions{SinkName: "atelier_watch"})
		if err != nil {
			return err
		}
		notes, errs, stop, err := sub.Subscribe(ctx, "project/"+session.ProjectID)
		if err != nil {
			return err
		}
		defer stop()
		go func() {
			for n := range notes {
				log.Print(ctx, log.KV{K: "watch", V: string(n.Status)}, log.KV{K: "msg", V: n.Message})
			}
			if err, ok := <-errs; ok && err != nil {
				log.Errorf(ctx, err, "watch stream")
			}
		}()
	}

	// 6) One full session: generate, optionally revise, confirm as final.
	res, err := ctrl.Start(ctx, pipeline.StartRequest{
		ProjectID: session.ProjectID,
		ChapterID: session.ChapterID,
		Meta: pipeline.ChapterMeta{
			Title:           session.Title,
			Goal:            session.Goal,
			TargetWordCount: session.Words,
		},
	})
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "run", V: res.RunID}, log.KV{K: "version", V: res.Version})
	printSection("brief", res.Brief)
	printSection("draft "+res.Version, res.Draft)
	printSection("review", res.Review)
	for _, p := range res.Proposals {
		log.Print(ctx, log.KV{K: "proposal", V: p.Name}, log.KV{K: "type", V: p.Type})
	}

	if session.Feedback != "" {
		res, err = ctrl.Feedback(ctx, pipeline.FeedbackRequest{
			ProjectID: session.ProjectID,
			ChapterID: session.ChapterID,
			Text:      session.Feedback,
		})
		if err != nil {
			return err
		}
		log.Print(ctx, log.KV{K: "iteration", V: res.Iteration}, log.KV{K: "version", V: res.Version})
		printSection("draft "+res.Version, res.Draft)
	}

	final, err := ctrl.Feedback(ctx, pipeline.FeedbackRequest{
		ProjectID: session.ProjectID,
		ChapterID: session.ChapterID,
		Action:    pipeline.ActionConfirm,
	})
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "status", V: string(final.Status)}, log.KV{K: "final_version", V: final.Version})

	stats := gw.Stats()
	log.Print(ctx,
		log.KV{K: "requests", V: stats.TotalRequests},
		log.KV{K: "tokens", V: stats.TotalTokens},
		log.KV{K: "profiles", V: strings.Join(stats.LoadedProfileIDs, ",")},
	)
	return nil
}

// buildStore selects and seeds the profile store. The returned cleanup is
// always safe to call.
func buildStore(ctx context.Context, cfg config.Config) (profile.Store, func(), error) {
	if cfg.Mongo.URI == "" {
		s := inmem.New()
		if err := s.Seed(ctx, cfg.SeedProfiles(), cfg.SeedAssignments()); err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}

	mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	cleanup := func() {
		if err := mc.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}
	client, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: cfg.Mongo.Database})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if err := client.Ping(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	store, err := promongo.NewStore(client)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if err := store.Seed(ctx, cfg.SeedProfiles(), cfg.SeedAssignments()); err != nil {
		cleanup()
		return nil, nil, err
	}
	return store, cleanup, nil
}

// roleAgent drives one pipeline role through the gateway. The writer and
// editor persist their drafts so feedback rounds and finalize can reload
// them later.
type roleAgent struct {
	role   profile.Role
	gw     *gateway.Gateway
	drafts *memoryDrafts
	budget *budget.Budgeter
}

func (a *roleAgent) Execute(ctx context.Context, task pipeline.Task) (pipeline.Result, error) {
	id, err := a.gw.Resolve(ctx, a.role)
	if err != nil {
		return pipeline.Result{}, err
	}
	resp, err := a.gw.Chat(ctx, gateway.ChatRequest{ProfileID: id, Messages: a.messages(ctx, task)})
	if err != nil {
		return pipeline.Result{}, err
	}
	return a.record(ctx, task, resp.Content)
}

func (a *roleAgent) messages(ctx context.Context, task pipeline.Task) []model.Message {
	switch a.role {
	case profile.RoleArchivist:
		return []model.Message{
			model.System("你是资料员，负责整理本章的写作简报。"),
			model.User(fmt.Sprintf("章节《%s》，目标：%s。请列出场景、出场人物与核心冲突。",
				task.Meta.Title, task.Meta.Goal)),
		}
	case profile.RoleWriter:
		return []model.Message{
			model.System("你是执笔者，按照简报完成章节草稿。"),
			model.User(fmt.Sprintf("简报：%s\n目标字数：%d。", task.Brief, task.Meta.TargetWordCount)),
		}
	case profile.RoleReviewer:
		return []model.Message{
			model.System("你是审稿人，指出草稿的问题与改进方向。"),
			model.User(fmt.Sprintf("请评审 %s 版草稿：\n%s", task.DraftVersion, a.latestContent(ctx, task))),
		}
	default:
		var b strings.Builder
		fmt.Fprintf(&b, "审稿意见：%s\n", task.ReviewNotes)
		if task.Feedback != "" {
			fmt.Fprintf(&b, "用户要求：%s\n", task.Feedback)
		}
		if len(task.RejectedItems) > 0 {
			fmt.Fprintf(&b, "不要引入以下设定：%s\n", strings.Join(task.RejectedItems, "、"))
		}
		b.WriteString("请修订草稿：\n")
		b.WriteString(a.latestContent(ctx, task))
		return []model.Message{
			model.System("你是修订编辑，结合意见改写草稿。"),
			model.User(b.String()),
		}
	}
}

func (a *roleAgent) latestContent(ctx context.Context, task pipeline.Task) string {
	draft, err := a.drafts.LatestDraft(ctx, task.ProjectID, task.ChapterID)
	if err != nil {
		return ""
	}
	return clipDraft(a.budget, draft.Content)
}

// clipDraft cuts the tail of a draft that overruns the current_draft token
// allocation. EstimateUsage counts two runes per token, so the kept prefix is
// twice the budget. Zero allocations leave the text untouched.
func clipDraft(b *budget.Budgeter, text string) string {
	if b == nil || b.Fits(text, budget.CategoryCurrentDraft) {
		return text
	}
	keep := 2 * b.Budget(budget.CategoryCurrentDraft)
	if keep <= 0 {
		return text
	}
	r := []rune(text)
	if len(r) <= keep {
		return text
	}
	return string(r[:keep]) + "…"
}

func (a *roleAgent) record(ctx context.Context, task pipeline.Task, content string) (pipeline.Result, error) {
	switch a.role {
	case profile.RoleArchivist:
		return pipeline.Result{Success: true, Brief: content}, nil
	case profile.RoleWriter:
		draft := pipeline.Draft{Version: "v1", Content: content}
		if err := a.drafts.SaveDraft(ctx, task.ProjectID, task.ChapterID, draft); err != nil {
			return pipeline.Result{}, err
		}
		return pipeline.Result{Success: true, Draft: draft.Content, Version: draft.Version}, nil
	case profile.RoleReviewer:
		return pipeline.Result{Success: true, Review: content}, nil
	default:
		draft := pipeline.Draft{Version: bumpVersion(task.DraftVersion), Content: content}
		if err := a.drafts.SaveDraft(ctx, task.ProjectID, task.ChapterID, draft); err != nil {
			return pipeline.Result{}, err
		}
		return pipeline.Result{Success: true, Draft: draft.Content, Version: draft.Version}, nil
	}
}

// analyst drives the post-chapter analysis prompts through the gateway. The
// archivist profile serves all three calls.
type analyst struct {
	gw *gateway.Gateway
}

func (a *analyst) chat(ctx context.Context, prompt string) (string, error) {
	id, err := a.gw.Resolve(ctx, profile.RoleArchivist)
	if err != nil {
		return "", err
	}
	resp, err := a.gw.Chat(ctx, gateway.ChatRequest{
		ProfileID: id,
		Messages:  []model.Message{model.User(prompt)},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (a *analyst) SummarizeChapter(ctx context.Context, projectID, chapterID, draft string) (string, error) {
	return a.chat(ctx, "请以 YAML 输出本章总结，字段包括 key_events、new_facts、brief_summary：\n"+draft)
}

func (a *analyst) ExtractCanon(ctx context.Context, projectID, chapterID, draft string) ([]byte, error) {
	out, err := a.chat(ctx, "请以 YAML 输出正史更新，字段包括 facts:、timeline_events、character_states：\n"+draft)
	if err != nil {
		return nil, err
	}
	return yamlToJSON(out)
}

func (a *analyst) DetectProposals(ctx context.Context, projectID, draft string) ([]pipeline.Proposal, error) {
	out, err := a.chat(ctx, "请以 JSON 输出值得新建的 character 设定卡，字段包括 name、type、description：\n"+draft)
	if err != nil {
		return nil, err
	}
	var card struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(out), &card); err != nil {
		return nil, fmt.Errorf("parse card proposal: %w", err)
	}
	if card.Name == "" {
		return nil, nil
	}
	return []pipeline.Proposal{{
		Name:        card.Name,
		Type:        card.Type,
		Description: card.Description,
		SourceText:  excerpt(draft),
		Confidence:  0.8,
	}}, nil
}

// logCanon records applied canon updates in the log; the demo has no canon
// database behind it.
type logCanon struct {
	logger telemetry.Logger
}

func (s *logCanon) Apply(ctx context.Context, projectID string, updates pipeline.CanonUpdates) error {
	s.logger.Info(ctx, "canon updates applied",
		"project", projectID,
		"facts", len(updates.Facts),
		"timeline_events", len(updates.TimelineEvents),
		"character_states", len(updates.CharacterStates))
	return nil
}

// memoryDrafts keeps drafts for the lifetime of the process. The demo needs
// the latest-version read and final persistence, nothing durable.
type memoryDrafts struct {
	mu     sync.Mutex
	latest map[string]pipeline.Draft
	finals map[string]string
}

func newMemoryDrafts() *memoryDrafts {
	return &memoryDrafts{
		latest: make(map[string]pipeline.Draft),
		finals: make(map[string]string),
	}
}

func (d *memoryDrafts) SaveDraft(_ context.Context, projectID, chapterID string, draft pipeline.Draft) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latest[projectID+"/"+chapterID] = draft
	return nil
}

func (d *memoryDrafts) LatestDraft(_ context.Context, projectID, chapterID string) (pipeline.Draft, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	draft, ok := d.latest[projectID+"/"+chapterID]
	if !ok {
		return pipeline.Draft{}, pipeline.ErrNoDraft
	}
	return draft, nil
}

func (d *memoryDrafts) SaveFinal(_ context.Context, projectID, chapterID, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finals[projectID+"/"+chapterID] = content
	return nil
}

// yamlToJSON re-encodes a YAML document as JSON so it can be validated
// against the canon schema.
func yamlToJSON(raw string) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("parse canon yaml: %w", err)
	}
	return json.Marshal(doc)
}

// bumpVersion turns "v1" into "v2"; unrecognized names restart at "v2".
func bumpVersion(version string) string {
	n := 0
	if _, err := fmt.Sscanf(version, "v%d", &n); err != nil || n < 1 {
		n = 1
	}
	return fmt.Sprintf("v%d", n+1)
}

// excerpt truncates text for console output without splitting runes.
func excerpt(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= 160 {
		return string(r)
	}
	return string(r[:160]) + "…"
}

func printSection(name, body string) {
	fmt.Printf("--- %s ---\n%s\n", name, excerpt(body))
}
