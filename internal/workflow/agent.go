// Package workflow drives one campaign through analysis, strategy, discovery, drafting and
// approval. Each campaign is served by one Agent that owns its session, its record slice, its
// retry executor and its deadline timers.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"

	"github.com/ashureev/outreach/internal/domain"
	"github.com/ashureev/outreach/internal/healing"
	"github.com/ashureev/outreach/internal/merge"
	"github.com/ashureev/outreach/internal/notify"
	"github.com/ashureev/outreach/internal/store"
)

const persistTimeout = 5 * time.Second

// Config holds the per-campaign timing knobs.
type Config struct {
	// DiscoveryBudget bounds prospect search in wall-clock time.
	DiscoveryBudget time.Duration
	// TemplateDeadline and ApprovalDeadline bound the two pauses.
	TemplateDeadline time.Duration
	ApprovalDeadline time.Duration
	// AutoContinue applies the default decision when a pause deadline passes. When false the
	// campaign times out instead.
	AutoContinue bool
	// PacingInterval separates drafts during bulk generation. Zero disables pacing.
	PacingInterval time.Duration
	// MaxRetries overrides the stage policies when positive.
	MaxRetries int
	// SampleCandidates is how many records are tried for the sample draft.
	SampleCandidates int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DiscoveryBudget:  5 * time.Minute,
		TemplateDeadline: 2 * time.Minute,
		ApprovalDeadline: 2 * time.Minute,
		AutoContinue:     true,
		PacingInterval:   2 * time.Second,
		SampleCandidates: 3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DiscoveryBudget <= 0 {
		c.DiscoveryBudget = def.DiscoveryBudget
	}
	if c.TemplateDeadline <= 0 {
		c.TemplateDeadline = def.TemplateDeadline
	}
	if c.ApprovalDeadline <= 0 {
		c.ApprovalDeadline = def.ApprovalDeadline
	}
	if c.SampleCandidates <= 0 {
		c.SampleCandidates = def.SampleCandidates
	}
	if c.PacingInterval < 0 {
		c.PacingInterval = 0
	}
	return c
}

// Deps are the collaborators of an Agent.
type Deps struct {
	Repo      store.Repository
	Records   *merge.Set
	Gateway   notify.Gateway
	Analysis  AnalysisService
	Strategy  StrategyService
	Discovery DiscoveryService
	Drafts    DraftService
	Policies  healing.PolicyProvider
	Diagnoser healing.Diagnoser
	Logger    *slog.Logger
	Clock     func() time.Time
	// Sleep replaces the retry backoff wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Status is a point-in-time view of a campaign.
type Status struct {
	Key     domain.TenantKey        `json:"key"`
	Session *domain.WorkflowSession `json:"session,omitempty"`
	Records int                     `json:"records"`
	Running bool                    `json:"running"`
	Healing healing.Stats           `json:"healing"`
}

// Agent runs the workflow of one campaign.
type Agent struct {
	key     domain.TenantKey
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	now     func() time.Time
	exec    *healing.Executor
	records *merge.Set
	timers  *Timers

	// strategy is the value later stages use; the background generator replaces it.
	strategy atomic.Pointer[domain.Strategy]

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	session  *domain.WorkflowSession
	loaded   bool
	running  bool
	closed   bool
	lastUsed time.Time
}

// New creates an Agent for key. It performs no I/O; state is loaded on first use.
func New(key domain.TenantKey, deps Deps, cfg Config) *Agent {
	if deps.Gateway == nil {
		deps.Gateway = notify.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user_id", key.UserID, "campaign_id", key.CampaignID)

	records := deps.Records
	if records == nil {
		records = merge.NewStore(deps.Repo, merge.WithClock(deps.Clock)).Slice(key)
	}

	a := &Agent{
		key:     key,
		cfg:     cfg.withDefaults(),
		deps:    deps,
		logger:  logger,
		now:     deps.Clock,
		records: records,
		timers:  NewTimers(),
	}
	a.life, a.cancel = context.WithCancel(context.Background())
	a.lastUsed = a.now()

	opts := []healing.Option{
		healing.WithRecorder(attemptRecorder{a: a}),
		healing.WithLogger(logger),
		healing.WithValidator(StepWebsiteAnalysis, ValidateAnalysis),
		healing.WithValidator(StepStrategyGeneration, ValidateStrategy),
		healing.WithValidator(StepProspectSearch, ValidateProspects),
		healing.WithValidator(StepEmailGeneration, ValidateDraft),
	}
	if deps.Policies != nil {
		opts = append(opts, healing.WithPolicies(deps.Policies))
	}
	if deps.Diagnoser != nil {
		opts = append(opts, healing.WithDiagnoser(deps.Diagnoser))
	}
	if deps.Sleep != nil {
		opts = append(opts, healing.WithSleep(deps.Sleep))
	}
	a.exec = healing.New(opts...)
	return a
}

// Key returns the campaign the agent serves.
func (a *Agent) Key() domain.TenantKey {
	return a.key
}

// Start creates the campaign's session and begins analysis.
func (a *Agent) Start(ctx context.Context, req domain.StartRequest) error {
	req.TargetURL = strings.TrimSpace(req.TargetURL)
	if req.TargetURL == "" {
		return fmt.Errorf("start campaign: target url is required: %w", errdefs.ErrInvalidArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enterLocked(ctx); err != nil {
		return err
	}
	if a.session != nil {
		return ErrAlreadyRunning
	}

	now := a.now()
	snap := domain.Snapshot{Request: req}
	if req.Template != nil {
		t := *req.Template
		t.Source = domain.TemplateSourceCaller
		if t.ID == "" {
			t.ID = "custom"
		}
		snap.Request.Template = &t
		tc := t
		snap.Template = &tc
	}
	session := &domain.WorkflowSession{
		ID:           uuid.NewString(),
		Key:          a.key,
		Stage:        domain.StageAnalyzing,
		StartedAt:    now,
		LastActivity: now,
		Snapshot:     snap,
	}

	existing, created, err := a.deps.Repo.CreateSession(ctx, session)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !created {
		a.session = existing
		a.strategy.Store(existing.Snapshot.Strategy)
		return ErrAlreadyRunning
	}
	if req.Template != nil {
		if _, err := a.deps.Repo.MarkTemplateSubmitted(ctx, a.key); err != nil {
			a.logger.Warn("Failed to mark template submitted", "error", err)
		}
	}

	a.session = session
	a.strategy.Store(nil)
	a.logger.Info("Campaign started", "session_id", session.ID, "target_url", req.TargetURL)
	a.publishLocked(notify.EventStageChanged, nil)
	a.launchLocked()
	return nil
}

// SelectTemplate answers the template-selection pause. Before discovery finishes it records
// the choice so the pause is skipped.
func (a *Agent) SelectTemplate(ctx context.Context, tmpl domain.Template) error {
	tmpl.ID = strings.TrimSpace(tmpl.ID)
	if tmpl.ID == "" && strings.TrimSpace(tmpl.Body) == "" {
		return fmt.Errorf("%w: template id or body is required", ErrInvalidDecision)
	}
	if tmpl.ID == "" {
		tmpl.ID = "custom"
	}
	tmpl.Source = domain.TemplateSourceSelection

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enterLocked(ctx); err != nil {
		return err
	}
	if a.session == nil {
		return ErrNotStarted
	}

	switch a.session.Stage {
	case domain.StageAwaitingTemplateSelection:
		if _, err := a.deps.Repo.MarkTemplateSubmitted(ctx, a.key); err != nil {
			a.logger.Warn("Failed to mark template submitted", "error", err)
		}
		return a.resolveLocked(domain.PendingTemplateSelection, domain.Decision{
			Action:   domain.DecisionTemplateSelected,
			Template: &tmpl,
		})
	case domain.StageAnalyzing, domain.StageStrategyGenerating, domain.StageSearchingProspects:
		first, err := a.deps.Repo.MarkTemplateSubmitted(ctx, a.key)
		if err != nil {
			return fmt.Errorf("mark template submitted: %w", err)
		}
		if !first && a.session.Snapshot.Template != nil {
			return ErrNoPendingApproval
		}
		a.session.Snapshot.Template = &tmpl
		a.session.LastActivity = a.now()
		a.saveLocked()
		a.logger.Info("Template selected ahead of discovery", "template_id", tmpl.ID)
		return nil
	default:
		return ErrNoPendingApproval
	}
}

// Decide answers the sample-approval pause with continue or edit. A template_selected decision
// is forwarded to SelectTemplate.
func (a *Agent) Decide(ctx context.Context, d domain.Decision) error {
	switch d.Action {
	case domain.DecisionContinue:
	case domain.DecisionEdit:
		if d.Draft == nil || strings.TrimSpace(d.Draft.Subject) == "" || strings.TrimSpace(d.Draft.Body) == "" {
			return fmt.Errorf("%w: edit needs a subject and a body", ErrInvalidDecision)
		}
	case domain.DecisionTemplateSelected:
		if d.Template == nil {
			return fmt.Errorf("%w: template selection without a template", ErrInvalidDecision)
		}
		return a.SelectTemplate(ctx, *d.Template)
	default:
		return fmt.Errorf("%w: unsupported action %q", ErrInvalidDecision, d.Action)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enterLocked(ctx); err != nil {
		return err
	}
	if a.session == nil {
		return ErrNotStarted
	}
	return a.resolveLocked(domain.PendingSampleApproval, d)
}

// Resume continues a campaign after a restart or a timeout. Running stages are re-entered,
// pauses get their deadline back, and a timed-out campaign moves on when it has something to
// move on with.
func (a *Agent) Resume(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enterLocked(ctx); err != nil {
		return err
	}
	if a.session == nil {
		return ErrNotStarted
	}

	stage := a.session.Stage
	if stage != domain.StageTimedOut {
		if stage.Terminal() {
			return fmt.Errorf("%w: campaign is %s", ErrNotResumable, stage)
		}
		a.recoverLocked()
		return nil
	}

	snap := a.session.Snapshot
	switch {
	case snap.Pending != nil && !snap.Pending.Resolved():
		next := stageFor(snap.Pending.Kind)
		return a.transitionLocked(stage, next, func(s *domain.Snapshot) {
			s.Pending.Deadline = time.Time{}
			s.FailureReason = ""
		})
	case snap.DiscoveryTimedOut && a.records.Len() > 0:
		next, err := a.afterDiscovery(ctx, snap)
		if err != nil {
			return err
		}
		if err := a.transitionLocked(stage, next, func(s *domain.Snapshot) {
			s.DiscoveryTimedOut = false
			s.FailureReason = ""
		}); err != nil {
			return err
		}
		a.launchLocked()
		return nil
	default:
		return fmt.Errorf("%w: nothing to continue from", ErrNotResumable)
	}
}

// Recover re-enters the stored stage after a restart without forcing progress out of a
// timeout.
func (a *Agent) Recover(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enterLocked(ctx); err != nil {
		return err
	}
	if a.session == nil {
		return ErrNotStarted
	}
	a.recoverLocked()
	return nil
}

func (a *Agent) recoverLocked() {
	stage := a.session.Stage
	switch {
	case stage.Paused():
		if !a.timers.Pending(string(pendingKindFor(stage))) {
			a.armLocked()
		}
	case stage.Terminal():
	default:
		a.launchLocked()
	}
}

// Status returns the current state of the campaign.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enterLocked(ctx); err != nil {
		return Status{}, err
	}
	return Status{
		Key:     a.key,
		Session: a.session.Clone(),
		Records: a.records.Len(),
		Running: a.running,
		Healing: a.exec.Stats(),
	}, nil
}

// Records returns the campaign's records in discovery order.
func (a *Agent) Records(ctx context.Context) ([]domain.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enterLocked(ctx); err != nil {
		return nil, err
	}
	return a.records.List(), nil
}

// Attempts returns the stored attempt history of the current session.
func (a *Agent) Attempts(ctx context.Context) ([]domain.StageAttempt, error) {
	attempts, err := a.deps.Repo.ListAttempts(ctx, a.key)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return attempts, nil
}

// Persist writes the current session to the store.
func (a *Agent) Persist() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.saveLocked()
}

// Idle reports whether the agent has nothing left to do and was unused for at least ttl.
// Paused campaigns are never idle because their deadlines live in memory.
func (a *Agent) Idle(now time.Time, ttl time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return false
	}
	if a.session != nil && !a.session.Stage.Terminal() {
		return false
	}
	return now.Sub(a.lastUsed) >= ttl
}

// Close stops timers and background work. Durable state is kept.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.timers.Stop()
	a.cancel()
	a.wg.Wait()
	a.logger.Debug("Agent closed")
}

// Reset closes the agent, archives the campaign's session so it is never resumed, and clears
// the in-memory records. Durable history is kept.
func (a *Agent) Reset(ctx context.Context) error {
	a.Close()
	if err := a.deps.Repo.ResetSession(ctx, a.key); err != nil {
		return fmt.Errorf("reset campaign: %w", err)
	}
	a.records.Reset()
	a.strategy.Store(nil)

	a.mu.Lock()
	a.session = nil
	a.loaded = true
	a.mu.Unlock()

	a.logger.Info("Campaign reset")
	return nil
}

// Wait blocks until the run goroutine and background work have stopped. The run goroutine
// stops at every pause, so Wait returns while a campaign awaits a decision.
func (a *Agent) Wait() {
	a.wg.Wait()
}

// enterLocked is the common prologue of every public operation.
func (a *Agent) enterLocked(ctx context.Context) error {
	if a.closed {
		return ErrClosed
	}
	a.lastUsed = a.now()
	if a.loaded {
		return nil
	}

	session, err := a.deps.Repo.LoadSession(ctx, a.key)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session != nil {
		records, err := a.deps.Repo.ListRecords(ctx, a.key)
		if err != nil {
			return fmt.Errorf("load records: %w", err)
		}
		a.records.Load(records)
		a.strategy.Store(session.Snapshot.Strategy)
		a.logger.Info("Campaign hydrated", "session_id", session.ID, "stage", session.Stage, "records", len(records))
	}
	a.session = session
	a.loaded = true
	return nil
}

func (a *Agent) launchLocked() {
	if a.running || a.closed || a.session == nil {
		return
	}
	a.running = true
	a.wg.Add(1)
	go a.run(a.life)
}

func (a *Agent) saveLocked() {
	if a.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := a.deps.Repo.SaveSession(ctx, a.session.Clone()); err != nil {
		a.logger.Warn("Failed to persist session", "error", err, "stage", a.session.Stage)
	}
}

func (a *Agent) publishLocked(t notify.EventType, data any) {
	ev := notify.Event{Type: t, Data: data, At: a.now()}
	if a.session != nil {
		ev.Stage = a.session.Stage
	}
	a.deps.Gateway.Publish(a.key, ev)
}

func stageFor(kind domain.PendingKind) domain.Stage {
	if kind == domain.PendingTemplateSelection {
		return domain.StageAwaitingTemplateSelection
	}
	return domain.StageAwaitingApproval
}

func pendingKindFor(stage domain.Stage) domain.PendingKind {
	if stage == domain.StageAwaitingTemplateSelection {
		return domain.PendingTemplateSelection
	}
	return domain.PendingSampleApproval
}
