package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/outreach/internal/domain"
	"github.com/ashureev/outreach/internal/healing"
	"github.com/ashureev/outreach/internal/notify"
)

// stepResult is the outcome of one running stage: the stage to move to and the snapshot
// changes that go with the move.
type stepResult struct {
	next   domain.Stage
	mutate func(*domain.Snapshot)
}

// run executes running stages until the campaign pauses, ends, or the agent closes.
func (a *Agent) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		if a.session == nil || ctx.Err() != nil {
			a.running = false
			a.mu.Unlock()
			return
		}
		stage := a.session.Stage
		// Leaving here under the same lock that a resolution takes guarantees the resolution
		// either sees running=false and relaunches, or changes the stage we re-read above.
		if stage.Paused() || stage.Terminal() {
			a.running = false
			a.mu.Unlock()
			return
		}
		snap := a.session.Snapshot.Clone()
		a.mu.Unlock()

		res, err := a.step(ctx, stage, snap)

		a.mu.Lock()
		if err != nil {
			if ctx.Err() == nil {
				a.failLocked(stage, err)
			} else {
				a.logger.Info("Stage interrupted", "stage", stage, "error", err)
			}
			a.running = false
			a.mu.Unlock()
			return
		}
		if err := a.transitionLocked(stage, res.next, res.mutate); err != nil {
			a.logger.Error("Stage transition rejected", "error", err)
			a.running = false
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()
	}
}

func (a *Agent) step(ctx context.Context, stage domain.Stage, snap domain.Snapshot) (stepResult, error) {
	switch stage {
	case domain.StageAnalyzing:
		return a.analyze(ctx, snap)
	case domain.StageStrategyGenerating:
		return a.provisionalStrategy(snap)
	case domain.StageSearchingProspects:
		return a.discover(ctx, snap)
	case domain.StageGeneratingEmails:
		return a.generateSample(ctx, snap)
	case domain.StageGeneratingRemaining:
		return a.generateRemaining(ctx, snap)
	}
	return stepResult{}, fmt.Errorf("no step for stage %s", stage)
}

func (a *Agent) analyze(ctx context.Context, snap domain.Snapshot) (stepResult, error) {
	req := snap.Request
	analysis, err := healing.Run(ctx, a.exec, StepWebsiteAnalysis, a.cfg.MaxRetries,
		healing.Context{TargetURL: req.TargetURL},
		func(ctx context.Context, hc healing.Context) (*domain.Analysis, error) {
			return a.deps.Analysis.Analyze(ctx, hc.TargetURL, req.Goal, hc)
		})
	if err != nil {
		return stepResult{}, err
	}
	if analysis.Website == "" {
		analysis.Website = req.TargetURL
	}
	return stepResult{
		next:   domain.StageStrategyGenerating,
		mutate: func(s *domain.Snapshot) { s.Analysis = analysis },
	}, nil
}

// provisionalStrategy lets discovery start immediately with a strategy derived from the
// analysis, while the full strategy is generated in the background.
func (a *Agent) provisionalStrategy(snap domain.Snapshot) (stepResult, error) {
	provisional := domain.ProvisionalStrategy(snap.Analysis)
	a.strategy.Store(provisional)

	if a.deps.Strategy != nil && snap.Analysis != nil {
		a.wg.Add(1)
		go a.refineStrategy(a.life, snap.Analysis)
	}
	return stepResult{
		next: domain.StageSearchingProspects,
		mutate: func(s *domain.Snapshot) {
			// Whichever strategy is current at transition time, full if it already landed.
			s.Strategy = a.strategy.Load().Clone()
		},
	}, nil
}

func (a *Agent) refineStrategy(ctx context.Context, analysis *domain.Analysis) {
	defer a.wg.Done()
	full, err := healing.Run(ctx, a.exec, StepStrategyGeneration, a.cfg.MaxRetries, healing.Context{},
		func(ctx context.Context, hc healing.Context) (*domain.Strategy, error) {
			return a.deps.Strategy.Generate(ctx, analysis, hc)
		})
	if err != nil {
		a.logger.Warn("Full strategy unavailable, keeping provisional strategy", "error", err)
		return
	}
	full = full.Clone()
	full.Provisional = false
	a.strategy.Store(full)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.session == nil {
		return
	}
	a.session.Snapshot.Strategy = full.Clone()
	a.saveLocked()
	a.publishLocked(notify.EventStrategyUpdated, full)
	a.logger.Info("Full strategy generated", "keywords", len(full.Keywords))
}

func (a *Agent) discover(ctx context.Context, snap domain.Snapshot) (stepResult, error) {
	// Discovery keeps the strategy it started with even if the full one lands meanwhile.
	strategy := a.strategy.Load()
	if strategy == nil {
		strategy = domain.ProvisionalStrategy(snap.Analysis)
	}

	budgetCtx, cancel := context.WithTimeout(ctx, a.cfg.DiscoveryBudget)
	defer cancel()

	_, err := healing.Run(budgetCtx, a.exec, StepProspectSearch, a.cfg.MaxRetries,
		healing.Context{TargetURL: snap.Request.TargetURL},
		func(callCtx context.Context, hc healing.Context) ([]domain.Record, error) {
			final, err := a.deps.Discovery.Search(callCtx, strategy, SearchOptions{
				OnBatch: func(batch []domain.Record) { a.mergeBatch(ctx, batch) },
				Call:    hc,
			})
			if err != nil {
				return nil, err
			}
			a.mergeBatch(ctx, final)
			return a.records.List(), nil
		})
	if err != nil {
		if ctx.Err() == nil && errors.Is(budgetCtx.Err(), context.DeadlineExceeded) {
			n := a.records.Len()
			a.logger.Warn("Discovery budget exhausted", "prospects", n, "budget", a.cfg.DiscoveryBudget)
			return stepResult{
				next: domain.StageTimedOut,
				mutate: func(s *domain.Snapshot) {
					s.DiscoveryTimedOut = true
					s.Counts.Prospects = n
					s.FailureReason = fmt.Sprintf("%d prospects found before timeout", n)
				},
			}, nil
		}
		return stepResult{}, err
	}

	next, err := a.afterDiscovery(ctx, snap)
	if err != nil {
		return stepResult{}, err
	}
	n := a.records.Len()
	return stepResult{
		next:   next,
		mutate: func(s *domain.Snapshot) { s.Counts.Prospects = n },
	}, nil
}

func (a *Agent) mergeBatch(ctx context.Context, batch []domain.Record) {
	inserted, err := a.records.Merge(ctx, batch)
	if err != nil {
		a.logger.Warn("Failed to persist merged records", "error", err, "inserted", len(inserted))
	}
	if len(inserted) == 0 {
		return
	}
	a.deps.Gateway.Publish(a.key, notify.Event{
		Type:  notify.EventRecordsMerged,
		Stage: domain.StageSearchingProspects,
		Data:  map[string]int{"inserted": len(inserted), "total": a.records.Len()},
		At:    a.now(),
	})
}

// afterDiscovery pauses for a template unless the caller already supplied one.
func (a *Agent) afterDiscovery(ctx context.Context, snap domain.Snapshot) (domain.Stage, error) {
	if snap.Request.Template != nil || snap.Template != nil {
		return domain.StageGeneratingEmails, nil
	}
	submitted, err := a.deps.Repo.TemplateSubmitted(ctx, a.key)
	if err != nil {
		return "", fmt.Errorf("read template flag: %w", err)
	}
	if submitted {
		return domain.StageGeneratingEmails, nil
	}
	return domain.StageAwaitingTemplateSelection, nil
}

// generateSample drafts the first email and pauses for its approval. Up to SampleCandidates
// records are tried; each failure is recorded on its record.
func (a *Agent) generateSample(ctx context.Context, snap domain.Snapshot) (stepResult, error) {
	tmpl := snap.Template
	if tmpl == nil {
		tmpl = domain.DefaultTemplate()
	}
	strategy := a.strategy.Load()

	candidates := a.records.Pending()
	if len(candidates) > a.cfg.SampleCandidates {
		candidates = candidates[:a.cfg.SampleCandidates]
	}
	if len(candidates) == 0 {
		return stepResult{}, errNoProspects
	}

	var lastErr error
	for _, rec := range candidates {
		draft, err := a.draft(ctx, rec, snap.Request.Persona, strategy, tmpl)
		if err != nil {
			if ctx.Err() != nil {
				return stepResult{}, err
			}
			lastErr = err
			continue
		}
		key := rec.NaturalKey()
		artifact := *draft
		return stepResult{
			next: domain.StageAwaitingApproval,
			mutate: func(s *domain.Snapshot) {
				if s.Template == nil {
					s.Template = tmpl
				}
				s.SampleKey = key
				s.Pending = &domain.PendingApproval{
					Kind:      domain.PendingSampleApproval,
					Artifact:  &artifact,
					RecordKey: key,
				}
			},
		}, nil
	}
	return stepResult{}, lastErr
}

// generateRemaining drafts every record still lacking a draft, paced by a limiter.
// Per-record failures are recorded and do not stop the stage.
func (a *Agent) generateRemaining(ctx context.Context, snap domain.Snapshot) (stepResult, error) {
	tmpl := snap.Template
	if tmpl == nil {
		tmpl = domain.DefaultTemplate()
	}
	strategy := a.strategy.Load()

	limit := rate.Inf
	if a.cfg.PacingInterval > 0 {
		limit = rate.Every(a.cfg.PacingInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	pending := a.records.Pending()
	a.logger.Info("Generating remaining drafts", "pending", len(pending))
	for _, rec := range pending {
		if err := limiter.Wait(ctx); err != nil {
			return stepResult{}, fmt.Errorf("wait for pacing: %w", err)
		}
		if _, err := a.draft(ctx, rec, snap.Request.Persona, strategy, tmpl); err != nil && ctx.Err() != nil {
			return stepResult{}, err
		}

		counts := a.countResults()
		a.mu.Lock()
		if a.session != nil {
			a.session.Snapshot.Counts = counts
			a.session.LastActivity = a.now()
			a.saveLocked()
		}
		a.mu.Unlock()
	}

	counts := a.countResults()
	return stepResult{
		next:   domain.StageCompleted,
		mutate: func(s *domain.Snapshot) { s.Counts = counts },
	}, nil
}

// draft writes one email through the retry executor and records the outcome on the record.
func (a *Agent) draft(ctx context.Context, rec domain.Record, persona domain.Persona, strategy *domain.Strategy, tmpl *domain.Template) (*domain.Draft, error) {
	draft, err := healing.Run(ctx, a.exec, StepEmailGeneration, a.cfg.MaxRetries, healing.Context{},
		func(ctx context.Context, hc healing.Context) (*domain.Draft, error) {
			return a.deps.Drafts.Draft(ctx, rec, persona, strategy, tmpl, hc)
		})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		a.updateRecord(ctx, rec.Email, func(r *domain.Record) {
			r.Status = domain.RecordDraftFailed
			r.DraftError = err.Error()
		})
		a.logger.Warn("Draft failed", "email", rec.Email, "error", err)
		return nil, err
	}

	d := *draft
	a.updateRecord(ctx, rec.Email, func(r *domain.Record) {
		r.Status = domain.RecordDrafted
		r.Draft = &d
		r.DraftError = ""
	})
	a.deps.Gateway.Publish(a.key, notify.Event{
		Type: notify.EventDraftGenerated,
		Data: map[string]string{"email": rec.NaturalKey(), "subject": d.Subject},
		At:   a.now(),
	})
	return draft, nil
}

func (a *Agent) updateRecord(ctx context.Context, email string, fn func(*domain.Record)) {
	if _, ok, err := a.records.Update(context.WithoutCancel(ctx), email, fn); err != nil {
		a.logger.Warn("Failed to persist record update", "email", email, "error", err)
	} else if !ok {
		a.logger.Warn("Record vanished before update", "email", email)
	}
}

func (a *Agent) countResults() domain.ResultCounts {
	var c domain.ResultCounts
	for _, r := range a.records.List() {
		c.Prospects++
		switch r.Status {
		case domain.RecordDrafted:
			c.Succeeded++
		case domain.RecordDraftFailed:
			c.Failed++
		}
	}
	return c
}

// transitionLocked moves the session from one stage to the next, applies the snapshot
// changes, persists and publishes. Entering a pause arms its deadline.
func (a *Agent) transitionLocked(from, to domain.Stage, mutate func(*domain.Snapshot)) error {
	if a.session == nil {
		return ErrNotStarted
	}
	if a.session.Stage != from {
		return fmt.Errorf("%w: stage is %s, expected %s", errIllegalTransition, a.session.Stage, from)
	}
	if err := checkTransition(from, to); err != nil {
		return err
	}

	now := a.now()
	if mutate != nil {
		mutate(&a.session.Snapshot)
	}
	a.session.Stage = to
	a.session.LastActivity = now
	a.session.PausedReason = nil
	switch to {
	case domain.StageAwaitingTemplateSelection:
		reason := "waiting for template selection"
		a.session.PausedReason = &reason
	case domain.StageAwaitingApproval:
		reason := "waiting for sample approval"
		a.session.PausedReason = &reason
	case domain.StageCompleted, domain.StageFailed:
		a.session.ArchivedAt = &now
	}
	if to.Paused() {
		a.armLocked()
	}
	a.saveLocked()

	a.logger.Info("Stage changed", "from", from, "to", to)
	a.publishLocked(notify.EventStageChanged, map[string]domain.Stage{"from": from, "to": to})
	switch to {
	case domain.StageAwaitingTemplateSelection, domain.StageAwaitingApproval:
		a.publishLocked(notify.EventApprovalRequested, a.session.Snapshot.Pending.Clone())
	case domain.StageCompleted:
		a.publishLocked(notify.EventWorkflowCompleted, a.session.Snapshot.Counts)
	case domain.StageTimedOut:
		a.publishLocked(notify.EventWorkflowTimedOut, map[string]string{"reason": a.session.Snapshot.FailureReason})
	}
	return nil
}

func (a *Agent) failLocked(stage domain.Stage, err error) {
	category := string(healing.KindUnknown)
	report := ""
	var fatal *healing.FatalError
	switch {
	case errors.As(err, &fatal):
		category = fatal.Category()
		report = fatal.Report
	case errors.Is(err, errNoProspects):
		category = string(healing.KindValidation)
	default:
		if tagged := healing.Tag(err); tagged != nil {
			category = tagged.Category()
		}
	}
	reason := err.Error()

	a.logger.Error("Campaign failed", "stage", stage, "category", category, "error", err)
	if terr := a.transitionLocked(stage, domain.StageFailed, func(s *domain.Snapshot) {
		s.FailureReason = reason
		s.LastErrorCategory = category
		s.Counts = a.countResults()
	}); terr != nil {
		a.logger.Error("Failed to record campaign failure", "error", terr)
		return
	}
	a.publishLocked(notify.EventWorkflowFailed, map[string]string{
		"reason":      reason,
		"category":    category,
		"post_mortem": report,
	})
}

// armLocked makes sure the current pause has exactly one pending approval and a deadline
// timer. An unresolved approval of the same kind is kept with its original deadline.
func (a *Agent) armLocked() {
	kind := pendingKindFor(a.session.Stage)
	now := a.now()

	p := a.session.Snapshot.Pending
	if p == nil || p.Resolved() || p.Kind != kind {
		p = &domain.PendingApproval{Kind: kind}
		a.session.Snapshot.Pending = p
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.Deadline.IsZero() {
		p.Deadline = now.Add(a.deadlineFor(kind))
	}

	a.timers.Schedule(string(kind), p.Deadline.Sub(now), func() { a.onDeadline(kind) })
}

func (a *Agent) deadlineFor(kind domain.PendingKind) time.Duration {
	if kind == domain.PendingTemplateSelection {
		return a.cfg.TemplateDeadline
	}
	return a.cfg.ApprovalDeadline
}

// onDeadline fires at most once per armed pause.
func (a *Agent) onDeadline(kind domain.PendingKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.session == nil {
		return
	}
	p := a.session.Snapshot.Pending
	if p == nil || p.Resolved() || p.Kind != kind || a.session.Stage != stageFor(kind) {
		return
	}

	if !a.cfg.AutoContinue {
		a.logger.Warn("Pause deadline passed without a decision", "kind", kind)
		if err := a.transitionLocked(a.session.Stage, domain.StageTimedOut, func(s *domain.Snapshot) {
			s.FailureReason = fmt.Sprintf("%s deadline passed without a decision", kind)
		}); err != nil {
			a.logger.Error("Failed to time out pause", "error", err)
		}
		return
	}

	d := domain.Decision{Action: domain.DecisionTimeoutDefault}
	if kind == domain.PendingTemplateSelection {
		d.Template = domain.DefaultTemplate()
	}
	a.logger.Info("Pause deadline passed, continuing with default", "kind", kind)
	if err := a.resolveLocked(kind, d); err != nil {
		a.logger.Error("Failed to apply deadline default", "kind", kind, "error", err)
	}
}

// resolveLocked records the decision for the pending approval of kind, cancels its deadline,
// and resumes the run. A pause is resolved exactly once; later calls get ErrNoPendingApproval.
func (a *Agent) resolveLocked(kind domain.PendingKind, d domain.Decision) error {
	stage := a.session.Stage
	p := a.session.Snapshot.Pending
	if p == nil || p.Resolved() || p.Kind != kind || stage != stageFor(kind) {
		return ErrNoPendingApproval
	}
	a.timers.Cancel(string(kind))
	if d.DecidedAt.IsZero() {
		d.DecidedAt = a.now()
	}

	var (
		next     domain.Stage
		template *domain.Template
	)
	switch kind {
	case domain.PendingTemplateSelection:
		next = domain.StageGeneratingEmails
		template = d.Template
		if template == nil {
			template = domain.DefaultTemplate()
		}
	case domain.PendingSampleApproval:
		next = domain.StageGeneratingRemaining
		switch d.Action {
		case domain.DecisionEdit:
			edited := *d.Draft
			template = &domain.Template{ID: "edited_sample", Subject: edited.Subject, Body: edited.Body, Source: domain.TemplateSourceEdited}
			a.updateRecord(a.life, p.RecordKey, func(r *domain.Record) {
				r.Draft = &edited
				r.Status = domain.RecordDrafted
				r.DraftError = ""
			})
		default:
			if p.Artifact != nil {
				template = &domain.Template{ID: "approved_sample", Subject: p.Artifact.Subject, Body: p.Artifact.Body, Source: domain.TemplateSourceSample}
			}
		}
	}

	decision := d
	if err := a.transitionLocked(stage, next, func(s *domain.Snapshot) {
		s.Pending.Decision = &decision
		if template != nil {
			s.Template = template
		}
		if kind == domain.PendingTemplateSelection {
			s.TemplateAutoApplied = d.Action == domain.DecisionTimeoutDefault
		}
	}); err != nil {
		return err
	}

	a.publishLocked(notify.EventApprovalResolved, map[string]string{
		"kind":   string(kind),
		"action": string(d.Action),
	})
	a.launchLocked()
	return nil
}

// attemptRecorder stores every stage attempt and healing event.
type attemptRecorder struct {
	a *Agent
}

func (r attemptRecorder) RecordAttempt(ctx context.Context, attempt domain.StageAttempt) {
	if err := r.a.deps.Repo.AppendAttempt(context.WithoutCancel(ctx), r.a.key, attempt); err != nil {
		r.a.logger.Warn("Failed to persist stage attempt", "stage", attempt.Stage, "attempt", attempt.Attempt, "error", err)
	}
	if !attempt.Succeeded {
		r.a.deps.Gateway.Publish(r.a.key, notify.Event{
			Type: notify.EventAttemptFailed,
			Data: attempt,
			At:   r.a.now(),
		})
	}
}

func (r attemptRecorder) RecordLearning(ctx context.Context, event domain.LearningEvent) {
	if err := r.a.deps.Repo.AppendLearning(context.WithoutCancel(ctx), r.a.key, event); err != nil {
		r.a.logger.Warn("Failed to persist learning event", "stage", event.Stage, "error", err)
	}
}
