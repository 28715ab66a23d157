package healing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/outreach/internal/domain"
)

// Verdict is a stage validator's answer.
type Verdict struct {
	Valid  bool
	Reason string
}

// Validator checks a successful result before it is accepted.
type Validator func(result any) Verdict

// Recorder receives every attempt and every successful healing. Implementations must not block
// for long; they run on the stage's goroutine.
type Recorder interface {
	RecordAttempt(ctx context.Context, attempt domain.StageAttempt)
	RecordLearning(ctx context.Context, event domain.LearningEvent)
}

// Diagnoser is an optional richer diagnostic pass on top of the static classification.
type Diagnoser interface {
	Diagnose(ctx context.Context, stage string, failure *Error, hc Context) (domain.Diagnosis, error)
}

// PostMortemer may be implemented by a Diagnoser to analyse a stage that exhausted its budget.
type PostMortemer interface {
	PostMortem(ctx context.Context, stage string, attempts []domain.StageAttempt, hc Context) (string, error)
}

// Stats summarizes healing activity for one executor.
type Stats struct {
	TotalErrors      int            `json:"total_errors"`
	TotalAdaptations int            `json:"total_adaptations"`
	TotalLearnings   int            `json:"total_learnings"`
	RetryCount       map[string]int `json:"retry_count"`
	PostMortems      int            `json:"post_mortems"`
}

// Executor runs stage work with retries. One executor serves one tenant.
type Executor struct {
	policies   PolicyProvider
	validators map[string]Validator
	recorder   Recorder
	diagnoser  Diagnoser
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func(base time.Duration) time.Duration

	mu    sync.Mutex
	stats Stats
}

// Option configures an Executor.
type Option func(*Executor)

// WithPolicies sets the per-stage retry policies.
func WithPolicies(p PolicyProvider) Option {
	return func(e *Executor) { e.policies = p }
}

// WithValidator registers the validator for a stage name.
func WithValidator(stage string, v Validator) Option {
	return func(e *Executor) { e.validators[stage] = v }
}

// WithRecorder sets where attempts and learning events go.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithDiagnoser enables the richer diagnostic pass.
func WithDiagnoser(d Diagnoser) Option {
	return func(e *Executor) { e.diagnoser = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithSleep replaces the backoff wait. Tests use it to avoid real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithJitter replaces the jitter source.
func WithJitter(fn func(base time.Duration) time.Duration) Option {
	return func(e *Executor) { e.jitter = fn }
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		policies:   StaticPolicies{Default: DefaultPolicy()},
		validators: make(map[string]Validator),
		sleep:      sleepContext,
		jitter:     defaultJitter,
		stats:      Stats{RetryCount: make(map[string]int)},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Policy returns the policy in force for stage.
func (e *Executor) Policy(stage string) Policy {
	return e.policies.Policy(stage).Normalize(DefaultPolicy())
}

// Stats returns a copy of the healing counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.stats
	out.RetryCount = make(map[string]int, len(e.stats.RetryCount))
	for k, v := range e.stats.RetryCount {
		out.RetryCount[k] = v
	}
	return out
}

// Run executes work at most maxRetries times (the stage policy when maxRetries <= 0). Each
// failed attempt is classified, the context adapted, and the next attempt delayed by the
// policy's backoff. When every attempt fails the returned error is a *FatalError holding
// exactly one StageAttempt per attempt. Cancelling ctx stops the loop with ctx's error.
func Run[T any](ctx context.Context, e *Executor, stage string, maxRetries int, initial Context, work func(ctx context.Context, hc Context) (T, error)) (T, error) {
	var zero T
	policy := e.Policy(stage)
	if maxRetries <= 0 {
		maxRetries = policy.MaxRetries
	}

	hc := initial.Clone()
	var (
		attempts []domain.StageAttempt
		last     *Error
		applied  []domain.Change
		healed   []domain.Change
	)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("stage %s cancelled: %w", stage, err)
		}

		started := time.Now()
		result, err := work(ctx, hc)
		if err == nil {
			if v := e.validate(stage, result); !v.Valid {
				err = Validation(v.Reason)
			}
		}

		if err == nil {
			e.record(ctx, domain.StageAttempt{
				Stage:       stage,
				Attempt:     attempt,
				Succeeded:   true,
				Adaptations: applied,
				StartedAt:   started,
				Duration:    time.Since(started),
			})
			if attempt > 1 {
				e.learn(ctx, domain.LearningEvent{
					Stage:       stage,
					Attempts:    attempt,
					Adaptations: healed,
					At:          time.Now(),
				})
				e.logger.Info("Stage healed", "stage", stage, "attempts", attempt)
			}
			return result, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmt.Errorf("stage %s cancelled: %w", stage, ctxErr)
		}

		last = Tag(err)
		diagnosis := StaticDiagnosis(last, hc)
		if attempt < maxRetries {
			diagnosis = e.diagnose(ctx, stage, last, hc, diagnosis)
		}

		failed := domain.StageAttempt{
			Stage:       stage,
			Attempt:     attempt,
			Error:       err.Error(),
			Category:    last.Category(),
			Diagnosis:   &diagnosis,
			Adaptations: applied,
			StartedAt:   started,
			Duration:    time.Since(started),
		}
		attempts = append(attempts, failed)
		e.record(ctx, failed)
		e.countFailure(stage)

		e.logger.Warn("Stage attempt failed",
			"stage", stage,
			"attempt", attempt,
			"max_retries", maxRetries,
			"category", last.Category(),
			"error", err)

		if attempt == maxRetries {
			break
		}

		applied = diagnosis.Changes
		healed = append(healed, applied...)
		hc = hc.Apply(applied)
		e.countAdaptation(len(applied))

		delay := policy.Delay(attempt, e.jitter(policy.BaseDelay), hc.RetryDelay)
		if err := e.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("stage %s cancelled during backoff: %w", stage, err)
		}
	}

	fatal := &FatalError{Stage: stage, Last: last, Attempts: attempts}
	if pm, ok := e.diagnoser.(PostMortemer); ok {
		report, err := pm.PostMortem(ctx, stage, attempts, hc)
		if err != nil {
			e.logger.Warn("Post-mortem failed", "stage", stage, "error", err)
		} else {
			fatal.Report = report
			e.mu.Lock()
			e.stats.PostMortems++
			e.mu.Unlock()
		}
	}
	return zero, fatal
}

func (e *Executor) validate(stage string, result any) Verdict {
	v, ok := e.validators[stage]
	if !ok {
		if result == nil {
			return Verdict{Reason: "empty result"}
		}
		return Verdict{Valid: true}
	}
	return v(result)
}

// diagnose consults the optional diagnoser; any failure falls back to the static diagnosis.
func (e *Executor) diagnose(ctx context.Context, stage string, failure *Error, hc Context, static domain.Diagnosis) domain.Diagnosis {
	if e.diagnoser == nil {
		return static
	}
	d, err := e.diagnoser.Diagnose(ctx, stage, failure, hc)
	if err != nil {
		e.logger.Debug("Diagnoser unavailable, using static diagnosis", "stage", stage, "error", err)
		return static
	}
	if d.Category == "" {
		d.Category = static.Category
	}
	if d.Subkind == "" {
		d.Subkind = static.Subkind
	}
	if d.Severity == "" {
		d.Severity = static.Severity
	}
	if d.RootCause == "" {
		d.RootCause = static.RootCause
	}
	// Static adaptations go first so the diagnoser's suggestions win on conflicting keys.
	d.Changes = append(append([]domain.Change(nil), static.Changes...), d.Changes...)
	if d.Source == "" {
		d.Source = "diagnoser"
	}
	return d
}

func (e *Executor) record(ctx context.Context, a domain.StageAttempt) {
	if e.recorder != nil {
		e.recorder.RecordAttempt(ctx, a)
	}
}

func (e *Executor) learn(ctx context.Context, ev domain.LearningEvent) {
	e.mu.Lock()
	e.stats.TotalLearnings++
	e.mu.Unlock()
	if e.recorder != nil {
		e.recorder.RecordLearning(ctx, ev)
	}
}

func (e *Executor) countFailure(stage string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.TotalErrors++
	e.stats.RetryCount[stage]++
}

func (e *Executor) countAdaptation(n int) {
	if n == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.TotalAdaptations++
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
