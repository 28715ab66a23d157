package healing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/outreach/internal/domain"
)

type memRecorder struct {
	mu        sync.Mutex
	attempts  []domain.StageAttempt
	learnings []domain.LearningEvent
}

func (r *memRecorder) RecordAttempt(_ context.Context, a domain.StageAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
}

func (r *memRecorder) RecordLearning(_ context.Context, ev domain.LearningEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.learnings = append(r.learnings, ev)
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestExecutor(rec Recorder, sl *sleepLog, opts ...Option) *Executor {
	base := []Option{
		WithRecorder(rec),
		WithSleep(sl.sleep),
		WithJitter(func(time.Duration) time.Duration { return 0 }),
	}
	return New(append(base, opts...)...)
}

func TestRunHealsTimeoutOnThirdAttempt(t *testing.T) {
	rec := &memRecorder{}
	sl := &sleepLog{}
	ex := newTestExecutor(rec, sl)

	calls := 0
	var seen []Context
	got, err := Run(context.Background(), ex, "website_analysis", 3, Context{TargetURL: "https://acme.test"},
		func(_ context.Context, hc Context) (string, error) {
			calls++
			seen = append(seen, hc)
			if calls < 3 {
				return "", context.DeadlineExceeded
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}
	if len(rec.attempts) != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", len(rec.attempts))
	}
	if !rec.attempts[2].Succeeded {
		t.Fatal("expected last attempt to be marked successful")
	}
	for i, a := range rec.attempts[:2] {
		if a.Succeeded {
			t.Fatalf("attempt %d should be a failure", i+1)
		}
		if a.Category != "network/timeout" {
			t.Fatalf("attempt %d category = %q, want network/timeout", i+1, a.Category)
		}
	}
	if len(rec.learnings) != 1 || rec.learnings[0].Attempts != 3 {
		t.Fatalf("expected one learning event for 3 attempts, got %+v", rec.learnings)
	}
	if seen[1].Timeout < 30*time.Second {
		t.Fatalf("expected timeout raised to >=30s after timeout failure, got %v", seen[1].Timeout)
	}
	if seen[1].MaxConns != 1 {
		t.Fatalf("expected connection cap of 1, got %d", seen[1].MaxConns)
	}
	if seen[0].Healed || !seen[1].Healed {
		t.Fatal("expected only adapted contexts to be marked healed")
	}
	if len(sl.delays) != 2 || sl.delays[0] != time.Second || sl.delays[1] != 2*time.Second {
		t.Fatalf("unexpected backoff delays: %v", sl.delays)
	}
}

func TestRunExhaustsBudget(t *testing.T) {
	rec := &memRecorder{}
	ex := newTestExecutor(rec, &sleepLog{})

	calls := 0
	_, err := Run(context.Background(), ex, "prospect_search", 3, Context{},
		func(context.Context, Context) (int, error) {
			calls++
			return 0, errors.New("connection refused")
		})

	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalError, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", calls)
	}
	if len(fatal.Attempts) != 3 {
		t.Fatalf("expected 3 attempts in FatalError, got %d", len(fatal.Attempts))
	}
	if fatal.Category() != "network/connection" {
		t.Fatalf("unexpected category %q", fatal.Category())
	}
	if ex.Stats().RetryCount["prospect_search"] != 3 {
		t.Fatalf("unexpected stats %+v", ex.Stats())
	}
}

func TestRunUsesPolicyWhenMaxRetriesUnset(t *testing.T) {
	ex := newTestExecutor(&memRecorder{}, &sleepLog{}, WithPolicies(StaticPolicies{
		Default: DefaultPolicy(),
		Stages:  map[string]Policy{"email_generation": {MaxRetries: 5}},
	}))

	calls := 0
	_, err := Run(context.Background(), ex, "email_generation", 0, Context{},
		func(context.Context, Context) (string, error) {
			calls++
			return "", errors.New("boom")
		})
	if err == nil {
		t.Fatal("expected failure")
	}
	if calls != 5 {
		t.Fatalf("expected 5 calls from stage policy, got %d", calls)
	}
}

func TestRunTreatsInvalidResultAsFailure(t *testing.T) {
	rec := &memRecorder{}
	ex := newTestExecutor(rec, &sleepLog{}, WithValidator("email_generation", func(result any) Verdict {
		if s, _ := result.(string); len(s) < 5 {
			return Verdict{Reason: "too short"}
		}
		return Verdict{Valid: true}
	}))

	var feedback []string
	calls := 0
	got, err := Run(context.Background(), ex, "email_generation", 3, Context{},
		func(_ context.Context, hc Context) (string, error) {
			calls++
			feedback = append(feedback, hc.Value(KeyValidationFeedback))
			if calls == 1 {
				return "hi", nil
			}
			return "hello there", nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello there" {
		t.Fatalf("unexpected result %q", got)
	}
	if rec.attempts[0].Category != "validation" {
		t.Fatalf("expected validation category, got %q", rec.attempts[0].Category)
	}
	if feedback[1] != "too short" {
		t.Fatalf("expected validation feedback to reach the retry, got %q", feedback[1])
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ex := New(WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	calls := 0
	_, err := Run(ctx, ex, "website_analysis", 3, Context{},
		func(context.Context, Context) (string, error) {
			calls++
			return "", errors.New("boom")
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		t.Fatal("cancellation must not surface as FatalError")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", calls)
	}
}

type fakeDiagnoser struct {
	err     error
	changes []domain.Change
	report  string
}

func (f *fakeDiagnoser) Diagnose(context.Context, string, *Error, Context) (domain.Diagnosis, error) {
	if f.err != nil {
		return domain.Diagnosis{}, f.err
	}
	return domain.Diagnosis{Changes: f.changes, RootCause: "remote said so"}, nil
}

func (f *fakeDiagnoser) PostMortem(context.Context, string, []domain.StageAttempt, Context) (string, error) {
	return f.report, nil
}

func TestRunMergesDiagnoserChanges(t *testing.T) {
	diag := &fakeDiagnoser{changes: []domain.Change{{Key: KeyTargetURL, Value: "https://alt.test"}}, report: "all attempts failed"}
	ex := newTestExecutor(&memRecorder{}, &sleepLog{}, WithDiagnoser(diag))

	var targets []string
	_, err := Run(context.Background(), ex, "website_analysis", 2, Context{TargetURL: "https://acme.test"},
		func(_ context.Context, hc Context) (string, error) {
			targets = append(targets, hc.TargetURL)
			return "", errors.New("x509: certificate signed by unknown authority")
		})

	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalError, got %v", err)
	}
	if targets[1] != "https://alt.test" {
		t.Fatalf("expected diagnoser target to apply, got %v", targets)
	}
	if fatal.Report != "all attempts failed" {
		t.Fatalf("expected post-mortem report, got %q", fatal.Report)
	}
	if d := fatal.Attempts[0].Diagnosis; d == nil || d.Source != "diagnoser" {
		t.Fatalf("expected diagnoser diagnosis on first attempt, got %+v", d)
	}
}

func TestRunFallsBackWhenDiagnoserFails(t *testing.T) {
	diag := &fakeDiagnoser{err: errors.New("llm offline")}
	ex := newTestExecutor(&memRecorder{}, &sleepLog{}, WithDiagnoser(diag))

	var seen []Context
	_, _ = Run(context.Background(), ex, "website_analysis", 2, Context{},
		func(_ context.Context, hc Context) (string, error) {
			seen = append(seen, hc)
			return "", errors.New("tls: handshake failure")
		})
	if !seen[1].InsecureSkipVerify {
		t.Fatal("expected static ssl adaptation to apply when diagnoser fails")
	}
}
