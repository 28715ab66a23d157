package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/outreach/internal/domain"
	"github.com/ashureev/outreach/internal/healing"
	"github.com/ashureev/outreach/internal/notify"
	"github.com/ashureev/outreach/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testKey = domain.NewTenantKey("user-1", "campaign-1")

type fakeAnalysis struct {
	calls atomic.Int32
	err   error
}

func (f *fakeAnalysis) Analyze(_ context.Context, target, _ string, _ healing.Context) (*domain.Analysis, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Analysis{
		CompanyName:      "Acme",
		Industry:         "Logistics",
		ValueProposition: "Same-day freight for small retailers",
		Keywords:         []string{"freight", "retail"},
	}, nil
}

type fakeStrategy struct {
	calls   atomic.Int32
	release chan struct{}
}

func (f *fakeStrategy) Generate(ctx context.Context, a *domain.Analysis, _ healing.Context) (*domain.Strategy, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &domain.Strategy{
		Audience: "operations managers",
		Keywords: []string{"full-strategy"},
		Pitch:    a.ValueProposition,
	}, nil
}

type fakeDiscovery struct {
	calls   atomic.Int32
	batches [][]domain.Record
	// block keeps the search running after the batches until ctx ends.
	block bool

	mu   sync.Mutex
	seen []*domain.Strategy
}

func (f *fakeDiscovery) Search(ctx context.Context, strategy *domain.Strategy, opts SearchOptions) ([]domain.Record, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.seen = append(f.seen, strategy.Clone())
	f.mu.Unlock()

	var all []domain.Record
	for _, b := range f.batches {
		opts.OnBatch(b)
		all = append(all, b...)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return all, nil
}

func (f *fakeDiscovery) strategies() []*domain.Strategy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Strategy(nil), f.seen...)
}

type fakeDrafts struct {
	calls atomic.Int32
	fail  map[string]bool
}

func (f *fakeDrafts) Draft(_ context.Context, rec domain.Record, _ domain.Persona, _ *domain.Strategy, tmpl *domain.Template, _ healing.Context) (*domain.Draft, error) {
	f.calls.Add(1)
	if f.fail[rec.NaturalKey()] {
		return nil, errors.New("upstream returned status 500")
	}
	return &domain.Draft{
		Subject: "Hello " + rec.Name,
		Body:    fmt.Sprintf("Hi %s, this is a drafted email using template %s for you.", rec.Name, tmpl.ID),
	}, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Publish(_ domain.TenantKey, ev notify.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// resolved counts approval_resolved events per pending kind.
func (l *eventLog) resolved() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make(map[string]int)
	for _, ev := range l.events {
		if ev.Type != notify.EventApprovalResolved {
			continue
		}
		if data, ok := ev.Data.(map[string]string); ok {
			kinds[data["kind"]]++
		}
	}
	return kinds
}

func (l *eventLog) count(t notify.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	repo      *store.SQLiteStore
	analysis  *fakeAnalysis
	strategy  *fakeStrategy
	discovery *fakeDiscovery
	drafts    *fakeDrafts
	events    *eventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return &fixture{
		repo:     repo,
		analysis: &fakeAnalysis{},
		strategy: &fakeStrategy{},
		discovery: &fakeDiscovery{batches: [][]domain.Record{
			{{Email: "Ann@Example.com", Name: "Ann"}, {Email: "bob@example.com", Name: "Bob"}},
			{{Email: "ann@example.com", Name: "Ann again"}, {Email: "cy@example.com", Name: "Cy"}},
		}},
		drafts: &fakeDrafts{},
		events: &eventLog{},
	}
}

func (f *fixture) agent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	a := New(testKey, Deps{
		Repo:      f.repo,
		Gateway:   f.events,
		Analysis:  f.analysis,
		Strategy:  f.strategy,
		Discovery: f.discovery,
		Drafts:    f.drafts,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}, cfg)
	t.Cleanup(a.Close)
	return a
}

func manualConfig() Config {
	return Config{
		DiscoveryBudget:  time.Minute,
		TemplateDeadline: time.Hour,
		ApprovalDeadline: time.Hour,
		AutoContinue:     true,
		MaxRetries:       3,
	}
}

func start(t *testing.T, a *Agent) {
	t.Helper()
	require.NoError(t, a.Start(context.Background(), domain.StartRequest{TargetURL: "https://acme.test", Goal: "partnerships"}))
}

func waitStage(t *testing.T, a *Agent, want domain.Stage) Status {
	t.Helper()
	var last Status
	require.Eventually(t, func() bool {
		st, err := a.Status(context.Background())
		if err != nil || st.Session == nil {
			return false
		}
		last = st
		return st.Session.Stage == want && !st.Running
	}, 5*time.Second, 5*time.Millisecond, "stage never reached %s", want)
	return last
}

func TestAutoContinueAppliesDefaultTemplateOnce(t *testing.T) {
	f := newFixture(t)
	cfg := manualConfig()
	cfg.TemplateDeadline = 30 * time.Millisecond
	cfg.ApprovalDeadline = 30 * time.Millisecond
	a := f.agent(t, cfg)

	start(t, a)
	st := waitStage(t, a, domain.StageCompleted)

	snap := st.Session.Snapshot
	assert.True(t, snap.TemplateAutoApplied)
	assert.Equal(t, domain.ResultCounts{Prospects: 3, Succeeded: 3}, snap.Counts)
	assert.NotNil(t, st.Session.ArchivedAt)
	assert.Equal(t, 2, f.events.count(notify.EventApprovalResolved))

	sample, ok := a.records.Get(snap.SampleKey)
	require.True(t, ok)
	assert.Contains(t, sample.Draft.Body, domain.DefaultTemplateID)

	records, err := a.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, domain.RecordDrafted, r.Status, r.Email)
		require.NotNil(t, r.Draft)
	}

	err = a.Decide(context.Background(), domain.Decision{Action: domain.DecisionContinue})
	assert.ErrorIs(t, err, ErrNoPendingApproval)
	err = a.SelectTemplate(context.Background(), domain.Template{ID: "late"})
	assert.ErrorIs(t, err, ErrNoPendingApproval)
}

func TestManualDecisions(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, manualConfig())
	ctx := context.Background()

	start(t, a)
	st := waitStage(t, a, domain.StageAwaitingTemplateSelection)
	require.NotNil(t, st.Session.Snapshot.Pending)
	assert.Equal(t, domain.PendingTemplateSelection, st.Session.Snapshot.Pending.Kind)
	assert.False(t, st.Session.Snapshot.Pending.Deadline.IsZero())
	assert.Equal(t, 3, st.Records)

	err := a.Decide(ctx, domain.Decision{Action: domain.DecisionContinue})
	assert.ErrorIs(t, err, ErrNoPendingApproval, "sample decision while awaiting a template")

	require.NoError(t, a.SelectTemplate(ctx, domain.Template{ID: "friendly"}))
	st = waitStage(t, a, domain.StageAwaitingApproval)
	pending := st.Session.Snapshot.Pending
	require.NotNil(t, pending)
	assert.Equal(t, domain.PendingSampleApproval, pending.Kind)
	require.NotNil(t, pending.Artifact)
	assert.Equal(t, "ann@example.com", pending.RecordKey)
	assert.False(t, st.Session.Snapshot.TemplateAutoApplied)

	edited := &domain.Draft{Subject: "Edited subject", Body: "An edited body that is long enough to pass validation."}
	require.NoError(t, a.Decide(ctx, domain.Decision{Action: domain.DecisionEdit, Draft: edited}))
	st = waitStage(t, a, domain.StageCompleted)

	tmpl := st.Session.Snapshot.Template
	require.NotNil(t, tmpl)
	assert.Equal(t, domain.TemplateSourceEdited, tmpl.Source)
	assert.Equal(t, edited.Body, tmpl.Body)

	records, err := a.Records(ctx)
	require.NoError(t, err)
	require.NotNil(t, records[0].Draft)
	assert.Equal(t, *edited, *records[0].Draft)

	assert.ErrorIs(t, a.Decide(ctx, domain.Decision{Action: domain.DecisionContinue}), ErrNoPendingApproval)
}

func TestDecideRejectsMalformedDecisions(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, manualConfig())
	ctx := context.Background()

	assert.ErrorIs(t, a.Decide(ctx, domain.Decision{Action: "approve"}), ErrInvalidDecision)
	assert.ErrorIs(t, a.Decide(ctx, domain.Decision{Action: domain.DecisionEdit}), ErrInvalidDecision)
	assert.ErrorIs(t, a.Decide(ctx, domain.Decision{Action: domain.DecisionContinue}), ErrNotStarted)
}

func TestExhaustedStageFailsWorkflow(t *testing.T) {
	f := newFixture(t)
	f.analysis.err = errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
	a := f.agent(t, manualConfig())

	start(t, a)
	st := waitStage(t, a, domain.StageFailed)

	assert.Equal(t, "network/connection", st.Session.Snapshot.LastErrorCategory)
	assert.NotEmpty(t, st.Session.Snapshot.FailureReason)
	assert.NotNil(t, st.Session.ArchivedAt)
	assert.EqualValues(t, 3, f.analysis.calls.Load())
	assert.Zero(t, f.strategy.calls.Load())
	assert.Zero(t, f.discovery.calls.Load())
	assert.Zero(t, f.drafts.calls.Load())
	assert.Equal(t, 1, f.events.count(notify.EventWorkflowFailed))

	attempts, err := a.Attempts(context.Background())
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for _, at := range attempts {
		assert.False(t, at.Succeeded)
		assert.Equal(t, StepWebsiteAnalysis, at.Stage)
	}

	assert.ErrorIs(t, a.Resume(context.Background()), ErrNotResumable)
}

func TestDiscoveryBudgetKeepsPartialResults(t *testing.T) {
	f := newFixture(t)
	f.discovery.block = true
	cfg := manualConfig()
	cfg.DiscoveryBudget = 50 * time.Millisecond
	a := f.agent(t, cfg)

	start(t, a)
	st := waitStage(t, a, domain.StageTimedOut)

	snap := st.Session.Snapshot
	assert.True(t, snap.DiscoveryTimedOut)
	assert.Equal(t, "3 prospects found before timeout", snap.FailureReason)
	assert.Equal(t, 3, snap.Counts.Prospects)
	assert.Nil(t, st.Session.ArchivedAt)
	assert.Equal(t, 1, f.events.count(notify.EventWorkflowTimedOut))

	require.NoError(t, a.Resume(context.Background()))
	st = waitStage(t, a, domain.StageAwaitingTemplateSelection)
	assert.False(t, st.Session.Snapshot.DiscoveryTimedOut)
	assert.Equal(t, 3, st.Records)
}

func TestPauseTimesOutWithoutAutoContinue(t *testing.T) {
	f := newFixture(t)
	cfg := manualConfig()
	cfg.AutoContinue = false
	cfg.TemplateDeadline = 150 * time.Millisecond
	a := f.agent(t, cfg)
	ctx := context.Background()

	start(t, a)
	st := waitStage(t, a, domain.StageTimedOut)
	require.NotNil(t, st.Session.Snapshot.Pending)
	assert.False(t, st.Session.Snapshot.Pending.Resolved())
	assert.ErrorIs(t, a.SelectTemplate(ctx, domain.Template{ID: "late"}), ErrNoPendingApproval)

	// Recover never leaves a timeout on its own.
	require.NoError(t, a.Recover(ctx))
	assert.Equal(t, domain.StageTimedOut, waitStage(t, a, domain.StageTimedOut).Session.Stage)

	require.NoError(t, a.Resume(ctx))
	st = waitStage(t, a, domain.StageAwaitingTemplateSelection)
	assert.True(t, st.Session.Snapshot.Pending.Deadline.After(time.Now()))
	require.NoError(t, a.SelectTemplate(ctx, domain.Template{ID: "friendly"}))
	waitStage(t, a, domain.StageAwaitingApproval)
}

func TestFullStrategyReplacesProvisional(t *testing.T) {
	f := newFixture(t)
	f.strategy.release = make(chan struct{})
	a := f.agent(t, manualConfig())

	start(t, a)
	st := waitStage(t, a, domain.StageAwaitingTemplateSelection)
	require.NotNil(t, st.Session.Snapshot.Strategy)
	assert.True(t, st.Session.Snapshot.Strategy.Provisional)

	seen := f.discovery.strategies()
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Provisional)
	assert.Contains(t, seen[0].Keywords, "freight")

	close(f.strategy.release)
	require.Eventually(t, func() bool {
		st, err := a.Status(context.Background())
		return err == nil && st.Session.Snapshot.Strategy != nil && !st.Session.Snapshot.Strategy.Provisional
	}, 5*time.Second, 5*time.Millisecond)

	st, err := a.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"full-strategy"}, st.Session.Snapshot.Strategy.Keywords)
	assert.Equal(t, domain.StageAwaitingTemplateSelection, st.Session.Stage)
	assert.Equal(t, 1, f.events.count(notify.EventStrategyUpdated))
}

func TestCallerTemplateSkipsSelection(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, manualConfig())

	err := a.Start(context.Background(), domain.StartRequest{
		TargetURL: "https://acme.test",
		Template:  &domain.Template{Subject: "Custom", Body: "Custom body"},
	})
	require.NoError(t, err)

	st := waitStage(t, a, domain.StageAwaitingApproval)
	require.NotNil(t, st.Session.Snapshot.Template)
	assert.Equal(t, domain.TemplateSourceCaller, st.Session.Snapshot.Template.Source)
	assert.Zero(t, f.events.count(notify.EventApprovalResolved))
}

func TestTemplateSelectedBeforeDiscoveryEnds(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, manualConfig())
	ctx := context.Background()

	start(t, a)
	require.NoError(t, a.SelectTemplate(ctx, domain.Template{ID: "early"}))

	st := waitStage(t, a, domain.StageAwaitingApproval)
	require.NotNil(t, st.Session.Snapshot.Template)
	assert.Equal(t, "early", st.Session.Snapshot.Template.ID)
}

func TestSampleFallsBackToNextCandidate(t *testing.T) {
	f := newFixture(t)
	f.drafts.fail = map[string]bool{"ann@example.com": true}
	cfg := manualConfig()
	cfg.MaxRetries = 1
	cfg.ApprovalDeadline = 20 * time.Millisecond
	a := f.agent(t, cfg)

	start(t, a)
	require.NoError(t, waitSelect(t, a))
	st := waitStage(t, a, domain.StageCompleted)
	assert.Equal(t, "bob@example.com", st.Session.Snapshot.SampleKey)
	assert.Equal(t, domain.ResultCounts{Prospects: 3, Succeeded: 2, Failed: 1}, st.Session.Snapshot.Counts)

	records, err := a.Records(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RecordDraftFailed, records[0].Status)
	assert.NotEmpty(t, records[0].DraftError)
}

func TestEveryCandidateFailingFailsWorkflow(t *testing.T) {
	f := newFixture(t)
	f.drafts.fail = map[string]bool{"ann@example.com": true, "bob@example.com": true, "cy@example.com": true}
	cfg := manualConfig()
	cfg.MaxRetries = 1
	a := f.agent(t, cfg)

	start(t, a)
	require.NoError(t, waitSelect(t, a))
	st := waitStage(t, a, domain.StageFailed)
	assert.Equal(t, "remote/500", st.Session.Snapshot.LastErrorCategory)
}

func waitSelect(t *testing.T, a *Agent) error {
	t.Helper()
	waitStage(t, a, domain.StageAwaitingTemplateSelection)
	return a.SelectTemplate(context.Background(), domain.Template{ID: "friendly"})
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, manualConfig())
	ctx := context.Background()

	err := a.Start(ctx, domain.StartRequest{TargetURL: "  "})
	assert.True(t, errdefs.IsInvalidArgument(err))

	start(t, a)
	err = a.Start(ctx, domain.StartRequest{TargetURL: "https://acme.test"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRecoverAfterRestart(t *testing.T) {
	f := newFixture(t)
	first := f.agent(t, manualConfig())
	start(t, first)
	waitStage(t, first, domain.StageAwaitingTemplateSelection)
	first.Close()

	_, err := first.Status(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	second := f.agent(t, manualConfig())
	require.NoError(t, second.Recover(context.Background()))
	st := waitStage(t, second, domain.StageAwaitingTemplateSelection)
	assert.Equal(t, 3, st.Records)

	require.NoError(t, second.SelectTemplate(context.Background(), domain.Template{ID: "friendly"}))
	waitStage(t, second, domain.StageAwaitingApproval)
}

func TestResetStartsOver(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, manualConfig())
	ctx := context.Background()

	start(t, a)
	waitStage(t, a, domain.StageAwaitingTemplateSelection)
	require.NoError(t, a.Reset(ctx))

	_, err := a.Status(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	fresh := f.agent(t, manualConfig())
	st, err := fresh.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.Session)
	assert.Zero(t, st.Records)

	start(t, fresh)
	st = waitStage(t, fresh, domain.StageAwaitingTemplateSelection)
	assert.Equal(t, 3, st.Records)
}

func TestIdle(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, manualConfig())

	assert.True(t, a.Idle(time.Now().Add(time.Hour), time.Minute))

	start(t, a)
	waitStage(t, a, domain.StageAwaitingTemplateSelection)
	assert.False(t, a.Idle(time.Now().Add(time.Hour), time.Minute), "paused campaigns hold deadlines")
}

func TestRearmingKeepsTheOutstandingApproval(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, manualConfig())
	ctx := context.Background()

	start(t, a)
	waitStage(t, a, domain.StageAwaitingTemplateSelection)
	require.NoError(t, a.SelectTemplate(ctx, domain.Template{ID: "friendly"}))
	st := waitStage(t, a, domain.StageAwaitingApproval)
	before := st.Session.Snapshot.Pending.Clone()
	require.NotNil(t, before)
	requested := f.events.count(notify.EventApprovalRequested)

	require.NoError(t, a.Recover(ctx))
	require.NoError(t, a.Resume(ctx))
	a.mu.Lock()
	a.armLocked()
	a.mu.Unlock()

	st, err := a.Status(ctx)
	require.NoError(t, err)
	after := st.Session.Snapshot.Pending
	require.NotNil(t, after)
	assert.Equal(t, domain.StageAwaitingApproval, st.Session.Stage)
	assert.Equal(t, before.Kind, after.Kind)
	assert.True(t, before.CreatedAt.Equal(after.CreatedAt), "created at moved")
	assert.True(t, before.Deadline.Equal(after.Deadline), "deadline moved")
	assert.False(t, after.Resolved())
	assert.Equal(t, requested, f.events.count(notify.EventApprovalRequested))
	assert.True(t, a.timers.Pending(string(domain.PendingSampleApproval)))
	assert.False(t, a.timers.Pending(string(domain.PendingTemplateSelection)))
}

func TestDecisionWinsOverFiringDeadline(t *testing.T) {
	f := newFixture(t)
	cfg := manualConfig()
	cfg.ApprovalDeadline = 200 * time.Millisecond
	a := f.agent(t, cfg)

	err := a.Start(context.Background(), domain.StartRequest{
		TargetURL: "https://acme.test",
		Template:  &domain.Template{ID: "caller", Body: "Caller body"},
	})
	require.NoError(t, err)
	waitStage(t, a, domain.StageAwaitingApproval)

	// Hold the lock past the deadline so its callback is queued behind the decision.
	a.mu.Lock()
	require.Eventually(t, func() bool {
		return !a.timers.Pending(string(domain.PendingSampleApproval))
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	err = a.resolveLocked(domain.PendingSampleApproval, domain.Decision{Action: domain.DecisionContinue})
	a.mu.Unlock()
	require.NoError(t, err)

	st := waitStage(t, a, domain.StageCompleted)
	require.NotNil(t, st.Session.Snapshot.Pending)
	require.NotNil(t, st.Session.Snapshot.Pending.Decision)
	assert.Equal(t, domain.DecisionContinue, st.Session.Snapshot.Pending.Decision.Action)
	assert.Equal(t, map[string]int{string(domain.PendingSampleApproval): 1}, f.events.resolved())
}

func TestDecisionsRacingDeadlinesResolveEachPauseOnce(t *testing.T) {
	for i := range 20 {
		f := newFixture(t)
		cfg := manualConfig()
		cfg.TemplateDeadline = time.Millisecond
		cfg.ApprovalDeadline = 2 * time.Millisecond
		a := f.agent(t, cfg)
		start(t, a)

		var accepted atomic.Int32
		done := make(chan struct{})
		go func() {
			defer close(done)
			ctx := context.Background()
			for end := time.Now().Add(5 * time.Second); time.Now().Before(end); {
				st, err := a.Status(ctx)
				if err == nil && st.Session != nil && st.Session.Stage == domain.StageCompleted {
					return
				}
				if a.Decide(ctx, domain.Decision{Action: domain.DecisionContinue}) == nil {
					accepted.Add(1)
				}
			}
		}()

		waitStage(t, a, domain.StageCompleted)
		<-done

		assert.Equal(t, map[string]int{
			string(domain.PendingTemplateSelection): 1,
			string(domain.PendingSampleApproval):    1,
		}, f.events.resolved(), "run %d", i)
		assert.LessOrEqual(t, accepted.Load(), int32(1), "run %d", i)
	}
}
