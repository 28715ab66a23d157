package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/outreach/internal/domain"
	"github.com/ashureev/outreach/internal/healing"
	"github.com/ashureev/outreach/internal/workflow"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func category(t *testing.T, err error) string {
	t.Helper()
	var tagged *healing.Error
	if !errors.As(err, &tagged) {
		t.Fatalf("error %v is not tagged", err)
	}
	return tagged.Category()
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("ftp://agent", nil); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func TestAnalyzeSendsCallContext(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/analyze" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("User-Agent"); got != "healed-agent" {
			t.Errorf("User-Agent = %q", got)
		}
		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.TargetURL != "https://acme.test" || req.Goal != "partners" {
			t.Errorf("request = %+v", req)
		}
		if req.Options.Timeout != 30*time.Second {
			t.Errorf("options timeout = %v", req.Options.Timeout)
		}
		_ = json.NewEncoder(w).Encode(domain.Analysis{CompanyName: "Acme", Industry: "Retail"})
	}))

	hc := healing.Context{Timeout: 30 * time.Second, Headers: map[string]string{"User-Agent": "healed-agent"}}
	got, err := c.Analyze(context.Background(), "https://acme.test", "partners", hc)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if got.CompanyName != "Acme" {
		t.Errorf("CompanyName = %q", got.CompanyName)
	}
}

func TestDraftForwardsValidationFeedback(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req draftRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Feedback != "body missing or too short" {
			t.Errorf("feedback = %q", req.Feedback)
		}
		_ = json.NewEncoder(w).Encode(domain.Draft{Subject: "Hi " + req.Record.Name, Body: "body"})
	}))

	hc := healing.Context{}.Apply([]domain.Change{{Key: healing.KeyValidationFeedback, Value: "body missing or too short"}})
	got, err := c.Draft(context.Background(), domain.Record{Email: "a@b.co", Name: "Ann"}, domain.Persona{}, nil, nil, hc)
	if err != nil {
		t.Fatalf("Draft() error = %v", err)
	}
	if got.Subject != "Hi Ann" {
		t.Errorf("Subject = %q", got.Subject)
	}
}

func TestErrorsAreTaggedAtTheBoundary(t *testing.T) {
	t.Run("remote status", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		_, err := c.Generate(context.Background(), &domain.Analysis{}, healing.Context{})
		if got := category(t, err); got != "remote/503" {
			t.Errorf("category = %q", got)
		}
		var tagged *healing.Error
		errors.As(err, &tagged)
		if tagged.Reason != "overloaded" {
			t.Errorf("reason = %q", tagged.Reason)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}))
		_, err := c.Analyze(context.Background(), "https://acme.test", "", healing.Context{Timeout: 20 * time.Millisecond})
		if got := category(t, err); got != "network/timeout" {
			t.Errorf("category = %q", got)
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()
		c, err := NewClient(addr, nil)
		if err != nil {
			t.Fatal(err)
		}
		_, err = c.Analyze(context.Background(), "https://acme.test", "", healing.Context{})
		if got := category(t, err); got != "network/connection" {
			t.Errorf("category = %q", got)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		_, err := c.Analyze(context.Background(), "https://acme.test", "", healing.Context{})
		if got := category(t, err); got != "unknown" {
			t.Errorf("category = %q", got)
		}
	})
}

func TestTransportsAreSharedPerSettings(t *testing.T) {
	c, err := NewClient("http://agent.local", nil)
	if err != nil {
		t.Fatal(err)
	}
	a := c.httpClient(healing.Context{})
	b := c.httpClient(healing.Context{Timeout: time.Minute})
	v4 := c.httpClient(healing.Context{ForceIPv4: true, MaxConns: 1})

	if a.Transport != b.Transport {
		t.Error("same settings should share a transport")
	}
	if a.Transport == v4.Transport {
		t.Error("ipv4 settings should use their own transport")
	}
	if b.Timeout != time.Minute || a.Timeout != healing.DefaultCallTimeout {
		t.Errorf("timeouts = %v, %v", a.Timeout, b.Timeout)
	}
	if got := v4.Transport.(*http.Transport).MaxConnsPerHost; got != 1 {
		t.Errorf("MaxConnsPerHost = %d", got)
	}
	stream := c.streamClient(healing.Context{Timeout: time.Minute})
	if stream.Timeout != 0 || stream.Transport != a.Transport {
		t.Errorf("stream client timeout = %v, shared transport = %v", stream.Timeout, stream.Transport == a.Transport)
	}
	insecure := c.httpClient(healing.Context{InsecureSkipVerify: true})
	if !insecure.Transport.(*http.Transport).TLSClientConfig.InsecureSkipVerify {
		t.Error("insecure transport should skip verification")
	}
}

func ndjson(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/search" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintln(w, l)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func TestSearchStreamsBatches(t *testing.T) {
	c := newTestClient(t, ndjson(
		`{"batch":[{"email":"a@x.io"},{"email":"b@x.io"}]}`,
		``,
		`{"batch":[{"email":"c@x.io"}]}`,
		`{"final":[{"email":"a@x.io"},{"email":"b@x.io"},{"email":"c@x.io"}]}`,
	))

	var batches [][]domain.Record
	got, err := c.Search(context.Background(), &domain.Strategy{Keywords: []string{"x"}}, workflow.SearchOptions{
		OnBatch: func(b []domain.Record) { batches = append(batches, b) },
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(batches) != 2 || len(batches[0]) != 2 || len(batches[1]) != 1 {
		t.Errorf("batches = %+v", batches)
	}
	if len(got) != 3 {
		t.Errorf("final = %d records, want 3", len(got))
	}
}

func TestSearchOutlivesCallTimeout(t *testing.T) {
	const count = 6
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher := w.(http.Flusher)
		for i := range count {
			fmt.Fprintf(w, `{"batch":[{"email":"p%d@x.io"}]}`+"\n", i)
			flusher.Flush()
			time.Sleep(40 * time.Millisecond)
		}
	}))

	var batches int
	start := time.Now()
	got, err := c.Search(context.Background(), &domain.Strategy{}, workflow.SearchOptions{
		Call:    healing.Context{Timeout: 100 * time.Millisecond},
		OnBatch: func([]domain.Record) { batches++ },
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("stream finished after %v, expected it to outlast the call timeout", elapsed)
	}
	if batches != count || len(got) != count {
		t.Errorf("batches = %d, records = %d, want %d", batches, len(got), count)
	}
}

func TestSearchStalledStreamIsTimeout(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"batch":[{"email":"a@x.io"}]}`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))

	var batches int
	_, err := c.Search(context.Background(), &domain.Strategy{}, workflow.SearchOptions{
		Call:    healing.Context{Timeout: 50 * time.Millisecond},
		OnBatch: func([]domain.Record) { batches++ },
	})
	if got := category(t, err); got != "network/timeout" {
		t.Errorf("category = %q", got)
	}
	if batches != 1 {
		t.Errorf("batches = %d, want 1", batches)
	}
}

func TestSearchCancelledByCaller(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"batch":[{"email":"a@x.io"}]}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Search(ctx, &domain.Strategy{}, workflow.SearchOptions{
		Call: healing.Context{Timeout: time.Minute},
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Search() error = %v, want the caller's deadline", err)
	}
}

func TestSearchWithoutFinalReturnsStreamed(t *testing.T) {
	c := newTestClient(t, ndjson(
		`{"batch":[{"email":"a@x.io"}]}`,
		`{"batch":[{"email":"b@x.io"}]}`,
	))
	got, err := c.Search(context.Background(), &domain.Strategy{}, workflow.SearchOptions{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d records, want 2", len(got))
	}
}

func TestSearchStreamErrors(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
	}{
		{"error frame", []string{`{"batch":[{"email":"a@x.io"}]}`, `{"error":"upstream search timed out"}`}},
		{"malformed frame", []string{`{"batch":[`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, ndjson(tt.lines...))
			_, err := c.Search(context.Background(), &domain.Strategy{}, workflow.SearchOptions{})
			if err == nil {
				t.Fatal("expected error")
			}
			category(t, err)
		})
	}
}

func TestDiagnoser(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/diagnose":
			var req diagnoseRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(domain.Diagnosis{
				Category:  req.Category,
				RootCause: "rate limited by " + req.Stage,
				Retryable: true,
				Changes:   []domain.Change{{Key: healing.KeyRetryDelay, Value: "2m"}},
			})
		case "/v1/postmortem":
			var req postMortemRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(postMortemResponse{Report: fmt.Sprintf("%s failed %d times", req.Stage, len(req.Attempts))})
		default:
			http.NotFound(w, r)
		}
	}))

	var (
		_ healing.Diagnoser    = c.Diagnoser()
		_ healing.PostMortemer = c.Diagnoser()
	)

	d, err := c.Diagnoser().Diagnose(context.Background(), "prospect_search", healing.Remote(429, ""), healing.Context{})
	if err != nil {
		t.Fatalf("Diagnose() error = %v", err)
	}
	if d.Category != "remote/429" || len(d.Changes) != 1 {
		t.Errorf("diagnosis = %+v", d)
	}

	report, err := c.Diagnoser().PostMortem(context.Background(), "prospect_search", make([]domain.StageAttempt, 3), healing.Context{})
	if err != nil {
		t.Fatalf("PostMortem() error = %v", err)
	}
	if report != "prospect_search failed 3 times" {
		t.Errorf("report = %q", report)
	}
}
