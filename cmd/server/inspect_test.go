package main

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/outreach/internal/domain"
	"github.com/ashureev/outreach/internal/store"
)

func TestInspect(t *testing.T) {
	repo, err := store.NewSQLite(t.TempDir() + "/inspect.db")
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	key := domain.NewTenantKey("user-1", "campaign-1")

	if _, err := inspect(ctx, repo, key); err == nil {
		t.Fatal("expected an error for a campaign without a session")
	}

	now := time.Now()
	if _, _, err := repo.CreateSession(ctx, &domain.WorkflowSession{
		ID:           "session-1",
		Key:          key,
		Stage:        domain.StageSearchingProspects,
		StartedAt:    now,
		LastActivity: now,
		Snapshot:     domain.Snapshot{Request: domain.StartRequest{TargetURL: "https://acme.test"}},
	}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := repo.AppendRecords(ctx, key, []domain.Record{{Email: "ann@shop.test", Name: "Ann"}}); err != nil {
		t.Fatalf("AppendRecords() error = %v", err)
	}

	got, err := inspect(ctx, repo, key)
	if err != nil {
		t.Fatalf("inspect() error = %v", err)
	}
	if got.Session.ID != "session-1" || got.Session.Stage != domain.StageSearchingProspects {
		t.Errorf("session = %+v", got.Session)
	}
	if len(got.Records) != 1 || got.Records[0].Email != "ann@shop.test" {
		t.Errorf("records = %+v", got.Records)
	}
	if len(got.Attempts) != 0 {
		t.Errorf("attempts = %+v, want none", got.Attempts)
	}
}
