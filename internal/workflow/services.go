package workflow

import (
	"context"

	"github.com/ashureev/outreach/internal/domain"
	"github.com/ashureev/outreach/internal/healing"
)

// AnalysisService analyzes the campaign's target website.
type AnalysisService interface {
	Analyze(ctx context.Context, target, goal string, hc healing.Context) (*domain.Analysis, error)
}

// StrategyService generates the full campaign strategy.
type StrategyService interface {
	Generate(ctx context.Context, analysis *domain.Analysis, hc healing.Context) (*domain.Strategy, error)
}

// SearchOptions is passed to DiscoveryService.Search.
type SearchOptions struct {
	// OnBatch receives partial results as they are found. It may be called concurrently.
	OnBatch func(batch []domain.Record)
	Call    healing.Context
}

// DiscoveryService finds prospects for a strategy.
type DiscoveryService interface {
	Search(ctx context.Context, strategy *domain.Strategy, opts SearchOptions) ([]domain.Record, error)
}

// DraftService writes one email for one prospect.
type DraftService interface {
	Draft(ctx context.Context, record domain.Record, persona domain.Persona, strategy *domain.Strategy, tmpl *domain.Template, hc healing.Context) (*domain.Draft, error)
}
