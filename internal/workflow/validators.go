package workflow

import (
	"strings"
	"unicode/utf8"

	"github.com/ashureev/outreach/internal/domain"
	"github.com/ashureev/outreach/internal/healing"
)

// Stage names used for retry policies, attempt history and validators.
const (
	StepWebsiteAnalysis    = "website_analysis"
	StepStrategyGeneration = "strategy_generation"
	StepProspectSearch     = "prospect_search"
	StepEmailGeneration    = "email_generation"
)

// ValidateAnalysis requires a company name, a known industry and a real value proposition.
func ValidateAnalysis(result any) healing.Verdict {
	a, _ := result.(*domain.Analysis)
	if a == nil {
		return healing.Verdict{Reason: "analysis is empty"}
	}
	if utf8.RuneCountInString(strings.TrimSpace(a.CompanyName)) < 2 {
		return healing.Verdict{Reason: "company name missing or too short"}
	}
	industry := strings.TrimSpace(a.Industry)
	if industry == "" || strings.EqualFold(industry, "unknown") {
		return healing.Verdict{Reason: "industry missing or unknown"}
	}
	if utf8.RuneCountInString(strings.TrimSpace(a.ValueProposition)) < 10 {
		return healing.Verdict{Reason: "value proposition missing or too short"}
	}
	return healing.Verdict{Valid: true}
}

// ValidateStrategy requires something to search for.
func ValidateStrategy(result any) healing.Verdict {
	s, _ := result.(*domain.Strategy)
	if s == nil {
		return healing.Verdict{Reason: "strategy is empty"}
	}
	if len(s.Keywords) == 0 && strings.TrimSpace(s.Audience) == "" {
		return healing.Verdict{Reason: "strategy has neither keywords nor audience"}
	}
	return healing.Verdict{Valid: true}
}

// ValidateProspects requires at least one syntactically valid email.
func ValidateProspects(result any) healing.Verdict {
	records, _ := result.([]domain.Record)
	for _, r := range records {
		if domain.ValidEmail(r.Email) {
			return healing.Verdict{Valid: true}
		}
	}
	return healing.Verdict{Reason: "no prospect with a valid email"}
}

// ValidateDraft requires a subject of at least 5 and a body of at least 50 characters.
func ValidateDraft(result any) healing.Verdict {
	d, _ := result.(*domain.Draft)
	if d == nil {
		return healing.Verdict{Reason: "draft is empty"}
	}
	if utf8.RuneCountInString(strings.TrimSpace(d.Subject)) < 5 {
		return healing.Verdict{Reason: "subject missing or too short"}
	}
	if utf8.RuneCountInString(strings.TrimSpace(d.Body)) < 50 {
		return healing.Verdict{Reason: "body missing or too short"}
	}
	return healing.Verdict{Valid: true}
}
