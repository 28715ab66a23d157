package workflow

import (
	"fmt"

	"github.com/ashureev/outreach/internal/domain"
)

// transitions lists the legal successors of every stage. Completed is only reachable from
// GeneratingRemaining, and TimedOut may be left only by an explicit Resume.
var transitions = map[domain.Stage][]domain.Stage{
	domain.StageAnalyzing:                 {domain.StageStrategyGenerating, domain.StageFailed},
	domain.StageStrategyGenerating:        {domain.StageSearchingProspects, domain.StageFailed},
	domain.StageSearchingProspects:        {domain.StageAwaitingTemplateSelection, domain.StageGeneratingEmails, domain.StageTimedOut, domain.StageFailed},
	domain.StageAwaitingTemplateSelection: {domain.StageGeneratingEmails, domain.StageTimedOut, domain.StageFailed},
	domain.StageGeneratingEmails:          {domain.StageAwaitingApproval, domain.StageFailed},
	domain.StageAwaitingApproval:          {domain.StageGeneratingRemaining, domain.StageTimedOut, domain.StageFailed},
	domain.StageGeneratingRemaining:       {domain.StageCompleted, domain.StageFailed},
	domain.StageTimedOut:                  {domain.StageAwaitingTemplateSelection, domain.StageGeneratingEmails, domain.StageAwaitingApproval},
}

func checkTransition(from, to domain.Stage) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", errIllegalTransition, from, to)
}
