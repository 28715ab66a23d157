package domain

import (
	"time"
)

// Stage is one ordered phase of a campaign workflow.
type Stage string

const (
	StageAnalyzing                 Stage = "analyzing"
	StageStrategyGenerating        Stage = "strategy_generating"
	StageSearchingProspects        Stage = "searching_prospects"
	StageAwaitingTemplateSelection Stage = "awaiting_template_selection"
	StageGeneratingEmails          Stage = "generating_emails"
	StageAwaitingApproval          Stage = "awaiting_approval"
	StageGeneratingRemaining       Stage = "generating_remaining"
	StageCompleted                 Stage = "completed"
	StageFailed                    Stage = "failed"
	StageTimedOut                  Stage = "timed_out"
)

// Terminal returns true for stages that never progress automatically.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageTimedOut:
		return true
	}
	return false
}

// Paused returns true for stages that wait on human input.
func (s Stage) Paused() bool {
	return s == StageAwaitingTemplateSelection || s == StageAwaitingApproval
}

// WorkflowSession is the persisted state of one campaign run.
type WorkflowSession struct {
	ID           string     `json:"id"`
	Key          TenantKey  `json:"key"`
	Stage        Stage      `json:"stage"`
	StartedAt    time.Time  `json:"started_at"`
	LastActivity time.Time  `json:"last_activity"`
	PausedReason *string    `json:"paused_reason,omitempty"`
	Snapshot     Snapshot   `json:"snapshot"`
	ArchivedAt   *time.Time `json:"archived_at,omitempty"`
}

// Archived returns true once the session reached an end state and was archived.
func (s *WorkflowSession) Archived() bool {
	return s.ArchivedAt != nil
}

// Clone returns a deep enough copy for handing out of a lock.
func (s *WorkflowSession) Clone() *WorkflowSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.PausedReason != nil {
		r := *s.PausedReason
		c.PausedReason = &r
	}
	if s.ArchivedAt != nil {
		t := *s.ArchivedAt
		c.ArchivedAt = &t
	}
	c.Snapshot = s.Snapshot.Clone()
	return &c
}

// StartRequest is what a caller supplies when launching a campaign.
type StartRequest struct {
	TargetURL string    `json:"target_url"`
	Goal      string    `json:"goal"`
	Persona   Persona   `json:"persona"`
	Template  *Template `json:"template,omitempty"`
}

// ResultCounts summarizes bulk generation.
type ResultCounts struct {
	Prospects int `json:"prospects"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Snapshot holds the stage outputs accumulated so far. The store treats it as opaque JSON.
type Snapshot struct {
	Request             StartRequest     `json:"request"`
	Analysis            *Analysis        `json:"analysis,omitempty"`
	Strategy            *Strategy        `json:"strategy,omitempty"`
	Template            *Template        `json:"template,omitempty"`
	Pending             *PendingApproval `json:"pending,omitempty"`
	SampleKey           string           `json:"sample_key,omitempty"`
	Counts              ResultCounts     `json:"counts"`
	FailureReason       string           `json:"failure_reason,omitempty"`
	LastErrorCategory   string           `json:"last_error_category,omitempty"`
	DiscoveryTimedOut   bool             `json:"discovery_timed_out,omitempty"`
	TemplateAutoApplied bool             `json:"template_auto_applied,omitempty"`
}

// Clone copies the pointer fields so callers cannot mutate the owner's state.
func (s Snapshot) Clone() Snapshot {
	c := s
	if s.Request.Template != nil {
		t := *s.Request.Template
		c.Request.Template = &t
	}
	if s.Analysis != nil {
		a := *s.Analysis
		a.Keywords = append([]string(nil), s.Analysis.Keywords...)
		c.Analysis = &a
	}
	if s.Strategy != nil {
		st := s.Strategy.Clone()
		c.Strategy = st
	}
	if s.Template != nil {
		t := *s.Template
		c.Template = &t
	}
	if s.Pending != nil {
		c.Pending = s.Pending.Clone()
	}
	return c
}
