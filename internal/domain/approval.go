package domain

import (
	"time"
)

// PendingKind distinguishes the two pause points.
type PendingKind string

const (
	PendingTemplateSelection PendingKind = "template_selection"
	PendingSampleApproval    PendingKind = "sample_approval"
)

// DecisionAction is the human (or deadline) answer to a pause.
type DecisionAction string

const (
	DecisionContinue         DecisionAction = "continue"
	DecisionEdit             DecisionAction = "edit"
	DecisionTemplateSelected DecisionAction = "template_selected"
	DecisionTimeoutDefault   DecisionAction = "timeout_default"
)

// Decision resolves a PendingApproval.
type Decision struct {
	Action    DecisionAction `json:"action"`
	Draft     *Draft         `json:"draft,omitempty"`
	Template  *Template      `json:"template,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`
}

// PendingApproval is the single artifact awaiting a decision for a session.
type PendingApproval struct {
	Kind      PendingKind `json:"kind"`
	Artifact  *Draft      `json:"artifact,omitempty"`
	RecordKey string      `json:"record_key,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	Deadline  time.Time   `json:"deadline"`
	Decision  *Decision   `json:"decision,omitempty"`
}

// Resolved returns true once a decision was recorded.
func (p *PendingApproval) Resolved() bool {
	return p != nil && p.Decision != nil
}

// Clone returns an independent copy.
func (p *PendingApproval) Clone() *PendingApproval {
	if p == nil {
		return nil
	}
	c := *p
	if p.Artifact != nil {
		a := *p.Artifact
		c.Artifact = &a
	}
	if p.Decision != nil {
		d := *p.Decision
		c.Decision = &d
	}
	return &c
}
