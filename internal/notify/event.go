// Package notify fans workflow events out to live subscribers of a campaign.
package notify

import (
	"time"

	"github.com/ashureev/outreach/internal/domain"
)

// EventType names what happened.
type EventType string

const (
	EventStageChanged      EventType = "stage_changed"
	EventRecordsMerged     EventType = "records_merged"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalResolved  EventType = "approval_resolved"
	EventAttemptFailed     EventType = "attempt_failed"
	EventStrategyUpdated   EventType = "strategy_updated"
	EventDraftGenerated    EventType = "draft_generated"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowTimedOut  EventType = "workflow_timed_out"
	EventWorkflowCompleted EventType = "workflow_completed"
)

// Event is one notification for one campaign. ID is assigned by the hub.
type Event struct {
	ID    int64            `json:"id"`
	Type  EventType        `json:"type"`
	Key   domain.TenantKey `json:"key"`
	Stage domain.Stage     `json:"stage,omitempty"`
	Data  any              `json:"data,omitempty"`
	At    time.Time        `json:"at"`
}

// Gateway accepts events without blocking the caller.
type Gateway interface {
	Publish(key domain.TenantKey, ev Event)
}

// Discard is a Gateway that drops every event.
type Discard struct{}

// Publish implements Gateway.
func (Discard) Publish(domain.TenantKey, Event) {}
