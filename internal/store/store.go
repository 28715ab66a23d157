// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/outreach/internal/domain"
)

// Repository defines the interface for persisting workflow sessions and their records.
// Reads return nil, nil when nothing matches.
type Repository interface {
	// CreateSession inserts session unless its campaign already has an active one, in which
	// case the existing session is returned with created=false.
	CreateSession(ctx context.Context, session *domain.WorkflowSession) (existing *domain.WorkflowSession, created bool, err error)

	// SaveSession writes the current state of a session. Sessions hidden by a reset are not
	// written.
	SaveSession(ctx context.Context, session *domain.WorkflowSession) error

	// LoadSession returns the latest session of a campaign that was not reset, archived or not.
	LoadSession(ctx context.Context, key domain.TenantKey) (*domain.WorkflowSession, error)

	// ListActiveSessions returns every session that is neither archived nor reset.
	ListActiveSessions(ctx context.Context) ([]*domain.WorkflowSession, error)

	// ResetSession archives the campaign's current session, hides it from resume, and clears
	// the template flag. Records and attempts are kept.
	ResetSession(ctx context.Context, key domain.TenantKey) error

	// AppendRecords stores newly merged records against the campaign's current session.
	AppendRecords(ctx context.Context, key domain.TenantKey, records []domain.Record) error

	// UpdateRecord replaces the mutable fields of a stored record.
	UpdateRecord(ctx context.Context, key domain.TenantKey, record domain.Record) error

	// ListRecords returns the records of the campaign's current session in insertion order.
	ListRecords(ctx context.Context, key domain.TenantKey) ([]domain.Record, error)

	// AppendAttempt stores a stage attempt for post-mortem inspection.
	AppendAttempt(ctx context.Context, key domain.TenantKey, attempt domain.StageAttempt) error

	// ListAttempts returns the attempts of the campaign's current session.
	ListAttempts(ctx context.Context, key domain.TenantKey) ([]domain.StageAttempt, error)

	// AppendLearning stores a successful-healing event.
	AppendLearning(ctx context.Context, key domain.TenantKey, event domain.LearningEvent) error

	// MarkTemplateSubmitted sets the campaign's template flag and reports whether this call
	// was the one that set it.
	MarkTemplateSubmitted(ctx context.Context, key domain.TenantKey) (bool, error)

	// TemplateSubmitted reports whether the campaign's template flag is set.
	TemplateSubmitted(ctx context.Context, key domain.TenantKey) (bool, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
