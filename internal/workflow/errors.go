package workflow

import "errors"

var (
	// ErrNoPendingApproval is returned when a decision arrives and nothing is awaiting one,
	// including when a deadline already resolved the pause.
	ErrNoPendingApproval = errors.New("no pending approval")

	// ErrAlreadyRunning is returned by Start when the campaign already has a session.
	ErrAlreadyRunning = errors.New("campaign already started")

	// ErrNotStarted is returned when an operation needs a session and there is none.
	ErrNotStarted = errors.New("campaign not started")

	// ErrInvalidDecision is returned for a decision that does not fit the pending approval.
	ErrInvalidDecision = errors.New("invalid decision")

	// ErrNotResumable is returned by Resume when the session cannot make progress.
	ErrNotResumable = errors.New("campaign cannot be resumed")

	// ErrClosed is returned once the agent was closed or reset.
	ErrClosed = errors.New("agent closed")

	errIllegalTransition = errors.New("illegal stage transition")
	errNoProspects       = errors.New("no prospects to draft")
)
