package domain

import (
	"time"
)

// Change is one key/value modification applied to a call context before a retry.
type Change struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Diagnosis explains a classified failure.
type Diagnosis struct {
	Category  string   `json:"category"`
	Subkind   string   `json:"subkind,omitempty"`
	Severity  string   `json:"severity"`
	RootCause string   `json:"root_cause"`
	Retryable bool     `json:"retryable"`
	Changes   []Change `json:"changes,omitempty"`
	Source    string   `json:"source"`
}

// StageAttempt records one try of a stage. It is never mutated after creation.
type StageAttempt struct {
	Stage       string        `json:"stage"`
	Attempt     int           `json:"attempt"`
	Succeeded   bool          `json:"succeeded"`
	Error       string        `json:"error,omitempty"`
	Category    string        `json:"category,omitempty"`
	Diagnosis   *Diagnosis    `json:"diagnosis,omitempty"`
	Adaptations []Change      `json:"adaptations,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

// LearningEvent is recorded when a stage succeeded after at least one healed failure.
type LearningEvent struct {
	Stage       string    `json:"stage"`
	Attempts    int       `json:"attempts"`
	Adaptations []Change  `json:"adaptations,omitempty"`
	At          time.Time `json:"at"`
}
