package domain

import (
	"strings"
	"time"
)

// RecordStatus tracks a prospect through drafting.
type RecordStatus string

const (
	RecordDiscovered  RecordStatus = "discovered"
	RecordDrafted     RecordStatus = "drafted"
	RecordDraftFailed RecordStatus = "draft_failed"
)

// Draft is a generated email.
type Draft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Record is a discovered prospect and, once generated, its email draft.
type Record struct {
	CampaignKey string       `json:"campaign_key"`
	Email       string       `json:"email"`
	Name        string       `json:"name,omitempty"`
	Company     string       `json:"company,omitempty"`
	Role        string       `json:"role,omitempty"`
	Source      string       `json:"source,omitempty"`
	Status      RecordStatus `json:"status"`
	Draft       *Draft       `json:"draft,omitempty"`
	DraftError  string       `json:"draft_error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// NaturalKey returns the campaign-scoped dedup key.
func (r Record) NaturalKey() string {
	return NormalizeEmail(r.Email)
}

// NeedsDraft returns true while the record has not been processed by drafting.
func (r Record) NeedsDraft() bool {
	return r.Draft == nil && r.Status != RecordDraftFailed
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail is a cheap syntactic check: one @, a non-empty local part and a dotted domain.
func ValidEmail(email string) bool {
	email = NormalizeEmail(email)
	if strings.ContainsAny(email, " \t\r\n") {
		return false
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at != strings.Index(email, "@") {
		return false
	}
	domain := email[at+1:]
	dot := strings.LastIndex(domain, ".")
	return dot > 0 && dot < len(domain)-1
}
