// Package domain contains core domain types for the outreach orchestrator.
package domain

import (
	"strings"
)

// TenantKey identifies one (user, campaign) pair, the unit of isolation.
type TenantKey struct {
	UserID     string `json:"user_id"`
	CampaignID string `json:"campaign_id"`
}

// NewTenantKey trims both parts of the key.
func NewTenantKey(userID, campaignID string) TenantKey {
	return TenantKey{
		UserID:     strings.TrimSpace(userID),
		CampaignID: strings.TrimSpace(campaignID),
	}
}

// Valid reports whether both parts of the key are set.
func (k TenantKey) Valid() bool {
	return k.UserID != "" && k.CampaignID != ""
}

// String returns the composite "user:campaign" form used for logging and record stamping.
func (k TenantKey) String() string {
	return k.UserID + ":" + k.CampaignID
}
