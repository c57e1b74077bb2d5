package model

import (
	"encoding/json"
	"time"
)

// Lead is a prospect targeted by a campaign. The engine mutates leads in
// place and never creates or deletes them.
type Lead struct {
	ID               string          `json:"id"`
	CampaignID       string          `json:"campaign_id"`
	FirstName        string          `json:"first_name"`
	LastName         string          `json:"last_name"`
	Company          string          `json:"company"`
	Position         string          `json:"position"`
	ProfileURL       string          `json:"profile_url"`
	MessageStage     *int            `json:"message_stage,omitempty"`
	MessageSent      bool            `json:"message_sent"`
	LastContacted    *time.Time      `json:"last_contacted,omitempty"`
	Personalization  json.RawMessage `json:"personalization,omitempty"`
	Error            *string         `json:"error,omitempty"`
	ProfileReachable bool            `json:"profile_reachable"`
	Replied          bool            `json:"replied"`
	SalesforceID     string          `json:"salesforce_id,omitempty"`
}

// StageValue returns the lead's current stage, or 0 when none is recorded.
func (l Lead) StageValue() int {
	if l.MessageStage == nil {
		return 0
	}
	return *l.MessageStage
}
