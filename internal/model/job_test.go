package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status JobStatus
		want   bool
	}{
		{JobStatusQueued, false},
		{JobStatusStarted, false},
		{JobStatusInProgress, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.status.Terminal())
		})
	}
}

func TestJobStage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		result *JobResult
		want   int
		ok     bool
	}{
		{"nil result", nil, 0, false},
		{"nil stage", &JobResult{}, 0, false},
		{"zero stage", &JobResult{MessageStage: Ptr(0)}, 0, false},
		{"stage two", &JobResult{MessageStage: Ptr(2)}, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			j := &Job{Result: tt.result}
			got, ok := j.Stage()
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestCampaignTemplate(t *testing.T) {
	t.Parallel()

	c := &Campaign{Stages: []StageTemplate{
		{Stage: 1, Body: "hi", DelayDays: 3},
		{Stage: 2, Body: "again", DelayDays: 5},
	}}

	tmpl, ok := c.Template(2)
	assert.True(t, ok)
	assert.Equal(t, "again", tmpl.Body)

	_, ok = c.Template(3)
	assert.False(t, ok)

	assert.Equal(t, 3, c.DelayDays(1))
	assert.Equal(t, 0, c.DelayDays(9))
}

func TestClientHasVerifiedSubdomain(t *testing.T) {
	t.Parallel()

	var nilClient *Client
	assert.False(t, nilClient.HasVerifiedSubdomain())
	assert.False(t, (&Client{Subdomain: "acme"}).HasVerifiedSubdomain())
	assert.False(t, (&Client{SubdomainStatus: SubdomainVerified}).HasVerifiedSubdomain())
	assert.True(t, (&Client{Subdomain: "acme", SubdomainStatus: SubdomainVerified}).HasVerifiedSubdomain())
}

func TestCredentialsEmpty(t *testing.T) {
	t.Parallel()

	assert.True(t, Credentials{Account: "a"}.Empty())
	assert.False(t, Credentials{Secret: "s"}.Empty())
}

func TestLeadStageValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, (&Lead{}).StageValue())
	assert.Equal(t, 3, (&Lead{MessageStage: Ptr(3)}).StageValue())

	// Values returned from calls and map lookups are not addressable.
	byID := map[string]Lead{"a": {MessageStage: Ptr(2)}}
	assert.Equal(t, 2, byID["a"].StageValue())
	assert.Equal(t, 0, Lead{}.StageValue())
}
