package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/intake"
	"github.com/sells-group/outreach-cli/internal/model"
)

func TestPrintJobSummary(t *testing.T) {
	job := &model.Job{
		ID:            "job-1",
		Status:        model.JobStatusFailed,
		Progress:      0.5,
		Error:         "3 consecutive delivery failures",
		ErrorCategory: model.CategoryConsecutiveFailures,
		Result: &model.JobResult{
			Message:     "sent 1, failed 3, skipped 0 of 8 eligible leads",
			FailedLeads: []model.FailedLead{{LeadID: "l-2", Reason: "send rejected"}},
		},
	}

	var buf bytes.Buffer
	printJobSummary(&buf, job)

	out := buf.String()
	assert.Contains(t, out, "Job job-1: failed (progress 50%)")
	assert.Contains(t, out, "sent 1, failed 3")
	assert.Contains(t, out, "failed l-2: send rejected")
	assert.Contains(t, out, "Error (consecutive_failures)")
}

func TestJobRequestFromFlags(t *testing.T) {
	flags := map[string]string{"campaign": "camp-1", "stage": "2", "total": "40", "batch": "8"}
	for name, value := range flags {
		require.NoError(t, jobsCreateCmd.Flags().Set(name, value))
	}
	t.Cleanup(func() {
		for name := range flags {
			f := jobsCreateCmd.Flags().Lookup(name)
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})

	req := jobRequestFromFlags(jobsCreateCmd)
	assert.Equal(t, intake.Request{CampaignID: "camp-1", MessageStage: 2, TotalMessages: 40, BatchSize: 8}, req)
	assert.NoError(t, req.Validate())
}
