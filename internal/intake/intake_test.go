package intake

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

type recordingDispatcher struct {
	ids []string
	err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.ids = append(d.ids, jobID)
	return d.err
}

func newTestService(t *testing.T, d Dispatcher) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	svc := NewService(st, d)
	svc.newID = func() string { return "job-1" }
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return svc, st
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		problems int
	}{
		{"valid", Request{CampaignID: "c", MessageStage: 1, TotalMessages: 10}, 0},
		{"valid with batch", Request{CampaignID: "c", MessageStage: 2, TotalMessages: 10, BatchSize: 10}, 0},
		{"missing campaign", Request{CampaignID: "  ", MessageStage: 1, TotalMessages: 10}, 1},
		{"zero stage", Request{CampaignID: "c", TotalMessages: 10}, 1},
		{"negative total", Request{CampaignID: "c", MessageStage: 1, TotalMessages: -1}, 1},
		{"negative batch", Request{CampaignID: "c", MessageStage: 1, TotalMessages: 10, BatchSize: -2}, 1},
		{"batch above total", Request{CampaignID: "c", MessageStage: 1, TotalMessages: 3, BatchSize: 4}, 1},
		{"everything wrong", Request{}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.problems == 0 {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Len(t, verr.Problems, tt.problems)
			assert.Equal(t, model.CategoryRequestValidationFailed, verr.Category())
		})
	}
}

func TestService_CreateJob(t *testing.T) {
	d := &recordingDispatcher{}
	svc, st := newTestService(t, d)

	job, err := svc.CreateJob(context.Background(), Request{CampaignID: "camp-1", MessageStage: 2, TotalMessages: 25})
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, []string{"job-1"}, d.ids)

	got, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusStarted, got.Status)
	assert.Zero(t, got.Progress)
	assert.Equal(t, 25, got.MaxProfiles)
	assert.Equal(t, model.DefaultBatchSize, got.BatchSize)
	stage, ok := got.Stage()
	require.True(t, ok)
	assert.Equal(t, 2, stage)
}

func TestService_CreateJob_InvalidCreatesNothing(t *testing.T) {
	d := &recordingDispatcher{}
	svc, st := newTestService(t, d)

	_, err := svc.CreateJob(context.Background(), Request{CampaignID: "camp-1", TotalMessages: 5})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, d.ids)

	_, err = st.GetJob(context.Background(), "job-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_CreateJob_DispatchFailure(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("queue unavailable")}
	svc, st := newTestService(t, d)

	_, err := svc.CreateJob(context.Background(), Request{CampaignID: "camp-1", MessageStage: 1, TotalMessages: 5, BatchSize: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue unavailable")

	got, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, model.CategoryUnknown, got.ErrorCategory)
	assert.Equal(t, 2, got.BatchSize)
}
