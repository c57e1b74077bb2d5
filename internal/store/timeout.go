package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
)

// timeoutStore bounds every call to the wrapped store with a deadline.
type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout wraps s so each operation runs under its own deadline. A
// non-positive timeout returns s unchanged.
func WithTimeout(s Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return s
	}
	return &timeoutStore{next: s, timeout: timeout}
}

func call[T any](ctx context.Context, d time.Duration, label string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	v, err := fn(ctx)
	if err == nil {
		return v, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return v, eris.Wrapf(err, "store: %s timed out after %s", label, d)
	}
	return v, eris.Wrapf(err, "store: %s", label)
}

func exec(ctx context.Context, d time.Duration, label string, fn func(context.Context) error) error {
	_, err := call(ctx, d, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (t *timeoutStore) CreateJob(ctx context.Context, job *model.Job) error {
	return exec(ctx, t.timeout, "create job", func(ctx context.Context) error {
		return t.next.CreateJob(ctx, job)
	})
}

func (t *timeoutStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return call(ctx, t.timeout, "get job", func(ctx context.Context) (*model.Job, error) {
		return t.next.GetJob(ctx, jobID)
	})
}

func (t *timeoutStore) UpdateJob(ctx context.Context, jobID string, patch model.JobPatch) error {
	return exec(ctx, t.timeout, "update job", func(ctx context.Context) error {
		return t.next.UpdateJob(ctx, jobID, patch)
	})
}

func (t *timeoutStore) GetCampaign(ctx context.Context, campaignID string) (*model.Campaign, error) {
	return call(ctx, t.timeout, "get campaign", func(ctx context.Context) (*model.Campaign, error) {
		return t.next.GetCampaign(ctx, campaignID)
	})
}

func (t *timeoutStore) SaveCampaign(ctx context.Context, campaign *model.Campaign) error {
	return exec(ctx, t.timeout, "save campaign", func(ctx context.Context) error {
		return t.next.SaveCampaign(ctx, campaign)
	})
}

func (t *timeoutStore) GetClient(ctx context.Context, clientID string) (*model.Client, error) {
	return call(ctx, t.timeout, "get client", func(ctx context.Context) (*model.Client, error) {
		return t.next.GetClient(ctx, clientID)
	})
}

func (t *timeoutStore) SaveClient(ctx context.Context, client *model.Client) error {
	return exec(ctx, t.timeout, "save client", func(ctx context.Context) error {
		return t.next.SaveClient(ctx, client)
	})
}

func (t *timeoutStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	return call(ctx, t.timeout, "list leads", func(ctx context.Context) ([]model.Lead, error) {
		return t.next.ListLeads(ctx, filter)
	})
}

func (t *timeoutStore) SaveLeads(ctx context.Context, leads []model.Lead) (int64, error) {
	return call(ctx, t.timeout, "save leads", func(ctx context.Context) (int64, error) {
		return t.next.SaveLeads(ctx, leads)
	})
}

func (t *timeoutStore) GetLeadStage(ctx context.Context, leadID string) (*int, error) {
	return call(ctx, t.timeout, "get lead stage", func(ctx context.Context) (*int, error) {
		return t.next.GetLeadStage(ctx, leadID)
	})
}

func (t *timeoutStore) MarkLeadSent(ctx context.Context, leadID string, stage int, at time.Time) (bool, error) {
	return call(ctx, t.timeout, "mark lead sent", func(ctx context.Context) (bool, error) {
		return t.next.MarkLeadSent(ctx, leadID, stage, at)
	})
}

func (t *timeoutStore) MarkLeadFailed(ctx context.Context, leadID string, reason string) error {
	return exec(ctx, t.timeout, "mark lead failed", func(ctx context.Context) error {
		return t.next.MarkLeadFailed(ctx, leadID, reason)
	})
}

func (t *timeoutStore) Ping(ctx context.Context) error {
	return exec(ctx, t.timeout, "ping", t.next.Ping)
}

// Migrate runs without the per-call deadline.
func (t *timeoutStore) Migrate(ctx context.Context) error {
	return t.next.Migrate(ctx)
}

func (t *timeoutStore) Close() error {
	return t.next.Close()
}
