// Package store persists outreach jobs, campaigns, clients, and leads.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = eris.New("store: record not found")
	// ErrJobClosed is returned when updating a job that is missing or already
	// completed or failed.
	ErrJobClosed = eris.New("store: job not found or already terminal")
)

// LeadFilter selects the candidate leads for a stage.
type LeadFilter struct {
	CampaignID string
	// Stage is the stage about to be sent. Zero selects every lead of the
	// campaign regardless of progress.
	Stage int
	// ContactedBefore, when set for stages after the first, excludes leads
	// contacted more recently.
	ContactedBefore *time.Time
	// Limit caps the number of leads returned. Zero means no cap.
	Limit int
}

// Store defines the persistence interface for outreach execution.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	UpdateJob(ctx context.Context, jobID string, patch model.JobPatch) error

	// Campaigns and clients
	GetCampaign(ctx context.Context, campaignID string) (*model.Campaign, error)
	SaveCampaign(ctx context.Context, campaign *model.Campaign) error
	GetClient(ctx context.Context, clientID string) (*model.Client, error)
	SaveClient(ctx context.Context, client *model.Client) error

	// Leads
	ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error)
	SaveLeads(ctx context.Context, leads []model.Lead) (int64, error)
	GetLeadStage(ctx context.Context, leadID string) (*int, error)
	// MarkLeadSent advances a lead to stage only if it is still at the
	// preceding stage. It reports whether the lead was updated.
	MarkLeadSent(ctx context.Context, leadID string, stage int, at time.Time) (bool, error)
	MarkLeadFailed(ctx context.Context, leadID string, reason string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// leadColumns is the column order used by every lead query.
const leadColumns = `id, campaign_id, first_name, last_name, company, position, profile_url,
	message_stage, message_sent, last_contacted, personalization, error,
	profile_reachable, replied, salesforce_id`

// jobColumns is the column order used by every job query.
const jobColumns = `id, campaign_id, status, progress, COALESCE(error, ''), COALESCE(error_category, ''),
	max_profiles, batch_size, result, created_at, updated_at`
