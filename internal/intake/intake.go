// Package intake validates job creation requests, records the job, and hands
// it off for asynchronous execution.
package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

// Request asks for one stage of a campaign to be sent.
type Request struct {
	CampaignID    string `json:"campaignId"`
	MessageStage  int    `json:"messageStage"`
	TotalMessages int    `json:"totalMessages"`
	// BatchSize is optional and defaults to model.DefaultBatchSize.
	BatchSize int `json:"batchSize,omitempty"`
}

// ValidationError reports every problem found in a Request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "intake: invalid request: " + strings.Join(e.Problems, "; ")
}

// Category is the error category reported to callers.
func (e *ValidationError) Category() model.ErrorCategory {
	return model.CategoryRequestValidationFailed
}

// Validate checks r and returns a *ValidationError when it is not acceptable.
func (r Request) Validate() error {
	var problems []string
	if strings.TrimSpace(r.CampaignID) == "" {
		problems = append(problems, "campaignId is required")
	}
	if r.MessageStage <= 0 {
		problems = append(problems, "messageStage must be a positive integer")
	}
	if r.TotalMessages <= 0 {
		problems = append(problems, "totalMessages must be a positive integer")
	}
	if r.BatchSize < 0 {
		problems = append(problems, "batchSize must be a positive integer")
	}
	if r.BatchSize > 0 && r.TotalMessages > 0 && r.BatchSize > r.TotalMessages {
		problems = append(problems, fmt.Sprintf("batchSize %d exceeds totalMessages %d", r.BatchSize, r.TotalMessages))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Dispatcher schedules a recorded job for execution and returns without
// waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Service creates jobs.
type Service struct {
	store      store.Store
	dispatcher Dispatcher
	newID      func() string
	now        func() time.Time
}

// NewService creates a Service.
func NewService(st store.Store, d Dispatcher) *Service {
	return &Service{
		store:      st,
		dispatcher: d,
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// CreateJob validates req, records a started job carrying the stage, and
// dispatches it. Execution outcomes are recorded on the job, never returned.
func (s *Service) CreateJob(ctx context.Context, req Request) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	batch := req.BatchSize
	if batch == 0 {
		batch = model.DefaultBatchSize
	}
	now := s.now().UTC()
	job := &model.Job{
		ID:          s.newID(),
		CampaignID:  strings.TrimSpace(req.CampaignID),
		Status:      model.JobStatusStarted,
		MaxProfiles: req.TotalMessages,
		BatchSize:   batch,
		Result: &model.JobResult{
			MessageStage: model.Ptr(req.MessageStage),
			Requested:    req.TotalMessages,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "intake: create job")
	}

	log := zap.L().With(zap.String("job_id", job.ID), zap.String("campaign_id", job.CampaignID))
	if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
		log.Error("intake: dispatch failed", zap.Error(err))
		msg := "dispatch failed: " + err.Error()
		ferr := s.store.UpdateJob(context.WithoutCancel(ctx), job.ID, model.JobPatch{
			Status:        model.Ptr(model.JobStatusFailed),
			Error:         &msg,
			ErrorCategory: model.Ptr(model.CategoryUnknown),
		})
		if ferr != nil {
			log.Warn("intake: mark undispatched job failed", zap.Error(ferr))
		}
		return nil, eris.Wrapf(err, "intake: dispatch job %s", job.ID)
	}

	log.Info("intake: job created",
		zap.Int("stage", req.MessageStage),
		zap.Int("max_profiles", job.MaxProfiles),
		zap.Int("batch_size", job.BatchSize),
	)
	return job, nil
}
