// Package engine executes outreach jobs: it loads a job's campaign and
// eligible leads, delivers one personalized message per lead, and records
// per-lead and per-job outcomes.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/crm"
	"github.com/sells-group/outreach-cli/internal/delivery"
	"github.com/sells-group/outreach-cli/internal/joblock"
	"github.com/sells-group/outreach-cli/internal/message"
	"github.com/sells-group/outreach-cli/internal/notify"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
)

// State is a step of the job state machine.
type State string

const (
	StateLoading    State = "loading"
	StateValidating State = "validating"
	StateDelivering State = "delivering"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Deps are the collaborators of an Engine. Store, Agents and Links are
// required; the rest fall back to no-ops.
type Deps struct {
	Store    store.Store
	Agents   delivery.Factory
	Notifier notify.Notifier
	Links    message.LinkBuilder
	Locker   joblock.Locker
	CRM      crm.Syncer
	Now      func() time.Time
}

// Config tunes job execution.
type Config struct {
	// FailureThreshold is the number of consecutive delivery failures that
	// aborts a job. Default: 3.
	FailureThreshold int
	Pacing           Pacing
	// NotifyChannel is passed to the notifier with every alert.
	NotifyChannel string
	// NotifyTimeout bounds each notification. Default: 10s.
	NotifyTimeout time.Duration
	// ReleaseTimeout bounds agent release and lock release. Default: 30s.
	ReleaseTimeout time.Duration
}

// Engine runs jobs. It is safe for concurrent use; each Run is independent.
type Engine struct {
	deps    Deps
	cfg     Config
	pacer   *Pacer
	breaker resilience.BreakerConfig
}

// New creates an Engine.
func New(deps Deps, cfg Config) *Engine {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Locker == nil {
		deps.Locker = joblock.Nop{}
	}
	if deps.CRM == nil {
		deps.CRM = crm.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	breaker := resilience.FromBreakerConfig(cfg.FailureThreshold)
	breaker.ShouldCount = func(err error) bool { return errors.Is(err, errDeliveryFailed) }
	cfg.FailureThreshold = breaker.FailureThreshold
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 30 * time.Second
	}
	return &Engine{deps: deps, cfg: cfg, pacer: NewPacer(cfg.Pacing), breaker: breaker}
}

// Run executes the job with the given id to a terminal state. Job-level
// failures are recorded on the job and are not returned; Run only returns an
// error when the job could not be loaded, locked or finalized.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	log := zap.L().With(zap.String("job_id", jobID))
	log.Debug("engine: state", zap.String("state", string(StateLoading)))

	job, err := e.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		log.Error("engine: load job failed", zap.Error(err))
		return eris.Wrapf(err, "engine: load job %s", jobID)
	}
	if job.Status.Terminal() {
		log.Info("engine: job already finished, skipping", zap.String("status", string(job.Status)))
		return nil
	}

	lease, err := e.deps.Locker.Acquire(ctx, jobID)
	if errors.Is(err, joblock.ErrHeld) {
		log.Info("engine: job is running elsewhere, skipping")
		return nil
	}
	if err != nil {
		log.Error("engine: lock job failed", zap.Error(err))
		return eris.Wrapf(err, "engine: lock job %s", jobID)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ReleaseTimeout)
		defer cancel()
		if err := lease.Release(rctx); err != nil {
			log.Warn("engine: release job lock failed", zap.Error(err))
		}
	}()

	r := &run{e: e, job: job, log: log}
	bc := e.breaker
	bc.OnTrip = r.tripped
	r.breaker = resilience.NewBreaker(bc)
	return r.execute(ctx)
}
