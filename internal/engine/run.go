package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/delivery"
	"github.com/sells-group/outreach-cli/internal/message"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/sequence"
	"github.com/sells-group/outreach-cli/internal/store"
)

var errDeliveryFailed = eris.New("engine: delivery failed")

// failure is a job-terminating condition.
type failure struct {
	category model.ErrorCategory
	msg      string
	err      error
}

func (f *failure) text() string {
	if f.err == nil {
		return f.msg
	}
	return f.msg + ": " + f.err.Error()
}

// run holds the state of one job execution.
type run struct {
	e       *Engine
	job     *model.Job
	log     *zap.Logger
	breaker *resilience.Breaker

	state    State
	stage    int
	campaign *model.Campaign
	client   *model.Client
	tmpl     model.StageTemplate
	result   model.JobResult
	// floor is the progress already recorded when the run began.
	floor float64
}

func (r *run) setState(s State) {
	r.state = s
	r.log.Debug("engine: state", zap.String("state", string(s)))
}

func (r *run) execute(ctx context.Context) error {
	r.result = model.JobResult{Requested: r.job.MaxProfiles}

	r.setState(StateValidating)
	leads, f := r.prepare(ctx)
	if f != nil {
		return r.fail(ctx, f)
	}
	r.result.Eligible = len(leads)

	if len(leads) == 0 {
		r.log.Info("engine: no eligible leads")
		r.result.Message = "no eligible leads"
		return r.complete(ctx)
	}

	r.setState(StateDelivering)
	if f := r.deliver(ctx, leads); f != nil {
		return r.fail(ctx, f)
	}

	r.setState(StateFinalizing)
	r.result.Message = fmt.Sprintf("sent %d, failed %d, skipped %d of %d eligible leads",
		r.result.Sent, r.result.Failed, r.result.Skipped, r.result.Eligible)
	return r.complete(ctx)
}

// prepare validates the job and its campaign and returns the eligible leads.
func (r *run) prepare(ctx context.Context) ([]model.Lead, *failure) {
	st := r.e.deps.Store

	stage, ok := r.job.Stage()
	if !ok {
		return nil, &failure{category: model.CategoryMissingMessageStage, msg: "job has no message stage"}
	}
	r.stage = stage
	r.result.MessageStage = model.Ptr(stage)
	r.log = r.log.With(zap.Int("stage", stage))

	// A job left in_progress by an interrupted run keeps its status, and
	// progress continues from the stored value.
	if r.job.Status == model.JobStatusInProgress {
		r.floor = min(max(r.job.Progress, 0), 1)
		r.log.Info("engine: resuming job", zap.Float64("progress", r.floor))
	} else if err := st.UpdateJob(ctx, r.job.ID, model.JobPatch{Status: model.Ptr(model.JobStatusStarted)}); err != nil {
		return nil, &failure{category: model.CategoryUnknown, msg: "mark job started", err: err}
	}

	campaign, err := st.GetCampaign(ctx, r.job.CampaignID)
	if err != nil {
		return nil, &failure{category: model.CategoryCampaignLoadFailed, msg: "load campaign", err: err}
	}
	if campaign.Credentials.Empty() {
		return nil, &failure{category: model.CategoryCampaignLoadFailed, msg: "campaign has no delivery credentials"}
	}
	if len(campaign.Stages) == 0 {
		return nil, &failure{category: model.CategoryCampaignLoadFailed, msg: "campaign has no message stages"}
	}
	r.campaign = campaign

	tmpl, ok := campaign.Template(stage)
	if !ok {
		return nil, &failure{
			category: model.CategoryInvalidMessageStage,
			msg:      fmt.Sprintf("campaign has no template for stage %d", stage),
		}
	}
	r.tmpl = tmpl

	if stage > 1 {
		if _, ok := campaign.Template(stage - 1); !ok {
			return nil, &failure{
				category: model.CategoryInvalidStageSequence,
				msg:      fmt.Sprintf("stage %d has no preceding stage %d", stage, stage-1),
			}
		}
	}

	client, err := st.GetClient(ctx, campaign.ClientID)
	if err != nil {
		return nil, &failure{category: model.CategoryClientLoadFailed, msg: "load client", err: err}
	}
	r.client = client

	now := r.e.deps.Now()
	filter := store.LeadFilter{CampaignID: campaign.ID, Stage: stage, Limit: r.job.MaxProfiles}
	delay := 0
	if stage > 1 {
		delay = campaign.DelayDays(stage - 1)
		cutoff := sequence.ContactedBefore(now, delay)
		filter.ContactedBefore = &cutoff
	}

	candidates, err := st.ListLeads(ctx, filter)
	if err != nil {
		return nil, &failure{category: model.CategoryDatabaseFetchFailed, msg: "fetch leads", err: err}
	}

	eligible := sequence.Filter(stage, delay, candidates, now).Eligible
	if r.job.MaxProfiles > 0 && len(eligible) > r.job.MaxProfiles {
		eligible = eligible[:r.job.MaxProfiles]
	}
	r.log.Info("engine: leads selected",
		zap.Int("candidates", len(candidates)),
		zap.Int("eligible", len(eligible)),
	)
	return eligible, nil
}

// deliver sends the stage message to every lead in order.
func (r *run) deliver(ctx context.Context, leads []model.Lead) *failure {
	agent := r.e.deps.Agents()
	// Release also runs after a failed Init to drop any partial session.
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.e.cfg.ReleaseTimeout)
		defer cancel()
		if err := agent.Release(rctx); err != nil {
			r.log.Warn("engine: release delivery agent failed", zap.Error(err))
		}
	}()
	if err := agent.Init(ctx, r.campaign.Credentials); err != nil {
		return &failure{category: Classify(err), msg: "initialize delivery agent", err: err}
	}

	batchSize := r.job.BatchSize
	if batchSize <= 0 {
		batchSize = model.DefaultBatchSize
	}
	total := len(leads)

	for i, lead := range leads {
		if err := r.e.pacer.Before(ctx, i, batchSize); err != nil {
			return &failure{category: model.CategoryUnknown, msg: "delivery interrupted", err: err}
		}

		if err := r.deliverOne(ctx, agent, lead); err != nil {
			return &failure{category: Classify(err), msg: "deliver to lead " + lead.ID, err: err}
		}

		if r.breaker.Allow() != nil {
			consecutive, _ := r.breaker.Counters()
			return &failure{
				category: model.CategoryConsecutiveFailures,
				msg: fmt.Sprintf("aborted after %d consecutive delivery failures (threshold %d)",
					consecutive, r.breaker.Threshold()),
			}
		}

		// The final lead's progress is written with the completed status.
		if processed := i + 1; processed < total {
			err := r.e.deps.Store.UpdateJob(ctx, r.job.ID, model.JobPatch{
				Status:   model.Ptr(model.JobStatusInProgress),
				Progress: model.Ptr(r.floor + (1-r.floor)*float64(processed)/float64(total)),
			})
			if err != nil {
				return &failure{category: model.CategoryUnknown, msg: "record progress", err: err}
			}
		}
	}
	return nil
}

// deliverOne handles a single lead. Per-lead failures are recorded and
// counted; the returned error is job-fatal.
func (r *run) deliverOne(ctx context.Context, agent delivery.Agent, lead model.Lead) error {
	st := r.e.deps.Store
	log := r.log.With(zap.String("lead_id", lead.ID))

	links := r.e.deps.Links.Build(lead, r.client)
	content, err := message.Render(r.tmpl.Body, lead, links)
	if err != nil {
		return r.leadFailed(ctx, log, lead, "render message: "+err.Error())
	}
	var subject string
	if r.tmpl.Subject != "" {
		// A blank subject is sent without one.
		subject, _ = message.Render(r.tmpl.Subject, lead, links)
	}

	err = agent.Deliver(ctx, delivery.Message{
		LeadID:      lead.ID,
		Destination: lead.ProfileURL,
		Content:     content,
		Subject:     subject,
	})
	if err != nil {
		if delivery.IsFatal(err) || ctx.Err() != nil {
			return err
		}
		return r.leadFailed(ctx, log, lead, err.Error())
	}

	current, err := st.GetLeadStage(ctx, lead.ID)
	if err != nil {
		return eris.Wrapf(err, "engine: re-read stage of lead %s", lead.ID)
	}
	if stageOf(current) != lead.StageValue() {
		r.skipRaced(log, lead, stageOf(current))
		return nil
	}

	at := r.e.deps.Now()
	advanced, err := st.MarkLeadSent(ctx, lead.ID, r.stage, at)
	if err != nil {
		return eris.Wrapf(err, "engine: record delivery to lead %s", lead.ID)
	}
	if !advanced {
		r.skipRaced(log, lead, -1)
		return nil
	}

	r.result.Sent++
	r.breaker.Record(nil)
	log.Info("engine: message sent")

	if err := r.e.deps.CRM.MarkContacted(ctx, lead, r.stage, at); err != nil {
		log.Warn("engine: crm update failed", zap.Error(err))
	}
	return nil
}

// skipRaced records a lead whose stage moved while its message was in
// flight. observed is -1 when the conditional update found a changed stage.
func (r *run) skipRaced(log *zap.Logger, lead model.Lead, observed int) {
	log.Warn("engine: lead stage changed during delivery, not advancing",
		zap.Int("expected_stage", lead.StageValue()),
		zap.Int("observed_stage", observed),
	)
	r.result.Skipped++
	r.breaker.Record(nil)
}

// tripped runs once, on the failure that reaches the threshold.
func (r *run) tripped(consecutive int) {
	_, total := r.breaker.Counters()
	r.log.Warn("engine: consecutive failure threshold reached",
		zap.Int("consecutive", consecutive),
		zap.Int("total_failed", total),
		zap.Int("sent", r.result.Sent),
	)
}

func (r *run) leadFailed(ctx context.Context, log *zap.Logger, lead model.Lead, reason string) error {
	log.Warn("engine: delivery failed", zap.String("reason", reason))
	if err := r.e.deps.Store.MarkLeadFailed(ctx, lead.ID, reason); err != nil {
		return eris.Wrapf(err, "engine: record failure of lead %s", lead.ID)
	}
	r.result.Failed++
	r.result.FailedLeads = append(r.result.FailedLeads, model.FailedLead{LeadID: lead.ID, Reason: reason})
	r.breaker.Record(errDeliveryFailed)
	return nil
}

func (r *run) complete(ctx context.Context) error {
	r.setState(StateCompleted)
	err := r.e.deps.Store.UpdateJob(context.WithoutCancel(ctx), r.job.ID, model.JobPatch{
		Status:   model.Ptr(model.JobStatusCompleted),
		Progress: model.Ptr(1.0),
		Result:   &r.result,
	})
	if errors.Is(err, store.ErrJobClosed) {
		r.log.Warn("engine: job closed concurrently", zap.Error(err))
		return nil
	}
	if err != nil {
		r.log.Error("engine: record completion failed", zap.Error(err))
		return eris.Wrapf(err, "engine: complete job %s", r.job.ID)
	}
	r.log.Info("engine: job completed",
		zap.Int("sent", r.result.Sent),
		zap.Int("failed", r.result.Failed),
		zap.Int("skipped", r.result.Skipped),
	)
	return nil
}

func (r *run) fail(ctx context.Context, f *failure) error {
	if errors.Is(f.err, store.ErrJobClosed) {
		r.log.Warn("engine: job closed concurrently", zap.Error(f.err))
		return nil
	}

	r.setState(StateFailed)
	text := f.text()
	r.result.Message = text
	r.log.Error("engine: job failed",
		zap.String("category", string(f.category)),
		zap.String("error", text),
	)

	wctx := context.WithoutCancel(ctx)
	err := r.e.deps.Store.UpdateJob(wctx, r.job.ID, model.JobPatch{
		Status:        model.Ptr(model.JobStatusFailed),
		Error:         model.Ptr(text),
		ErrorCategory: model.Ptr(f.category),
		Result:        &r.result,
	})
	r.notify(wctx, f.category, text)

	if errors.Is(err, store.ErrJobClosed) {
		r.log.Warn("engine: job closed concurrently", zap.Error(err))
		return nil
	}
	if err != nil {
		r.log.Error("engine: record failure failed", zap.Error(err))
		return eris.Wrapf(err, "engine: fail job %s", r.job.ID)
	}
	return nil
}

// notify sends a failure alert. Notification errors are logged only.
func (r *run) notify(ctx context.Context, category model.ErrorCategory, text string) {
	ctx, cancel := context.WithTimeout(ctx, r.e.cfg.NotifyTimeout)
	defer cancel()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Outreach job %s failed (%s)\n", r.job.ID, category)
	fmt.Fprintf(&sb, "campaign: %s", r.job.CampaignID)
	if r.stage > 0 {
		fmt.Fprintf(&sb, ", stage: %d", r.stage)
	}
	fmt.Fprintf(&sb, "\n%s\nsent %d, failed %d, skipped %d", text, r.result.Sent, r.result.Failed, r.result.Skipped)

	if err := r.e.deps.Notifier.Notify(ctx, r.e.cfg.NotifyChannel, sb.String()); err != nil {
		r.log.Warn("engine: notification failed", zap.Error(err))
	}
}

func stageOf(stage *int) int {
	if stage == nil {
		return 0
	}
	return *stage
}
