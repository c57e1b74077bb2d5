package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/delivery"
	"github.com/sells-group/outreach-cli/internal/joblock"
	"github.com/sells-group/outreach-cli/internal/message"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

var testNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

// hookStore wraps a real store and lets tests intercept selected calls.
type hookStore struct {
	store.Store

	mu      sync.Mutex
	patches []model.JobPatch

	updateJob    func(patch model.JobPatch) error
	getClient    func() error
	listLeads    func() error
	getLeadStage func(leadID string) (*int, bool)
}

func (h *hookStore) UpdateJob(ctx context.Context, jobID string, patch model.JobPatch) error {
	if h.updateJob != nil {
		if err := h.updateJob(patch); err != nil {
			return err
		}
	}
	if err := h.Store.UpdateJob(ctx, jobID, patch); err != nil {
		return err
	}
	h.mu.Lock()
	h.patches = append(h.patches, patch)
	h.mu.Unlock()
	return nil
}

func (h *hookStore) GetClient(ctx context.Context, clientID string) (*model.Client, error) {
	if h.getClient != nil {
		if err := h.getClient(); err != nil {
			return nil, err
		}
	}
	return h.Store.GetClient(ctx, clientID)
}

func (h *hookStore) ListLeads(ctx context.Context, f store.LeadFilter) ([]model.Lead, error) {
	if h.listLeads != nil {
		if err := h.listLeads(); err != nil {
			return nil, err
		}
	}
	return h.Store.ListLeads(ctx, f)
}

func (h *hookStore) GetLeadStage(ctx context.Context, leadID string) (*int, error) {
	if h.getLeadStage != nil {
		if stage, ok := h.getLeadStage(leadID); ok {
			return stage, nil
		}
	}
	return h.Store.GetLeadStage(ctx, leadID)
}

// progress returns every progress value written, in order.
func (h *hookStore) progress() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []float64
	for _, p := range h.patches {
		if p.Progress != nil {
			out = append(out, *p.Progress)
		}
	}
	return out
}

func newHookStore(t *testing.T) *hookStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return &hookStore{Store: st}
}

// fakeAgent records deliveries and fails the leads listed in failures.
type fakeAgent struct {
	mu        sync.Mutex
	initErr   error
	failures  map[string]error
	onDeliver func(msg delivery.Message) error
	inits     int
	releases  int
	delivered []delivery.Message
	creds     model.Credentials
}

func (a *fakeAgent) Init(_ context.Context, creds model.Credentials) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inits++
	a.creds = creds
	return a.initErr
}

func (a *fakeAgent) Deliver(_ context.Context, msg delivery.Message) error {
	a.mu.Lock()
	a.delivered = append(a.delivered, msg)
	hook := a.onDeliver
	err := a.failures[msg.LeadID]
	a.mu.Unlock()
	if hook != nil {
		if herr := hook(msg); herr != nil {
			return herr
		}
	}
	return err
}

func (a *fakeAgent) Release(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releases++
	return nil
}

func (a *fakeAgent) deliveredIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.delivered))
	for _, m := range a.delivered {
		ids = append(ids, m.LeadID)
	}
	return ids
}

type fakeNotifier struct {
	mu       sync.Mutex
	channels []string
	texts    []string
}

func (n *fakeNotifier) Notify(_ context.Context, channelID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, channelID)
	n.texts = append(n.texts, text)
	return nil
}

type fakeCRM struct {
	mu        sync.Mutex
	contacted []string
}

func (c *fakeCRM) MarkContacted(_ context.Context, lead model.Lead, stage int, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contacted = append(c.contacted, fmt.Sprintf("%s@%d", lead.ID, stage))
	return nil
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string) (joblock.Lease, error) {
	return nil, joblock.ErrHeld
}

// fixture is an engine wired to fakes over a SQLite store.
type fixture struct {
	st       *hookStore
	agent    *fakeAgent
	notifier *fakeNotifier
	crm      *fakeCRM
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		st:       newHookStore(t),
		agent:    &fakeAgent{failures: map[string]error{}},
		notifier: &fakeNotifier{},
		crm:      &fakeCRM{},
	}
	f.build(nil)
	seed(t, f.st)
	return f
}

func (f *fixture) build(locker joblock.Locker) {
	f.engine = New(Deps{
		Store:    f.st,
		Agents:   func() delivery.Agent { return f.agent },
		Notifier: f.notifier,
		Links:    message.LinkBuilder{DefaultBaseURL: "https://go.example.com"},
		Locker:   locker,
		CRM:      f.crm,
		Now:      func() time.Time { return testNow },
	}, Config{NotifyChannel: "C-ALERTS"})
}

// seed stores a client and a two-stage campaign camp-1.
func seed(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.SaveClient(ctx, &model.Client{ID: "client-1", Name: "Acme"}))
	require.NoError(t, st.SaveCampaign(ctx, &model.Campaign{
		ID:          "camp-1",
		ClientID:    "client-1",
		Name:        "Spring",
		Credentials: model.Credentials{Account: "sender@acme.com", Secret: "s3cret"},
		Stages: []model.StageTemplate{
			{Stage: 1, Body: "Hi {first_name}, see {landing_url}", DelayDays: 3},
			{Stage: 2, Body: "Following up, {first_name}"},
		},
	}))
}

// addLeads stores reachable leads named after their ids.
func addLeads(t *testing.T, st store.Store, campaignID string, ids ...string) {
	t.Helper()
	leads := make([]model.Lead, 0, len(ids))
	for _, id := range ids {
		leads = append(leads, model.Lead{
			ID:               id,
			CampaignID:       campaignID,
			FirstName:        "Name-" + id,
			Company:          "Co " + id,
			ProfileURL:       "https://profiles.example.com/" + id,
			ProfileReachable: true,
			SalesforceID:     "003" + id,
		})
	}
	_, err := st.SaveLeads(context.Background(), leads)
	require.NoError(t, err)
}

func createJob(t *testing.T, st store.Store, id string, stage, maxProfiles, batch int) {
	t.Helper()
	job := &model.Job{
		ID:          id,
		CampaignID:  "camp-1",
		Status:      model.JobStatusStarted,
		MaxProfiles: maxProfiles,
		BatchSize:   batch,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
	if stage != 0 {
		job.Result = &model.JobResult{MessageStage: model.Ptr(stage)}
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
}

func getJob(t *testing.T, st store.Store, id string) *model.Job {
	t.Helper()
	job, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func leadByID(t *testing.T, st store.Store, id string) model.Lead {
	t.Helper()
	leads, err := st.ListLeads(context.Background(), store.LeadFilter{CampaignID: "camp-1"})
	require.NoError(t, err)
	for _, l := range leads {
		if l.ID == id {
			return l
		}
	}
	t.Fatalf("lead %s not found", id)
	return model.Lead{}
}
