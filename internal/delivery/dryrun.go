package delivery

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
)

// DryRun is an Agent that logs messages instead of sending them.
type DryRun struct {
	mu        sync.Mutex
	delivered []Message
	released  bool
}

// NewDryRun returns a logging-only agent.
func NewDryRun() *DryRun {
	return &DryRun{}
}

func (d *DryRun) Init(_ context.Context, creds model.Credentials) error {
	zap.L().Info("delivery: dry run session", zap.String("account", creds.Account))
	return nil
}

func (d *DryRun) Deliver(_ context.Context, msg Message) error {
	d.mu.Lock()
	d.delivered = append(d.delivered, msg)
	d.mu.Unlock()

	zap.L().Info("delivery: dry run message",
		zap.String("lead_id", msg.LeadID),
		zap.String("destination", msg.Destination),
		zap.Int("content_len", len(msg.Content)),
	)
	return nil
}

func (d *DryRun) Release(context.Context) error {
	d.mu.Lock()
	d.released = true
	d.mu.Unlock()
	return nil
}

// Delivered returns a copy of the messages seen so far.
func (d *DryRun) Delivered() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Message, len(d.delivered))
	copy(out, d.delivered)
	return out
}

// Released reports whether Release was called.
func (d *DryRun) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// NewFactory returns a Factory producing HTTP agents for cfg, or dry-run
// agents when dryRun is set or no base URL is configured.
func NewFactory(cfg HTTPConfig, dryRun bool) Factory {
	if dryRun || cfg.BaseURL == "" {
		if !dryRun {
			zap.L().Warn("delivery: no agent base URL configured, using dry run")
		}
		return func() Agent { return NewDryRun() }
	}
	return func() Agent { return NewHTTPAgent(cfg) }
}
