// Package notify sends operator notifications about job outcomes.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Notifier posts a text message to a channel.
type Notifier interface {
	Notify(ctx context.Context, channelID, text string) error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(_ context.Context, channelID, text string) error {
	zap.L().Debug("notify: dropped", zap.String("channel", channelID), zap.Int("len", len(text)))
	return nil
}

// Multi fans a notification out to every sink. All sinks are attempted; the
// returned error joins their failures.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, channelID, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, channelID, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Combine returns a Notifier for the given sinks, skipping nils. With no
// sinks it returns Nop.
func Combine(sinks ...Notifier) Notifier {
	var out Multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	default:
		return out
	}
}
