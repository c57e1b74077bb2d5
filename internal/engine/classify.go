package engine

import (
	"errors"
	"strings"

	"github.com/sells-group/outreach-cli/internal/delivery"
	"github.com/sells-group/outreach-cli/internal/model"
)

// Classify maps an unexpected delivery-phase error to an error category by
// its signature.
func Classify(err error) model.ErrorCategory {
	if err == nil {
		return model.CategoryUnknown
	}
	if errors.Is(err, delivery.ErrButtonNotFound) {
		return model.CategoryMessageButtonNotFound
	}
	if errors.Is(err, delivery.ErrSelectorTimeout) {
		return model.CategorySelectorTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "message button not found"):
		return model.CategoryMessageButtonNotFound
	case strings.Contains(msg, "selector") && strings.Contains(msg, "timeout"),
		strings.Contains(msg, "waiting for selector"):
		return model.CategorySelectorTimeout
	default:
		return model.CategoryUnknown
	}
}
