package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"
)

// ParsePersonalization decodes a lead's free-form personalization data. The
// value is either a JSON object or a JSON string holding an encoded object.
// Malformed data is logged and treated as empty.
func ParsePersonalization(leadID string, raw json.RawMessage) map[string]any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			warnMalformed(leadID, err)
			return map[string]any{}
		}
		if inner == "" {
			return map[string]any{}
		}
		raw = []byte(inner)
	}

	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		warnMalformed(leadID, err)
		return map[string]any{}
	}
	return out
}

func warnMalformed(leadID string, err error) {
	zap.L().Warn("message: malformed personalization data, ignoring",
		zap.String("lead_id", leadID),
		zap.Error(err),
	)
}

// stringify renders a decoded JSON value for substitution into a template.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}
