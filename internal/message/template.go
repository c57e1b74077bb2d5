// Package message renders personalized outreach messages and the landing
// page links embedded in them.
package message

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
)

// ErrEmptyMessage is returned when a template renders to blank content.
var ErrEmptyMessage = eris.New("message: rendered content is empty")

// Links are the per-lead URLs available to templates.
type Links struct {
	Landing     string
	CostPerDemo string
}

const customPrefix = "custom."

var placeholderRe = regexp.MustCompile(`\{(custom\.[^{}\s]+|[a-z_]+)\}`)

// fields maps standard placeholder names to their lead accessors.
var fields = map[string]func(*model.Lead, Links) string{
	"first_name":  func(l *model.Lead, _ Links) string { return l.FirstName },
	"last_name":   func(l *model.Lead, _ Links) string { return l.LastName },
	"company":     func(l *model.Lead, _ Links) string { return l.Company },
	"position":    func(l *model.Lead, _ Links) string { return l.Position },
	"landing_url": func(_ *model.Lead, k Links) string { return k.Landing },
	"cpd_url":     func(_ *model.Lead, k Links) string { return k.CostPerDemo },
}

// UnknownPlaceholders returns the placeholder names in tmpl that Render
// would leave untouched regardless of lead data.
func UnknownPlaceholders(tmpl string) []string {
	var unknown []string
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		name := m[1]
		if strings.HasPrefix(name, customPrefix) {
			continue
		}
		if _, ok := fields[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// Render substitutes lead data into tmpl in a single pass, so substituted
// values are never expanded again. Unknown placeholders and custom keys
// missing from the lead's personalization data are left verbatim. The
// two-character sequence `\n` becomes a newline after substitution.
func Render(tmpl string, lead model.Lead, links Links) (string, error) {
	var custom map[string]any

	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(token string) string {
		name := token[1 : len(token)-1]

		if key, ok := strings.CutPrefix(name, customPrefix); ok {
			if custom == nil {
				custom = ParsePersonalization(lead.ID, lead.Personalization)
			}
			v, found := custom[key]
			if !found || v == nil {
				return token
			}
			return stringify(v)
		}

		if get, ok := fields[name]; ok {
			return strings.TrimSpace(get(&lead, links))
		}
		return token
	})

	out = strings.ReplaceAll(out, `\n`, "\n")

	if strings.TrimSpace(out) == "" {
		return "", ErrEmptyMessage
	}
	return out, nil
}
