package message

import (
	"net/url"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/outreach-cli/internal/model"
)

// LinkBuilder derives per-lead landing page URLs.
type LinkBuilder struct {
	// DefaultBaseURL hosts landing pages for clients without a verified subdomain.
	DefaultBaseURL string
	// CostPerDemoBaseURL always hosts the cost-per-demo page.
	CostPerDemoBaseURL string
	// RootDomain is appended to a client's verified subdomain.
	RootDomain string
}

// Build returns both template links for lead.
func (b LinkBuilder) Build(lead model.Lead, client *model.Client) Links {
	path := Path(lead)
	return Links{
		Landing:     join(b.landingBase(client), path),
		CostPerDemo: join(b.CostPerDemoBaseURL, path),
	}
}

// LandingURL returns the general landing page URL for lead.
func (b LinkBuilder) LandingURL(lead model.Lead, client *model.Client) string {
	return join(b.landingBase(client), Path(lead))
}

// CostPerDemoURL returns the cost-per-demo page URL for lead.
func (b LinkBuilder) CostPerDemoURL(lead model.Lead) string {
	return join(b.CostPerDemoBaseURL, Path(lead))
}

func (b LinkBuilder) landingBase(client *model.Client) string {
	if client.HasVerifiedSubdomain() {
		if sub := Slug(client.Subdomain); sub != "" {
			return "https://" + sub + "." + strings.TrimPrefix(b.RootDomain, ".")
		}
	}
	return b.DefaultBaseURL
}

// Path returns the lead's page path, /<first><last initial>.<company>. Leads
// missing any of those fall back to an id-keyed path.
func Path(lead model.Lead) string {
	first := Slug(lead.FirstName)
	last := Slug(lead.LastName)
	company := Slug(lead.Company)

	if first == "" || last == "" || company == "" {
		zap.L().Warn("message: lead missing name or company, using id path",
			zap.String("lead_id", lead.ID),
			zap.Bool("has_first_name", first != ""),
			zap.Bool("has_last_name", last != ""),
			zap.Bool("has_company", company != ""),
		)
		return "/p/" + url.PathEscape(lead.ID)
	}
	return "/" + first + last[:1] + "." + company
}

// Slug lowercases s, folds accented letters to their base form, and drops
// everything outside [a-z0-9].
func Slug(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var sb strings.Builder
	sb.Grow(len(folded))
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func join(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
