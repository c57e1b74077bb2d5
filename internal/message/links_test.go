package message

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/outreach-cli/internal/model"
)

var testBuilder = LinkBuilder{
	DefaultBaseURL:     "https://go.example.com/",
	CostPerDemoBaseURL: "https://cpd.example.com",
	RootDomain:         "example.com",
}

func TestPath(t *testing.T) {
	tests := []struct {
		name string
		lead model.Lead
		want string
	}{
		{"basic", model.Lead{ID: "1", FirstName: "Jane", LastName: "Doe", Company: "Acme Corp!"}, "/janed.acmecorp"},
		{"diacritics", model.Lead{ID: "2", FirstName: "José", LastName: "Núñez", Company: "Café Olé, S.A."}, "/josen.cafeolesa"},
		{"digits kept", model.Lead{ID: "3", FirstName: "Al", LastName: "Bo", Company: "3M Co."}, "/alb.3mco"},
		{"missing last", model.Lead{ID: "4", FirstName: "Jane", Company: "Acme"}, "/p/4"},
		{"missing company", model.Lead{ID: "5", FirstName: "Jane", LastName: "Doe"}, "/p/5"},
		{"punctuation company", model.Lead{ID: "6", FirstName: "Jane", LastName: "Doe", Company: "!!!"}, "/p/6"},
		{"escaped id", model.Lead{ID: "a b"}, "/p/a%20b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Path(tt.lead))
		})
	}
}

func TestLinkBuilder_LandingURL(t *testing.T) {
	lead := model.Lead{ID: "1", FirstName: "Jane", LastName: "Doe", Company: "Acme Corp!"}

	verified := &model.Client{Subdomain: "Acme", SubdomainStatus: model.SubdomainVerified}
	assert.Equal(t, "https://acme.example.com/janed.acmecorp", testBuilder.LandingURL(lead, verified))

	pending := &model.Client{Subdomain: "acme", SubdomainStatus: "pending"}
	assert.Equal(t, "https://go.example.com/janed.acmecorp", testBuilder.LandingURL(lead, pending))

	assert.Equal(t, "https://go.example.com/janed.acmecorp", testBuilder.LandingURL(lead, nil))
}

func TestLinkBuilder_CostPerDemoIgnoresSubdomain(t *testing.T) {
	lead := model.Lead{ID: "1", FirstName: "Jane", LastName: "Doe", Company: "Acme Corp!"}
	verified := &model.Client{Subdomain: "acme", SubdomainStatus: model.SubdomainVerified}

	links := testBuilder.Build(lead, verified)
	assert.Equal(t, "https://acme.example.com/janed.acmecorp", links.Landing)
	assert.Equal(t, "https://cpd.example.com/janed.acmecorp", links.CostPerDemo)
	assert.Equal(t, links.CostPerDemo, testBuilder.CostPerDemoURL(lead))
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "acmecorp", Slug("  ACME   Corp. "))
	assert.Equal(t, "zurich", Slug("Zürich"))
	assert.Equal(t, "", Slug("—"))
}
