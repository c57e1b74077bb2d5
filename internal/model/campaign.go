package model

import "time"

// SubdomainVerified is the client subdomain status that enables branded links.
const SubdomainVerified = "verified"

// Credentials is the authentication material the delivery agent needs to
// act on behalf of a campaign.
type Credentials struct {
	Account string `json:"account" yaml:"account"`
	Secret  string `json:"secret" yaml:"secret"`
}

// Empty reports whether the credentials cannot be used for delivery.
func (c Credentials) Empty() bool {
	return c.Secret == ""
}

// StageTemplate is the message content for one step of a sequence.
type StageTemplate struct {
	Stage     int    `json:"stage" yaml:"stage"`
	Body      string `json:"body" yaml:"body"`
	Subject   string `json:"subject,omitempty" yaml:"subject"`
	DelayDays int    `json:"delay_days" yaml:"delay_days"`
}

// Campaign groups the leads, credentials, and stage templates of one sequence.
type Campaign struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id"`
	Name        string          `json:"name"`
	Credentials Credentials     `json:"credentials"`
	Stages      []StageTemplate `json:"stages"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Template returns the template configured for stage.
func (c *Campaign) Template(stage int) (StageTemplate, bool) {
	for _, t := range c.Stages {
		if t.Stage == stage {
			return t, true
		}
	}
	return StageTemplate{}, false
}

// DelayDays returns the minimum days to wait after stage before the next one.
// Unknown stages have no delay.
func (c *Campaign) DelayDays(stage int) int {
	t, ok := c.Template(stage)
	if !ok {
		return 0
	}
	return t.DelayDays
}

// Client is the customer a campaign belongs to.
type Client struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Subdomain       string    `json:"subdomain,omitempty"`
	SubdomainStatus string    `json:"subdomain_status,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// HasVerifiedSubdomain reports whether branded links may use the subdomain.
func (c *Client) HasVerifiedSubdomain() bool {
	return c != nil && c.Subdomain != "" && c.SubdomainStatus == SubdomainVerified
}
