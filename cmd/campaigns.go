package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/outreach-cli/internal/crm"
	"github.com/sells-group/outreach-cli/internal/message"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/report"
	"github.com/sells-group/outreach-cli/internal/sequence"
	"github.com/sells-group/outreach-cli/internal/store"
)

// campaignFile is the YAML layout accepted by 'campaigns import'.
type campaignFile struct {
	Client struct {
		ID              string `yaml:"id"`
		Name            string `yaml:"name"`
		Subdomain       string `yaml:"subdomain"`
		SubdomainStatus string `yaml:"subdomain_status"`
	} `yaml:"client"`
	Campaign struct {
		ID      string `yaml:"id"`
		Name    string `yaml:"name"`
		Account string `yaml:"account"`
		// SecretEnv names the environment variable holding the delivery
		// secret, so the file itself can be committed.
		SecretEnv string                `yaml:"secret_env"`
		Secret    string                `yaml:"secret"`
		Stages    []model.StageTemplate `yaml:"stages"`
	} `yaml:"campaign"`
	Leads []leadEntry `yaml:"leads"`
}

type leadEntry struct {
	ID              string            `yaml:"id"`
	FirstName       string            `yaml:"first_name"`
	LastName        string            `yaml:"last_name"`
	Company         string            `yaml:"company"`
	Position        string            `yaml:"position"`
	ProfileURL      string            `yaml:"profile_url"`
	SalesforceID    string            `yaml:"salesforce_id"`
	Unreachable     bool              `yaml:"unreachable"`
	Personalization map[string]string `yaml:"personalization"`
}

func loadCampaignFile(path string) (*campaignFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read campaign file")
	}
	var f campaignFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "parse campaign file")
	}
	if f.Client.ID == "" || f.Campaign.ID == "" {
		return nil, eris.New("campaign file needs client.id and campaign.id")
	}
	return &f, nil
}

// records converts the file into store records stamped with now.
func (f *campaignFile) records(now time.Time) (*model.Client, *model.Campaign, []model.Lead, error) {
	client := &model.Client{
		ID:              f.Client.ID,
		Name:            f.Client.Name,
		Subdomain:       f.Client.Subdomain,
		SubdomainStatus: f.Client.SubdomainStatus,
		CreatedAt:       now,
	}

	secret := f.Campaign.Secret
	if f.Campaign.SecretEnv != "" {
		secret = os.Getenv(f.Campaign.SecretEnv)
	}
	campaign := &model.Campaign{
		ID:          f.Campaign.ID,
		ClientID:    client.ID,
		Name:        f.Campaign.Name,
		Credentials: model.Credentials{Account: f.Campaign.Account, Secret: secret},
		Stages:      f.Campaign.Stages,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	leads := make([]model.Lead, 0, len(f.Leads))
	for i, e := range f.Leads {
		if e.ID == "" {
			return nil, nil, nil, eris.Errorf("lead %d has no id", i+1)
		}
		lead := model.Lead{
			ID:               e.ID,
			CampaignID:       campaign.ID,
			FirstName:        e.FirstName,
			LastName:         e.LastName,
			Company:          e.Company,
			Position:         e.Position,
			ProfileURL:       e.ProfileURL,
			SalesforceID:     e.SalesforceID,
			ProfileReachable: !e.Unreachable,
		}
		if len(e.Personalization) > 0 {
			raw, err := json.Marshal(e.Personalization)
			if err != nil {
				return nil, nil, nil, eris.Wrapf(err, "lead %s personalization", e.ID)
			}
			lead.Personalization = raw
		}
		leads = append(leads, lead)
	}
	return client, campaign, leads, nil
}

// templateWarnings lists sequence problems and unsupported placeholders.
// They are reported, not enforced, so a campaign can be staged while its
// copy is still being written.
func templateWarnings(c *model.Campaign) []string {
	var warnings []string
	if err := sequence.ValidateStages(c.Stages); err != nil {
		warnings = append(warnings, err.Error())
	}
	for _, t := range c.Stages {
		for _, p := range message.UnknownPlaceholders(t.Body) {
			warnings = append(warnings, fmt.Sprintf("stage %d body: unknown placeholder {%s}", t.Stage, p))
		}
		for _, p := range message.UnknownPlaceholders(t.Subject) {
			warnings = append(warnings, fmt.Sprintf("stage %d subject: unknown placeholder {%s}", t.Stage, p))
		}
	}
	if c.Credentials.Empty() {
		warnings = append(warnings, "campaign has no delivery secret; jobs will fail with campaign_load_failed")
	}
	return warnings
}

var campaignsCmd = &cobra.Command{
	Use:   "campaigns",
	Short: "Manage campaigns and their leads",
}

// -- campaigns import --

var campaignsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Upsert a client, campaign, and leads from a YAML file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("file")
		leadsPath, _ := cmd.Flags().GetString("leads")

		f, err := loadCampaignFile(path)
		if err != nil {
			return err
		}
		client, campaign, leads, err := f.records(time.Now().UTC())
		if err != nil {
			return err
		}
		if leadsPath != "" {
			sheetLeads, err := report.ReadLeadsXLSX(leadsPath, campaign.ID)
			if err != nil {
				return err
			}
			leads = append(leads, sheetLeads...)
		}

		for _, w := range templateWarnings(campaign) {
			zap.L().Warn("campaign template", zap.String("campaign_id", campaign.ID), zap.String("warning", w))
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.SaveClient(ctx, client); err != nil {
			return eris.Wrap(err, "campaigns import: client")
		}
		if err := st.SaveCampaign(ctx, campaign); err != nil {
			return eris.Wrap(err, "campaigns import: campaign")
		}
		n, err := st.SaveLeads(ctx, leads)
		if err != nil {
			return eris.Wrap(err, "campaigns import: leads")
		}

		zap.L().Info("import complete",
			zap.String("campaign_id", campaign.ID),
			zap.Int("stages", len(campaign.Stages)),
			zap.Int64("leads", n),
		)
		return nil
	},
}

// -- campaigns sync-crm --

var campaignsSyncCmd = &cobra.Command{
	Use:   "sync-crm <campaign-id>",
	Short: "Push every lead's stage and last contact to Salesforce",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if !cfg.Salesforce.Enabled {
			return eris.New("salesforce is not enabled (OUTREACH_SALESFORCE_ENABLED)")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		leads, err := st.ListLeads(ctx, store.LeadFilter{CampaignID: args[0]})
		if err != nil {
			return eris.Wrap(err, "campaigns sync-crm: list leads")
		}

		sf, err := initSalesforce()
		if err != nil {
			return err
		}
		updated, err := crm.NewSalesforceSyncer(sf).SyncLeads(ctx, leads)
		if err != nil {
			return eris.Wrap(err, "campaigns sync-crm")
		}

		fmt.Printf("Synced %d of %d leads\n", updated, len(leads))
		return nil
	},
}

func init() {
	campaignsImportCmd.Flags().StringP("file", "f", "", "campaign YAML file (required)")
	campaignsImportCmd.Flags().String("leads", "", "xlsx sheet of additional leads")
	_ = campaignsImportCmd.MarkFlagRequired("file")

	campaignsCmd.AddCommand(campaignsImportCmd)
	campaignsCmd.AddCommand(campaignsSyncCmd)
	rootCmd.AddCommand(campaignsCmd)
}
