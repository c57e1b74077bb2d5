// Package crm mirrors lead sequence progress into Salesforce contacts.
package crm

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/pkg/salesforce"
)

// chunkSize matches the Salesforce collection API limit.
const chunkSize = 200

// Contact fields written by the mirror.
const (
	FieldStage         = "Outreach_Stage__c"
	FieldLastContacted = "Outreach_Last_Contacted__c"
)

// Syncer records that a lead reached a stage.
type Syncer interface {
	MarkContacted(ctx context.Context, lead model.Lead, stage int, at time.Time) error
}

// Nop ignores every update.
type Nop struct{}

func (Nop) MarkContacted(context.Context, model.Lead, int, time.Time) error { return nil }

// SalesforceSyncer updates the Contact linked to each lead.
type SalesforceSyncer struct {
	client  salesforce.Client
	sObject string
}

// NewSalesforceSyncer creates a syncer writing to Contact records.
func NewSalesforceSyncer(client salesforce.Client) *SalesforceSyncer {
	return &SalesforceSyncer{client: client, sObject: "Contact"}
}

func stageFields(stage int, at time.Time) map[string]any {
	return map[string]any{
		FieldStage:         stage,
		FieldLastContacted: at.UTC().Format(time.RFC3339),
	}
}

// MarkContacted updates one contact. Leads without a Salesforce id are skipped.
func (s *SalesforceSyncer) MarkContacted(ctx context.Context, lead model.Lead, stage int, at time.Time) error {
	if lead.SalesforceID == "" {
		return nil
	}
	if err := s.client.UpdateOne(ctx, s.sObject, lead.SalesforceID, stageFields(stage, at)); err != nil {
		return eris.Wrapf(err, "crm: mark lead %s contacted", lead.ID)
	}
	return nil
}

// SyncLeads pushes the current stage of every linked lead in chunks of the
// collection API size. It returns the number of contacts updated.
func (s *SalesforceSyncer) SyncLeads(ctx context.Context, leads []model.Lead) (int, error) {
	var records []salesforce.CollectionRecord
	for _, l := range leads {
		if l.SalesforceID == "" || l.MessageStage == nil || l.LastContacted == nil {
			continue
		}
		records = append(records, salesforce.CollectionRecord{
			ID:     l.SalesforceID,
			Fields: stageFields(*l.MessageStage, *l.LastContacted),
		})
	}

	updated := 0
	for start := 0; start < len(records); start += chunkSize {
		end := min(start+chunkSize, len(records))
		results, err := s.client.UpdateCollection(ctx, s.sObject, records[start:end])
		if err != nil {
			return updated, eris.Wrap(err, "crm: sync leads")
		}
		for _, r := range results {
			if r.Success {
				updated++
				continue
			}
			zap.L().Warn("crm: contact update failed",
				zap.String("salesforce_id", r.ID),
				zap.Strings("errors", r.Errors),
			)
		}
	}
	return updated, nil
}
