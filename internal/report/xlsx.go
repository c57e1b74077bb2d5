// Package report reads lead sheets and writes job outcome workbooks.
package report

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/outreach-cli/internal/model"
)

var leadHeader = []string{
	"Lead ID", "First Name", "Last Name", "Company", "Position", "Profile URL",
	"Stage", "Message Sent", "Last Contacted", "Replied", "Reachable", "Error", "Failed In Job",
}

// WriteJobXLSX writes a workbook with a job summary sheet and a sheet of the
// campaign's leads.
func WriteJobXLSX(w io.Writer, job *model.Job, leads []model.Lead) error {
	f := xlsx.NewFile()

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "xlsx: add summary sheet")
	}
	for _, kv := range summaryRows(job) {
		addRow(summary, kv[0], kv[1])
	}

	sheet, err := f.AddSheet("Leads")
	if err != nil {
		return eris.Wrap(err, "xlsx: add leads sheet")
	}
	addRow(sheet, leadHeader...)

	failed := map[string]string{}
	if job.Result != nil {
		for _, fl := range job.Result.FailedLeads {
			failed[fl.LeadID] = fl.Reason
		}
	}
	for _, l := range leads {
		row := sheet.AddRow()
		for _, s := range []string{l.ID, l.FirstName, l.LastName, l.Company, l.Position, l.ProfileURL} {
			row.AddCell().SetString(s)
		}
		stage := row.AddCell()
		if l.MessageStage != nil {
			stage.SetInt(*l.MessageStage)
		}
		row.AddCell().SetBool(l.MessageSent)
		contacted := row.AddCell()
		if l.LastContacted != nil {
			contacted.SetString(l.LastContacted.UTC().Format(time.RFC3339))
		}
		row.AddCell().SetBool(l.Replied)
		row.AddCell().SetBool(l.ProfileReachable)
		row.AddCell().SetString(deref(l.Error))
		row.AddCell().SetString(failed[l.ID])
	}

	return eris.Wrap(f.Write(w), "xlsx: write workbook")
}

func summaryRows(job *model.Job) [][2]string {
	rows := [][2]string{
		{"Job", job.ID},
		{"Campaign", job.CampaignID},
		{"Status", string(job.Status)},
		{"Progress", strconv.FormatFloat(job.Progress, 'f', 2, 64)},
		{"Max Profiles", strconv.Itoa(job.MaxProfiles)},
		{"Batch Size", strconv.Itoa(job.BatchSize)},
	}
	if stage, ok := job.Stage(); ok {
		rows = append(rows, [2]string{"Stage", strconv.Itoa(stage)})
	}
	if r := job.Result; r != nil {
		rows = append(rows,
			[2]string{"Eligible", strconv.Itoa(r.Eligible)},
			[2]string{"Sent", strconv.Itoa(r.Sent)},
			[2]string{"Failed", strconv.Itoa(r.Failed)},
			[2]string{"Skipped", strconv.Itoa(r.Skipped)},
			[2]string{"Result", r.Message},
		)
	}
	if job.Error != "" {
		rows = append(rows,
			[2]string{"Error Category", string(job.ErrorCategory)},
			[2]string{"Error", job.Error},
		)
	}
	rows = append(rows,
		[2]string{"Created", job.CreatedAt.UTC().Format(time.RFC3339)},
		[2]string{"Updated", job.UpdatedAt.UTC().Format(time.RFC3339)},
	)
	return rows
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// leadFields maps normalized sheet headers to lead fields. Other columns
// become personalization data.
var leadFields = map[string]func(*model.Lead, string){
	"id":            func(l *model.Lead, v string) { l.ID = v },
	"first_name":    func(l *model.Lead, v string) { l.FirstName = v },
	"last_name":     func(l *model.Lead, v string) { l.LastName = v },
	"company":       func(l *model.Lead, v string) { l.Company = v },
	"position":      func(l *model.Lead, v string) { l.Position = v },
	"profile_url":   func(l *model.Lead, v string) { l.ProfileURL = v },
	"salesforce_id": func(l *model.Lead, v string) { l.SalesforceID = v },
}

// ReadLeadsXLSX reads leads for campaignID from the first sheet of the
// workbook at path. The first row names the columns; an id column is
// required.
func ReadLeadsXLSX(path, campaignID string) ([]model.Lead, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("xlsx: %s has no sheets", path)
	}
	rows := f.Sheets[0].Rows
	if len(rows) == 0 {
		return nil, nil
	}

	header := rowToStrings(rows[0])
	keys := make([]string, len(header))
	hasID := false
	for i, h := range header {
		keys[i] = normalizeHeader(h)
		hasID = hasID || keys[i] == "id"
	}
	if !hasID {
		return nil, eris.Errorf("xlsx: %s has no id column", path)
	}

	var leads []model.Lead
	for n, row := range rows[1:] {
		cells := rowToStrings(row)
		lead := model.Lead{CampaignID: campaignID, ProfileReachable: true}
		custom := map[string]string{}
		for i, v := range cells {
			if i >= len(keys) || keys[i] == "" {
				continue
			}
			v = strings.TrimSpace(v)
			if set, ok := leadFields[keys[i]]; ok {
				set(&lead, v)
				continue
			}
			if v != "" {
				custom[keys[i]] = v
			}
		}
		if lead.ID == "" {
			if isBlank(cells) {
				continue
			}
			return nil, eris.Errorf("xlsx: row %d has no id", n+2)
		}
		if len(custom) > 0 {
			raw, err := json.Marshal(custom)
			if err != nil {
				return nil, eris.Wrapf(err, "xlsx: row %d personalization", n+2)
			}
			lead.Personalization = raw
		}
		leads = append(leads, lead)
	}
	return leads, nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.NewReplacer(" ", "_", "-", "_").Replace(h)
	switch h {
	case "lead_id":
		return "id"
	case "profile", "url", "linkedin_url":
		return "profile_url"
	case "title":
		return "position"
	}
	return h
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
