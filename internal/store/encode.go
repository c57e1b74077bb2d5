package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
)

// marshalNullable encodes v as JSON, mapping a nil pointer to SQL NULL.
func marshalNullable(v *model.JobResult) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// jobPatchSets builds the SET clauses for a job patch. ph renders the
// placeholder for the nth argument.
func jobPatchSets(patch model.JobPatch, ph func(n int) string) ([]string, []any, error) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+ph(len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Progress != nil {
		add("progress", *patch.Progress)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if patch.ErrorCategory != nil {
		add("error_category", string(*patch.ErrorCategory))
	}
	if patch.Result != nil {
		b, err := json.Marshal(patch.Result)
		if err != nil {
			return nil, nil, eris.Wrap(err, "marshal job result")
		}
		add("result", b)
	}
	if len(sets) == 0 {
		return nil, nil, eris.New("empty job patch")
	}
	add("updated_at", time.Now().UTC())
	return sets, args, nil
}

// leadQuery builds the candidate lead query for filter. ph renders the
// placeholder for the nth argument and timeArg converts time parameters to
// the driver's representation.
func leadQuery(filter LeadFilter, ph func(n int) string, timeArg func(time.Time) any) (string, []any) {
	var sb strings.Builder
	args := []any{filter.CampaignID}

	sb.WriteString(`SELECT ` + leadColumns + ` FROM leads WHERE campaign_id = ` + ph(1))

	switch {
	case filter.Stage == 1:
		sb.WriteString(` AND message_sent = false AND message_stage IS NULL`)
	case filter.Stage > 1:
		args = append(args, filter.Stage-1)
		sb.WriteString(` AND message_stage = ` + ph(len(args)))
		if filter.ContactedBefore != nil {
			args = append(args, timeArg(*filter.ContactedBefore))
			sb.WriteString(` AND last_contacted <= ` + ph(len(args)))
		}
	}
	if filter.Stage > 0 {
		sb.WriteString(` AND profile_reachable = true AND replied = false`)
	}

	sb.WriteString(` ORDER BY created_at, id`)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sb.WriteString(` LIMIT ` + ph(len(args)))
	}
	return sb.String(), args
}

func encodeCampaign(c *model.Campaign) (creds, stages []byte, err error) {
	creds, err = json.Marshal(c.Credentials)
	if err != nil {
		return nil, nil, eris.Wrap(err, "marshal credentials")
	}
	if c.Stages == nil {
		stages = []byte("[]")
		return creds, stages, nil
	}
	stages, err = json.Marshal(c.Stages)
	if err != nil {
		return nil, nil, eris.Wrap(err, "marshal stages")
	}
	return creds, stages, nil
}

func decodeCampaign(c *model.Campaign, creds, stages []byte) error {
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &c.Credentials); err != nil {
			return eris.Wrap(err, "unmarshal credentials")
		}
	}
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &c.Stages); err != nil {
			return eris.Wrap(err, "unmarshal stages")
		}
	}
	return nil
}
