// Package sequence decides which leads may receive the next message of a
// multi-stage outreach sequence.
package sequence

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
)

// Day is the unit of stage delays.
const Day = 24 * time.Hour

// Rejection explains why a lead returned by the store was dropped.
type Rejection struct {
	LeadID string
	Reason string
}

// Result is the outcome of filtering a batch of candidate leads.
type Result struct {
	Eligible []model.Lead
	Rejected []Rejection
}

// Filter keeps the leads that may receive stage. delayDays is the delay of
// the preceding stage and is ignored for stage 1. Leads that do not match
// the predicate are logged and dropped; the filter never fails.
func Filter(stage, delayDays int, leads []model.Lead, now time.Time) Result {
	var res Result
	for _, lead := range leads {
		if reason, ok := Check(stage, delayDays, lead, now); !ok {
			zap.L().Warn("sequence: lead not eligible, skipping",
				zap.String("lead_id", lead.ID),
				zap.Int("stage", stage),
				zap.Int("lead_stage", lead.StageValue()),
				zap.String("reason", reason),
			)
			res.Rejected = append(res.Rejected, Rejection{LeadID: lead.ID, Reason: reason})
			continue
		}
		res.Eligible = append(res.Eligible, lead)
	}
	return res
}

// Check evaluates one lead against the eligibility predicate for stage.
// It returns a reason when the lead is not eligible.
func Check(stage, delayDays int, lead model.Lead, now time.Time) (string, bool) {
	if stage <= 0 {
		return "invalid stage", false
	}
	if !lead.ProfileReachable {
		return "profile unreachable", false
	}
	if lead.Replied {
		return "lead replied", false
	}

	if stage == 1 {
		if lead.MessageSent {
			return "first message already sent", false
		}
		if lead.MessageStage != nil {
			return "stage already recorded", false
		}
		return "", true
	}

	if lead.MessageStage == nil || *lead.MessageStage != stage-1 {
		return "stage mismatch", false
	}
	if lead.LastContacted == nil {
		return "no previous contact recorded", false
	}
	if now.Sub(*lead.LastContacted) < time.Duration(delayDays)*Day {
		return "delay not elapsed", false
	}
	return "", true
}

// ContactedBefore returns the latest last-contacted time a lead may have to
// be eligible for a stage whose predecessor waits delayDays.
func ContactedBefore(now time.Time, delayDays int) time.Time {
	return now.Add(-time.Duration(delayDays) * Day)
}

// ValidateStages checks that stage numbers are unique, positive, and
// contiguous from 1.
func ValidateStages(stages []model.StageTemplate) error {
	if len(stages) == 0 {
		return eris.New("sequence: no stages defined")
	}
	nums := make([]int, 0, len(stages))
	seen := make(map[int]bool, len(stages))
	for _, s := range stages {
		if s.Stage <= 0 {
			return eris.Errorf("sequence: invalid stage number %d", s.Stage)
		}
		if seen[s.Stage] {
			return eris.Errorf("sequence: duplicate stage %d", s.Stage)
		}
		if s.DelayDays < 0 {
			return eris.Errorf("sequence: stage %d has negative delay", s.Stage)
		}
		seen[s.Stage] = true
		nums = append(nums, s.Stage)
	}
	sort.Ints(nums)
	for i, n := range nums {
		if n != i+1 {
			return eris.Errorf("sequence: stage %d missing", i+1)
		}
	}
	return nil
}
