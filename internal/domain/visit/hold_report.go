package visit

import (
	"context"
	"fmt"
)

// Review reasons recorded when a hold report names a stored visit.
const (
	ReviewPrePayroll  = "pre_payroll"
	ReviewPostPayroll = "post_payroll"
)

// HoldReportResult is the outcome of applying a hold report.
type HoldReportResult struct {
	HoldRows int      `json:"hold_rows"`
	Updated  int64    `json:"updated"`
	Inserted int64    `json:"inserted"`
	Summary  *Summary `json:"summary,omitempty"`
}

// HoldReportColumns must be present in a hold report on top of the regular
// upload columns.
var HoldReportColumns = []string{"hold"}

// ApplyHoldReport takes the held rows of a parsed report. Rows whose note is
// already stored are flagged for review, post_payroll when the row is paid
// and pre_payroll otherwise. The rest go through the ingester so they get
// visit UIDs like any other upload. Repeated note ids keep their first row.
func ApplyHoldReport(ctx context.Context, repo Repository, ing *Ingester, records []*Visit, reviewBy *int64, uploader Identity) (*HoldReportResult, error) {
	res := &HoldReportResult{}
	seen := make(map[int64]bool)
	var held []*Visit
	var ids []int64
	for _, r := range records {
		if r == nil || !r.Hold || r.NoteID == nil || seen[*r.NoteID] {
			continue
		}
		seen[*r.NoteID] = true
		held = append(held, r)
		ids = append(ids, *r.NoteID)
	}
	res.HoldRows = len(held)
	if len(held) == 0 {
		return res, nil
	}

	existing, err := repo.ExistingNoteIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("check existing notes: %w", err)
	}

	byReason := map[string][]int64{}
	var fresh []*Visit
	for _, r := range held {
		if !existing[*r.NoteID] {
			fresh = append(fresh, r)
			continue
		}
		reason := ReviewPrePayroll
		if r.Paid {
			reason = ReviewPostPayroll
		}
		byReason[reason] = append(byReason[reason], *r.NoteID)
	}

	for _, reason := range []string{ReviewPrePayroll, ReviewPostPayroll} {
		if len(byReason[reason]) == 0 {
			continue
		}
		n, err := repo.MarkReview(ctx, byReason[reason], reason, reviewBy)
		if err != nil {
			return nil, fmt.Errorf("flag %s reviews: %w", reason, err)
		}
		res.Updated += n
	}

	if len(fresh) > 0 {
		summary, err := ing.IngestFrom(ctx, SourceHoldUpload, fresh, uploader)
		if err != nil {
			return nil, err
		}
		res.Summary = summary
		res.Inserted = summary.InsertedCount
	}
	return res, nil
}
