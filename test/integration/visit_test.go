package integration

import (
	"context"
	"testing"
	"time"

	"github.com/ehr/visitbilling/internal/domain/visit"
)

var ingestClock = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }

func note(noteID, patientID int64, caseDesc string, day time.Time) *visit.Visit {
	return &visit.Visit{
		NoteID:          ptrInt64(noteID),
		PatientID:       ptrInt64(patientID),
		CaseDescription: ptrStr(caseDesc),
		NoteDate:        &day,
		Note:            ptrStr("Daily Note 3"),
		NoteNumber:      3,
		CPTCode:         ptrStr("97110"),
	}
}

func TestVisitIngest(t *testing.T) {
	ctx := context.Background()
	schema := createSchema(t, ctx, "visits")
	repo := visit.NewRepo(globalDB.Pool)
	ingester := visit.NewIngester(repo, visit.WithClock(ingestClock))
	uploader := visit.SystemIdentity(12)

	day1 := time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	t.Run("GroupsNotesIntoVisits", func(t *testing.T) {
		inSchema(t, ctx, schema, func(ctx context.Context) error {
			summary, err := ingester.Ingest(ctx, []*visit.Visit{
				note(101, 7, "Knee", day1),
				note(102, 7, "Knee", day1),
				note(103, 7, "Knee", day2),
			}, uploader)
			if err != nil {
				return err
			}
			if summary.InsertedCount != 3 || summary.VisitUIDsCreated != 2 || summary.SkippedCount != 0 {
				t.Errorf("unexpected summary %+v", summary)
			}

			a, err := repo.GetByNoteID(ctx, 101)
			if err != nil {
				return err
			}
			b, err := repo.GetByNoteID(ctx, 102)
			if err != nil {
				return err
			}
			c, err := repo.GetByNoteID(ctx, 103)
			if err != nil {
				return err
			}
			if *a.VisitUID != "2025-000001" || *b.VisitUID != "2025-000001" {
				t.Errorf("expected shared uid 2025-000001, got %s and %s", *a.VisitUID, *b.VisitUID)
			}
			if *c.VisitUID != "2025-000002" {
				t.Errorf("expected 2025-000002 for the next day, got %s", *c.VisitUID)
			}
			if a.UploadedBy == nil || *a.UploadedBy != 12 {
				t.Errorf("expected uploaded_by 12, got %v", a.UploadedBy)
			}
			return nil
		})
	})

	t.Run("ReingestSkipsAndReusesUID", func(t *testing.T) {
		inSchema(t, ctx, schema, func(ctx context.Context) error {
			summary, err := ingester.Ingest(ctx, []*visit.Visit{
				note(101, 7, "Knee", day1),
				note(104, 7, "Knee", day1),
			}, uploader)
			if err != nil {
				return err
			}
			if summary.InsertedCount != 1 || summary.SkippedCount != 1 || summary.VisitUIDsCreated != 0 {
				t.Errorf("unexpected summary %+v", summary)
			}
			if len(summary.SkippedIDs) != 1 || summary.SkippedIDs[0] != 101 {
				t.Errorf("expected 101 skipped, got %v", summary.SkippedIDs)
			}
			v, err := repo.GetByNoteID(ctx, 104)
			if err != nil {
				return err
			}
			if *v.VisitUID != "2025-000001" {
				t.Errorf("expected group uid reuse, got %s", *v.VisitUID)
			}
			return nil
		})
	})

	t.Run("ListByVisitUID", func(t *testing.T) {
		inSchema(t, ctx, schema, func(ctx context.Context) error {
			items, total, err := repo.List(ctx, visit.ListFilter{VisitUID: "2025-000001"}, 10, 0)
			if err != nil {
				return err
			}
			if total != 3 || len(items) != 3 {
				t.Errorf("expected 3 notes in the visit, got total=%d len=%d", total, len(items))
			}
			return nil
		})
	})

	t.Run("SetHold", func(t *testing.T) {
		inSchema(t, ctx, schema, func(ctx context.Context) error {
			n, err := repo.SetHold(ctx, []int64{103, 999})
			if err != nil {
				return err
			}
			if n != 1 {
				t.Errorf("expected 1 visit held, got %d", n)
			}
			v, err := repo.GetByNoteID(ctx, 103)
			if err != nil {
				return err
			}
			if !v.Hold {
				t.Error("expected hold to be set")
			}
			return nil
		})
	})

	t.Run("MarkReview", func(t *testing.T) {
		inSchema(t, ctx, schema, func(ctx context.Context) error {
			reviewer := int64(3)
			n, err := repo.MarkReview(ctx, []int64{102, 998}, visit.ReviewPostPayroll, &reviewer)
			if err != nil {
				return err
			}
			if n != 1 {
				t.Errorf("expected 1 visit flagged, got %d", n)
			}
			v, err := repo.GetByNoteID(ctx, 102)
			if err != nil {
				return err
			}
			if !v.ReviewNeeded || v.ReviewReason == nil || *v.ReviewReason != visit.ReviewPostPayroll ||
				v.ReviewBy == nil || *v.ReviewBy != 3 {
				t.Errorf("unexpected review fields %v %v %v", v.ReviewNeeded, v.ReviewReason, v.ReviewBy)
			}
			return nil
		})
	})

	t.Run("ListBillable", func(t *testing.T) {
		inSchema(t, ctx, schema, func(ctx context.Context) error {
			items, err := repo.ListBillable(ctx, &day1, &day1)
			if err != nil {
				return err
			}
			if len(items) != 3 {
				t.Fatalf("expected 3 billable notes on %s, got %d", day1.Format(time.DateOnly), len(items))
			}
			if *items[0].NoteID != 101 || *items[2].NoteID != 104 {
				t.Errorf("expected note order 101..104, got %d..%d", *items[0].NoteID, *items[2].NoteID)
			}
			all, err := repo.ListBillable(ctx, nil, nil)
			if err != nil {
				return err
			}
			if len(all) != 4 {
				t.Errorf("expected 4 billable notes without bounds, got %d", len(all))
			}
			return nil
		})
	})
}

func TestVisitIngest_Chunked(t *testing.T) {
	ctx := context.Background()
	schema := createSchema(t, ctx, "chunks")
	repo := visit.NewRepo(globalDB.Pool)
	ingester := visit.NewIngester(repo, visit.WithClock(ingestClock), visit.WithChunkSize(2))

	day := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	var batch []*visit.Visit
	for i := int64(1); i <= 5; i++ {
		batch = append(batch, note(500+i, 100+i, "Shoulder", day))
	}

	inSchema(t, ctx, schema, func(ctx context.Context) error {
		summary, err := ingester.Ingest(ctx, batch, visit.Identity{})
		if err != nil {
			return err
		}
		if summary.InsertedCount != 5 || summary.VisitUIDsCreated != 5 {
			t.Errorf("unexpected summary %+v", summary)
		}
		seq, err := repo.MaxSequence(ctx, 2025)
		if err != nil {
			return err
		}
		if seq != 5 {
			t.Errorf("expected max sequence 5, got %d", seq)
		}
		return nil
	})
}

func TestVisitIngest_FullWidthChunk(t *testing.T) {
	ctx := context.Background()
	schema := createSchema(t, ctx, "widechunk")
	repo := visit.NewRepo(globalDB.Pool)
	ingester := visit.NewIngester(repo, visit.WithClock(ingestClock), visit.WithChunkSize(visit.MaxChunkSize))

	day := time.Date(2025, 2, 11, 0, 0, 0, 0, time.UTC)
	batch := make([]*visit.Visit, 0, visit.MaxChunkSize)
	for i := int64(1); i <= int64(visit.MaxChunkSize); i++ {
		batch = append(batch, note(10000+i, 7, "Hip", day))
	}

	inSchema(t, ctx, schema, func(ctx context.Context) error {
		summary, err := ingester.Ingest(ctx, batch, visit.Identity{})
		if err != nil {
			return err
		}
		if summary.InsertedCount != int64(visit.MaxChunkSize) {
			t.Errorf("expected %d rows in one statement, got %d", visit.MaxChunkSize, summary.InsertedCount)
		}
		return nil
	})
}
