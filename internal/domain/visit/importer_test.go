package visit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/visitbilling/internal/platform/hellonote"
	"github.com/ehr/visitbilling/internal/platform/notification"
)

type stubSource struct {
	items   []map[string]any
	err     error
	queries []hellonote.Query
}

func (s *stubSource) FetchAll(_ context.Context, q hellonote.Query) ([]map[string]any, error) {
	s.queries = append(s.queries, q)
	return s.items, s.err
}

type holdCounter struct{ n int64 }

func (h *holdCounter) HoldsUpdated(n int64) { h.n += n }

func apiItem(noteID, patientID int64, caseTitle, noteDate string) map[string]any {
	return map[string]any{
		"noteId":    float64(noteID),
		"patientId": float64(patientID),
		"caseTitle": caseTitle,
		"noteDate":  noteDate,
		"noteTitle": "Daily Note - 2",
	}
}

func TestImportRange(t *testing.T) {
	repo := newMemRepo()
	src := &stubSource{items: []map[string]any{
		apiItem(100, 7, "Low back", "2025-03-04T00:00:00"),
		apiItem(101, 7, "Low back", "2025-03-04T00:00:00"),
		apiItem(102, 7, "Low back", "2025-03-05T00:00:00"),
	}}
	ann := &recordingAnnouncer{}
	ing := NewIngester(repo, WithClock(fixedClock(2025)), WithAnnouncer(ann))
	im := NewImporter(src, ing, repo, ann, nil, zerolog.Nop())

	q := DailyImportQuery(time.Date(2025, 3, 6, 7, 0, 0, 0, time.UTC))
	sum, err := im.ImportRange(context.Background(), q, SystemIdentity(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.InsertedCount != 3 || sum.VisitUIDsCreated != 2 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if repo.uidOf(100) != repo.uidOf(101) || repo.uidOf(100) == repo.uidOf(102) {
		t.Error("grouping not applied to API items")
	}
	v, _ := repo.GetByNoteID(context.Background(), 100)
	if v.UploadedBy == nil || *v.UploadedBy != 4 {
		t.Errorf("expected system uploader 4, got %v", v.UploadedBy)
	}
	if got := src.queries[0]; !got.From.Equal(time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)) || !got.AllStatus || !got.FinalizedDate {
		t.Errorf("unexpected daily query %+v", got)
	}
	if len(ann.msgs) != 2 {
		t.Errorf("expected start and completion notifications, got %d", len(ann.msgs))
	}
}

func TestImportRange_Empty(t *testing.T) {
	repo := newMemRepo()
	ann := &recordingAnnouncer{}
	im := NewImporter(&stubSource{}, NewIngester(repo), repo, ann, nil, zerolog.Nop())

	sum, err := im.ImportRange(context.Background(), hellonote.Query{}, Identity{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.InsertedCount != 0 || sum.SkippedIDs == nil {
		t.Errorf("unexpected summary %+v", sum)
	}
	if repo.maxSeqCalls != 0 {
		t.Error("empty range should not reach the ingester")
	}
	if len(ann.msgs) != 2 || ann.msgs[1].Status != notification.StatusSuccess {
		t.Errorf("expected start and empty-range notifications, got %+v", ann.msgs)
	}
}

func TestImportRange_FetchError(t *testing.T) {
	repo := newMemRepo()
	ann := &recordingAnnouncer{}
	im := NewImporter(&stubSource{err: hellonote.ErrUnauthorized}, NewIngester(repo), repo, ann, nil, zerolog.Nop())

	_, err := im.ImportRange(context.Background(), hellonote.Query{}, Identity{})
	if !errors.Is(err, hellonote.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if last := ann.msgs[len(ann.msgs)-1]; last.Status != notification.StatusError {
		t.Errorf("expected failure notification, got %+v", last)
	}
}

func TestSyncHolds(t *testing.T) {
	repo := newMemRepo()
	repo.seed(note(1, 1, "A", day(2025, 1, 1)), note(2, 1, "A", day(2025, 1, 2)), note(3, 1, "A", day(2025, 1, 3)))
	src := &stubSource{items: []map[string]any{
		{"noteId": float64(1)}, {"noteId": float64(3)}, {"noteId": float64(3)}, {"noteId": float64(99)}, {"noteId": nil},
	}}
	rec := &holdCounter{}
	im := NewImporter(src, NewIngester(repo), repo, nil, rec, zerolog.Nop())

	from, to := HoldWindow(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), 0)
	res, err := im.SyncHolds(context.Background(), from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Fetched != 3 || res.Updated != 2 || res.Missing != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	for id, want := range map[int64]bool{1: true, 2: false, 3: true} {
		v, _ := repo.GetByNoteID(context.Background(), id)
		if v.Hold != want {
			t.Errorf("note %d: expected hold %v", id, want)
		}
	}
	if rec.n != 2 {
		t.Errorf("expected recorder to see 2, got %d", rec.n)
	}
	q := src.queries[0]
	if !q.Hold || !q.From.Equal(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)) || !q.To.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected hold query %+v", q)
	}
}

func TestSyncHolds_FetchError(t *testing.T) {
	repo := newMemRepo()
	im := NewImporter(&stubSource{err: errors.New("timeout")}, NewIngester(repo), repo, nil, nil, zerolog.Nop())
	if _, err := im.SyncHolds(context.Background(), time.Now(), time.Now()); err == nil {
		t.Fatal("expected error")
	}
}
