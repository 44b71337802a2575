package visit

import (
	"context"
	"time"
)

// Reader is the storage view the identity resolver consults.
type Reader interface {
	// ExistingNoteIDs returns the subset of noteIDs already stored.
	ExistingNoteIDs(ctx context.Context, noteIDs []int64) (map[int64]bool, error)
	// FindVisitUIDByGroupKey returns the visit UID of any stored visit with
	// the same patient, case and note date. ok is false when none exists.
	FindVisitUIDByGroupKey(ctx context.Context, key GroupKey) (uid string, ok bool, err error)
	FindVisitUIDByNoteNumber(ctx context.Context, patientID int64, caseDescription string, noteNumber int) (uid string, ok bool, err error)
	// MaxSequence returns the highest sequence number allocated under
	// "<year>-", or 0 when the year has none.
	MaxSequence(ctx context.Context, year int) (int, error)
}

// Writer persists resolved visits.
type Writer interface {
	// InsertIgnoreConflicts inserts visits, silently skipping any whose
	// note_id already exists, and returns the affected row count.
	InsertIgnoreConflicts(ctx context.Context, visits []*Visit) (int64, error)
}

// Store is everything the ingestion pipeline needs from persistence.
type Store interface {
	Reader
	Writer
}

// Repository adds the read and hold paths used around the pipeline.
type Repository interface {
	Store
	GetByNoteID(ctx context.Context, noteID int64) (*Visit, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Visit, int, error)
	SetHold(ctx context.Context, noteIDs []int64) (int64, error)
	// MarkReview flags stored visits for billing review with one reason.
	MarkReview(ctx context.Context, noteIDs []int64, reason string, reviewBy *int64) (int64, error)
	// ListBillable returns visits with a patient and a CPT string whose note
	// date falls in [from, to], oldest first. Nil bounds are open.
	ListBillable(ctx context.Context, from, to *time.Time) ([]*Visit, error)
}

// ListFilter narrows List. Zero fields are ignored.
type ListFilter struct {
	VisitUID  string
	PatientID int64
}
