package visit

import (
	"context"
	"fmt"
)

// Resolution is how a record's visit UID was decided.
type Resolution int

const (
	ResolvedNew Resolution = iota
	ResolvedBatch
	ResolvedStored
	ResolvedNoteNumber
)

func (r Resolution) String() string {
	switch r {
	case ResolvedBatch:
		return "batch"
	case ResolvedStored:
		return "stored"
	case ResolvedNoteNumber:
		return "note_number"
	default:
		return "new"
	}
}

// resolver assigns visit UIDs to the records of one batch. Keys resolved
// earlier in the batch are held in an overlay and consulted before storage,
// so records that share an encounter share a UID even before any of them is
// written.
type resolver struct {
	store           Reader
	alloc           *allocator
	matchNoteNumber bool
	overlay         map[GroupKey]string
}

func newResolver(store Reader, alloc *allocator, matchNoteNumber bool) *resolver {
	return &resolver{
		store:           store,
		alloc:           alloc,
		matchNoteNumber: matchNoteNumber,
		overlay:         make(map[GroupKey]string),
	}
}

// Resolve sets v.VisitUID.
func (r *resolver) Resolve(ctx context.Context, v *Visit) (Resolution, error) {
	key := v.GroupKey()

	if key.Complete() {
		if uid, ok := r.overlay[key]; ok {
			v.VisitUID = &uid
			return ResolvedBatch, nil
		}
		uid, ok, err := r.store.FindVisitUIDByGroupKey(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("resolve %s: %w", key, err)
		}
		if ok {
			r.assign(v, key, uid)
			return ResolvedStored, nil
		}
	}

	if r.matchNoteNumber && key.hasPatient && key.CaseDescription != "" && v.NoteNumber != NoteNumberUnknown {
		uid, ok, err := r.store.FindVisitUIDByNoteNumber(ctx, key.PatientID, key.CaseDescription, v.NoteNumber)
		if err != nil {
			return 0, fmt.Errorf("resolve note number %d for patient %d: %w", v.NoteNumber, key.PatientID, err)
		}
		if ok {
			r.assign(v, key, uid)
			return ResolvedNoteNumber, nil
		}
	}

	r.assign(v, key, r.alloc.Next())
	return ResolvedNew, nil
}

func (r *resolver) assign(v *Visit, key GroupKey, uid string) {
	v.VisitUID = &uid
	if key.Complete() {
		r.overlay[key] = uid
	}
}
