package visit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/visitbilling/internal/platform/notification"
)

// DefaultChunkSize is how many rows go into one INSERT statement.
const DefaultChunkSize = 500

// Batch sources, used as metric labels and in notifications.
const (
	SourceAPI        = "api"
	SourceUpload     = "upload"
	SourceManual     = "manual"
	SourceHoldUpload = "hold_upload"
)

// Recorder receives batch outcomes for metrics.
type Recorder interface {
	BatchCompleted(source string, inserted int64, skipped, created int, elapsed time.Duration)
	BatchFailed(source string, inserted int64, elapsed time.Duration)
}

// Announcer queues an operational message without blocking.
type Announcer interface {
	Send(m notification.Message)
}

// IngestOption configures an Ingester.
type IngestOption func(*Ingester)

// WithChunkSize sets the number of rows per INSERT. Values below 1 are
// ignored and values above MaxChunkSize are clamped.
func WithChunkSize(n int) IngestOption {
	return func(i *Ingester) {
		if n > 0 {
			i.chunkSize = min(n, MaxChunkSize)
		}
	}
}

// WithNoteNumberMatch makes the resolver reuse the UID of a stored visit with
// the same patient, case and note number when the grouping key finds nothing.
func WithNoteNumberMatch(enabled bool) IngestOption {
	return func(i *Ingester) { i.matchNoteNumber = enabled }
}

// WithClock overrides the clock used for the allocation year.
func WithClock(now func() time.Time) IngestOption {
	return func(i *Ingester) { i.now = now }
}

func WithLogger(l zerolog.Logger) IngestOption {
	return func(i *Ingester) { i.logger = l }
}

func WithRecorder(r Recorder) IngestOption {
	return func(i *Ingester) { i.recorder = r }
}

func WithAnnouncer(a Announcer) IngestOption {
	return func(i *Ingester) { i.announcer = a }
}

// Ingester writes batches of visits, assigning visit UIDs on the way.
type Ingester struct {
	store           Store
	chunkSize       int
	matchNoteNumber bool
	now             func() time.Time
	logger          zerolog.Logger
	recorder        Recorder
	announcer       Announcer
}

func NewIngester(store Store, opts ...IngestOption) *Ingester {
	i := &Ingester{
		store:     store,
		chunkSize: DefaultChunkSize,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Ingest processes records as a manual batch. See IngestFrom.
func (i *Ingester) Ingest(ctx context.Context, records []*Visit, uploadedBy Identity) (*Summary, error) {
	return i.IngestFrom(ctx, SourceManual, records, uploadedBy)
}

// IngestFrom stores records that are not already stored and returns what
// happened. Records are handled in input order; VisitUID and UploadedBy are
// set on every record that is written. Records whose note id is already
// stored, or that repeat an earlier note id in the same batch, are skipped.
//
// Rows are written in chunks. When a chunk fails the remaining chunks are not
// attempted, rows from earlier chunks stay written, and the error is returned.
func (i *Ingester) IngestFrom(ctx context.Context, source string, records []*Visit, uploadedBy Identity) (*Summary, error) {
	start := time.Now()
	summary := &Summary{BatchID: uuid.New(), SkippedIDs: []int64{}}
	log := i.logger.With().
		Str("batch_id", summary.BatchID.String()).
		Str("source", source).
		Int("records", len(records)).
		Logger()

	stage, err := i.run(ctx, summary, records, uploadedBy)
	elapsed := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("stage", stage).Int64("inserted", summary.InsertedCount).Msg("ingest failed")
		if i.recorder != nil {
			i.recorder.BatchFailed(source, summary.InsertedCount, elapsed)
		}
		i.announce(notification.Message{
			Status: notification.StatusError,
			Stage:  stage,
			Source: source,
			Text:   fmt.Sprintf("batch %s failed after inserting %d visits: %v", summary.BatchID, summary.InsertedCount, err),
		})
		return nil, err
	}

	log.Info().
		Int64("inserted", summary.InsertedCount).
		Int("skipped", summary.SkippedCount).
		Int("visit_uids_created", summary.VisitUIDsCreated).
		Dur("elapsed", elapsed).
		Msg("ingest complete")
	if i.recorder != nil {
		i.recorder.BatchCompleted(source, summary.InsertedCount, summary.SkippedCount, summary.VisitUIDsCreated, elapsed)
	}
	i.announce(notification.Message{
		Status: notification.StatusSuccess,
		Stage:  "insert_db",
		Source: source,
		Text:   summary.String(),
	})
	return summary, nil
}

func (i *Ingester) run(ctx context.Context, summary *Summary, records []*Visit, uploadedBy Identity) (string, error) {
	noteIDs := make([]int64, 0, len(records))
	for _, v := range records {
		if v.NoteID != nil {
			noteIDs = append(noteIDs, *v.NoteID)
		}
	}
	existing, err := i.store.ExistingNoteIDs(ctx, noteIDs)
	if err != nil {
		return "check_existing", fmt.Errorf("check existing note ids: %w", err)
	}

	pending := make([]*Visit, 0, len(records))
	seen := make(map[int64]bool, len(noteIDs))
	for _, v := range records {
		if v.NoteID != nil {
			id := *v.NoteID
			if existing[id] || seen[id] {
				summary.SkippedIDs = append(summary.SkippedIDs, id)
				continue
			}
			seen[id] = true
		}
		v.UploadedBy = uploadedBy.UserID
		pending = append(pending, v)
	}
	summary.SkippedCount = len(summary.SkippedIDs)
	if len(pending) == 0 {
		return "", nil
	}

	alloc, err := newAllocator(ctx, i.store, i.now().Year())
	if err != nil {
		return "allocate", err
	}
	res := newResolver(i.store, alloc, i.matchNoteNumber)
	for _, v := range pending {
		if _, err := res.Resolve(ctx, v); err != nil {
			return "resolve", err
		}
	}
	summary.VisitUIDsCreated = alloc.Created()

	for off := 0; off < len(pending); off += i.chunkSize {
		end := min(off+i.chunkSize, len(pending))
		n, err := i.store.InsertIgnoreConflicts(ctx, pending[off:end])
		if err != nil {
			return "insert_db", fmt.Errorf("insert chunk at offset %d: %w", off, err)
		}
		summary.InsertedCount += n
	}
	return "", nil
}

func (i *Ingester) announce(m notification.Message) {
	if i.announcer != nil {
		i.announcer.Send(m)
	}
}
