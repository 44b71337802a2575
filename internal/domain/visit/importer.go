package visit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/visitbilling/internal/platform/hellonote"
	"github.com/ehr/visitbilling/internal/platform/notification"
)

// DefaultHoldLookbackDays is how far back the daily hold sync looks.
const DefaultHoldLookbackDays = 45

// Source fetches raw billing transactions from the EMR.
type Source interface {
	FetchAll(ctx context.Context, q hellonote.Query) ([]map[string]any, error)
}

// HoldWriter flags stored visits as on hold.
type HoldWriter interface {
	SetHold(ctx context.Context, noteIDs []int64) (int64, error)
}

// HoldRecorder receives hold sync outcomes for metrics.
type HoldRecorder interface {
	HoldsUpdated(n int64)
}

// Importer pulls visits from HelloNote into storage.
type Importer struct {
	source    Source
	ingester  *Ingester
	holds     HoldWriter
	announcer Announcer
	recorder  HoldRecorder
	logger    zerolog.Logger
}

func NewImporter(source Source, ingester *Ingester, holds HoldWriter, announcer Announcer, recorder HoldRecorder, logger zerolog.Logger) *Importer {
	return &Importer{
		source:    source,
		ingester:  ingester,
		holds:     holds,
		announcer: announcer,
		recorder:  recorder,
		logger:    logger,
	}
}

// ImportRange fetches every transaction matching q and ingests it on behalf
// of uploadedBy. An empty range yields an empty summary.
func (im *Importer) ImportRange(ctx context.Context, q hellonote.Query, uploadedBy Identity) (*Summary, error) {
	window := describeRange(q.From, q.To)
	log := im.logger.With().Str("range", window).Logger()
	im.announce(notification.StatusSuccess, "fetch_visits", "starting import for "+window)

	items, err := im.source.FetchAll(ctx, q)
	if err != nil {
		log.Error().Err(err).Msg("fetch visits failed")
		im.announce(notification.StatusError, "fetch_visits", fmt.Sprintf("import for %s failed: %v", window, err))
		return nil, fmt.Errorf("fetch visits for %s: %w", window, err)
	}
	if len(items) == 0 {
		log.Info().Msg("no visits in range")
		im.announce(notification.StatusSuccess, "fetch_visits", "no visits found for "+window)
		return &Summary{BatchID: uuid.New(), SkippedIDs: []int64{}}, nil
	}

	log.Info().Int("items", len(items)).Msg("fetched visits")
	return im.ingester.IngestFrom(ctx, SourceAPI, FromAPIItems(items), uploadedBy)
}

// SyncHolds sets hold = TRUE on every stored visit HelloNote reports on hold
// between from and to. Notes HelloNote holds but storage lacks are counted
// as missing.
func (im *Importer) SyncHolds(ctx context.Context, from, to time.Time) (*HoldSyncResult, error) {
	window := describeRange(from, to)
	items, err := im.source.FetchAll(ctx, hellonote.Query{From: from, To: to, Hold: true})
	if err != nil {
		im.announce(notification.StatusError, "fetch_hold_visits", fmt.Sprintf("hold sync for %s failed: %v", window, err))
		return nil, fmt.Errorf("fetch hold visits for %s: %w", window, err)
	}

	seen := make(map[int64]bool, len(items))
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		id := Int(it["noteId"])
		if id == nil || seen[*id] {
			continue
		}
		seen[*id] = true
		ids = append(ids, *id)
	}

	updated, err := im.holds.SetHold(ctx, ids)
	if err != nil {
		im.announce(notification.StatusError, "update_hold", fmt.Sprintf("hold sync for %s failed: %v", window, err))
		return nil, fmt.Errorf("update hold flags: %w", err)
	}
	res := &HoldSyncResult{Fetched: len(ids), Updated: updated, Missing: len(ids) - int(updated)}
	if im.recorder != nil {
		im.recorder.HoldsUpdated(updated)
	}

	im.logger.Info().Str("range", window).
		Int("fetched", res.Fetched).Int64("updated", res.Updated).Int("missing", res.Missing).
		Msg("hold sync complete")
	im.announce(notification.StatusSuccess, "update_hold",
		fmt.Sprintf("hold sync for %s: %d on hold, %d updated, %d not stored", window, res.Fetched, res.Updated, res.Missing))
	return res, nil
}

func (im *Importer) announce(status notification.Status, stage, text string) {
	if im.announcer != nil {
		im.announcer.Send(notification.Message{Status: status, Stage: stage, Source: SourceAPI, Text: text})
	}
}

// DailyImportQuery is the scheduled import: yesterday's finalized notes in
// every status.
func DailyImportQuery(now time.Time) hellonote.Query {
	y := dateOnly(now).AddDate(0, 0, -1)
	return hellonote.Query{From: y, To: y, AllStatus: true, FinalizedDate: true}
}

// HoldWindow returns [today-days, today].
func HoldWindow(now time.Time, days int) (from, to time.Time) {
	if days <= 0 {
		days = DefaultHoldLookbackDays
	}
	to = dateOnly(now)
	return to.AddDate(0, 0, -days), to
}

func describeRange(from, to time.Time) string {
	if from.Equal(to) {
		return from.Format(time.DateOnly)
	}
	return from.Format(time.DateOnly) + ".." + to.Format(time.DateOnly)
}
