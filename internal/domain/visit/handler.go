package visit

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/visitbilling/internal/platform/auth"
	"github.com/ehr/visitbilling/internal/platform/hellonote"
	"github.com/ehr/visitbilling/pkg/pagination"
)

// DefaultMaxUploadBytes caps upload request bodies.
const DefaultMaxUploadBytes = 10 << 20

// HandlerConfig carries request-level settings for the visit API.
// HoldReviewerID is recorded as review_by on visits a hold report flags;
// zero records the uploader instead.
type HandlerConfig struct {
	Upload           UploadOptions
	MaxUploadBytes   int64
	HoldLookbackDays int
	HoldReviewerID   int64
	Now              func() time.Time
	Logger           zerolog.Logger
}

type Handler struct {
	repo     Repository
	ingester *Ingester
	importer *Importer
	cfg      HandlerConfig
}

// NewHandler builds the visit API. importer may be nil when no HelloNote
// credentials are configured; the import and hold endpoints then answer 503.
func NewHandler(repo Repository, ingester *Ingester, importer *Importer, cfg HandlerConfig) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{repo: repo, ingester: ingester, importer: importer, cfg: cfg}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, billing
	readGroup := api.Group("", auth.RequireRole("admin", "billing"))
	readGroup.GET("/visits", h.ListVisits)
	readGroup.GET("/visits/billable", h.ExportBillable)
	readGroup.GET("/visits/:note_id", h.GetVisit)

	// Write endpoints – admin, billing
	writeGroup := api.Group("", auth.RequireRole("admin", "billing"))
	writeGroup.POST("/visits", h.IngestVisits)
	writeGroup.POST("/visits/upload", h.UploadVisits)
	writeGroup.POST("/visits/import", h.ImportVisits)
	writeGroup.POST("/visits/holds/sync", h.SyncHolds)
	writeGroup.POST("/visits/holds/upload", h.UploadHoldReport)
}

func (h *Handler) ListVisits(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ListFilter{VisitUID: c.QueryParam("visit_uid")}
	if raw := c.QueryParam("patient_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		filter.PatientID = id
	}
	items, total, err := h.repo.List(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetVisit(c echo.Context) error {
	noteID, err := strconv.ParseInt(c.Param("note_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid note_id")
	}
	v, err := h.repo.GetByNoteID(c.Request().Context(), noteID)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "visit not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, v)
}

// IngestVisits accepts a JSON array of billing transactions in the HelloNote
// item shape and ingests them as a manual batch. Every item needs a numeric
// noteId; otherwise the whole batch is rejected.
func (h *Handler) IngestVisits(c echo.Context) error {
	var items []map[string]any
	if err := c.Bind(&items); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	for i, item := range items {
		if item == nil || Int(item["noteId"]) == nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("item %d: noteId is required", i))
		}
	}
	summary, err := h.ingester.IngestFrom(c.Request().Context(), SourceManual, FromAPIItems(items), identityFrom(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, summary)
}

func (h *Handler) UploadVisits(c echo.Context) error {
	records, filename, err := h.readUpload(c, h.cfg.Upload)
	if err != nil {
		return err
	}
	summary, err := h.ingester.IngestFrom(c.Request().Context(), SourceUpload, records, identityFrom(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.cfg.Logger.Info().Str("file", filename).Int("rows", len(records)).Msg("upload ingested")
	return c.JSON(http.StatusCreated, summary)
}

// UploadHoldReport applies a hold report: held rows for stored notes are
// flagged for review and held rows for unknown notes are ingested.
func (h *Handler) UploadHoldReport(c echo.Context) error {
	opts := h.cfg.Upload
	opts.RequireColumns = append(slices.Clone(opts.RequireColumns), HoldReportColumns...)
	records, filename, err := h.readUpload(c, opts)
	if err != nil {
		return err
	}
	uploader := identityFrom(c)
	reviewBy := uploader.UserID
	if h.cfg.HoldReviewerID > 0 {
		id := h.cfg.HoldReviewerID
		reviewBy = &id
	}
	res, err := ApplyHoldReport(c.Request().Context(), h.repo, h.ingester, records, reviewBy, uploader)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.cfg.Logger.Info().Str("file", filename).Int("hold_rows", res.HoldRows).
		Int64("updated", res.Updated).Int64("inserted", res.Inserted).Msg("hold report applied")
	return c.JSON(http.StatusOK, res)
}

// readUpload reads the multipart "file" field under the upload size cap and
// parses it. Errors are already mapped to HTTP errors.
func (h *Handler) readUpload(c echo.Context, opts UploadOptions) ([]*Visit, string, error) {
	req := c.Request()
	if req.ContentLength > h.cfg.MaxUploadBytes {
		return nil, "", echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload exceeds %d bytes", h.cfg.MaxUploadBytes))
	}
	req.Body = http.MaxBytesReader(c.Response(), req.Body, h.cfg.MaxUploadBytes)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", echo.NewHTTPError(http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", h.cfg.MaxUploadBytes))
		}
		return nil, "", echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	records, err := ParseUpload(fh.Filename, f, opts)
	if err != nil {
		if errors.Is(err, ErrMissingColumns) || errors.Is(err, ErrUnsupportedFile) || errors.Is(err, ErrEmptyUploadTable) {
			return nil, "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return nil, "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read upload: %v", err))
	}
	return records, fh.Filename, nil
}

// ExportBillable downloads billable notes as CSV, one line per CPT code.
// start_date and end_date (YYYY-MM-DD) bound the note date inclusively and
// are both optional.
func (h *Handler) ExportBillable(c echo.Context) error {
	from, err := optionalDate(c.QueryParam("start_date"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid start_date")
	}
	to, err := optionalDate(c.QueryParam("end_date"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid end_date")
	}
	if from != nil && to != nil && to.Before(*from) {
		return echo.NewHTTPError(http.StatusBadRequest, "end_date must not be before start_date")
	}

	visits, err := h.repo.ListBillable(c.Request().Context(), from, to)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	var buf bytes.Buffer
	n, err := WriteBillableCSV(&buf, visits)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.cfg.Logger.Debug().Int("visits", len(visits)).Int("rows", n).Msg("billable notes exported")
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="billable_notes.csv"`)
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

func optionalDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ImportRequest selects the HelloNote transactions to import. Dates are
// YYYY-MM-DD; To defaults to From.
type ImportRequest struct {
	From              string `json:"from"`
	To                string `json:"to"`
	AllStatus         bool   `json:"all_status"`
	AllStatusWithHold bool   `json:"all_status_with_hold"`
	NoteDate          bool   `json:"note_date"`
}

func (r ImportRequest) query() (hellonote.Query, error) {
	from, err := time.Parse(time.DateOnly, r.From)
	if err != nil {
		return hellonote.Query{}, fmt.Errorf("invalid from date %q", r.From)
	}
	to := from
	if r.To != "" {
		if to, err = time.Parse(time.DateOnly, r.To); err != nil {
			return hellonote.Query{}, fmt.Errorf("invalid to date %q", r.To)
		}
	}
	if to.Before(from) {
		return hellonote.Query{}, errors.New("to must not be before from")
	}
	return hellonote.Query{
		From:              from,
		To:                to,
		AllStatus:         r.AllStatus,
		AllStatusWithHold: r.AllStatusWithHold,
		FinalizedDate:     !r.NoteDate,
		NoteDate:          r.NoteDate,
	}, nil
}

func (h *Handler) ImportVisits(c echo.Context) error {
	if h.importer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "HelloNote import is not configured")
	}
	var body ImportRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	q, err := body.query()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	summary, err := h.importer.ImportRange(c.Request().Context(), q, identityFrom(c))
	if err != nil {
		return upstreamError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

// HoldSyncRequest bounds a hold sync. Both dates are optional and default
// to the configured lookback window ending today.
type HoldSyncRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (h *Handler) SyncHolds(c echo.Context) error {
	if h.importer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "HelloNote import is not configured")
	}
	var body HoldSyncRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	from, to := HoldWindow(h.cfg.Now(), h.cfg.HoldLookbackDays)
	var err error
	if body.From != "" {
		if from, err = time.Parse(time.DateOnly, body.From); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
		}
	}
	if body.To != "" {
		if to, err = time.Parse(time.DateOnly, body.To); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
		}
	}
	res, err := h.importer.SyncHolds(c.Request().Context(), from, to)
	if err != nil {
		return upstreamError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func upstreamError(err error) error {
	if errors.Is(err, hellonote.ErrUnauthorized) {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// identityFrom maps the authenticated subject to the uploader recorded on
// each visit. A non-numeric subject leaves uploaded_by empty.
func identityFrom(c echo.Context) Identity {
	id, ok := auth.NumericUserIDFromContext(c.Request().Context())
	if !ok {
		return Identity{}
	}
	return Identity{UserID: &id}
}
