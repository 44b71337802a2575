package visit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/visitbilling/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// insertCols lists every column the pipeline writes, in argument order.
var insertCols = []string{
	"visit_uid", "note_id", "patient_id", "first_name", "last_name", "gender", "date_of_birth",
	"note", "note_number", "case_description", "case_date", "case_id", "case_type", "location",
	"note_date", "finalized_date", "time_in", "time_out",
	"primary_ins_id", "primary_insurance", "secondary_ins_id", "secondary_insurance",
	"referring_provider", "ref_provider_npi", "rendering_provider_npi",
	"diagnosis", "medical_diagnosis", "pos", "visit_type", "attendance", "comments",
	"supervising_therapist", "visiting_therapist", "cpt_code", "total_units",
	"date_billed", "billed_comment", "auth_number", "medical_record_no",
	"patient_street1", "patient_street2", "patient_city", "patient_state", "patient_zip",
	"hold", "billed", "paid", "review_needed", "review_reason", "uploaded_by",
}

// maxBindParams is the PostgreSQL limit on parameters in one statement.
const maxBindParams = 65535

// MaxChunkSize is the largest batch InsertIgnoreConflicts can bind in a
// single statement.
var MaxChunkSize = maxBindParams / len(insertCols)

const visitCols = `id, visit_uid, note_id, patient_id, first_name, last_name, gender, date_of_birth,
	note, note_number, case_description, case_date, case_id, case_type, location,
	note_date, finalized_date, time_in, time_out,
	primary_ins_id, primary_insurance, secondary_ins_id, secondary_insurance,
	referring_provider, ref_provider_npi, rendering_provider_npi,
	diagnosis, medical_diagnosis, pos, visit_type, attendance, comments,
	supervising_therapist, visiting_therapist, cpt_code, total_units,
	date_billed, billed_comment, auth_number, medical_record_no,
	patient_street1, patient_street2, patient_city, patient_state, patient_zip,
	hold, billed, paid, review_needed, review_reason, review_by,
	uploaded_by, uploaded_at, created_at, updated_at`

func insertArgs(v *Visit) []interface{} {
	return []interface{}{
		v.VisitUID, v.NoteID, v.PatientID, v.FirstName, v.LastName, v.Gender, v.DateOfBirth,
		v.Note, v.NoteNumber, v.CaseDescription, v.CaseDate, v.CaseID, v.CaseType, v.Location,
		v.NoteDate, v.FinalizedDate, v.TimeIn, v.TimeOut,
		v.PrimaryInsID, v.PrimaryInsurance, v.SecondaryInsID, v.SecondaryInsurance,
		v.ReferringProvider, v.RefProviderNPI, v.RenderingProviderNPI,
		v.Diagnosis, v.MedicalDiagnosis, v.POS, v.VisitType, v.Attendance, v.Comments,
		v.SupervisingTherapist, v.VisitingTherapist, v.CPTCode, v.TotalUnits,
		v.DateBilled, v.BilledComment, v.AuthNumber, v.MedicalRecordNo,
		v.PatientStreet1, v.PatientStreet2, v.PatientCity, v.PatientState, v.PatientZip,
		v.Hold, v.Billed, v.Paid, v.ReviewNeeded, v.ReviewReason, v.UploadedBy,
	}
}

func (r *repoPG) ExistingNoteIDs(ctx context.Context, noteIDs []int64) (map[int64]bool, error) {
	existing := make(map[int64]bool)
	if len(noteIDs) == 0 {
		return existing, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT note_id FROM visits WHERE note_id = ANY($1)`, noteIDs)
	if err != nil {
		return nil, fmt.Errorf("query existing note ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan note id: %w", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate note ids: %w", err)
	}
	return existing, nil
}

func (r *repoPG) FindVisitUIDByGroupKey(ctx context.Context, key GroupKey) (string, bool, error) {
	return r.findUID(ctx, `
		SELECT visit_uid FROM visits
		WHERE patient_id = $1 AND case_description = $2 AND note_date = $3 AND visit_uid IS NOT NULL
		ORDER BY id LIMIT 1`,
		key.PatientID, key.CaseDescription, key.NoteDate)
}

func (r *repoPG) FindVisitUIDByNoteNumber(ctx context.Context, patientID int64, caseDescription string, noteNumber int) (string, bool, error) {
	return r.findUID(ctx, `
		SELECT visit_uid FROM visits
		WHERE patient_id = $1 AND case_description = $2 AND note_number = $3 AND visit_uid IS NOT NULL
		ORDER BY id LIMIT 1`,
		patientID, caseDescription, noteNumber)
}

func (r *repoPG) findUID(ctx context.Context, sql string, args ...interface{}) (string, bool, error) {
	var uid string
	err := r.conn(ctx).QueryRow(ctx, sql, args...).Scan(&uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup visit uid: %w", err)
	}
	return uid, true, nil
}

func (r *repoPG) MaxSequence(ctx context.Context, year int) (int, error) {
	prefix := fmt.Sprintf("%d-", year)
	var max int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(MAX(CAST(SUBSTRING(visit_uid FROM $2) AS INTEGER)), 0)
		FROM visits
		WHERE visit_uid LIKE $1 || '%' AND SUBSTRING(visit_uid FROM $2) ~ '^[0-9]+$'`,
		prefix, len(prefix)+1,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max visit uid for %d: %w", year, err)
	}
	return max, nil
}

func (r *repoPG) InsertIgnoreConflicts(ctx context.Context, visits []*Visit) (int64, error) {
	if len(visits) == 0 {
		return 0, nil
	}
	if len(visits) > MaxChunkSize {
		return 0, fmt.Errorf("insert visits: %d rows exceed %d per statement", len(visits), MaxChunkSize)
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO visits (")
	sb.WriteString(strings.Join(insertCols, ", "))
	sb.WriteString(") VALUES ")

	args := make([]interface{}, 0, len(visits)*len(insertCols))
	for i, v := range visits {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range insertCols {
			if j > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", len(args)+j+1)
		}
		sb.WriteByte(')')
		args = append(args, insertArgs(v)...)
	}
	sb.WriteString(" ON CONFLICT (note_id) DO NOTHING")

	tag, err := r.conn(ctx).Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert visits: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) GetByNoteID(ctx context.Context, noteID int64) (*Visit, error) {
	v, err := scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM visits WHERE note_id = $1`, noteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *repoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Visit, int, error) {
	where := []string{"TRUE"}
	var args []interface{}
	if filter.VisitUID != "" {
		args = append(args, filter.VisitUID)
		where = append(where, fmt.Sprintf("visit_uid = $%d", len(args)))
	}
	if filter.PatientID != 0 {
		args = append(args, filter.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM visits WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataArgs := append(append([]interface{}{}, args...), limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM visits WHERE %s ORDER BY note_date DESC NULLS LAST, id DESC LIMIT $%d OFFSET $%d`,
		visitCols, cond, len(args)+1, len(args)+2), dataArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	return out, total, rows.Err()
}

func (r *repoPG) SetHold(ctx context.Context, noteIDs []int64) (int64, error) {
	if len(noteIDs) == 0 {
		return 0, nil
	}
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE visits SET hold = TRUE, updated_at = NOW() WHERE note_id = ANY($1)`, noteIDs)
	if err != nil {
		return 0, fmt.Errorf("set hold flags: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) MarkReview(ctx context.Context, noteIDs []int64, reason string, reviewBy *int64) (int64, error) {
	if len(noteIDs) == 0 {
		return 0, nil
	}
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE visits SET review_needed = TRUE, review_reason = $2, review_by = $3, updated_at = NOW()
		 WHERE note_id = ANY($1)`, noteIDs, reason, reviewBy)
	if err != nil {
		return 0, fmt.Errorf("mark review: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) ListBillable(ctx context.Context, from, to *time.Time) ([]*Visit, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+visitCols+` FROM visits
		WHERE patient_id IS NOT NULL AND cpt_code IS NOT NULL
		  AND ($1::date IS NULL OR note_date >= $1::date)
		  AND ($2::date IS NULL OR note_date <= $2::date)
		ORDER BY note_date, note_id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query billable visits: %w", err)
	}
	defer rows.Close()

	var out []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	err := row.Scan(
		&v.ID, &v.VisitUID, &v.NoteID, &v.PatientID, &v.FirstName, &v.LastName, &v.Gender, &v.DateOfBirth,
		&v.Note, &v.NoteNumber, &v.CaseDescription, &v.CaseDate, &v.CaseID, &v.CaseType, &v.Location,
		&v.NoteDate, &v.FinalizedDate, &v.TimeIn, &v.TimeOut,
		&v.PrimaryInsID, &v.PrimaryInsurance, &v.SecondaryInsID, &v.SecondaryInsurance,
		&v.ReferringProvider, &v.RefProviderNPI, &v.RenderingProviderNPI,
		&v.Diagnosis, &v.MedicalDiagnosis, &v.POS, &v.VisitType, &v.Attendance, &v.Comments,
		&v.SupervisingTherapist, &v.VisitingTherapist, &v.CPTCode, &v.TotalUnits,
		&v.DateBilled, &v.BilledComment, &v.AuthNumber, &v.MedicalRecordNo,
		&v.PatientStreet1, &v.PatientStreet2, &v.PatientCity, &v.PatientState, &v.PatientZip,
		&v.Hold, &v.Billed, &v.Paid, &v.ReviewNeeded, &v.ReviewReason, &v.ReviewBy,
		&v.UploadedBy, &v.UploadedAt, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
