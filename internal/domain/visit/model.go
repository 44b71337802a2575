package visit

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("visit not found")
	ErrMissingColumns   = errors.New("missing required columns")
	ErrUnsupportedFile  = errors.New("unsupported file type")
	ErrEmptyUploadTable = errors.New("upload contains no rows")
)

// NoteNumberUnknown is stored when a note title carries no trailing ordinal.
// It sorts after every real note number.
const NoteNumberUnknown = 9999

// Visit maps to the visits table. One row per imported note version.
type Visit struct {
	ID                   int64      `db:"id" json:"id"`
	VisitUID             *string    `db:"visit_uid" json:"visit_uid,omitempty"`
	NoteID               *int64     `db:"note_id" json:"note_id,omitempty"`
	PatientID            *int64     `db:"patient_id" json:"patient_id,omitempty"`
	FirstName            *string    `db:"first_name" json:"first_name,omitempty"`
	LastName             *string    `db:"last_name" json:"last_name,omitempty"`
	Gender               *string    `db:"gender" json:"gender,omitempty"`
	DateOfBirth          *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Note                 *string    `db:"note" json:"note,omitempty"`
	NoteNumber           int        `db:"note_number" json:"note_number"`
	CaseDescription      *string    `db:"case_description" json:"case_description,omitempty"`
	CaseDate             *time.Time `db:"case_date" json:"case_date,omitempty"`
	CaseID               *int64     `db:"case_id" json:"case_id,omitempty"`
	CaseType             *string    `db:"case_type" json:"case_type,omitempty"`
	Location             *string    `db:"location" json:"location,omitempty"`
	NoteDate             *time.Time `db:"note_date" json:"note_date,omitempty"`
	FinalizedDate        *time.Time `db:"finalized_date" json:"finalized_date,omitempty"`
	TimeIn               *time.Time `db:"time_in" json:"time_in,omitempty"`
	TimeOut              *time.Time `db:"time_out" json:"time_out,omitempty"`
	PrimaryInsID         *string    `db:"primary_ins_id" json:"primary_ins_id,omitempty"`
	PrimaryInsurance     *string    `db:"primary_insurance" json:"primary_insurance,omitempty"`
	SecondaryInsID       *string    `db:"secondary_ins_id" json:"secondary_ins_id,omitempty"`
	SecondaryInsurance   *string    `db:"secondary_insurance" json:"secondary_insurance,omitempty"`
	ReferringProvider    *string    `db:"referring_provider" json:"referring_provider,omitempty"`
	RefProviderNPI       *string    `db:"ref_provider_npi" json:"ref_provider_npi,omitempty"`
	RenderingProviderNPI *string    `db:"rendering_provider_npi" json:"rendering_provider_npi,omitempty"`
	Diagnosis            *string    `db:"diagnosis" json:"diagnosis,omitempty"`
	MedicalDiagnosis     *string    `db:"medical_diagnosis" json:"medical_diagnosis,omitempty"`
	POS                  *string    `db:"pos" json:"pos,omitempty"`
	VisitType            *string    `db:"visit_type" json:"visit_type,omitempty"`
	Attendance           *string    `db:"attendance" json:"attendance,omitempty"`
	Comments             *string    `db:"comments" json:"comments,omitempty"`
	SupervisingTherapist *string    `db:"supervising_therapist" json:"supervising_therapist,omitempty"`
	VisitingTherapist    *string    `db:"visiting_therapist" json:"visiting_therapist,omitempty"`
	CPTCode              *string    `db:"cpt_code" json:"cpt_code,omitempty"`
	TotalUnits           *int64     `db:"total_units" json:"total_units,omitempty"`
	DateBilled           *time.Time `db:"date_billed" json:"date_billed,omitempty"`
	BilledComment        *string    `db:"billed_comment" json:"billed_comment,omitempty"`
	AuthNumber           *string    `db:"auth_number" json:"auth_number,omitempty"`
	MedicalRecordNo      *string    `db:"medical_record_no" json:"medical_record_no,omitempty"`
	PatientStreet1       *string    `db:"patient_street1" json:"patient_street1,omitempty"`
	PatientStreet2       *string    `db:"patient_street2" json:"patient_street2,omitempty"`
	PatientCity          *string    `db:"patient_city" json:"patient_city,omitempty"`
	PatientState         *string    `db:"patient_state" json:"patient_state,omitempty"`
	PatientZip           *string    `db:"patient_zip" json:"patient_zip,omitempty"`
	Hold                 bool       `db:"hold" json:"hold"`
	Billed               bool       `db:"billed" json:"billed"`
	Paid                 bool       `db:"paid" json:"paid"`
	ReviewNeeded         bool       `db:"review_needed" json:"review_needed"`
	ReviewReason         *string    `db:"review_reason" json:"review_reason,omitempty"`
	ReviewBy             *int64     `db:"review_by" json:"review_by,omitempty"`
	UploadedBy           *int64     `db:"uploaded_by" json:"uploaded_by,omitempty"`
	UploadedAt           time.Time  `db:"uploaded_at" json:"uploaded_at"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// GroupKey returns the encounter grouping key of the visit.
func (v *Visit) GroupKey() GroupKey {
	k := GroupKey{}
	if v.PatientID != nil {
		k.PatientID = *v.PatientID
		k.hasPatient = true
	}
	if v.CaseDescription != nil {
		k.CaseDescription = *v.CaseDescription
	}
	if v.NoteDate != nil {
		k.NoteDate = dateOnly(*v.NoteDate)
	}
	return k
}

// GroupKey identifies one clinical encounter: a patient, a case and a note day.
// Notes that share a complete key share one visit UID.
type GroupKey struct {
	PatientID       int64
	CaseDescription string
	NoteDate        time.Time

	hasPatient bool
}

// Complete reports whether every part of the key is present. Incomplete keys
// never group, the same way NULL never compares equal in SQL.
func (k GroupKey) Complete() bool {
	return k.hasPatient && k.CaseDescription != "" && !k.NoteDate.IsZero()
}

func (k GroupKey) String() string {
	return fmt.Sprintf("%d|%s|%s", k.PatientID, k.CaseDescription, k.NoteDate.Format(time.DateOnly))
}

// Identity is the user on whose behalf a batch is ingested.
type Identity struct {
	UserID *int64
}

// SystemIdentity returns the identity scheduled jobs ingest as.
func SystemIdentity(userID int64) Identity {
	if userID <= 0 {
		return Identity{}
	}
	return Identity{UserID: &userID}
}

// Summary is the outcome of one ingestion batch.
type Summary struct {
	BatchID          uuid.UUID `json:"batch_id"`
	InsertedCount    int64     `json:"inserted_count"`
	SkippedCount     int       `json:"skipped_count"`
	SkippedIDs       []int64   `json:"skipped_ids"`
	VisitUIDsCreated int       `json:"visit_uids_created"`
}

func (s *Summary) String() string {
	return fmt.Sprintf("inserted %d visits (skipped %d, new UIDs %d)",
		s.InsertedCount, s.SkippedCount, s.VisitUIDsCreated)
}

// HoldSyncResult reports how many stored visits a hold sync touched.
type HoldSyncResult struct {
	Fetched int   `json:"fetched"`
	Updated int64 `json:"updated"`
	Missing int   `json:"missing"`
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
