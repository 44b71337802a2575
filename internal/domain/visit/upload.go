package visit

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
)

// RequiredUploadColumns must be present (after alias mapping) in every upload.
var RequiredUploadColumns = []string{
	"note_id", "patient_id", "first_name", "last_name",
	"case_description", "date_of_birth", "visiting_therapist",
}

// headerAliases maps normalized spreadsheet headers to visit columns.
// Headers that are not listed map to themselves.
var headerAliases = map[string]string{
	"therapist":                 "visiting_therapist",
	"primary":                   "primary_insurance",
	"2ndry_ins_id":              "secondary_ins_id",
	"2ndry_insurance":           "secondary_insurance",
	"cpt_code_g_code":           "cpt_code",
	"date_billed_last_reviewed": "date_billed",
	"auth":                      "auth_number",
}

// Billing dates in exports reflect the old system and are never imported.
var droppedUploadColumns = map[string]bool{
	"date_billed":     true,
	"cptcode_details": true,
}

var (
	headerCleaner  = regexp.MustCompile(`[^a-z0-9]+`)
	cosignPattern  = regexp.MustCompile(`(?i)^(.*)\((?:cosigned by\s*)?(.*)\)$`)
	credentialTail = compileCredentials(
		"PT", "OT", "M.S., CCC-SLP", "SLP", "Occupational Therapist",
		"PTA", "OTA", "Speech Language Pathologist",
		"PTA, ATC, CAFS", "Doctor of Physical Therapy", "OTR/L",
	)
)

func compileCredentials(suffixes ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(suffixes))
	for _, s := range suffixes {
		out = append(out, regexp.MustCompile(`(?i)[\s,]+`+regexp.QuoteMeta(s)+`\s*$`))
	}
	return out
}

// UploadOptions tunes how upload rows are formatted.
type UploadOptions struct {
	// ExcludeSupervisors drops a supervising therapist whose name contains
	// any of these strings (case-insensitive).
	ExcludeSupervisors []string
	// RequireColumns are demanded on top of RequiredUploadColumns.
	RequireColumns []string
}

// NormalizeHeader lowercases a header and collapses every run of
// non-alphanumeric characters into one underscore.
func NormalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.Trim(headerCleaner.ReplaceAllString(h, "_"), "_")
}

func mapHeader(h string) string {
	n := NormalizeHeader(h)
	if alias, ok := headerAliases[n]; ok {
		return alias
	}
	return n
}

// ParseUpload dispatches on the file extension. Only CSV is readable;
// Excel workbooks are rejected and must be exported to CSV first.
func ParseUpload(filename string, r io.Reader, opts UploadOptions) ([]*Visit, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".csv":
		return ParseCSV(r, opts)
	case ".xlsx", ".xls":
		return nil, fmt.Errorf("%w: %s workbooks are not supported, export the sheet as .csv", ErrUnsupportedFile, ext)
	default:
		return nil, fmt.Errorf("%w: %q, only .csv, .xlsx and .xls are accepted", ErrUnsupportedFile, ext)
	}
}

// ParseCSV reads a visit export. The first record is the header row.
func ParseCSV(r io.Reader, opts UploadOptions) ([]*Visit, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyUploadTable
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	cols := make([]string, len(header))
	present := make(map[string]bool, len(header))
	for i, h := range header {
		cols[i] = mapHeader(h)
		present[cols[i]] = true
	}
	var missing []string
	for _, c := range append(slices.Clone(RequiredUploadColumns), opts.RequireColumns...) {
		if !present[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	var out []*Visit
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		row := make(map[string]any, len(cols))
		blank := true
		for i, c := range cols {
			if i >= len(rec) || c == "" || droppedUploadColumns[c] {
				continue
			}
			if _, dup := row[c]; dup {
				continue
			}
			row[c] = rec[i]
			if !IsBlank(rec[i]) {
				blank = false
			}
		}
		if blank {
			continue
		}
		out = append(out, FromUploadRow(row, opts))
	}
	if len(out) == 0 {
		return nil, ErrEmptyUploadTable
	}
	return out, nil
}

// FromUploadRow formats one upload row keyed by visit column name. Plain
// text columns lose their commas; diagnosis columns keep them. The therapist
// column is split into visiting and supervising therapists.
func FromUploadRow(row map[string]any, opts UploadOptions) *Visit {
	v := &Visit{
		NoteID:               Int(row["note_id"]),
		PatientID:            Int(row["patient_id"]),
		FirstName:            plainString(row["first_name"]),
		LastName:             plainString(row["last_name"]),
		Gender:               plainString(row["gender"]),
		DateOfBirth:          Date(row["date_of_birth"]),
		Note:                 plainString(row["note"]),
		NoteNumber:           NoteNumber(row["note"]),
		CaseDescription:      plainString(row["case_description"]),
		CaseDate:             Date(row["case_date"]),
		CaseType:             plainString(row["case_type"]),
		Location:             plainString(row["location"]),
		NoteDate:             Date(row["note_date"]),
		FinalizedDate:        Date(row["finalized_date"]),
		PrimaryInsID:         plainString(row["primary_ins_id"]),
		PrimaryInsurance:     plainString(row["primary_insurance"]),
		SecondaryInsID:       plainString(row["secondary_ins_id"]),
		SecondaryInsurance:   plainString(row["secondary_insurance"]),
		ReferringProvider:    plainString(row["referring_provider"]),
		RefProviderNPI:       plainString(row["ref_provider_npi"]),
		RenderingProviderNPI: plainString(row["rendering_provider_npi"]),
		Diagnosis:            String(row["diagnosis"]),
		MedicalDiagnosis:     String(row["medical_diagnosis"]),
		POS:                  plainString(row["pos"]),
		VisitType:            plainString(row["visit_type"]),
		Attendance:           plainString(row["attendance"]),
		Comments:             plainString(row["comments"]),
		CPTCode:              plainString(row["cpt_code"]),
		TotalUnits:           Int(row["total_units"]),
		BilledComment:        plainString(row["billed_comment"]),
		AuthNumber:           plainString(row["auth_number"]),
		MedicalRecordNo:      plainString(row["medical_record_no"]),
		Hold:                 BoolOr(row["hold"], false),
		Billed:               BoolOr(row["billed"], false),
		Paid:                 BoolOr(row["paid"], false),
	}

	visiting, supervising := SplitTherapist(String(row["visiting_therapist"]))
	if supervising == nil {
		supervising = String(row["supervising_therapist"])
	}
	if supervising != nil && excluded(*supervising, opts.ExcludeSupervisors) {
		supervising = nil
	}
	v.VisitingTherapist = CleanTherapistName(visiting)
	v.SupervisingTherapist = CleanTherapistName(supervising)
	return v
}

// SplitTherapist separates "Doe, Jane PT (cosigned by Smith, Bob PT)" into
// the visiting and the co-signing therapist. Without a trailing parenthesized
// part the whole value is the visiting therapist.
func SplitTherapist(raw *string) (visiting, supervising *string) {
	if raw == nil {
		return nil, nil
	}
	s := strings.TrimSpace(*raw)
	m := cosignPattern.FindStringSubmatch(s)
	if m == nil {
		return nonEmpty(s), nil
	}
	return nonEmpty(strings.Trim(m[1], " ,")), nonEmpty(strings.TrimSpace(m[2]))
}

// CleanTherapistName strips trailing credentials such as "PT" or "OTR/L".
func CleanTherapistName(name *string) *string {
	if name == nil {
		return nil
	}
	cleaned := *name
	for _, re := range credentialTail {
		cleaned = re.ReplaceAllString(cleaned, "")
	}
	return nonEmpty(strings.TrimSpace(cleaned))
}

func plainString(v any) *string {
	s := String(v)
	if s == nil {
		return nil
	}
	return nonEmpty(strings.ReplaceAll(*s, ",", ""))
}

func excluded(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
