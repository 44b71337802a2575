package visit

import (
	"errors"
	"strings"
	"testing"
)

const sampleCSV = "\ufeffNote ID,Patient ID,First Name,Last Name,Case Description,Date of Birth,Therapist,Note,Note Date,Primary,2ndry Ins ID,Diagnosis,Comments,Total Units,Date Billed,Hold,Auth\n" +
	`558812,90211,Ana,Lopez,"Low back, lumbar",07/02/1961,"Doe, Jane PT (cosigned by Smith, Bob PT)",Daily Note - 12,03/04/2025,Medicare,A-1,"M54.50, M54.16","Paid, pending",3.0,03/10/2025,yes,AUTH-9` + "\n" +
	`558813,90211,Ana,Lopez,"Low back, lumbar",07/02/1961,"Roe, Sam OTR/L",Evaluation,03/04/2025,,,,,,,,` + "\n" +
	`,,,,,,,,,,,,,,,,` + "\n"

func TestParseCSV(t *testing.T) {
	vs, err := ParseCSV(strings.NewReader(sampleCSV), UploadOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vs) != 2 {
		t.Fatalf("expected 2 rows (blank row dropped), got %d", len(vs))
	}

	v := vs[0]
	if *v.NoteID != 558812 || *v.PatientID != 90211 {
		t.Errorf("unexpected ids %d/%d", *v.NoteID, *v.PatientID)
	}
	if *v.CaseDescription != "Low back lumbar" {
		t.Errorf("plain strings should lose commas, got %q", *v.CaseDescription)
	}
	if *v.Diagnosis != "M54.50, M54.16" {
		t.Errorf("diagnosis should keep commas, got %q", *v.Diagnosis)
	}
	if *v.Comments != "Paid pending" {
		t.Errorf("unexpected comments %q", *v.Comments)
	}
	if *v.VisitingTherapist != "Doe, Jane" {
		t.Errorf("unexpected visiting therapist %q", *v.VisitingTherapist)
	}
	if v.SupervisingTherapist == nil || *v.SupervisingTherapist != "Smith, Bob" {
		t.Errorf("unexpected supervising therapist %v", deref(v.SupervisingTherapist))
	}
	if *v.PrimaryInsurance != "Medicare" || *v.SecondaryInsID != "A-1" || *v.AuthNumber != "AUTH-9" {
		t.Error("header aliases were not applied")
	}
	if v.NoteNumber != 12 {
		t.Errorf("expected note number 12, got %d", v.NoteNumber)
	}
	if v.DateBilled != nil {
		t.Error("date billed must not be imported from uploads")
	}
	if *v.TotalUnits != 3 || !v.Hold {
		t.Errorf("unexpected units/hold %d/%v", *v.TotalUnits, v.Hold)
	}
	if v.DateOfBirth == nil || v.DateOfBirth.Year() != 1961 {
		t.Errorf("unexpected date of birth %v", v.DateOfBirth)
	}
	if !v.GroupKey().Complete() || v.GroupKey() != vs[1].GroupKey() {
		t.Error("both rows should share one complete grouping key")
	}

	w := vs[1]
	if *w.VisitingTherapist != "Roe, Sam" || w.SupervisingTherapist != nil {
		t.Errorf("unexpected therapists %v/%v", deref(w.VisitingTherapist), deref(w.SupervisingTherapist))
	}
	if w.NoteNumber != NoteNumberUnknown {
		t.Errorf("expected sentinel note number, got %d", w.NoteNumber)
	}
	if w.PrimaryInsurance != nil || w.TotalUnits != nil || w.Hold {
		t.Error("empty cells should coerce to empty values")
	}
}

func TestParseCSV_MissingColumns(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("note_id,patient_id,first_name\n1,2,Ana\n"), UploadOptions{})
	if !errors.Is(err, ErrMissingColumns) {
		t.Fatalf("expected ErrMissingColumns, got %v", err)
	}
	for _, c := range []string{"case_description", "date_of_birth", "last_name", "visiting_therapist"} {
		if !strings.Contains(err.Error(), c) {
			t.Errorf("expected %s to be reported missing: %v", c, err)
		}
	}
}

func TestParseCSV_Empty(t *testing.T) {
	if _, err := ParseCSV(strings.NewReader(""), UploadOptions{}); !errors.Is(err, ErrEmptyUploadTable) {
		t.Errorf("expected ErrEmptyUploadTable for empty input, got %v", err)
	}
	header := strings.Join(RequiredUploadColumns, ",") + "\n"
	if _, err := ParseCSV(strings.NewReader(header), UploadOptions{}); !errors.Is(err, ErrEmptyUploadTable) {
		t.Errorf("expected ErrEmptyUploadTable for header only, got %v", err)
	}
}

func TestParseCSV_ExcludeSupervisors(t *testing.T) {
	csv := strings.Join(RequiredUploadColumns, ",") + "\n" +
		`1,2,Ana,Lopez,Knee,01/01/1970,"Doe, Jane PT (cosigned by Cavero, Luis PT)"` + "\n"
	vs, err := ParseCSV(strings.NewReader(csv), UploadOptions{ExcludeSupervisors: []string{"cavero"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vs[0].SupervisingTherapist != nil {
		t.Errorf("expected excluded supervisor to be dropped, got %q", *vs[0].SupervisingTherapist)
	}
	if *vs[0].VisitingTherapist != "Doe, Jane" {
		t.Errorf("unexpected visiting therapist %q", *vs[0].VisitingTherapist)
	}
}

func TestParseUpload_Extensions(t *testing.T) {
	for _, name := range []string{"visits.xlsx", "visits.XLS", "visits.pdf", "visits"} {
		if _, err := ParseUpload(name, strings.NewReader(""), UploadOptions{}); !errors.Is(err, ErrUnsupportedFile) {
			t.Errorf("%s: expected ErrUnsupportedFile, got %v", name, err)
		}
	}
	csv := strings.Join(RequiredUploadColumns, ",") + "\n1,2,A,B,C,01/01/1970,D\n"
	vs, err := ParseUpload("Visits.CSV", strings.NewReader(csv), UploadOptions{})
	if err != nil || len(vs) != 1 {
		t.Errorf("expected one row from csv, got %d, %v", len(vs), err)
	}
}

func TestNormalizeHeader(t *testing.T) {
	tests := map[string]string{
		"Note ID":                     "note_id",
		"  CPT Code / G-Code ":        "cpt_code_g_code",
		"Date Billed (Last Reviewed)": "date_billed_last_reviewed",
		"2ndry Insurance":             "2ndry_insurance",
		"Medical_Record_No":           "medical_record_no",
	}
	for in, want := range tests {
		if got := NormalizeHeader(in); got != want {
			t.Errorf("NormalizeHeader(%q) = %q, want %q", in, got, want)
		}
	}
	if mapHeader("CPT Code / G-Code") != "cpt_code" || mapHeader("Therapist") != "visiting_therapist" {
		t.Error("aliases not applied")
	}
}

func TestSplitTherapist(t *testing.T) {
	tests := []struct {
		in               string
		visiting, superv any
	}{
		{"Doe, Jane PT (cosigned by Smith, Bob PT)", "Doe, Jane PT", "Smith, Bob PT"},
		{"Doe, Jane PTA (Smith, Bob PT)", "Doe, Jane PTA", "Smith, Bob PT"},
		{"Doe, Jane PT", "Doe, Jane PT", nil},
		{"(cosigned by Smith, Bob)", nil, "Smith, Bob"},
	}
	for _, tt := range tests {
		v, s := SplitTherapist(ptr(tt.in))
		if deref(v) != tt.visiting || deref(s) != tt.superv {
			t.Errorf("SplitTherapist(%q) = %v/%v, want %v/%v", tt.in, deref(v), deref(s), tt.visiting, tt.superv)
		}
	}
	if v, s := SplitTherapist(nil); v != nil || s != nil {
		t.Error("expected nil for nil input")
	}
}

func TestCleanTherapistName(t *testing.T) {
	tests := map[string]any{
		"Doe, Jane PT":                         "Doe, Jane",
		"Doe, Jane, PTA":                       "Doe, Jane",
		"Lee, Ann M.S., CCC-SLP":               "Lee, Ann",
		"Roe, Sam OTR/L":                       "Roe, Sam",
		"Kim, Max PTA, ATC, CAFS":              "Kim, Max",
		"Diaz, Eva Doctor of Physical Therapy": "Diaz, Eva",
		"Capt, Ana":                            "Capt, Ana",
		"PT":                                   "PT",
	}
	for in, want := range tests {
		if got := deref(CleanTherapistName(ptr(in))); got != want {
			t.Errorf("CleanTherapistName(%q) = %v, want %v", in, got, want)
		}
	}
}
