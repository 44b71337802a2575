package visit

import (
	"encoding/csv"
	"io"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Fixed values the billing vendor expects on every exported line.
const (
	ExportPractice = "Anchor Home Healthcare"
	ExportAccount  = "Paradigm Rehab"
	ExportSSN      = "999-99-9999"
)

// CPTLine is one billable code parsed out of a visit's CPT string.
type CPTLine struct {
	Code      string
	Units     int
	Specialty string
	Mod59     bool
	ModCQ     bool
	ModKX     bool
	ModCO     bool
}

var (
	cptWithUnits = regexp.MustCompile(`(\d{5})\((\d+)\)`)
	disciplines  = map[string]bool{"GP": true, "GO": true, "GN": true}
)

// ParseCPT splits a CPT string such as "GP:59:KX:97110(2):97140(1)" into one
// line per code. A leading GP, GO or GN is the specialty. Segments between it
// and the first "code(units)" are modifiers. Units of a repeated code are
// summed and codes keep their first-seen order.
func ParseCPT(s string) []CPTLine {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ":")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	var specialty string
	mods := parts
	if disciplines[parts[0]] {
		specialty = parts[0]
		mods = parts[1:]
	}
	var codes string
	for i, m := range mods {
		if cptWithUnits.MatchString(m) {
			codes = strings.Join(mods[i:], ":")
			mods = mods[:i]
			break
		}
	}

	var order []string
	units := make(map[string]int)
	for _, m := range cptWithUnits.FindAllStringSubmatch(codes, -1) {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if _, ok := units[m[1]]; !ok {
			order = append(order, m[1])
		}
		units[m[1]] += n
	}

	out := make([]CPTLine, 0, len(order))
	for _, code := range order {
		out = append(out, CPTLine{
			Code:      code,
			Units:     units[code],
			Specialty: specialty,
			Mod59:     slices.Contains(mods, "59"),
			ModCQ:     slices.Contains(mods, "CQ"),
			ModKX:     slices.Contains(mods, "KX"),
			ModCO:     slices.Contains(mods, "CO"),
		})
	}
	return out
}

// BillableColumns is the header row of the billable notes export.
var BillableColumns = []string{
	"NOTE ID", "PRACTICE", "ACCT", "PATIENT ID", "PATIENT LASTNAME", "PATIENT FIRSTNAME",
	"PATIENT ADDRESS 1", "PATIENT ADDRESS 2", "PATIENT CITY", "PATIENT STATE", "PATIENT ZIP CODE",
	"PATIENT BIRTH", "PATIENT GENDER", "PATIENT SSN", "FINANCIAL CLASS",
	"LASTNAME REFERRING PHYS", "FIRSTNAME REFERRING PHYS", "REFERRING PHYS NPI",
	"PRIMARY INS NAME", "PRIMARY INS POLICY ID", "SECONDARY INS NAME", "SECONDARY INS POLICY",
	"TERTIARY INS NAME", "TERTIARY INS POLICY", "DATE OF SERVICE",
	"MODIFIER SPECIALTY", "59 MODIFIER", "ASSISTANT MODIFIER", "CPT CODE", "UNITS",
	"MEDICAL DX1", "MEDICAL DX2", "Treatment DX 1", "Treatment DX 2",
	"PROVIDER LASTNAME", "PROVIDER FIRSTNAME", "SUPERVISOR LASTNAME", "SUPERVISOR FIRSTNAME",
	"KX MODIFIER", "TELEHEALTH MODIFIER", "FACILITY NAME", "PLACE OF SERVICE",
	"AUTHORIZATION REFERENCE NUMBER",
}

// BillableRows renders one export row per CPT code on the visit. A visit
// without a parseable CPT string yields nothing.
func BillableRows(v *Visit) [][]string {
	lines := ParseCPT(strCell(v.CPTCode))
	if len(lines) == 0 {
		return nil
	}
	refLast, refFirst := splitLastFirst(v.ReferringProvider)
	provLast, provFirst := splitLastFirst(v.VisitingTherapist)
	supLast, supFirst := splitLastFirst(v.SupervisingTherapist)

	rows := make([][]string, 0, len(lines))
	for _, l := range lines {
		rows = append(rows, []string{
			intCell(v.NoteID), ExportPractice, ExportAccount, intCell(v.PatientID),
			strCell(v.LastName), strCell(v.FirstName),
			strCell(v.PatientStreet1), strCell(v.PatientStreet2), strCell(v.PatientCity), strCell(v.PatientState), strCell(v.PatientZip),
			dateCell(v.DateOfBirth), strCell(v.Gender), ExportSSN, "",
			refLast, refFirst, strCell(v.RefProviderNPI),
			strCell(v.PrimaryInsurance), strCell(v.PrimaryInsID), strCell(v.SecondaryInsurance), strCell(v.SecondaryInsID),
			"", "", dateCell(v.NoteDate),
			l.Specialty, flag(l.Mod59, "59"), "", l.Code, strconv.Itoa(l.Units),
			nthCode(v.MedicalDiagnosis, 1), nthCode(v.MedicalDiagnosis, 2),
			nthCode(v.Diagnosis, 1), nthCode(v.Diagnosis, 2),
			provLast, provFirst, supLast, supFirst,
			flag(l.ModKX, "KX"), "", strCell(v.Location), strCell(v.POS),
			strCell(v.AuthNumber),
		})
	}
	return rows
}

// WriteBillableCSV writes the header and every billable row of visits and
// returns the number of data rows written.
func WriteBillableCSV(w io.Writer, visits []*Visit) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(BillableColumns); err != nil {
		return 0, err
	}
	n := 0
	for _, v := range visits {
		for _, row := range BillableRows(v) {
			if err := cw.Write(row); err != nil {
				return n, err
			}
			n++
		}
	}
	cw.Flush()
	return n, cw.Error()
}

// splitLastFirst splits a "Last, First" name. A name without a comma is all
// last name.
func splitLastFirst(name *string) (last, first string) {
	if name == nil {
		return "", ""
	}
	last, first, _ = strings.Cut(strings.TrimSpace(*name), ",")
	return strings.TrimSpace(last), strings.TrimSpace(first)
}

// nthCode picks the 1-based nth entry of a comma separated code list.
func nthCode(codes *string, n int) string {
	if codes == nil {
		return ""
	}
	var parts []string
	for _, p := range strings.Split(*codes, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if n < 1 || n > len(parts) {
		return ""
	}
	return parts[n-1]
}

func strCell(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intCell(n *int64) string {
	if n == nil {
		return ""
	}
	return strconv.FormatInt(*n, 10)
}

func dateCell(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.DateOnly)
}

func flag(on bool, mod string) string {
	if on {
		return mod
	}
	return ""
}
