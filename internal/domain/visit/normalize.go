package visit

// FromAPIItem maps one HelloNote BillingTransactions item to a Visit. It never
// fails: fields that cannot be read are left empty. Therapist names are kept
// exactly as HelloNote sends them.
func FromAPIItem(item map[string]any) *Visit {
	title := item["noteTitle"]
	return &Visit{
		NoteID:               Int(item["noteId"]),
		PatientID:            Int(item["patientId"]),
		FirstName:            String(item["patientFirstName"]),
		LastName:             String(item["patientLastName"]),
		Gender:               String(item["gender"]),
		DateOfBirth:          Date(item["patientBirthday"]),
		Note:                 String(title),
		NoteNumber:           NoteNumber(title),
		CaseDescription:      String(item["caseTitle"]),
		CaseDate:             Date(item["caseDate"]),
		CaseID:               Int(item["caseId"]),
		CaseType:             String(item["caseType"]),
		Location:             String(item["caseOrganizationUnitName"]),
		NoteDate:             Date(item["noteDate"]),
		FinalizedDate:        Date(item["finalizedDate"]),
		TimeIn:               DateTime(item["timeIn"]),
		TimeOut:              DateTime(item["timeOut"]),
		PrimaryInsID:         String(item["primaryInsuranceId"]),
		PrimaryInsurance:     String(item["primaryInsuranceName"]),
		SecondaryInsID:       String(item["secondaryInsuranceId"]),
		SecondaryInsurance:   String(item["secondaryInsuranceName"]),
		ReferringProvider:    String(item["referringPhysician"]),
		RefProviderNPI:       String(item["npi"]),
		RenderingProviderNPI: String(item["renderingProviderNPI"]),
		Diagnosis:            String(item["diagnosis"]),
		MedicalDiagnosis:     String(item["medicalDiagnosis"]),
		POS:                  String(item["placeOfService"]),
		VisitType:            String(item["visitType"]),
		Attendance:           String(item["attendance"]),
		Comments:             String(item["paymentTypeComment"]),
		VisitingTherapist:    String(item["therapists"]),
		CPTCode:              String(item["cptGCode"]),
		TotalUnits:           Int(item["totalCptUnit"]),
		DateBilled:           Date(item["billedDate"]),
		BilledComment:        String(item["billedComments"]),
		AuthNumber:           String(item["authNumber"]),
		MedicalRecordNo:      String(item["medicalRecordId"]),
		PatientStreet1:       String(item["patientStreet1Address"]),
		PatientStreet2:       String(item["patientStreet2Address"]),
		PatientCity:          String(item["patientCityAddress"]),
		PatientState:         String(item["patientStateAddress"]),
		PatientZip:           String(item["patientZipAddress"]),
		Hold:                 BoolOr(item["hold"], false),
		Billed:               BoolOr(item["billed"], false),
		Paid:                 BoolOr(item["paid"], false),
	}
}

// FromAPIItems maps a list of HelloNote items, preserving order.
func FromAPIItems(items []map[string]any) []*Visit {
	out := make([]*Visit, 0, len(items))
	for _, it := range items {
		out = append(out, FromAPIItem(it))
	}
	return out
}
