package gdt

import (
	"fmt"
	"time"
)

// DeviceName identifies this service to the practice software. It must
// match the device configured there.
const DeviceName = "Fragebogen"

const gdtDate = "02012006"

// Request is the patient data of a 6310 examination request.
type Request struct {
	PatientID string
	FirstName string
	LastName  string
	BirthDate *time.Time
	RequestID string
}

// ParseRequest extracts a request from a 6310 record. A birth date that is
// not DDMMYYYY is ignored.
func ParseRequest(rec *Record) (Request, error) {
	if t := rec.Type(); t != RecordTypeRequest {
		return Request{}, fmt.Errorf("%w: %q", ErrUnexpectedType, t)
	}
	req := Request{
		PatientID: rec.Get(FieldPatientID),
		FirstName: rec.Get(FieldFirstName),
		LastName:  rec.Get(FieldLastName),
		RequestID: rec.Get(FieldRequestID),
	}
	if raw := rec.Get(FieldBirthDate); len(raw) == 8 && isDigits(raw) {
		if t, err := time.Parse(gdtDate, raw); err == nil {
			req.BirthDate = &t
		}
	}
	return req, nil
}

// Patient is the identity block echoed in every 6311 record.
type Patient struct {
	PatientID string
	RequestID string
	FirstName string
	LastName  string
	BirthDate *time.Time
}

func header(p Patient) *Record {
	rec := &Record{}
	rec.Add(FieldRecordType, RecordTypeResult)
	rec.Add(FieldDevice, DeviceName)
	rec.Add(FieldRequestID, p.RequestID)
	rec.Add(FieldPatientID, p.PatientID)
	rec.Add(FieldFirstName, p.FirstName)
	rec.Add(FieldLastName, p.LastName)
	if p.BirthDate != nil {
		rec.Add(FieldBirthDate, p.BirthDate.Format(gdtDate))
	}
	return rec
}

// LinkRecord tells the practice software where the patient fills in the
// questionnaire.
func LinkRecord(p Patient, link string, at time.Time) *Record {
	rec := header(p)
	rec.Add(FieldExamDate, at.Format(gdtDate))
	rec.Add(FieldExamTime, at.Format("150405"))
	rec.Add(FieldResultTitle, "Fragebogen-Link wurde erstellt.")
	rec.Add(FieldResultLine1, link)
	rec.Add(FieldResultLine2, "Bitte senden Sie dem Patienten diesen Link.")
	rec.Add(FieldRecordEnd, RecordTypeResult)
	return rec
}

// Result is the finding reported back once the questionnaire is complete.
type Result struct {
	CompletedAt time.Time
	ESSTotal    int
	ESSMax      int
	Finding     string
}

// ResultRecord builds the 6311 record for a completed questionnaire.
func ResultRecord(p Patient, r Result) *Record {
	rec := header(p)
	rec.Add(FieldExamDate, r.CompletedAt.Format(gdtDate))
	rec.Add(FieldExamTime, r.CompletedAt.Format("150405"))
	rec.Add(FieldResultTitle, "Verkehrsmedizinischer Fragebogen ausgefüllt")
	rec.Add(FieldResultLine1, "Ausgefüllt am: "+r.CompletedAt.Format("02.01.2006 15:04"))
	rec.Add(FieldResultLine2, fmt.Sprintf("ESS-Gesamtscore: %d/%d", r.ESSTotal, r.ESSMax))
	rec.Add(FieldResultLine3, "Befund: "+r.Finding)
	rec.Add(FieldRecordEnd, RecordTypeResult)
	return rec
}
