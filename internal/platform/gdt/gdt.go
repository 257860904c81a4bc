// Package gdt reads and writes GDT 2.1 records, the line-based exchange
// format used by German practice management software.
//
// Each line is LLLFFFFvalue CRLF, where LLL is the three-digit length of the
// whole line including CRLF and FFFF the four-digit field id. Files are
// Windows-1252 encoded.
package gdt

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Field ids used by this service.
const (
	FieldRecordType   = "8000"
	FieldRecordEnd    = "8001"
	FieldDevice       = "8100"
	FieldRequestID    = "8315"
	FieldPatientID    = "3000"
	FieldFirstName    = "3101"
	FieldLastName     = "3102"
	FieldBirthDate    = "3103"
	FieldExamDate     = "6200"
	FieldExamTime     = "6201"
	FieldResultTitle  = "6220"
	FieldResultLine1  = "6221"
	FieldResultLine2  = "6222"
	FieldResultLine3  = "6223"
	RecordTypeRequest = "6310"
	RecordTypeResult  = "6311"
)

const (
	lineOverhead = 3 + 4 + 2
	maxLineLen   = 999
)

var (
	ErrEmpty          = errors.New("gdt: no fields")
	ErrValueTooLong   = errors.New("gdt: value too long")
	ErrUnexpectedType = errors.New("gdt: unexpected record type")
)

// Field is one line of a record.
type Field struct {
	ID    string
	Value string
}

// Record is an ordered list of fields.
type Record struct {
	Fields []Field
}

// Add appends a field.
func (r *Record) Add(id, value string) {
	r.Fields = append(r.Fields, Field{ID: id, Value: value})
}

// Get returns the first value for id, trimmed.
func (r *Record) Get(id string) string {
	for _, f := range r.Fields {
		if f.ID == id {
			return strings.TrimSpace(f.Value)
		}
	}
	return ""
}

// Type is the value of field 8000.
func (r *Record) Type() string {
	return r.Get(FieldRecordType)
}

// Parse decodes a Windows-1252 GDT stream. Lines shorter than a length and
// field id are skipped, as are lines whose prefix is not numeric.
func Parse(r io.Reader) (*Record, error) {
	dec := charmap.Windows1252.NewDecoder().Reader(r)
	sc := bufio.NewScanner(dec)

	rec := &Record{}
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if len(line) < 7 || !isDigits(line[:7]) {
			continue
		}
		rec.Add(line[3:7], line[7:])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("gdt: read: %w", err)
	}
	if len(rec.Fields) == 0 {
		return nil, ErrEmpty
	}
	return rec, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Encode writes rec as Windows-1252. Characters outside the code page are
// replaced.
func Encode(w io.Writer, rec *Record) error {
	enc := encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder())

	var buf bytes.Buffer
	for _, f := range rec.Fields {
		if len(f.ID) != 4 || !isDigits(f.ID) {
			return fmt.Errorf("gdt: invalid field id %q", f.ID)
		}
		value, err := enc.String(f.Value)
		if err != nil {
			return fmt.Errorf("gdt: encode field %s: %w", f.ID, err)
		}
		n := lineOverhead + len(value)
		if n > maxLineLen {
			return fmt.Errorf("%w: field %s", ErrValueTooLong, f.ID)
		}
		fmt.Fprintf(&buf, "%03d%s%s\r\n", n, f.ID, value)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Marshal returns the encoded bytes of rec.
func Marshal(rec *Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
