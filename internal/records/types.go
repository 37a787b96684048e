// Package records implements the versioned clinical record store shared by
// the diagnostics, appointments, reports, doctor application and feedback
// endpoints.
package records

import (
	"errors"
	"strings"
	"time"
)

// UpsertOp tags which branch a write took.
type UpsertOp string

const (
	OpInserted UpsertOp = "insert"
	OpUpdated  UpsertOp = "update"
	OpNotFound UpsertOp = "not_found"
)

// UpsertOutcome reports, for every write, whether a record was created,
// amended, matched without change, or missing. NotFound and an unchanged
// match are outcomes the caller branches on, not errors.
type UpsertOutcome struct {
	Op        UpsertOp  `json:"operation"`
	CreatedAt time.Time `json:"created_at,omitzero"` // set when Op == OpInserted
	Matched   bool      `json:"matched"`             // true when Op == OpUpdated
	Changed   bool      `json:"changed"`             // true when an amendment actually altered the payload
}

// Inserted describes a freshly created record.
func Inserted(createdAt time.Time) UpsertOutcome {
	return UpsertOutcome{Op: OpInserted, CreatedAt: createdAt}
}

// Updated describes a matched record, amended or already equal.
func Updated(changed bool) UpsertOutcome {
	return UpsertOutcome{Op: OpUpdated, Matched: true, Changed: changed}
}

// NoMatch describes an update attempt that found no record.
func NoMatch() UpsertOutcome {
	return UpsertOutcome{Op: OpNotFound}
}

var (
	// ErrNotFound signals a read for a record that does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict signals a uniqueness violation under a concurrent write.
	ErrConflict = errors.New("conflicting concurrent write")
	// ErrEmptyFilter rejects queries that would scan a whole collection.
	ErrEmptyFilter = errors.New("at least one filter field is required")
	// ErrInvalidRecord rejects writes missing identity fields.
	ErrInvalidRecord = errors.New("invalid record")
)

// Diagnostic is one doctor's diagnosis for a patient within a report.
// Identity is (PatientID, DoctorID, ReportID) and is immutable after
// creation; payload fields may be replaced. CreatedAt is set exactly once,
// UpdatedAt advances on every accepted amendment and equals CreatedAt at
// birth.
type Diagnostic struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	DoctorID  string    `json:"doctor_id"`
	ReportID  string    `json:"report_id"`
	Diagnose  string    `json:"diagnose"`
	Conduct   string    `json:"conduct"`
	RiskLevel string    `json:"risk_level"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the identity and required payload fields.
func (d Diagnostic) Validate() error {
	if strings.TrimSpace(d.PatientID) == "" ||
		strings.TrimSpace(d.DoctorID) == "" ||
		strings.TrimSpace(d.ReportID) == "" {
		return ErrInvalidRecord
	}
	if strings.TrimSpace(d.Diagnose) == "" {
		return ErrInvalidRecord
	}
	return nil
}

// samePayload reports whether the mutable fields already equal d's.
func (d Diagnostic) samePayload(other Diagnostic) bool {
	return d.Diagnose == other.Diagnose &&
		d.Conduct == other.Conduct &&
		d.RiskLevel == other.RiskLevel
}

// Appointment is a scheduled videocall between a patient and a doctor.
// Every create yields a new appointment; identity for consent updates is
// the generated videocall code.
type Appointment struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patient_id"`
	DoctorID        string    `json:"doctor_id"`
	VideocallCode   string    `json:"videocall_code"`
	ConsentAccepted bool      `json:"informed_consent_accepted"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (a Appointment) Validate() error {
	if strings.TrimSpace(a.PatientID) == "" || strings.TrimSpace(a.DoctorID) == "" {
		return ErrInvalidRecord
	}
	return nil
}

// Report tracks named boolean status flags for a clinical report. Identity
// is ReportID alone; the status set is replaced wholesale on update, never
// merged flag by flag.
type Report struct {
	ID        string          `json:"id"`
	ReportID  string          `json:"report_id"`
	Statuses  map[string]bool `json:"statuses"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (r Report) Validate() error {
	if strings.TrimSpace(r.ReportID) == "" {
		return ErrInvalidRecord
	}
	return nil
}

// DoctorApplication is a physician's request to join the platform.
// Applications start unregistered; registration is flipped by an operator.
type DoctorApplication struct {
	ID                    string     `json:"id"`
	FirstName             string     `json:"first_name"`
	LastName              string     `json:"last_name"`
	Cellphone             string     `json:"cellphone"`
	Email                 string     `json:"email"`
	ProfessionalCardPhoto string     `json:"professional_card_photo,omitempty"`
	OfficialIDPhoto       string     `json:"official_id_photo,omitempty"`
	Registered            bool       `json:"registered"`
	RequestedAt           time.Time  `json:"requested_at"`
	RegisteredAt          *time.Time `json:"registered_at,omitempty"`
}

func (d DoctorApplication) Validate() error {
	if strings.TrimSpace(d.Cellphone) == "" || strings.TrimSpace(d.Email) == "" {
		return ErrInvalidRecord
	}
	return nil
}

// Feedback is an append-only patient note about the service.
type Feedback struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DiagnosticFilter selects diagnostics by identity-adjacent fields. At
// least one field must be set; the store never serves an unfiltered scan.
type DiagnosticFilter struct {
	PatientID string
	DoctorID  string
	ReportID  string
	// LastOnly limits the result to the single most recent match. With zero
	// matches this is an empty success.
	LastOnly bool
}

func (f DiagnosticFilter) Validate() error {
	if f.PatientID == "" && f.DoctorID == "" && f.ReportID == "" {
		return ErrEmptyFilter
	}
	return nil
}

// AppointmentFilter selects appointments by identity-adjacent fields.
type AppointmentFilter struct {
	PatientID     string
	DoctorID      string
	VideocallCode string
	LastOnly      bool
}

func (f AppointmentFilter) Validate() error {
	if f.PatientID == "" && f.DoctorID == "" && f.VideocallCode == "" {
		return ErrEmptyFilter
	}
	return nil
}
