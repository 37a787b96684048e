package records

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"telemedic.org/internal/ids"
)

// Service defines the clinical record operations served by the REST layer.
// Implementations must be safe for concurrent use.
type Service interface {
	UpsertDiagnostic(ctx context.Context, d Diagnostic) (Diagnostic, UpsertOutcome, error)
	QueryDiagnostics(ctx context.Context, f DiagnosticFilter) ([]Diagnostic, error)

	CreateAppointment(ctx context.Context, a Appointment) (Appointment, UpsertOutcome, error)
	UpdateConsent(ctx context.Context, videocallCode string, accepted bool) (UpsertOutcome, error)
	QueryAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)

	UpsertReport(ctx context.Context, r Report) (Report, UpsertOutcome, error)
	GetReport(ctx context.Context, reportID string) (Report, error)

	SubmitDoctorApplication(ctx context.Context, app DoctorApplication) (DoctorApplication, UpsertOutcome, error)
	SetDoctorRegistration(ctx context.Context, cellphone, email string, registered bool) (UpsertOutcome, error)
	// ListDoctorApplications returns pending applications only, most
	// recently requested first.
	ListDoctorApplications(ctx context.Context) ([]DoctorApplication, error)

	SubmitFeedback(ctx context.Context, fb Feedback) (Feedback, UpsertOutcome, error)
}

// InMemory implements Service entirely in process. It backs unit tests and
// local development; production deployments use the Postgres store, which
// shares these semantics.
type InMemory struct {
	mu         sync.RWMutex
	codeLength int
	now        func() time.Time

	diagnostics  []Diagnostic
	appointments []Appointment
	reports      []Report
	doctors      []DoctorApplication
	feedback     []Feedback
}

var _ Service = (*InMemory)(nil)

// NewInMemory returns an empty store generating videocall codes of
// codeLength digits.
func NewInMemory(codeLength int) *InMemory {
	return &InMemory{
		codeLength: codeLength,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemory) UpsertDiagnostic(ctx context.Context, d Diagnostic) (Diagnostic, UpsertOutcome, error) {
	if err := d.Validate(); err != nil {
		return Diagnostic{}, UpsertOutcome{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.diagnostics {
		cur := &s.diagnostics[i]
		if cur.PatientID != d.PatientID || cur.DoctorID != d.DoctorID || cur.ReportID != d.ReportID {
			continue
		}
		if cur.samePayload(d) {
			return *cur, Updated(false), nil
		}
		cur.Diagnose = d.Diagnose
		cur.Conduct = d.Conduct
		cur.RiskLevel = d.RiskLevel
		cur.UpdatedAt = s.now()
		return *cur, Updated(true), nil
	}

	now := s.now()
	d.ID = ids.New()
	d.CreatedAt = now
	d.UpdatedAt = now
	s.diagnostics = append(s.diagnostics, d)
	return d, Inserted(now), nil
}

func (s *InMemory) QueryDiagnostics(ctx context.Context, f DiagnosticFilter) ([]Diagnostic, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Diagnostic, 0)
	for _, d := range s.diagnostics {
		if f.PatientID != "" && d.PatientID != f.PatientID {
			continue
		}
		if f.DoctorID != "" && d.DoctorID != f.DoctorID {
			continue
		}
		if f.ReportID != "" && d.ReportID != f.ReportID {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].PatientID > out[j].PatientID
	})
	if f.LastOnly && len(out) > 1 {
		out = out[:1]
	}
	return out, nil
}

func (s *InMemory) CreateAppointment(ctx context.Context, a Appointment) (Appointment, UpsertOutcome, error) {
	if err := a.Validate(); err != nil {
		return Appointment{}, UpsertOutcome{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	code, err := GenerateCode(ctx, s.codeLength, func(ctx context.Context, code string) (bool, error) {
		return s.findAppointmentLocked(code) != nil, nil
	})
	if err != nil {
		return Appointment{}, UpsertOutcome{}, err
	}

	now := s.now()
	a.ID = ids.New()
	a.VideocallCode = code
	a.CreatedAt = now
	a.UpdatedAt = now
	s.appointments = append(s.appointments, a)
	return a, Inserted(now), nil
}

func (s *InMemory) UpdateConsent(ctx context.Context, videocallCode string, accepted bool) (UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.findAppointmentLocked(videocallCode)
	if cur == nil {
		return NoMatch(), nil
	}
	if cur.ConsentAccepted == accepted {
		return Updated(false), nil
	}
	cur.ConsentAccepted = accepted
	cur.UpdatedAt = s.now()
	return Updated(true), nil
}

func (s *InMemory) QueryAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Appointment, 0)
	for _, a := range s.appointments {
		if f.PatientID != "" && a.PatientID != f.PatientID {
			continue
		}
		if f.DoctorID != "" && a.DoctorID != f.DoctorID {
			continue
		}
		if f.VideocallCode != "" && a.VideocallCode != f.VideocallCode {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].PatientID > out[j].PatientID
	})
	if f.LastOnly && len(out) > 1 {
		out = out[:1]
	}
	return out, nil
}

func (s *InMemory) UpsertReport(ctx context.Context, r Report) (Report, UpsertOutcome, error) {
	if err := r.Validate(); err != nil {
		return Report{}, UpsertOutcome{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.reports {
		cur := &s.reports[i]
		if cur.ReportID != r.ReportID {
			continue
		}
		if maps.Equal(cur.Statuses, r.Statuses) {
			return *cur, Updated(false), nil
		}
		cur.Statuses = maps.Clone(r.Statuses)
		cur.UpdatedAt = s.now()
		return *cur, Updated(true), nil
	}

	now := s.now()
	r.ID = ids.New()
	r.Statuses = maps.Clone(r.Statuses)
	r.CreatedAt = now
	r.UpdatedAt = now
	s.reports = append(s.reports, r)
	return r, Inserted(now), nil
}

func (s *InMemory) GetReport(ctx context.Context, reportID string) (Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.reports {
		if r.ReportID == reportID {
			r.Statuses = maps.Clone(r.Statuses)
			return r, nil
		}
	}
	return Report{}, ErrNotFound
}

func (s *InMemory) SubmitDoctorApplication(ctx context.Context, app DoctorApplication) (DoctorApplication, UpsertOutcome, error) {
	if err := app.Validate(); err != nil {
		return DoctorApplication{}, UpsertOutcome{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.doctors {
		if d.Cellphone == app.Cellphone && d.Email == app.Email {
			return DoctorApplication{}, UpsertOutcome{}, ErrConflict
		}
	}

	now := s.now()
	app.ID = ids.New()
	app.Registered = false
	app.RegisteredAt = nil
	app.RequestedAt = now
	s.doctors = append(s.doctors, app)
	return app, Inserted(now), nil
}

func (s *InMemory) SetDoctorRegistration(ctx context.Context, cellphone, email string, registered bool) (UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.doctors {
		cur := &s.doctors[i]
		if cur.Cellphone != cellphone || cur.Email != email {
			continue
		}
		if cur.Registered == registered {
			return Updated(false), nil
		}
		cur.Registered = registered
		now := s.now()
		cur.RegisteredAt = &now
		return Updated(true), nil
	}
	return NoMatch(), nil
}

func (s *InMemory) ListDoctorApplications(ctx context.Context) ([]DoctorApplication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DoctorApplication, 0)
	for _, d := range s.doctors {
		if !d.Registered {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out, nil
}

func (s *InMemory) SubmitFeedback(ctx context.Context, fb Feedback) (Feedback, UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	fb.ID = ids.New()
	fb.CreatedAt = now
	s.feedback = append(s.feedback, fb)
	return fb, Inserted(now), nil
}

// findAppointmentLocked returns the appointment holding code, or nil. The
// caller must hold mu.
func (s *InMemory) findAppointmentLocked(code string) *Appointment {
	for i := range s.appointments {
		if s.appointments[i].VideocallCode == code {
			return &s.appointments[i]
		}
	}
	return nil
}
