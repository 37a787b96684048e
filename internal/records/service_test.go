package records

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(clock *fakeClock) *InMemory {
	s := NewInMemory(6)
	s.now = clock.Now
	return s
}

func TestUpsertDiagnosticInsertThenAmend(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	d, out, err := s.UpsertDiagnostic(ctx, Diagnostic{
		PatientID: "p1", DoctorID: "d1", ReportID: "r1",
		Diagnose: "flu", Conduct: "rest", RiskLevel: "low",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if out.Op != OpInserted {
		t.Fatalf("expected insert outcome, got %+v", out)
	}
	if out.CreatedAt.IsZero() || !d.UpdatedAt.Equal(d.CreatedAt) {
		t.Fatalf("expected fresh timestamps, got %+v", d)
	}
	if d.ID == "" {
		t.Fatal("expected a generated id")
	}

	clock.Advance(time.Minute)
	amended, out, err := s.UpsertDiagnostic(ctx, Diagnostic{
		PatientID: "p1", DoctorID: "d1", ReportID: "r1",
		Diagnose: "pneumonia", Conduct: "antibiotics", RiskLevel: "high",
	})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if out.Op != OpUpdated || !out.Matched || !out.Changed {
		t.Fatalf("expected changed update, got %+v", out)
	}
	if amended.ID != d.ID || !amended.CreatedAt.Equal(d.CreatedAt) {
		t.Fatal("identity and creation time must survive an amendment")
	}
	if !amended.UpdatedAt.After(d.UpdatedAt) {
		t.Fatal("expected UpdatedAt to advance on an amendment")
	}
}

func TestUpsertDiagnosticEqualPayloadIsUnchanged(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	d := Diagnostic{PatientID: "p1", DoctorID: "d1", ReportID: "r1", Diagnose: "flu"}
	first, _, err := s.UpsertDiagnostic(ctx, d)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	clock.Advance(time.Minute)
	second, out, err := s.UpsertDiagnostic(ctx, d)
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if out.Op != OpUpdated || !out.Matched || out.Changed {
		t.Fatalf("expected matched-but-unchanged, got %+v", out)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatal("an unchanged match must not bump UpdatedAt")
	}
}

func TestUpsertDiagnosticRejectsMissingIdentity(t *testing.T) {
	s := newTestStore(newFakeClock())
	_, _, err := s.UpsertDiagnostic(context.Background(), Diagnostic{PatientID: "p1", Diagnose: "flu"})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestQueryDiagnosticsOrdering(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	for _, p := range []string{"p1", "p2", "p3"} {
		if _, _, err := s.UpsertDiagnostic(ctx, Diagnostic{
			PatientID: p, DoctorID: "d1", ReportID: "r-" + p, Diagnose: "flu",
		}); err != nil {
			t.Fatalf("seed %s: %v", p, err)
		}
		clock.Advance(time.Hour)
	}

	got, err := s.QueryDiagnostics(ctx, DiagnosticFilter{DoctorID: "d1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 diagnostics, got %d", len(got))
	}
	for i, want := range []string{"p3", "p2", "p1"} {
		if got[i].PatientID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, got[i].PatientID)
		}
	}

	last, err := s.QueryDiagnostics(ctx, DiagnosticFilter{DoctorID: "d1", LastOnly: true})
	if err != nil {
		t.Fatalf("query last: %v", err)
	}
	if len(last) != 1 || last[0].PatientID != "p3" {
		t.Fatalf("expected only the most recent diagnostic, got %+v", last)
	}
}

func TestQueryDiagnosticsTieBreaksOnPatientDesc(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	// Same creation instant for both rows.
	for _, p := range []string{"p1", "p9"} {
		if _, _, err := s.UpsertDiagnostic(ctx, Diagnostic{
			PatientID: p, DoctorID: "d1", ReportID: "r-" + p, Diagnose: "flu",
		}); err != nil {
			t.Fatalf("seed %s: %v", p, err)
		}
	}

	got, err := s.QueryDiagnostics(ctx, DiagnosticFilter{DoctorID: "d1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got[0].PatientID != "p9" || got[1].PatientID != "p1" {
		t.Fatalf("expected descending patient tie-break, got %s then %s", got[0].PatientID, got[1].PatientID)
	}
}

func TestQueryDiagnosticsRequiresFilter(t *testing.T) {
	s := newTestStore(newFakeClock())
	if _, err := s.QueryDiagnostics(context.Background(), DiagnosticFilter{}); !errors.Is(err, ErrEmptyFilter) {
		t.Fatalf("expected ErrEmptyFilter, got %v", err)
	}
}

func TestQueryDiagnosticsNoMatchesIsEmptySuccess(t *testing.T) {
	s := newTestStore(newFakeClock())
	got, err := s.QueryDiagnostics(context.Background(), DiagnosticFilter{PatientID: "nobody", LastOnly: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %+v", got)
	}
}

func TestCreateAppointmentGeneratesDistinctCodes(t *testing.T) {
	s := newTestStore(newFakeClock())
	ctx := context.Background()

	first, out, err := s.CreateAppointment(ctx, Appointment{PatientID: "p1", DoctorID: "d1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out.Op != OpInserted {
		t.Fatalf("expected insert outcome, got %+v", out)
	}
	if len(first.VideocallCode) != 6 {
		t.Fatalf("expected a 6 digit code, got %q", first.VideocallCode)
	}
	if first.ConsentAccepted {
		t.Fatal("consent must default to not accepted")
	}

	second, _, err := s.CreateAppointment(ctx, Appointment{PatientID: "p2", DoctorID: "d1"})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.VideocallCode == first.VideocallCode {
		t.Fatal("videocall codes must be unique among stored appointments")
	}
}

func TestCreateAppointmentKeepsSuppliedConsent(t *testing.T) {
	s := newTestStore(newFakeClock())
	ctx := context.Background()

	appt, _, err := s.CreateAppointment(ctx, Appointment{PatientID: "p1", DoctorID: "d1", ConsentAccepted: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !appt.ConsentAccepted {
		t.Fatalf("consent supplied at creation must be stored, got %+v", appt)
	}

	got, err := s.QueryAppointments(ctx, AppointmentFilter{VideocallCode: appt.VideocallCode})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || !got[0].ConsentAccepted {
		t.Fatalf("expected stored consent, got %+v", got)
	}
}

func TestUpdateConsentLifecycle(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	out, err := s.UpdateConsent(ctx, "000000", true)
	if err != nil {
		t.Fatalf("update unknown: %v", err)
	}
	if out.Op != OpNotFound {
		t.Fatalf("expected not-found outcome, got %+v", out)
	}

	appt, _, err := s.CreateAppointment(ctx, Appointment{PatientID: "p1", DoctorID: "d1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	out, err = s.UpdateConsent(ctx, appt.VideocallCode, true)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !out.Matched || !out.Changed {
		t.Fatalf("expected changed update, got %+v", out)
	}

	out, err = s.UpdateConsent(ctx, appt.VideocallCode, true)
	if err != nil {
		t.Fatalf("repeat accept: %v", err)
	}
	if !out.Matched || out.Changed {
		t.Fatalf("repeating the same consent must be matched-but-unchanged, got %+v", out)
	}

	out, err = s.UpdateConsent(ctx, appt.VideocallCode, false)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !out.Changed {
		t.Fatalf("expected revocation to change the record, got %+v", out)
	}
}

func TestUpsertReportReplacesStatusesWholesale(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	r, out, err := s.UpsertReport(ctx, Report{
		ReportID: "rep-1",
		Statuses: map[string]bool{"triaged": true, "reviewed": false},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if out.Op != OpInserted {
		t.Fatalf("expected insert outcome, got %+v", out)
	}

	clock.Advance(time.Minute)
	r2, out, err := s.UpsertReport(ctx, Report{
		ReportID: "rep-1",
		Statuses: map[string]bool{"reviewed": true},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !out.Matched || !out.Changed {
		t.Fatalf("expected changed update, got %+v", out)
	}
	if len(r2.Statuses) != 1 || !r2.Statuses["reviewed"] {
		t.Fatalf("statuses must be replaced, not merged: %+v", r2.Statuses)
	}
	if !r2.CreatedAt.Equal(r.CreatedAt) {
		t.Fatal("creation time must survive a status update")
	}

	_, out, err = s.UpsertReport(ctx, Report{
		ReportID: "rep-1",
		Statuses: map[string]bool{"reviewed": true},
	})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if out.Changed {
		t.Fatalf("equal status set must be unchanged, got %+v", out)
	}
}

func TestGetReport(t *testing.T) {
	s := newTestStore(newFakeClock())
	ctx := context.Background()

	if _, err := s.GetReport(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, _, err := s.UpsertReport(ctx, Report{ReportID: "rep-1", Statuses: map[string]bool{"triaged": true}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.GetReport(ctx, "rep-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// Mutating the returned map must not leak into the store.
	got.Statuses["triaged"] = false
	again, err := s.GetReport(ctx, "rep-1")
	if err != nil {
		t.Fatalf("re-get: %v", err)
	}
	if !again.Statuses["triaged"] {
		t.Fatal("stored statuses must be isolated from callers")
	}
}

func TestDoctorApplicationFlow(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	app, out, err := s.SubmitDoctorApplication(ctx, DoctorApplication{
		FirstName: "Ada", LastName: "Mora",
		Cellphone: "555-0100", Email: "ada@example.org",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Op != OpInserted || app.Registered || app.RegisteredAt != nil {
		t.Fatalf("applications must start unregistered, got %+v", app)
	}

	if _, _, err := s.SubmitDoctorApplication(ctx, DoctorApplication{
		Cellphone: "555-0100", Email: "ada@example.org",
	}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate contact, got %v", err)
	}

	out, err = s.SetDoctorRegistration(ctx, "555-0100", "ada@example.org", true)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !out.Matched || !out.Changed {
		t.Fatalf("expected changed update, got %+v", out)
	}

	out, err = s.SetDoctorRegistration(ctx, "555-0100", "ada@example.org", true)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if out.Changed {
		t.Fatalf("repeated registration must be unchanged, got %+v", out)
	}

	out, err = s.SetDoctorRegistration(ctx, "555-0199", "nobody@example.org", true)
	if err != nil {
		t.Fatalf("register unknown: %v", err)
	}
	if out.Op != OpNotFound {
		t.Fatalf("expected not-found outcome, got %+v", out)
	}

	// Registered doctors drop out of the pending list; a fresh
	// application shows up in it.
	if _, _, err := s.SubmitDoctorApplication(ctx, DoctorApplication{
		FirstName: "Bo", LastName: "Lin",
		Cellphone: "555-0177", Email: "bo@example.org",
	}); err != nil {
		t.Fatalf("submit second: %v", err)
	}
	apps, err := s.ListDoctorApplications(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(apps) != 1 || apps[0].Email != "bo@example.org" || apps[0].Registered {
		t.Fatalf("expected only the pending application, got %+v", apps)
	}
}

func TestSubmitFeedback(t *testing.T) {
	s := newTestStore(newFakeClock())
	fb, out, err := s.SubmitFeedback(context.Background(), Feedback{PatientID: "p1", Rating: 5, Comment: "great"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Op != OpInserted || fb.ID == "" || fb.CreatedAt.IsZero() {
		t.Fatalf("expected stamped feedback, got %+v outcome %+v", fb, out)
	}
}
