package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"telemedic.org/internal/audit"
	"telemedic.org/internal/auth"
	"telemedic.org/internal/obs"
	"telemedic.org/internal/records"
	"telemedic.org/internal/stream"
)

const maxIdentifierLen = 64

type upsertDiagnosticRequest struct {
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id"`
	ReportID  string `json:"report_id"`
	Diagnose  string `json:"diagnose"`
	Conduct   string `json:"conduct"`
	RiskLevel string `json:"risk_level"`
}

type createAppointmentRequest struct {
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id"`
	// Optional; consent defaults to not accepted.
	InformedConsentAccepted bool `json:"informed_consent_accepted"`
}

type updateConsentRequest struct {
	InformedConsentAccepted *bool `json:"informed_consent_accepted"`
}

type upsertReportRequest struct {
	ReportID string          `json:"report_id"`
	Statuses map[string]bool `json:"statuses"`
}

type doctorApplicationRequest struct {
	FirstName             string `json:"first_name"`
	LastName              string `json:"last_name"`
	Cellphone             string `json:"cellphone"`
	Email                 string `json:"email"`
	ProfessionalCardPhoto string `json:"professional_card_photo"`
	OfficialIDPhoto       string `json:"official_id_photo"`
}

type doctorRegistrationRequest struct {
	Cellphone  string `json:"cellphone"`
	Email      string `json:"email"`
	Registered *bool  `json:"registered"`
}

type feedbackRequest struct {
	PatientID string `json:"patient_id"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment"`
}

type listResponse[T any] struct {
	Items []T       `json:"items"`
	AsOf  time.Time `json:"as_of"`
}

func (a *API) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.upsertDiagnostic(w, r)
	case http.MethodGet:
		a.listDiagnostics(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleAppointments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAppointment(w, r)
	case http.MethodGet:
		a.listAppointments(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleAppointmentResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/appointments/")
	code, rest, found := strings.Cut(path, "/")
	if !found || rest != "consent" || code == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodPatch:
		a.updateConsent(w, r, code)
	default:
		methodNotAllowed(w, r, http.MethodPatch)
	}
}

func (a *API) handleReportsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		a.upsertReport(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPut)
	}
}

func (a *API) handleReportResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/reports/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getReport(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleDoctorsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.submitDoctorApplication(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleDoctorRegistration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPatch:
		a.setDoctorRegistration(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPatch)
	}
}

func (a *API) handleDoctorApplications(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listDoctorApplications(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleFeedback(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.submitFeedback(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) upsertDiagnostic(w http.ResponseWriter, r *http.Request) {
	if !a.requireScope(w, r, auth.ScopeWriteDiagnostics) {
		return
	}
	var req upsertDiagnosticRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateIdentifiers(req.PatientID, req.DoctorID, req.ReportID); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Diagnose) == "" {
		writeError(w, r, http.StatusBadRequest, "diagnose is required")
		return
	}

	rec, out, err := a.records.UpsertDiagnostic(r.Context(), records.Diagnostic{
		PatientID: strings.TrimSpace(req.PatientID),
		DoctorID:  strings.TrimSpace(req.DoctorID),
		ReportID:  strings.TrimSpace(req.ReportID),
		Diagnose:  req.Diagnose,
		Conduct:   req.Conduct,
		RiskLevel: req.RiskLevel,
	})
	if err != nil {
		handleRecordsError(w, r, err)
		return
	}

	a.audit(r.Context(), "diagnostic."+string(out.Op), "diagnostic", rec.ID, map[string]string{
		"report_id": rec.ReportID,
		"changed":   strconv.FormatBool(out.Changed),
	})
	a.publish("diagnostic", out, rec.ID)
	writeUpsert(w, out, rec)
}

func (a *API) listDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !a.requireScope(w, r, auth.ScopeReadDiagnostics) {
		return
	}
	q := r.URL.Query()
	filter := records.DiagnosticFilter{
		PatientID: strings.TrimSpace(q.Get("patient_id")),
		DoctorID:  strings.TrimSpace(q.Get("doctor_id")),
		ReportID:  strings.TrimSpace(q.Get("report_id")),
		LastOnly:  parseBoolParam(q.Get("last")),
	}
	items, err := a.records.QueryDiagnostics(r.Context(), filter)
	if err != nil {
		handleRecordsError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[records.Diagnostic]{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) createAppointment(w http.ResponseWriter, r *http.Request) {
	if !a.requireScope(w, r, auth.ScopeWriteAppointments) {
		return
	}
	var req createAppointmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateIdentifiers(req.PatientID, req.DoctorID); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rec, out, err := a.records.CreateAppointment(r.Context(), records.Appointment{
		PatientID:       strings.TrimSpace(req.PatientID),
		DoctorID:        strings.TrimSpace(req.DoctorID),
		ConsentAccepted: req.InformedConsentAccepted,
	})
	if err != nil {
		handleRecordsError(w, r, err)
		return
	}

	a.audit(r.Context(), "appointment.create", "appointment", rec.ID, map[string]string{
		"videocall_code": rec.VideocallCode,
	})
	a.publish("appointment", out, rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) updateConsent(w http.ResponseWriter, r *http.Request, code string) {
	if !a.requireScope(w, r, auth.ScopeWriteAppointments) {
		return
	}
	var req updateConsentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.InformedConsentAccepted == nil {
		writeError(w, r, http.StatusBadRequest, "informed_consent_accepted is required")
		return
	}

	out, err := a.records.UpdateConsent(r.Context(), code, *req.InformedConsentAccepted)
	if err != nil {
		handleRecordsError(w, r, err)
		return
	}
	if out.Op == records.OpNotFound {
		writeError(w, r, http.StatusNotFound, "appointment not found")
		return
	}

	a.audit(r.Context(), "appointment.consent", "appointment", code, map[string]string{
		"accepted": strconv.FormatBool(*req.InformedConsentAccepted),
		"changed":  strconv.FormatBool(out.Changed),
	})
	a.publish("appointment", out, code)
	writeJSON(w, http.StatusOK, map[string]any{
		"operation": out.Op,
		"matched":   out.Matched,
		"changed":   out.Changed,
	})
}

func (a *API) listAppointments(w http.ResponseWriter, r *http.Request) {
	if !a.requireScope(w, r, auth.ScopeReadAppointments) {
		return
	}
	q := r.URL.Query()
	filter := records.AppointmentFilter{
		PatientID:     strings.TrimSpace(q.Get("patient_id")),
		DoctorID:      strings.TrimSpace(q.Get("doctor_id")),
		VideocallCode: strings.TrimSpace(q.Get("videocall_code")),
		LastOnly:      parseBoolParam(q.Get("last")),
	}
	items, err := a.records.QueryAppointments(r.Context(), filter)
	if err != nil {
		handleRecordsError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[records.Appointment]{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) upsertReport(w http.ResponseWriter, r *http.Request) {
	if !a.requireScope(w, r, auth.ScopeWriteReports) {
		return
	}
	var req upsertReportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateIdentifiers(req.ReportID); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Statuses) > 64 {
		writeError(w, r, http.StatusBadRequest, "too many status flags")
		return
	}
	if req.Statuses == nil {
		req.Statuses = map[string]bool{}
	}

	rec, out, err := a.records.UpsertReport(r.Context(), records.Report{
		ReportID: strings.TrimSpace(req.ReportID),
		Statuses: req.Statuses,
	})
	if err != nil {
		handleRecordsError(w, r, err)
		return
	}

	a.audit(r.Context(), "report."+string(out.Op), "report", rec.ReportID, map[string]string{
		"changed": strconv.FormatBool(out.Changed),
	})
	a.publish("report", out, rec.ReportID)
	writeUpsert(w, out, rec)
}

func (a *API) getReport(w http.ResponseWriter, r *http.Request, id string) {
	if !a.requireScope(w, r, auth.ScopeReadReports) {
		return
	}
	rec, err := a.records.GetReport(r.Context(), id)
	if err != nil {
		handleRecordsError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) submitDoctorApplication(w http.ResponseWriter, r *http.Request) {
	if !a.requireScope(w, r, auth.ScopeManageDoctors) {
		return
	}
	var req doctorApplicationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Cellphone) == "" || strings.TrimSpace(req.Email) == "" {
		writeError(w, r, http.StatusBadRequest, "cellphone and email are required")
		return
	}

	app, out, err := a.records.SubmitDoctorApplication(r.Context(), records.DoctorApplication{
		FirstName:             strings.TrimSpace(req.FirstName),
		LastName:              strings.TrimSpace(req.LastName),
		Cellphone:             strings.TrimSpace(req.Cellphone),
		Email:                 strings.TrimSpace(req.Email),
		ProfessionalCardPhoto: req.ProfessionalCardPhoto,
		OfficialIDPhoto:       req.OfficialIDPhoto,
	})
	if err != nil {
		handleRecordsError(w, r, err)
		return
	}

	a.audit(r.Context(), "doctor.apply", "doctor", app.ID, nil)
	a.publish("doctor", out, app.ID)
	writeJSON(w, http.StatusCreated, app)
}

func (a *API) setDoctorRegistration(w http.ResponseWriter, r *http.Request) {
	if !a.requireScope(w, r, auth.ScopeManageDoctors) {
		return
	}
	var req doctorRegistrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Cellphone) == "" || strings.TrimSpace(req.Email) == "" {
		writeError(w, r, http.StatusBadRequest, "cellphone and email are required")
		return
	}
	if req.Registered == nil {
		writeError(w, r, http.StatusBadRequest, "registered is required")
		return
	}

	out, err := a.records.SetDoctorRegistration(r.Context(), strings.TrimSpace(req.Cellphone), strings.TrimSpace(req.Email), *req.Registered)
	if err != nil {
		handleRecordsError(w, r, err)
		return
	}
	if out.Op == records.OpNotFound {
		writeError(w, r, http.StatusNotFound, "doctor application not found")
		return
	}

	a.audit(r.Context(), "doctor.registration", "doctor", req.Email, map[string]string{
		"registered": strconv.FormatBool(*req.Registered),
		"changed":    strconv.FormatBool(out.Changed),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"operation": out.Op,
		"matched":   out.Matched,
		"changed":   out.Changed,
	})
}

func (a *API) listDoctorApplications(w http.ResponseWriter, r *http.Request) {
	if !a.requireScope(w, r, auth.ScopeManageDoctors) {
		return
	}
	items, err := a.records.ListDoctorApplications(r.Context())
	if err != nil {
		handleRecordsError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[records.DoctorApplication]{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) submitFeedback(w http.ResponseWriter, r *http.Request) {
	if !a.requireScope(w, r, auth.ScopeWriteFeedback) {
		return
	}
	var req feedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		writeError(w, r, http.StatusBadRequest, "rating must be between 1 and 5")
		return
	}
	if len(req.Comment) > 4096 {
		writeError(w, r, http.StatusBadRequest, "comment too long")
		return
	}

	fb, out, err := a.records.SubmitFeedback(r.Context(), records.Feedback{
		PatientID: strings.TrimSpace(req.PatientID),
		Rating:    req.Rating,
		Comment:   req.Comment,
	})
	if err != nil {
		handleRecordsError(w, r, err)
		return
	}

	a.audit(r.Context(), "feedback.submit", "feedback", fb.ID, nil)
	a.publish("feedback", out, fb.ID)
	writeJSON(w, http.StatusCreated, fb)
}

// --- helpers ---

func writeUpsert(w http.ResponseWriter, out records.UpsertOutcome, record any) {
	if out.Op == records.OpInserted {
		writeJSON(w, http.StatusCreated, map[string]any{
			"operation": out.Op,
			"record":    record,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operation": out.Op,
		"matched":   out.Matched,
		"changed":   out.Changed,
		"record":    record,
	})
}

func (a *API) publish(kind string, out records.UpsertOutcome, recordID string) {
	if a.stream == nil {
		return
	}
	if out.Op == records.OpNotFound {
		return
	}
	if out.Op == records.OpUpdated && !out.Changed {
		return
	}
	a.stream.Publish(stream.RecordEvent{
		Kind:      kind,
		Operation: string(out.Op),
		RecordID:  recordID,
		Timestamp: time.Now().UTC(),
	})
}

func (a *API) audit(ctx context.Context, event, entity, id string, meta map[string]string) {
	fields := map[string]any{"entity": entity, "entity_id": id}
	for k, v := range meta {
		fields[k] = v
	}
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Logger().Printf(`{"level":"error","msg":"audit_log_failed","event":%q}`, event)
	}
}

func validateIdentifiers(ids ...string) error {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return errors.New("identifier fields must not be empty")
		}
		if len(id) > maxIdentifierLen {
			return errors.New("identifier fields must be at most 64 characters")
		}
	}
	return nil
}

func parseBoolParam(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleRecordsError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, records.ErrInvalidRecord), errors.Is(err, records.ErrEmptyFilter):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, records.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, records.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
