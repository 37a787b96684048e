// Package pg implements the clinical record store on PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"telemedic.org/internal/ids"
	"telemedic.org/internal/records"
)

const uniqueViolation = "23505"

// codeInsertAttempts bounds retries when a generated videocall code loses a
// race against a concurrent insert.
const codeInsertAttempts = 5

type Store struct {
	db         *sql.DB
	codeLength int
}

var _ records.Service = (*Store)(nil)

// Options tunes the connection pool.
type Options struct {
	CodeLength      int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func Open(dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 25
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 5
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = time.Hour
	}
	if opts.ConnMaxIdleTime <= 0 {
		opts.ConnMaxIdleTime = 30 * time.Minute
	}
	if opts.CodeLength <= 0 {
		opts.CodeLength = 6
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	return &Store{db: db, codeLength: opts.CodeLength}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) UpsertDiagnostic(ctx context.Context, d records.Diagnostic) (records.Diagnostic, records.UpsertOutcome, error) {
	if err := d.Validate(); err != nil {
		return records.Diagnostic{}, records.UpsertOutcome{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return records.Diagnostic{}, records.UpsertOutcome{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id        string
		createdAt time.Time
		updatedAt time.Time
		cur       records.Diagnostic
	)
	err = tx.QueryRowContext(ctx, `
		select id, created_at, updated_at, diagnose, conduct, risk_level
		from diagnostics
		where patient_id=$1 and doctor_id=$2 and report_id=$3
		for update
	`, d.PatientID, d.DoctorID, d.ReportID).Scan(&id, &createdAt, &updatedAt, &cur.Diagnose, &cur.Conduct, &cur.RiskLevel)

	if errors.Is(err, sql.ErrNoRows) {
		now := time.Now().UTC()
		d.ID = ids.New()
		d.CreatedAt = now
		d.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			insert into diagnostics(id, patient_id, doctor_id, report_id, diagnose, conduct, risk_level, created_at, updated_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		`, d.ID, d.PatientID, d.DoctorID, d.ReportID, d.Diagnose, d.Conduct, d.RiskLevel, now); err != nil {
			return records.Diagnostic{}, records.UpsertOutcome{}, mapPgError(err)
		}
		if err := tx.Commit(); err != nil {
			return records.Diagnostic{}, records.UpsertOutcome{}, err
		}
		return d, records.Inserted(now), nil
	}
	if err != nil {
		return records.Diagnostic{}, records.UpsertOutcome{}, err
	}

	changed := cur.Diagnose != d.Diagnose || cur.Conduct != d.Conduct || cur.RiskLevel != d.RiskLevel
	if changed {
		updatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			update diagnostics set diagnose=$1, conduct=$2, risk_level=$3, updated_at=$4
			where id=$5
		`, d.Diagnose, d.Conduct, d.RiskLevel, updatedAt, id); err != nil {
			return records.Diagnostic{}, records.UpsertOutcome{}, err
		}
	} else {
		d.Diagnose, d.Conduct, d.RiskLevel = cur.Diagnose, cur.Conduct, cur.RiskLevel
	}
	if err := tx.Commit(); err != nil {
		return records.Diagnostic{}, records.UpsertOutcome{}, err
	}

	d.ID = id
	d.CreatedAt = createdAt
	d.UpdatedAt = updatedAt
	return d, records.Updated(changed), nil
}

func (s *Store) QueryDiagnostics(ctx context.Context, f records.DiagnosticFilter) ([]records.Diagnostic, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	query := `
		select id, patient_id, doctor_id, report_id, diagnose, conduct, risk_level, created_at, updated_at
		from diagnostics
		where ($1 = '' or patient_id = $1)
		  and ($2 = '' or doctor_id = $2)
		  and ($3 = '' or report_id = $3)
		order by created_at desc, patient_id desc
	`
	args := []any{f.PatientID, f.DoctorID, f.ReportID}
	if f.LastOnly {
		query += ` limit 1`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]records.Diagnostic, 0)
	for rows.Next() {
		var d records.Diagnostic
		if err := rows.Scan(&d.ID, &d.PatientID, &d.DoctorID, &d.ReportID, &d.Diagnose, &d.Conduct, &d.RiskLevel, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CreateAppointment(ctx context.Context, a records.Appointment) (records.Appointment, records.UpsertOutcome, error) {
	if err := a.Validate(); err != nil {
		return records.Appointment{}, records.UpsertOutcome{}, err
	}

	for attempt := 0; attempt < codeInsertAttempts; attempt++ {
		code, err := records.GenerateCode(ctx, s.codeLength, s.videocallCodeExists)
		if err != nil {
			return records.Appointment{}, records.UpsertOutcome{}, err
		}

		now := time.Now().UTC()
		id := ids.New()
		_, err = s.db.ExecContext(ctx, `
			insert into appointments(id, patient_id, doctor_id, videocall_code, informed_consent_accepted, created_at, updated_at)
			values ($1,$2,$3,$4,$5,$6,$6)
		`, id, a.PatientID, a.DoctorID, code, a.ConsentAccepted, now)
		if isUniqueViolation(err) {
			// Lost the race for this code; draw a fresh one.
			continue
		}
		if err != nil {
			return records.Appointment{}, records.UpsertOutcome{}, err
		}

		a.ID = id
		a.VideocallCode = code
		a.CreatedAt = now
		a.UpdatedAt = now
		return a, records.Inserted(now), nil
	}
	return records.Appointment{}, records.UpsertOutcome{}, records.ErrConflict
}

func (s *Store) videocallCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from appointments where videocall_code=$1)`, code).Scan(&exists)
	return exists, err
}

func (s *Store) UpdateConsent(ctx context.Context, videocallCode string, accepted bool) (records.UpsertOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return records.UpsertOutcome{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id      string
		current bool
	)
	err = tx.QueryRowContext(ctx, `
		select id, informed_consent_accepted from appointments where videocall_code=$1 for update
	`, videocallCode).Scan(&id, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return records.NoMatch(), nil
	}
	if err != nil {
		return records.UpsertOutcome{}, err
	}

	if current == accepted {
		return records.Updated(false), nil
	}

	if _, err := tx.ExecContext(ctx, `
		update appointments set informed_consent_accepted=$1, updated_at=$2 where id=$3
	`, accepted, time.Now().UTC(), id); err != nil {
		return records.UpsertOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return records.UpsertOutcome{}, err
	}
	return records.Updated(true), nil
}

func (s *Store) QueryAppointments(ctx context.Context, f records.AppointmentFilter) ([]records.Appointment, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	query := `
		select id, patient_id, doctor_id, videocall_code, informed_consent_accepted, created_at, updated_at
		from appointments
		where ($1 = '' or patient_id = $1)
		  and ($2 = '' or doctor_id = $2)
		  and ($3 = '' or videocall_code = $3)
		order by created_at desc, patient_id desc
	`
	args := []any{f.PatientID, f.DoctorID, f.VideocallCode}
	if f.LastOnly {
		query += ` limit 1`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]records.Appointment, 0)
	for rows.Next() {
		var a records.Appointment
		if err := rows.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.VideocallCode, &a.ConsentAccepted, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpsertReport(ctx context.Context, r records.Report) (records.Report, records.UpsertOutcome, error) {
	if err := r.Validate(); err != nil {
		return records.Report{}, records.UpsertOutcome{}, err
	}
	if r.Statuses == nil {
		r.Statuses = map[string]bool{}
	}
	statusesJSON, err := json.Marshal(r.Statuses)
	if err != nil {
		return records.Report{}, records.UpsertOutcome{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return records.Report{}, records.UpsertOutcome{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id        string
		createdAt time.Time
		updatedAt time.Time
		equal     bool
	)
	// Equality is decided in SQL so jsonb normalisation applies.
	err = tx.QueryRowContext(ctx, `
		select id, created_at, updated_at, statuses = $2::jsonb
		from reports where report_id=$1
		for update
	`, r.ReportID, string(statusesJSON)).Scan(&id, &createdAt, &updatedAt, &equal)

	if errors.Is(err, sql.ErrNoRows) {
		now := time.Now().UTC()
		r.ID = ids.New()
		r.CreatedAt = now
		r.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			insert into reports(id, report_id, statuses, created_at, updated_at)
			values ($1,$2,$3::jsonb,$4,$4)
		`, r.ID, r.ReportID, string(statusesJSON), now); err != nil {
			return records.Report{}, records.UpsertOutcome{}, mapPgError(err)
		}
		if err := tx.Commit(); err != nil {
			return records.Report{}, records.UpsertOutcome{}, err
		}
		return r, records.Inserted(now), nil
	}
	if err != nil {
		return records.Report{}, records.UpsertOutcome{}, err
	}

	if !equal {
		updatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			update reports set statuses=$1::jsonb, updated_at=$2 where id=$3
		`, string(statusesJSON), updatedAt, id); err != nil {
			return records.Report{}, records.UpsertOutcome{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return records.Report{}, records.UpsertOutcome{}, err
	}

	r.ID = id
	r.CreatedAt = createdAt
	r.UpdatedAt = updatedAt
	return r, records.Updated(!equal), nil
}

func (s *Store) GetReport(ctx context.Context, reportID string) (records.Report, error) {
	var (
		r   records.Report
		raw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, report_id, statuses, created_at, updated_at from reports where report_id=$1
	`, reportID).Scan(&r.ID, &r.ReportID, &raw, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return records.Report{}, records.ErrNotFound
	}
	if err != nil {
		return records.Report{}, err
	}
	if err := json.Unmarshal(raw, &r.Statuses); err != nil {
		return records.Report{}, err
	}
	return r, nil
}

func (s *Store) SubmitDoctorApplication(ctx context.Context, app records.DoctorApplication) (records.DoctorApplication, records.UpsertOutcome, error) {
	if err := app.Validate(); err != nil {
		return records.DoctorApplication{}, records.UpsertOutcome{}, err
	}

	now := time.Now().UTC()
	app.ID = ids.New()
	app.Registered = false
	app.RegisteredAt = nil
	app.RequestedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into doctor_applications(id, first_name, last_name, cellphone, email, professional_card_photo, official_id_photo, registered, requested_at)
		values ($1,$2,$3,$4,$5,$6,$7,false,$8)
	`, app.ID, app.FirstName, app.LastName, app.Cellphone, app.Email, app.ProfessionalCardPhoto, app.OfficialIDPhoto, now)
	if err != nil {
		return records.DoctorApplication{}, records.UpsertOutcome{}, mapPgError(err)
	}
	return app, records.Inserted(now), nil
}

func (s *Store) SetDoctorRegistration(ctx context.Context, cellphone, email string, registered bool) (records.UpsertOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return records.UpsertOutcome{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id      string
		current bool
	)
	err = tx.QueryRowContext(ctx, `
		select id, registered from doctor_applications where cellphone=$1 and email=$2 for update
	`, cellphone, email).Scan(&id, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return records.NoMatch(), nil
	}
	if err != nil {
		return records.UpsertOutcome{}, err
	}

	if current == registered {
		return records.Updated(false), nil
	}

	if _, err := tx.ExecContext(ctx, `
		update doctor_applications set registered=$1, registration_date=$2 where id=$3
	`, registered, time.Now().UTC(), id); err != nil {
		return records.UpsertOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return records.UpsertOutcome{}, err
	}
	return records.Updated(true), nil
}

func (s *Store) ListDoctorApplications(ctx context.Context) ([]records.DoctorApplication, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, first_name, last_name, cellphone, email, professional_card_photo, official_id_photo, registered, requested_at, registration_date
		from doctor_applications
		where registered = false
		order by requested_at desc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]records.DoctorApplication, 0)
	for rows.Next() {
		var (
			d          records.DoctorApplication
			registered sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.FirstName, &d.LastName, &d.Cellphone, &d.Email, &d.ProfessionalCardPhoto, &d.OfficialIDPhoto, &d.Registered, &d.RequestedAt, &registered); err != nil {
			return nil, err
		}
		if registered.Valid {
			t := registered.Time
			d.RegisteredAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) SubmitFeedback(ctx context.Context, fb records.Feedback) (records.Feedback, records.UpsertOutcome, error) {
	now := time.Now().UTC()
	fb.ID = ids.New()
	fb.CreatedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into feedback(id, patient_id, rating, comment, created_at)
		values ($1,$2,$3,$4,$5)
	`, fb.ID, fb.PatientID, fb.Rating, fb.Comment, now)
	if err != nil {
		return records.Feedback{}, records.UpsertOutcome{}, err
	}
	return fb, records.Inserted(now), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func mapPgError(err error) error {
	if isUniqueViolation(err) {
		return records.ErrConflict
	}
	return err
}
