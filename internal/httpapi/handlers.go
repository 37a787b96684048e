// Package httpapi exposes the clinical record service over REST.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"telemedic.org/internal/obs"
	"telemedic.org/internal/records"
	"telemedic.org/internal/stream"
)

const serviceName = "telemedic-api"

// ReadyProbe reports whether the backing store can serve requests.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options wires the API's collaborators. Gate may be nil to disable
// bearer-token validation in local development.
type Options struct {
	Records      records.Service
	Gate         Gateway
	Stream       *stream.Stream
	Ready        ReadyProbe
	Version      string
	MaxBodyBytes int64
	RateLimit    RateLimitOptions
	CORS         CORSOptions
}

// RateLimitOptions tunes the per-client token bucket.
type RateLimitOptions struct {
	PerSecond float64
	Burst     int
}

// CORSOptions holds the cross-origin policy. AllowedOrigins is a
// comma-separated list; "*" allows any origin.
type CORSOptions struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
	MaxAge         int
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	records    records.Service
	gate       Gateway
	stream     *stream.Stream
	readyProbe ReadyProbe
	version    string
	maxBody    int64
	rateLimit  RateLimitOptions
	cors       CORSOptions
}

func New(opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		records:    opts.Records,
		gate:       opts.Gate,
		stream:     opts.Stream,
		readyProbe: opts.Ready,
		version:    opts.Version,
		maxBody:    opts.MaxBodyBytes,
		rateLimit:  opts.RateLimit,
		cors:       opts.CORS,
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	if a.rateLimit.PerSecond <= 0 {
		a.rateLimit.PerSecond = 10
	}
	if a.rateLimit.Burst <= 0 {
		a.rateLimit.Burst = 20
	}
	if a.cors.AllowedOrigins == "" {
		a.cors.AllowedOrigins = "*"
	}
	if a.cors.AllowedMethods == "" {
		a.cors.AllowedMethods = "GET,POST,PUT,PATCH,OPTIONS"
	}
	if a.cors.AllowedHeaders == "" {
		a.cors.AllowedHeaders = "Authorization,Content-Type,X-Request-ID"
	}
	if a.cors.MaxAge <= 0 {
		a.cors.MaxAge = 86400
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// clinical records
	a.mux.HandleFunc("/v1/diagnostics", a.handleDiagnostics)
	a.mux.HandleFunc("/v1/appointments", a.handleAppointments)
	a.mux.HandleFunc("/v1/appointments/", a.handleAppointmentResource)
	a.mux.HandleFunc("/v1/reports", a.handleReportsCollection)
	a.mux.HandleFunc("/v1/reports/", a.handleReportResource)
	a.mux.HandleFunc("/v1/doctors", a.handleDoctorsCollection)
	a.mux.HandleFunc("/v1/doctors/registration", a.handleDoctorRegistration)
	a.mux.HandleFunc("/v1/doctors/applications", a.handleDoctorApplications)
	a.mux.HandleFunc("/v1/feedback", a.handleFeedback)

	// live record events
	a.mux.HandleFunc("/v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateLimit.Burst, a.rateLimit.PerSecond)
	h = SecurityHeaders(h)
	h = CORS(h, a.cors)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
