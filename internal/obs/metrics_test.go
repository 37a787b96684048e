package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/reports/rep-001":           "/v1/reports/:id",
		"/v1/reports/rep-001?x=1":       "/v1/reports/:id",
		"/v1/appointments/4711/consent": "/v1/appointments/:code/consent",
		"/v1/appointments":              "/v1/appointments",
		"/v1/diagnostics":               "/v1/diagnostics",
		"/v1/doctors/applications":      "/v1/doctors/applications",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
