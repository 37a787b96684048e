package auth

import "strings"

// Scopes granted by the token issuer for the clinical API.
const (
	ScopeReadDiagnostics   = "read:diagnostics"
	ScopeWriteDiagnostics  = "write:diagnostics"
	ScopeReadAppointments  = "read:appointments"
	ScopeWriteAppointments = "write:appointments"
	ScopeReadReports       = "read:reports"
	ScopeWriteReports      = "write:reports"
	ScopeManageDoctors     = "manage:doctors"
	ScopeWriteFeedback     = "write:feedback"
)

// HasScope reports whether the token's space-separated scope claim contains
// the required scope. An empty requirement always passes.
func (c *Claims) HasScope(required string) bool {
	if required == "" {
		return true
	}
	if c == nil {
		return false
	}
	for _, s := range strings.Fields(c.Scope) {
		if s == required {
			return true
		}
	}
	return false
}
