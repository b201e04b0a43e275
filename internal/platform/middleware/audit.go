package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caredroid/clinicalcalc/internal/platform/auth"
)

// Context keys handlers use to enrich the audit entry with values that only
// exist in the request body or the response.
const (
	AuditPatientKey    = "audit_patient_id"
	AuditAssessmentKey = "audit_assessment_id"
)

// AuditEntry records who evaluated or read what, and with what outcome.
type AuditEntry struct {
	UserID       string
	UserRoles    []string
	Tier         string
	TenantID     string
	Calculator   string
	AssessmentID string
	PatientID    string
	Action       string // execute, execute_batch, validate, catalog, statistics, search, read, delete
	IPAddress    string
	UserAgent    string
	Path         string
	Method       string
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

// AuditRecorder persists audit entries in addition to the log line.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request under /api/v1/ after it completes.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       req.URL.Path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: status,
				Action:     auditAction(req.Method, c.Path()),
			}

			if p, ok := auth.PrincipalFromContext(req.Context()); ok {
				entry.UserID = p.Subject
				entry.UserRoles = p.Roles
				entry.Tier = p.Tier
				entry.TenantID = p.TenantID
			}
			if tenant, ok := c.Get("tenant_id").(string); ok && tenant != "" {
				entry.TenantID = tenant
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			if strings.HasPrefix(c.Path(), "/api/v1/calculators/:id") {
				entry.Calculator = c.Param("id")
			} else if strings.HasPrefix(c.Path(), "/api/v1/assessments/:id") {
				entry.AssessmentID = c.Param("id")
			}
			if id, ok := c.Get(AuditAssessmentKey).(string); ok && id != "" {
				entry.AssessmentID = id
			}
			entry.PatientID = c.QueryParam("patient_id")
			if id, ok := c.Get(AuditPatientKey).(string); ok && id != "" {
				entry.PatientID = id
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.StatusCode == http.StatusForbidden || entry.StatusCode == http.StatusUnauthorized {
				evt = logger.Warn()
			}
			evt.
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("tier", entry.Tier).
				Str("tenant_id", entry.TenantID).
				Str("calculator", entry.Calculator).
				Str("assessment_id", entry.AssessmentID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("calculator_access")

			return err
		}
	}
}

// auditAction names the operation from the matched route pattern.
func auditAction(method, route string) string {
	switch {
	case route == "/api/v1/calculators/batch":
		return "execute_batch"
	case strings.HasSuffix(route, "/execute"):
		return "execute"
	case strings.HasSuffix(route, "/validate"):
		return "validate"
	case route == "/api/v1/calculators/statistics":
		return "statistics"
	case strings.HasPrefix(route, "/api/v1/calculators"):
		return "catalog"
	case route == "/api/v1/assessments":
		return "search"
	case method == http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
