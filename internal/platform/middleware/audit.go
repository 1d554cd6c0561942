package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/shia/shia/internal/platform/auth"
)

// AuditEntry records one review mutation: who changed which patient's
// annotation or diagnosis, from which session, and with what outcome.
type AuditEntry struct {
	ReviewerID string
	Roles      []string
	SessionID  string
	PatientID  string
	SliceIndex string
	Target     string // annotation, diagnosis, session
	Action     string // save, clear, submit, revise, end
	Method     string
	Path       string
	IPAddress  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries in addition to the structured log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every state-changing request under /api/v1/. Reads are not
// audited. A diagnosis PUT is logged as a revision, which is the only
// record of earlier diagnoses since the store keeps a single slot.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditable(req.Method, req.URL.Path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       req.URL.Path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				StatusCode: status,
				PatientID:  c.Param("id"),
				SliceIndex: c.Param("index"),
			}
			ctx := req.Context()
			entry.ReviewerID = auth.ReviewerIDFromContext(ctx)
			entry.Roles = auth.RolesFromContext(ctx)
			entry.SessionID, _ = auth.SessionIDFromContext(ctx)
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.Target, entry.Action = classify(req.Method, req.URL.Path)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "review_audit").
				Str("request_id", entry.RequestID).
				Str("reviewer_id", entry.ReviewerID).
				Strs("roles", entry.Roles).
				Str("session_id", entry.SessionID).
				Str("patient_id", entry.PatientID).
				Str("slice_index", entry.SliceIndex).
				Str("target", entry.Target).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Int("status", entry.StatusCode).
				Msg("review_mutation")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(path, "/api/v1/")
}

// classify maps a mutating request to its audit target and action.
func classify(method, path string) (target, action string) {
	switch {
	case strings.HasSuffix(path, "/annotation"):
		target = "annotation"
		if method == http.MethodDelete {
			action = "clear"
		} else {
			action = "save"
		}
	case strings.HasSuffix(path, "/diagnosis"):
		target = "diagnosis"
		if method == http.MethodPut {
			action = "revise"
		} else {
			action = "submit"
		}
	case strings.HasSuffix(path, "/session"):
		target, action = "session", "end"
	default:
		target, action = "unknown", strings.ToLower(method)
	}
	return target, action
}
