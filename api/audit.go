package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ivneld/Meteor-PKI/storage"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCACreated      AuditEvent = "ca_created"
	AuditCARevoked      AuditEvent = "ca_revoked"
	AuditCAActivated    AuditEvent = "ca_activated"
	AuditCertIssued     AuditEvent = "cert_issued"
	AuditCertRevoked    AuditEvent = "cert_revoked"
	AuditCRLGenerated   AuditEvent = "crl_generated"
	AuditCMPRequest     AuditEvent = "cmp_request"
	AuditCMPRejected    AuditEvent = "cmp_rejected"
	AuditCMPRateLimited AuditEvent = "cmp_rate_limited"
)

// auditLogger wraps slog.Logger for structured security audit logging and
// fans each event out to the optional metrics, webhook and store sinks.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
	store   storage.Repository
	now     func() time.Time
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	at := al.now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", at.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook == nil && al.store == nil {
		return
	}

	fields := make(map[string]string, len(attrs))
	for _, a := range attrs {
		fields[a.Key] = a.Value.String()
	}
	if al.webhook != nil {
		al.webhook.enqueue(webhookEvent{
			Event:      string(event),
			RemoteAddr: r.RemoteAddr,
			Timestamp:  at.Format(time.RFC3339),
			Attrs:      fields,
		})
	}
	if al.store != nil {
		entry := AuditEntry{Event: event, Remote: r.RemoteAddr, Attrs: fields, CreatedAt: at}
		// The request context may already be cancelled once the response
		// is written.
		if err := appendAuditEntry(context.WithoutCancel(r.Context()), al.store, entry); err != nil {
			al.logger.Warn("persisting audit entry failed",
				slog.String("event", string(event)),
				slog.String("error", err.Error()))
		}
	}
}

// logFailure logs a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
