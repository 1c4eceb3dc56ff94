package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditHandshakeStarted   AuditEvent = "handshake_started"
	AuditHandshakeBypassed  AuditEvent = "handshake_bypassed"
	AuditHandshakeVerified  AuditEvent = "handshake_verified"
	AuditHandshakeCompleted AuditEvent = "handshake_completed"
	AuditHandshakeFailed    AuditEvent = "handshake_failed"
	AuditWebhookProcessed   AuditEvent = "webhook_processed"
	AuditWebhookDuplicate   AuditEvent = "webhook_duplicate"
	AuditWebhookRejected    AuditEvent = "webhook_rejected"
	AuditAvatarUploaded     AuditEvent = "avatar_uploaded"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Card ids are already public
// identifiers printed on the card; static keys and derived keys never
// appear here.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("event_id", uuid.NewString()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logFailure logs a rejected request with its reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
