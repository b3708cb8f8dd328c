// audit.go - Structured audit trail for lifecycle events.
package server

import (
	"context"

	"github.com/google/uuid"
)

// AuditLog emits one structured record per lifecycle event. Each record
// carries its own UUID plus the request ID when one is in flight, so a
// log aggregator can join audit lines with request lines.
type AuditLog struct {
	logger *Logger
}

// NewAuditLog builds an AuditLog writing through the given logger.
func NewAuditLog(l *Logger) *AuditLog {
	return &AuditLog{logger: l}
}

// Record logs one audit event. hash may be empty for events that do not
// concern a single file.
func (a *AuditLog) Record(ctx context.Context, event, hash string, fields map[string]any) {
	props := map[string]any{
		"audit_id": uuid.NewString(),
		"event":    event,
	}
	if hash != "" {
		props["hash"] = hash
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		props["request_id"] = rid
	}
	for k, v := range fields {
		props[k] = v
	}
	a.logger.Info("audit", props)
}
