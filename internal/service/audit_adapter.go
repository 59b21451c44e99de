package service

import (
	"context"
	"log/slog"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/audit"
)

// AuditAppender is the write side of auditfile.Store: append-only, batched,
// context-aware. Satisfied by *auditfile.Store.
type AuditAppender interface {
	Append(ctx context.Context, records ...audit.AuditRecord) error
}

// AuditRecorderAdapter adapts an AuditAppender to proxy.AuditRecorder's
// synchronous, context-free Record(rec) — the shape GovernanceInterceptor
// and GovernanceService were written against. Append errors are logged, not
// surfaced: a failed audit write must never block or fail the tool call it
// describes.
type AuditRecorderAdapter struct {
	Appender AuditAppender
	Logger   *slog.Logger
}

func (a *AuditRecorderAdapter) Record(rec audit.AuditRecord) {
	if err := a.Appender.Append(context.Background(), rec); err != nil && a.Logger != nil {
		a.Logger.Warn("audit append failed", "error", err)
	}
}
