package store

import (
	"github.com/google/uuid"

	"github.com/letsencrypt/icao-pkd/internal/pkderrors"
)

// SaveAuditLogEntry inserts one audit row. Per spec.md §4.9 this write is
// best-effort from the caller's perspective (internal/audit swallows any
// error this returns); the store itself still reports failure honestly
// rather than silently dropping it, so the decision to tolerate the
// failure is made by the caller, not hidden here.
func (s *Store) SaveAuditLogEntry(entry *AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clk.Now()
	}
	if err := s.db.Insert(entry); err != nil {
		return pkderrors.StoreUnavailableError("store: insert audit log entry: %v", err)
	}
	return nil
}
