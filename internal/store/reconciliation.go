package store

import (
	"github.com/google/uuid"

	"github.com/letsencrypt/icao-pkd/internal/pkderrors"
)

// SaveReconciliationSummary inserts a new reconciliation run row, typically
// written IN_PROGRESS at the start of a run (spec.md §4.7 step 4).
// summary.ID is assigned here if empty.
func (s *Store) SaveReconciliationSummary(summary *ReconciliationSummary) error {
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if summary.StartedAt.IsZero() {
		summary.StartedAt = s.clk.Now()
	}
	if err := s.db.Insert(summary); err != nil {
		return pkderrors.StoreUnavailableError("store: insert reconciliation summary: %v", err)
	}
	s.scope.Inc("reconciliation_summary.started", 1)
	return nil
}

// UpdateReconciliationSummary overwrites a run's final counters, status and
// duration (spec.md §4.7 step 4). The row must already exist.
func (s *Store) UpdateReconciliationSummary(summary *ReconciliationSummary) error {
	_, err := s.db.Exec(
		s.q(`UPDATE reconciliation_summary SET status = ?, csca_added = ?, dsc_added = ?,
		 crl_added = ?, mlsc_added = ?, failure_count = ?, completed_at = ?, duration_ms = ?
		 WHERE id = ?`),
		string(summary.Status), summary.CSCAAdded, summary.DSCAdded, summary.CRLAdded,
		summary.MLSCAdded, summary.FailureCount, summary.CompletedAt, summary.DurationMs,
		summary.ID)
	if err != nil {
		return pkderrors.StoreUnavailableError("store: update reconciliation summary: %v", err)
	}
	s.scope.Inc("reconciliation_summary.completed", 1)
	return nil
}

// SaveReconciliationLog inserts one attempt row (spec.md §4.7 step 4: every
// attempt emits one ReconciliationLog row). entry.ID is assigned here if
// empty.
func (s *Store) SaveReconciliationLog(entry *ReconciliationLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clk.Now()
	}
	if err := s.db.Insert(entry); err != nil {
		return pkderrors.StoreUnavailableError("store: insert reconciliation log: %v", err)
	}
	return nil
}

// SaveSyncStatus persists a completed sync-check (spec.md §4.8). id is
// assigned here if empty.
func (s *Store) SaveSyncStatus(status *SyncStatus) error {
	if status.ID == "" {
		status.ID = uuid.NewString()
	}
	if status.CheckedAt.IsZero() {
		status.CheckedAt = s.clk.Now()
	}
	if err := s.db.Insert(status); err != nil {
		return pkderrors.StoreUnavailableError("store: insert sync status: %v", err)
	}
	s.scope.Inc("sync_status.saved", 1)
	return nil
}

// LatestSyncStatus returns the most recently persisted sync-check (spec.md
// §3.1 I7), for operator tooling that wants to know the directory's last
// known sync state without waiting on the next scheduled run. Returns
// (nil, nil) if no sync-check has ever run.
func (s *Store) LatestSyncStatus() (*SyncStatus, error) {
	var status SyncStatus
	err := s.db.SelectOne(&status, s.q("SELECT * FROM sync_status ORDER BY checked_at DESC LIMIT 1"))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, pkderrors.StoreUnavailableError("store: select latest sync status: %v", err)
	}
	return &status, nil
}
