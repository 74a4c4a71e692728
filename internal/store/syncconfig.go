package store

import (
	"github.com/google/uuid"

	"github.com/letsencrypt/icao-pkd/internal/pkderrors"
)

// syncConfigID is the fixed primary key of the singleton sync_config row.
const syncConfigID = "default"

// GetSyncConfig returns the persisted scheduler configuration (spec.md
// §4.8 "Config reload"), or (nil, nil) if none has ever been saved.
func (s *Store) GetSyncConfig() (*SyncConfig, error) {
	var cfg SyncConfig
	err := s.db.SelectOne(&cfg, s.q("SELECT * FROM sync_config WHERE id = ?"), syncConfigID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, pkderrors.StoreUnavailableError("store: select sync config: %v", err)
	}
	return &cfg, nil
}

// SaveSyncConfig upserts the singleton scheduler configuration row: insert
// on first call, update on every subsequent call. cfg.ID is overwritten
// with the fixed singleton key.
func (s *Store) SaveSyncConfig(cfg *SyncConfig) error {
	cfg.ID = syncConfigID
	cfg.UpdatedAt = s.clk.Now()

	existing, err := s.GetSyncConfig()
	if err != nil {
		return err
	}
	if existing == nil {
		if err := s.db.Insert(cfg); err != nil {
			return pkderrors.StoreUnavailableError("store: insert sync config: %v", err)
		}
		s.scope.Inc("sync_config.saved", 1)
		return nil
	}

	_, err = s.db.Exec(s.q(`UPDATE sync_config SET daily_time_hhmm = ?, revalidate_certs_on_sync = ?,
		auto_reconcile = ?, max_reconcile_batch_size = ?, updated_at = ? WHERE id = ?`),
		cfg.DailyTimeHHMM, cfg.RevalidateCertsOnSync, cfg.AutoReconcile, cfg.MaxReconcileBatchSize,
		cfg.UpdatedAt, cfg.ID)
	if err != nil {
		return pkderrors.StoreUnavailableError("store: update sync config: %v", err)
	}
	s.scope.Inc("sync_config.saved", 1)
	return nil
}

// SaveRevalidationHistory inserts one certificate's outcome within a
// revalidation pass (spec.md §4.8 (b)). entry.ID is assigned here if
// empty.
func (s *Store) SaveRevalidationHistory(entry *RevalidationHistory) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.RevalidatedAt.IsZero() {
		entry.RevalidatedAt = s.clk.Now()
	}
	if err := s.db.Insert(entry); err != nil {
		return pkderrors.StoreUnavailableError("store: insert revalidation history: %v", err)
	}
	s.scope.Inc("revalidation_history.saved", 1)
	return nil
}
