package store

import (
	"github.com/google/uuid"

	"github.com/letsencrypt/icao-pkd/internal/pkderrors"
)

// SavePaVerification persists one PA engine run and its per-data-group
// results as a single logical write (spec.md §4.6 step 7). verification.ID
// is assigned here if empty.
func (s *Store) SavePaVerification(verification *PaVerification, dgResults []*DataGroupResult) error {
	if verification.ID == "" {
		verification.ID = uuid.NewString()
	}
	if verification.CreatedAt.IsZero() {
		verification.CreatedAt = s.clk.Now()
	}
	if err := s.db.Insert(verification); err != nil {
		return pkderrors.StoreUnavailableError("store: insert pa verification: %v", err)
	}
	for _, dg := range dgResults {
		if dg.ID == "" {
			dg.ID = uuid.NewString()
		}
		dg.VerificationID = verification.ID
		if err := s.db.Insert(dg); err != nil {
			return pkderrors.StoreUnavailableError("store: insert data group result: %v", err)
		}
	}
	s.scope.Inc("pa_verification.saved", 1)
	return nil
}

// GetPaVerification returns one persisted PA run by id, or
// pkderrors.CertNotFound (the closest existing kind for "no such row").
func (s *Store) GetPaVerification(id string) (*PaVerification, []*DataGroupResult, error) {
	var v PaVerification
	if err := s.db.SelectOne(&v, s.q("SELECT * FROM pa_verification WHERE id = ?"), id); err != nil {
		if isNoRows(err) {
			return nil, nil, pkderrors.CertNotFoundError("no pa verification with id %s", id)
		}
		return nil, nil, pkderrors.StoreUnavailableError("store: select pa verification: %v", err)
	}
	var dgs []*DataGroupResult
	if _, err := s.db.Select(&dgs, s.q("SELECT * FROM data_group_result WHERE verification_id = ? ORDER BY dg_number"), id); err != nil {
		return nil, nil, pkderrors.StoreUnavailableError("store: select data group results: %v", err)
	}
	return &v, dgs, nil
}
