package store

import (
	"github.com/google/uuid"

	"github.com/letsencrypt/icao-pkd/internal/pkderrors"
)

// recordSighting appends a DuplicateSighting row, idempotent only by the
// triple (certId, uploadId, sourceFileName) per spec.md §4.2: any other
// repeat (same cert, different upload or file) is retained as a distinct
// row, since each sighting is independent provenance.
func (s *Store) recordSighting(certID, uploadID string, sourceType SourceType, sourceCountry, sourceEntryDN, sourceFileName string) error {
	var count int
	err := s.db.SelectOne(&count,
		s.q(`SELECT COUNT(*) FROM certificate_duplicates
		 WHERE certificate_id = ? AND upload_id = ? AND source_file_name = ?`),
		certID, uploadID, sourceFileName)
	if err != nil {
		return pkderrors.StoreUnavailableError("store: checking existing sighting: %v", err)
	}
	if count > 0 {
		return nil
	}

	sighting := &DuplicateSighting{
		ID:             uuid.NewString(),
		CertificateID:  certID,
		UploadID:       uploadID,
		SourceType:     sourceType,
		SourceCountry:  sourceCountry,
		SourceEntryDN:  sourceEntryDN,
		SourceFileName: sourceFileName,
		DetectedAt:     s.clk.Now(),
	}
	if err := s.db.Insert(sighting); err != nil {
		return pkderrors.StoreUnavailableError("store: insert duplicate sighting: %v", err)
	}
	s.scope.Inc("duplicate_sighting.recorded", 1)
	return nil
}

// CountSightings is the duplicate ledger's countByCertificate (spec.md
// §4.2): the number of recorded sightings for a certificate, monotonic
// over time (spec.md §8 "Duplicate ledger monotonicity").
func (s *Store) CountSightings(certID string) (int, error) {
	var count int
	err := s.db.SelectOne(&count, s.q("SELECT COUNT(*) FROM certificate_duplicates WHERE certificate_id = ?"), certID)
	if err != nil {
		return 0, pkderrors.StoreUnavailableError("store: count sightings: %v", err)
	}
	return count, nil
}
