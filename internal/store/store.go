package store

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"

	"github.com/letsencrypt/icao-pkd/internal/dbx"
	"github.com/letsencrypt/icao-pkd/internal/dialect"
	"github.com/letsencrypt/icao-pkd/internal/dn"
	"github.com/letsencrypt/icao-pkd/internal/log"
	"github.com/letsencrypt/icao-pkd/internal/metrics"
	"github.com/letsencrypt/icao-pkd/internal/pkderrors"
)

// Store is the certificate/CRL persistence and deduplication layer
// (spec.md §4.1, §4.2). All reads are parameterized; no caller is
// permitted to build SQL by string concatenation of user-controlled
// values (spec.md §4.1). It depends only on dbx.Executor (satisfied by
// *gorp.DbMap, by a *gorp.Transaction, or by a test fake), per
// SPEC_FULL.md §9 "Polymorphism of providers" — that principle applies
// equally to storage, not just the LDAP capability set.
type Store struct {
	db    dbx.Executor
	d     dialect.Dialect
	clk   clock.Clock
	log   log.Logger
	scope metrics.Scope
}

// New constructs a Store around an already-connected database handle. d
// selects the bindvar style every hand-written statement below is
// rebound to (spec.md §6, SPEC_FULL.md §9 backend portability); a nil d
// defaults to MySQL's "?" placeholders, matching gorp's own default and
// this package's existing tests.
func New(db dbx.Executor, d dialect.Dialect, clk clock.Clock, logger log.Logger, scope metrics.Scope) *Store {
	if scope == nil {
		scope = metrics.NewNoopScope()
	}
	if d == nil {
		d, _ = dialect.For(dialect.MySQL)
	}
	return &Store{db: db, d: d, clk: clk, log: logger, scope: scope.NewScope("store")}
}

// q rebinds a "?"-placeholder query string to s.d's native bindvar
// style before it reaches dbx.Executor.
func (s *Store) q(query string) string {
	return dialect.Rebind(s.d, query)
}

// Put is the upsert described by spec.md §4.1: if the certificate's
// fingerprint is new within its type, insert it; otherwise record a
// duplicate sighting and return the id of the existing row. uploadID,
// sourceCountry, sourceEntryDN and sourceFileName are provenance fields
// for the DuplicateSighting (spec.md §3.1, §4.2); uploadID may be empty
// for PA_EXTRACTED certificates (§3.2), in which case no sighting is ever
// recorded for this insert (there is nothing to be a duplicate of yet).
func (s *Store) Put(cert *Certificate, uploadID, sourceCountry, sourceEntryDN, sourceFileName string) (id string, duplicate bool, err error) {
	existing, err := s.GetByFingerprint(cert.Type, cert.FingerprintSHA256)
	if err != nil && !pkderrors.Is(err, pkderrors.CertNotFound) {
		return "", false, err
	}
	if existing != nil {
		if uploadID != "" {
			if sightingErr := s.recordSighting(existing.ID, uploadID, cert.SourceType, sourceCountry, sourceEntryDN, sourceFileName); sightingErr != nil {
				s.log.Warning(fmt.Sprintf("store: failed to record duplicate sighting for %s: %v", existing.ID, sightingErr))
			}
		}
		s.scope.Inc("put.duplicate", 1)
		return existing.ID, true, nil
	}

	cert.ID = uuid.NewString()
	cert.FirstUploadID = uploadID
	cert.CreatedAt = s.clk.Now()

	if insertErr := s.db.Insert(cert); insertErr != nil {
		if isUniqueViolation(insertErr) {
			// A concurrent insert won the race; collapse to a duplicate
			// sighting instead of surfacing an error (spec.md §4.1
			// "Failure semantics").
			winner, getErr := s.GetByFingerprint(cert.Type, cert.FingerprintSHA256)
			if getErr != nil {
				return "", false, pkderrors.StoreUnavailableError("store: lost insert race and could not re-read %s/%s: %v", cert.Type, cert.FingerprintSHA256, getErr)
			}
			if uploadID != "" {
				_ = s.recordSighting(winner.ID, uploadID, cert.SourceType, sourceCountry, sourceEntryDN, sourceFileName)
			}
			return winner.ID, true, nil
		}
		return "", false, pkderrors.StoreUnavailableError("store: insert certificate: %v", insertErr)
	}
	s.scope.Inc("put.inserted", 1)
	return cert.ID, false, nil
}

// GetByFingerprint returns the certificate matching (type, fingerprint),
// or a pkderrors.CertNotFound error.
func (s *Store) GetByFingerprint(certType CertType, fingerprint string) (*Certificate, error) {
	var c Certificate
	err := s.db.SelectOne(&c,
		s.q("SELECT * FROM certificate WHERE certificate_type = ? AND fingerprint_sha256 = ?"),
		string(certType), strings.ToLower(fingerprint))
	if err != nil {
		if isNoRows(err) {
			return nil, pkderrors.CertNotFoundError("no %s certificate with fingerprint %s", certType, fingerprint)
		}
		return nil, pkderrors.StoreUnavailableError("store: select by fingerprint: %v", err)
	}
	return &c, nil
}

// FindByCountry returns every certificate of certType whose countryCode
// matches country.
func (s *Store) FindByCountry(certType CertType, country string) ([]*Certificate, error) {
	var rows []*Certificate
	_, err := s.db.Select(&rows,
		s.q("SELECT * FROM certificate WHERE certificate_type = ? AND country_code = ? ORDER BY created_at"),
		string(certType), strings.ToUpper(country))
	if err != nil {
		return nil, pkderrors.StoreUnavailableError("store: find by country: %v", err)
	}
	return rows, nil
}

// FindByIssuer returns every certificate of certType whose issuer DN is
// format-independently equal to issuerDN, per spec.md §4.1 "DN handling".
// If country is non-empty the DB query is narrowed to that country first
// (an index hit); the DN comparison itself always happens in Go via the
// internal/dn normalizer, never as a raw string predicate in SQL.
func (s *Store) FindByIssuer(certType CertType, issuerDN, country string) ([]*Certificate, error) {
	var candidates []*Certificate
	var err error
	if country != "" {
		candidates, err = s.FindByCountry(certType, country)
	} else {
		var rows []*Certificate
		_, selErr := s.db.Select(&rows, s.q("SELECT * FROM certificate WHERE certificate_type = ?"), string(certType))
		candidates, err = rows, selErr
	}
	if err != nil {
		return nil, err
	}

	wanted := dn.Normalize(issuerDN)
	var matches []*Certificate
	for _, c := range candidates {
		if dn.Normalize(c.IssuerDN) == wanted {
			matches = append(matches, c)
		}
	}
	return matches, nil
}

// MarkStoredInLDAP flips the stored_in_ldap flag for a certificate row,
// used by the reconciliation engine on a successful LDAP add (spec.md
// §4.7).
func (s *Store) MarkStoredInLDAP(id string) error {
	_, err := s.db.Exec(s.q("UPDATE certificate SET stored_in_ldap = ? WHERE id = ?"), true, id)
	if err != nil {
		return pkderrors.StoreUnavailableError("store: mark stored in ldap: %v", err)
	}
	return nil
}

// WriteValidationResult persists the per-certificate verdict from the
// chain validator (spec.md §4.1 "Validation-status materialization").
func (s *Store) WriteValidationResult(vr ValidationResult) error {
	vr.RevalidatedAt = s.clk.Now()
	_, err := s.db.Exec(
		s.q(`UPDATE validation_result SET trust_chain_valid = ?, csca_found = ?,
		 validity_period_valid = ?, revocation_status = ?, revalidated_at = ?
		 WHERE certificate_id = ?`),
		vr.TrustChainValid, vr.CSCAFound, vr.ValidityPeriodValid, string(vr.RevocationStatus),
		vr.RevalidatedAt, vr.CertificateID)
	if err != nil {
		return pkderrors.StoreUnavailableError("store: write validation result: %v", err)
	}
	return nil
}

// PutCRL upserts a CRL row, enforcing I4: (countryCode, fingerprint)
// uniqueness and thisUpdate <= nextUpdate.
func (s *Store) PutCRL(c *CRL) (id string, duplicate bool, err error) {
	if c.ThisUpdate.After(c.NextUpdate) {
		return "", false, pkderrors.InvalidInputError("crl thisUpdate %s is after nextUpdate %s", c.ThisUpdate, c.NextUpdate)
	}
	existing, err := s.getCRLByFingerprint(c.CountryCode, c.FingerprintSHA256)
	if err != nil && !pkderrors.Is(err, pkderrors.CRLNotFound) {
		return "", false, err
	}
	if existing != nil {
		return existing.ID, true, nil
	}
	c.ID = uuid.NewString()
	if insertErr := s.db.Insert(c); insertErr != nil {
		if isUniqueViolation(insertErr) {
			winner, getErr := s.getCRLByFingerprint(c.CountryCode, c.FingerprintSHA256)
			if getErr == nil {
				return winner.ID, true, nil
			}
		}
		return "", false, pkderrors.StoreUnavailableError("store: insert crl: %v", insertErr)
	}
	return c.ID, false, nil
}

func (s *Store) getCRLByFingerprint(country, fingerprint string) (*CRL, error) {
	var c CRL
	err := s.db.SelectOne(&c, s.q("SELECT * FROM crl WHERE country_code = ? AND fingerprint_sha256 = ?"),
		strings.ToUpper(country), strings.ToLower(fingerprint))
	if err != nil {
		if isNoRows(err) {
			return nil, pkderrors.CRLNotFoundError("no crl for %s/%s", country, fingerprint)
		}
		return nil, pkderrors.StoreUnavailableError("store: select crl: %v", err)
	}
	return &c, nil
}

// GetCRLByCountry returns the most recently issued CRL on file for
// country, or pkderrors.CRLNotFound.
func (s *Store) GetCRLByCountry(country string) (*CRL, error) {
	var c CRL
	err := s.db.SelectOne(&c,
		s.q("SELECT * FROM crl WHERE country_code = ? ORDER BY this_update DESC LIMIT 1"),
		strings.ToUpper(country))
	if err != nil {
		if isNoRows(err) {
			return nil, pkderrors.CRLNotFoundError("no crl on file for %s", country)
		}
		return nil, pkderrors.StoreUnavailableError("store: select crl by country: %v", err)
	}
	return &c, nil
}

// MarkCRLStoredInLDAP flips the stored_in_ldap flag for a CRL row.
func (s *Store) MarkCRLStoredInLDAP(id string) error {
	_, err := s.db.Exec(s.q("UPDATE crl SET stored_in_ldap = ? WHERE id = ?"), true, id)
	if err != nil {
		return pkderrors.StoreUnavailableError("store: mark crl stored in ldap: %v", err)
	}
	return nil
}

// CountsByType computes the DB-side half of the reconciliation engine's
// discrepancy calculation (spec.md §4.7 step 1).
func (s *Store) CountsByType() (map[CertType]int, error) {
	type row struct {
		CertificateType string `db:"certificate_type"`
		N               int    `db:"n"`
	}
	var rows []row
	_, err := s.db.Select(&rows, s.q("SELECT certificate_type, COUNT(*) AS n FROM certificate GROUP BY certificate_type"))
	if err != nil {
		return nil, pkderrors.StoreUnavailableError("store: counts by type: %v", err)
	}
	out := make(map[CertType]int, len(rows))
	for _, r := range rows {
		out[CertType(r.CertificateType)] = r.N
	}
	return out, nil
}

// CRLCount is the DB-side CRL count for the scheduler's sync-check
// (spec.md §4.8), held separately since CRLs live in their own table.
func (s *Store) CRLCount() (int, error) {
	n, err := s.db.SelectInt(s.q("SELECT COUNT(*) FROM crl"))
	if err != nil {
		return 0, pkderrors.StoreUnavailableError("store: crl count: %v", err)
	}
	return int(n), nil
}

// PendingLDAPCertificates returns up to limit certificates of certType
// with storedInLdap = false, the DB-side candidate set for reconciliation
// (spec.md §4.7 step 2).
func (s *Store) PendingLDAPCertificates(certType CertType, limit int) ([]*Certificate, error) {
	var rows []*Certificate
	_, err := s.db.Select(&rows,
		s.q("SELECT * FROM certificate WHERE certificate_type = ? AND stored_in_ldap = ? ORDER BY created_at LIMIT ?"),
		string(certType), false, limit)
	if err != nil {
		return nil, pkderrors.StoreUnavailableError("store: pending ldap certificates: %v", err)
	}
	return rows, nil
}

// PendingLDAPCRLs returns up to limit CRLs with storedInLdap = false.
func (s *Store) PendingLDAPCRLs(limit int) ([]*CRL, error) {
	var rows []*CRL
	_, err := s.db.Select(&rows,
		s.q("SELECT * FROM crl WHERE stored_in_ldap = ? ORDER BY this_update LIMIT ?"), false, limit)
	if err != nil {
		return nil, pkderrors.StoreUnavailableError("store: pending ldap crls: %v", err)
	}
	return rows, nil
}

// AllCertificates returns every stored certificate, used by the
// scheduler's revalidation pass (spec.md §4.8, Open Question (c)).
func (s *Store) AllCertificates() ([]*Certificate, error) {
	var rows []*Certificate
	_, err := s.db.Select(&rows, s.q("SELECT * FROM certificate ORDER BY created_at"))
	if err != nil {
		return nil, pkderrors.StoreUnavailableError("store: all certificates: %v", err)
	}
	return rows, nil
}

func isNoRows(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no rows")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}
