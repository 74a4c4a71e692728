// Package reconcile implements the one-way DB->LDAP repair engine
// (spec.md §4.7). LDAP is never the source of truth: this package only
// ever reads LDAP to decide what is missing, then adds. Grounded
// line-for-line on original_source/services/pkd-relay-service/src/relay/
// sync/reconciliation_engine.cpp's per-type loop
// (findMissingInLdap -> ensureParentDnExists -> add -> markStoredInLdap),
// its dry-run short-circuit, and its summary/log bookkeeping.
package reconcile

import (
	"time"

	"github.com/jmhodges/clock"

	"github.com/letsencrypt/icao-pkd/internal/ldapgw"
	"github.com/letsencrypt/icao-pkd/internal/log"
	"github.com/letsencrypt/icao-pkd/internal/store"
)

// reconcilableTypes are the certificate types reconciled outbound to LDAP.
// DSC_NC is deliberately excluded: spec.md §4.7 "Deprecation rule" — ICAO
// no longer publishes it as a live dataset, so it is ingested and searched
// but never pushed to the directory.
var reconcilableTypes = []store.CertType{store.CertTypeCSCA, store.CertTypeDSC, store.CertTypeMLSC}

// CertStore is the subset of internal/store's surface this package needs.
type CertStore interface {
	PendingLDAPCertificates(certType store.CertType, limit int) ([]*store.Certificate, error)
	PendingLDAPCRLs(limit int) ([]*store.CRL, error)
	MarkStoredInLDAP(id string) error
	MarkCRLStoredInLDAP(id string) error
	SaveReconciliationSummary(summary *store.ReconciliationSummary) error
	UpdateReconciliationSummary(summary *store.ReconciliationSummary) error
	SaveReconciliationLog(entry *store.ReconciliationLog) error
}

// LDAPGateway is the subset of internal/ldapgw's surface this package
// needs.
type LDAPGateway interface {
	EnsureParentDNExists(certType, country string, conformant bool) error
	AddCertificate(entry ldapgw.CertificateEntry, conformant bool) (string, error)
	AddCRL(entry ldapgw.CRLEntry) (string, error)
	EntryDNFor(certType, country, fingerprint string, conformant bool) (string, error)
	// Exists runs a SCOPE_BASE search on dn, used to verify a certificate
	// candidate is genuinely absent from the directory (spec.md §4.7 step
	// 2) rather than trusting the DB's storedInLdap flag alone.
	Exists(dn string) (bool, error)
}

// Engine runs reconciliation passes.
type Engine struct {
	store        CertStore
	gateway      LDAPGateway
	clk          clock.Clock
	log          log.Logger
	maxBatchSize int
}

func New(certStore CertStore, gateway LDAPGateway, clk clock.Clock, logger log.Logger, maxBatchSize int) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if maxBatchSize <= 0 {
		maxBatchSize = 100
	}
	return &Engine{store: certStore, gateway: gateway, clk: clk, log: logger, maxBatchSize: maxBatchSize}
}

// Options controls one reconciliation run.
type Options struct {
	DryRun      bool
	TriggeredBy string // MANUAL, DAILY_SYNC
}

// Run implements spec.md §4.7 steps 2-5: for each reconcilable type, find
// DB rows not yet mirrored to LDAP, ensure their parent containers exist,
// add them, and flip storedInLdap on success. Returns the completed
// ReconciliationSummary.
func (e *Engine) Run(opts Options) (*store.ReconciliationSummary, error) {
	start := e.clk.Now()
	summary := &store.ReconciliationSummary{
		TriggeredBy: opts.TriggeredBy,
		DryRun:      opts.DryRun,
		Status:      store.ReconciliationInProgress,
		StartedAt:   start,
	}
	if err := e.store.SaveReconciliationSummary(summary); err != nil {
		e.log.Warning("reconcile: failed to persist summary start: " + err.Error())
	}

	for _, certType := range reconcilableTypes {
		added, failed := e.reconcileCertType(certType, opts, summary.ID)
		switch certType {
		case store.CertTypeCSCA:
			summary.CSCAAdded = added
		case store.CertTypeDSC:
			summary.DSCAdded = added
		case store.CertTypeMLSC:
			summary.MLSCAdded = added
		}
		summary.FailureCount += failed
	}

	crlAdded, crlFailed := e.reconcileCRLs(opts, summary.ID)
	summary.CRLAdded = crlAdded
	summary.FailureCount += crlFailed

	summary.CompletedAt = e.clk.Now()
	summary.DurationMs = summary.CompletedAt.Sub(start).Milliseconds()
	totalAdded := summary.CSCAAdded + summary.DSCAdded + summary.MLSCAdded + summary.CRLAdded
	switch {
	case summary.FailureCount == 0:
		summary.Status = store.ReconciliationCompleted
	case totalAdded == 0:
		summary.Status = store.ReconciliationFailed
	default:
		summary.Status = store.ReconciliationPartial
	}

	if err := e.store.UpdateReconciliationSummary(summary); err != nil {
		e.log.Warning("reconcile: failed to persist summary completion: " + err.Error())
	}
	return summary, nil
}

func (e *Engine) reconcileCertType(certType store.CertType, opts Options, summaryID string) (added, failed int) {
	candidates, err := e.store.PendingLDAPCertificates(certType, e.maxBatchSize)
	if err != nil {
		e.log.Warning("reconcile: failed to list pending " + string(certType) + ": " + err.Error())
		return 0, 0
	}

	conformant := certType != store.CertTypeDSCN
	for _, cert := range candidates {
		opStart := e.clk.Now()
		logEntry := &store.ReconciliationLog{
			SummaryID:   summaryID,
			Operation:   "ADD",
			CertType:    string(certType),
			Fingerprint: cert.FingerprintSHA256,
			CountryCode: cert.CountryCode,
		}

		dn, dnErr := e.gateway.EntryDNFor(string(certType), cert.CountryCode, cert.FingerprintSHA256, conformant)
		if dnErr != nil {
			e.recordFailure(logEntry, opStart, dnErr)
			failed++
			continue
		}
		logEntry.LDAPDN = dn

		// Candidate selection for certificates is verified, not just
		// DB-flag-driven: a SCOPE_BASE search on the computed DN confirms
		// NO_SUCH_OBJECT before this entry counts as genuinely missing
		// (spec.md §4.7 step 2). The CRL path stays DB-flag-only, which
		// the spec does not require to change.
		exists, existsErr := e.gateway.Exists(dn)
		if existsErr != nil {
			e.recordFailure(logEntry, opStart, existsErr)
			failed++
			continue
		}
		if exists {
			if !opts.DryRun {
				if markErr := e.store.MarkStoredInLDAP(cert.ID); markErr != nil {
					e.log.Warning("reconcile: " + dn + " already in ldap but failed to flip storedInLdap: " + markErr.Error())
				}
			}
			continue
		}

		if opts.DryRun {
			e.recordSuccess(logEntry, opStart)
			added++
			continue
		}

		if err := e.gateway.EnsureParentDNExists(string(certType), cert.CountryCode, conformant); err != nil {
			e.recordFailure(logEntry, opStart, err)
			failed++
			continue
		}

		if _, err := e.gateway.AddCertificate(ldapgw.CertificateEntry{
			CertType:    string(certType),
			CountryCode: cert.CountryCode,
			Fingerprint: cert.FingerprintSHA256,
			SubjectDN:   cert.SubjectDN,
			CertID:      cert.ID,
			DER:         cert.DER,
		}, conformant); err != nil {
			e.recordFailure(logEntry, opStart, err)
			failed++
			continue
		}

		if err := e.store.MarkStoredInLDAP(cert.ID); err != nil {
			e.log.Warning("reconcile: added " + dn + " but failed to flip storedInLdap: " + err.Error())
		}
		e.recordSuccess(logEntry, opStart)
		added++
	}
	return added, failed
}

func (e *Engine) reconcileCRLs(opts Options, summaryID string) (added, failed int) {
	candidates, err := e.store.PendingLDAPCRLs(e.maxBatchSize)
	if err != nil {
		e.log.Warning("reconcile: failed to list pending crls: " + err.Error())
		return 0, 0
	}

	for _, crl := range candidates {
		opStart := e.clk.Now()
		logEntry := &store.ReconciliationLog{
			SummaryID:   summaryID,
			Operation:   "ADD",
			CertType:    "CRL",
			Fingerprint: crl.FingerprintSHA256,
			CountryCode: crl.CountryCode,
		}

		// CRLs have no dc=nc-data analogue (spec.md §4.3 "Add CRL entry").
		dn, dnErr := e.gateway.EntryDNFor("CRL", crl.CountryCode, crl.FingerprintSHA256, true)
		if dnErr != nil {
			e.recordFailure(logEntry, opStart, dnErr)
			failed++
			continue
		}
		logEntry.LDAPDN = dn

		if opts.DryRun {
			e.recordSuccess(logEntry, opStart)
			added++
			continue
		}

		if _, err := e.gateway.AddCRL(ldapgw.CRLEntry{
			CountryCode: crl.CountryCode,
			Fingerprint: crl.FingerprintSHA256,
			DER:         crl.DER,
		}); err != nil {
			e.recordFailure(logEntry, opStart, err)
			failed++
			continue
		}

		if err := e.store.MarkCRLStoredInLDAP(crl.ID); err != nil {
			e.log.Warning("reconcile: added " + dn + " but failed to flip crl storedInLdap: " + err.Error())
		}
		e.recordSuccess(logEntry, opStart)
		added++
	}
	return added, failed
}

func (e *Engine) recordSuccess(entry *store.ReconciliationLog, opStart time.Time) {
	entry.Outcome = "SUCCESS"
	entry.DurationMs = e.clk.Now().Sub(opStart).Milliseconds()
	if err := e.store.SaveReconciliationLog(entry); err != nil {
		e.log.Warning("reconcile: failed to persist log entry: " + err.Error())
	}
}

func (e *Engine) recordFailure(entry *store.ReconciliationLog, opStart time.Time, opErr error) {
	entry.Outcome = "FAILED"
	entry.ErrorText = opErr.Error()
	entry.DurationMs = e.clk.Now().Sub(opStart).Milliseconds()
	if err := e.store.SaveReconciliationLog(entry); err != nil {
		e.log.Warning("reconcile: failed to persist log entry: " + err.Error())
	}
}
