package scheduler

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"github.com/letsencrypt/icao-pkd/internal/chain"
	"github.com/letsencrypt/icao-pkd/internal/ldapgw"
	"github.com/letsencrypt/icao-pkd/internal/log"
	"github.com/letsencrypt/icao-pkd/internal/reconcile"
	"github.com/letsencrypt/icao-pkd/internal/store"
)

// mustSelfSignedCert builds a throwaway self-signed certificate whose DER
// encoding is enough to exercise the revalidation pass's x509.ParseCertificate
// call; it is never checked against a real CSCA.
func mustSelfSignedCert(t *testing.T, country string) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Test DSC", Country: []string{country}},
		NotBefore:    time.Now().Add(-24 * time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return key, der
}

type fakeStore struct {
	dbCounts     map[store.CertType]int
	crlCount     int
	certs        []*store.Certificate
	savedStatus  []*store.SyncStatus
	writtenVRs   []store.ValidationResult
	countsErr    error
	syncConfig   *store.SyncConfig
	history      []*store.RevalidationHistory
}

func (f *fakeStore) CountsByType() (map[store.CertType]int, error) {
	if f.countsErr != nil {
		return nil, f.countsErr
	}
	return f.dbCounts, nil
}

func (f *fakeStore) CRLCount() (int, error) { return f.crlCount, nil }

func (f *fakeStore) AllCertificates() ([]*store.Certificate, error) { return f.certs, nil }

func (f *fakeStore) WriteValidationResult(vr store.ValidationResult) error {
	f.writtenVRs = append(f.writtenVRs, vr)
	return nil
}

func (f *fakeStore) SaveSyncStatus(status *store.SyncStatus) error {
	f.savedStatus = append(f.savedStatus, status)
	return nil
}

func (f *fakeStore) GetSyncConfig() (*store.SyncConfig, error) { return f.syncConfig, nil }

func (f *fakeStore) SaveRevalidationHistory(entry *store.RevalidationHistory) error {
	f.history = append(f.history, entry)
	return nil
}

type fakeLDAP struct {
	counts map[ldapgw.Kind]int
}

func (f *fakeLDAP) CountsByKind() (map[ldapgw.Kind]int, error) { return f.counts, nil }

type fakeValidator struct {
	result *chain.Result
}

func (f *fakeValidator) Validate(dsc *x509.Certificate, countryCode string, signingTime *time.Time) (*chain.Result, error) {
	return f.result, nil
}

type fakeReconciler struct {
	ran   bool
	opts  reconcile.Options
	err   error
}

func (f *fakeReconciler) Run(opts reconcile.Options) (*store.ReconciliationSummary, error) {
	f.ran = true
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &store.ReconciliationSummary{Status: store.ReconciliationCompleted}, nil
}

func TestRunSyncCheckReportsSyncedWhenCountsMatch(t *testing.T) {
	st := &fakeStore{
		dbCounts: map[store.CertType]int{store.CertTypeCSCA: 5, store.CertTypeDSC: 3},
		crlCount: 2,
	}
	ld := &fakeLDAP{counts: map[ldapgw.Kind]int{ldapgw.KindCSCA: 5, ldapgw.KindDSC: 3, ldapgw.KindCRL: 2}}
	s := New(st, ld, &fakeValidator{}, &fakeReconciler{}, Config{DailyTimeHHMM: "03:00"}, clock.NewFake(), log.Get())

	status := s.runSyncCheck()
	if status.Status != store.SyncSynced {
		t.Fatalf("expected SYNCED, got %s", status.Status)
	}
	if status.TotalDiscrepancy != 0 {
		t.Fatalf("expected zero discrepancy, got %d", status.TotalDiscrepancy)
	}
	if len(st.savedStatus) != 1 {
		t.Fatalf("expected one persisted sync status, got %d", len(st.savedStatus))
	}
}

func TestRunSyncCheckReportsDiscrepancyOnMismatch(t *testing.T) {
	st := &fakeStore{
		dbCounts: map[store.CertType]int{store.CertTypeCSCA: 5},
		crlCount: 0,
	}
	ld := &fakeLDAP{counts: map[ldapgw.Kind]int{ldapgw.KindCSCA: 3}}
	s := New(st, ld, &fakeValidator{}, &fakeReconciler{}, Config{DailyTimeHHMM: "03:00"}, clock.NewFake(), log.Get())

	status := s.runSyncCheck()
	if status.Status != store.SyncDiscrepancy {
		t.Fatalf("expected DISCREPANCY, got %s", status.Status)
	}
	if status.TotalDiscrepancy != 2 {
		t.Fatalf("expected discrepancy of 2, got %d", status.TotalDiscrepancy)
	}
}

func TestRunDailyTaskTriggersAutoReconcileOnlyWhenDiscrepancyAndEnabled(t *testing.T) {
	st := &fakeStore{
		dbCounts: map[store.CertType]int{store.CertTypeCSCA: 5},
		crlCount: 0,
	}
	ld := &fakeLDAP{counts: map[ldapgw.Kind]int{ldapgw.KindCSCA: 1}}
	rec := &fakeReconciler{}
	s := New(st, ld, &fakeValidator{}, rec, Config{DailyTimeHHMM: "03:00", AutoReconcile: true}, clock.NewFake(), log.Get())

	s.runDailyTask()

	if !rec.ran {
		t.Fatalf("expected auto-reconcile to run when discrepancy detected")
	}
	if rec.opts.TriggeredBy != "DAILY_SYNC" {
		t.Fatalf("expected triggeredBy DAILY_SYNC, got %s", rec.opts.TriggeredBy)
	}
}

func TestRunDailyTaskSkipsAutoReconcileWhenSynced(t *testing.T) {
	st := &fakeStore{
		dbCounts: map[store.CertType]int{store.CertTypeCSCA: 5},
		crlCount: 0,
	}
	ld := &fakeLDAP{counts: map[ldapgw.Kind]int{ldapgw.KindCSCA: 5}}
	rec := &fakeReconciler{}
	s := New(st, ld, &fakeValidator{}, rec, Config{DailyTimeHHMM: "03:00", AutoReconcile: true}, clock.NewFake(), log.Get())

	s.runDailyTask()

	if rec.ran {
		t.Fatalf("expected auto-reconcile to be skipped when synced")
	}
}

func TestRunRevalidationWritesResultsForEachCertificate(t *testing.T) {
	_, dscDER := mustSelfSignedCert(t, "KR")
	st := &fakeStore{
		certs: []*store.Certificate{
			{ID: "dsc-1", Type: store.CertTypeDSC, CountryCode: "KR", DER: dscDER},
		},
	}
	validResult := &chain.Result{ChainValid: true, CSCAFound: true, ExpirationStatus: chain.ExpirationValid, CRL: chain.CRLStatus{State: "VALID"}}
	s := New(st, &fakeLDAP{}, &fakeValidator{result: validResult}, &fakeReconciler{}, Config{DailyTimeHHMM: "03:00"}, clock.NewFake(), log.Get())

	s.runRevalidation()

	if len(st.writtenVRs) != 1 {
		t.Fatalf("expected 1 validation result written, got %d", len(st.writtenVRs))
	}
	if !st.writtenVRs[0].TrustChainValid {
		t.Fatalf("expected TrustChainValid true")
	}
}

func TestTriggerIsNonBlockingWhenAlreadyPending(t *testing.T) {
	s := New(&fakeStore{}, &fakeLDAP{}, &fakeValidator{}, &fakeReconciler{}, Config{DailyTimeHHMM: "03:00"}, clock.NewFake(), log.Get())
	s.Trigger()
	s.Trigger() // must not block even though the slot is full
	if len(s.force) != 1 {
		t.Fatalf("expected exactly one pending trigger, got %d", len(s.force))
	}
}

func TestNextOccurrenceOfRollsToTomorrowWhenTimeHasPassed(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	next := nextOccurrenceOf(now, "03:00")
	if next.Day() != 1 || next.Month() != time.August {
		t.Fatalf("expected rollover to Aug 1, got %v", next)
	}
}

func TestNextOccurrenceOfSameDayWhenTimeHasNotPassed(t *testing.T) {
	now := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)
	next := nextOccurrenceOf(now, "03:00")
	if next.Day() != 31 || next.Hour() != 3 {
		t.Fatalf("expected same-day 03:00, got %v", next)
	}
}

func TestNextOccurrenceOfFallsBackOnUnparsableTime(t *testing.T) {
	now := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)
	next := nextOccurrenceOf(now, "garbage")
	if !next.After(now.Add(23 * time.Hour)) {
		t.Fatalf("expected ~24h fallback, got %v", next)
	}
}

func TestRunRevalidationRecordsHistoryForEachCertificate(t *testing.T) {
	_, dscDER := mustSelfSignedCert(t, "KR")
	st := &fakeStore{
		certs: []*store.Certificate{
			{ID: "dsc-1", Type: store.CertTypeDSC, CountryCode: "KR", DER: dscDER, ValidationStatus: store.ValidationUnknown},
		},
	}
	validResult := &chain.Result{ChainValid: true, CSCAFound: true, ExpirationStatus: chain.ExpirationValid, CRL: chain.CRLStatus{State: "VALID"}}
	s := New(st, &fakeLDAP{}, &fakeValidator{result: validResult}, &fakeReconciler{}, Config{DailyTimeHHMM: "03:00"}, clock.NewFake(), log.Get())

	s.runRevalidation()

	if len(st.history) != 1 {
		t.Fatalf("expected 1 revalidation history row, got %d", len(st.history))
	}
	if st.history[0].CertificateID != "dsc-1" {
		t.Fatalf("expected history row for dsc-1, got %s", st.history[0].CertificateID)
	}
	if st.history[0].NewStatus != store.ValidationValid {
		t.Fatalf("expected NewStatus VALID, got %s", st.history[0].NewStatus)
	}
	if st.history[0].ErrorText != "" {
		t.Fatalf("expected no error text on a successful pass, got %q", st.history[0].ErrorText)
	}
}

func TestRunRevalidationRecordsHistoryEvenOnFailure(t *testing.T) {
	st := &fakeStore{
		certs: []*store.Certificate{
			{ID: "dsc-bad", Type: store.CertTypeDSC, CountryCode: "KR", DER: []byte("not a certificate")},
		},
	}
	s := New(st, &fakeLDAP{}, &fakeValidator{}, &fakeReconciler{}, Config{DailyTimeHHMM: "03:00"}, clock.NewFake(), log.Get())

	s.runRevalidation()

	if len(st.history) != 1 {
		t.Fatalf("expected 1 revalidation history row even on parse failure, got %d", len(st.history))
	}
	if st.history[0].ErrorText == "" {
		t.Fatalf("expected ErrorText to be populated for a failed revalidation")
	}
}

func TestReloadIsNoOpWithoutAPersistedSyncConfig(t *testing.T) {
	st := &fakeStore{}
	s := New(st, &fakeLDAP{}, &fakeValidator{}, &fakeReconciler{}, Config{DailyTimeHHMM: "03:00"}, clock.NewFake(), log.Get())

	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if s.cfg.DailyTimeHHMM != "03:00" {
		t.Fatalf("expected cfg to be left untouched, got %q", s.cfg.DailyTimeHHMM)
	}
}

func TestReloadAppliesPersistedSyncConfig(t *testing.T) {
	st := &fakeStore{syncConfig: &store.SyncConfig{
		DailyTimeHHMM:         "05:30",
		RevalidateCertsOnSync: true,
		AutoReconcile:         true,
		MaxReconcileBatchSize: 250,
	}}
	s := New(st, &fakeLDAP{}, &fakeValidator{}, &fakeReconciler{}, Config{DailyTimeHHMM: "03:00"}, clock.NewFake(), log.Get())

	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	defer s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.DailyTimeHHMM != "05:30" {
		t.Fatalf("expected reloaded DailyTimeHHMM, got %q", s.cfg.DailyTimeHHMM)
	}
	if !s.cfg.RevalidateCertsOnSync || !s.cfg.AutoReconcile || s.cfg.MaxReconcileBatchSize != 250 {
		t.Fatalf("expected reloaded flags/batch size, got %+v", s.cfg)
	}
}

var errDBUnavailable = errors.New("db unavailable")

func TestRunSyncCheckMarksErrorOnStoreFailure(t *testing.T) {
	st := &fakeStore{countsErr: errDBUnavailable}
	s := New(st, &fakeLDAP{}, &fakeValidator{}, &fakeReconciler{}, Config{DailyTimeHHMM: "03:00"}, clock.NewFake(), log.Get())

	status := s.runSyncCheck()
	if status.Status != store.SyncError {
		t.Fatalf("expected ERROR status, got %s", status.Status)
	}
}
