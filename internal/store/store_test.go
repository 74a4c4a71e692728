package store

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/jmhodges/clock"

	"github.com/letsencrypt/icao-pkd/internal/dialect"
	"github.com/letsencrypt/icao-pkd/internal/log"
	"github.com/letsencrypt/icao-pkd/internal/metrics"
)

// fakeExecutor is a minimal in-memory stand-in for a *gorp.DbMap, enough to
// exercise Store's control flow (dedup decisions, DN-normalized issuer
// lookup) without a live database. It deliberately only understands the
// handful of query shapes Store itself issues.
type fakeExecutor struct {
	certs      map[string]*Certificate // fingerprint|type -> cert
	sightings  []*DuplicateSighting
	crls       map[string]*CRL
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{certs: map[string]*Certificate{}, crls: map[string]*CRL{}}
}

func certKey(certType CertType, fp string) string {
	return string(certType) + "|" + strings.ToLower(fp)
}

func (f *fakeExecutor) Insert(list ...interface{}) error {
	for _, item := range list {
		switch v := item.(type) {
		case *Certificate:
			f.certs[certKey(v.Type, v.FingerprintSHA256)] = v
		case *CRL:
			f.crls[v.CountryCode+"|"+strings.ToLower(v.FingerprintSHA256)] = v
		case *DuplicateSighting:
			f.sightings = append(f.sightings, v)
		default:
			return fmt.Errorf("fakeExecutor: unsupported insert type %T", item)
		}
	}
	return nil
}

func (f *fakeExecutor) SelectOne(holder interface{}, query string, args ...interface{}) error {
	q := strings.ToUpper(query)
	switch {
	case strings.Contains(q, "FROM CERTIFICATE_DUPLICATES") && strings.Contains(q, "UPLOAD_ID"):
		certID, uploadID, fileName := args[0].(string), args[1].(string), args[2].(string)
		count := 0
		for _, s := range f.sightings {
			if s.CertificateID == certID && s.UploadID == uploadID && s.SourceFileName == fileName {
				count++
			}
		}
		*(holder.(*int)) = count
		return nil
	case strings.Contains(q, "FROM CERTIFICATE_DUPLICATES"):
		certID := args[0].(string)
		count := 0
		for _, s := range f.sightings {
			if s.CertificateID == certID {
				count++
			}
		}
		*(holder.(*int)) = count
		return nil
	case strings.Contains(q, "FROM CERTIFICATE WHERE CERTIFICATE_TYPE = ? AND FINGERPRINT_SHA256"):
		certType, fp := args[0].(string), args[1].(string)
		c, ok := f.certs[certKey(CertType(certType), fp)]
		if !ok {
			return sql.ErrNoRows
		}
		*(holder.(*Certificate)) = *c
		return nil
	case strings.Contains(q, "FROM CRL WHERE COUNTRY_CODE = ? AND FINGERPRINT_SHA256"):
		country, fp := args[0].(string), args[1].(string)
		c, ok := f.crls[country+"|"+strings.ToLower(fp)]
		if !ok {
			return sql.ErrNoRows
		}
		*(holder.(*CRL)) = *c
		return nil
	}
	return fmt.Errorf("fakeExecutor: unsupported SelectOne query %q", query)
}

func (f *fakeExecutor) Select(holder interface{}, query string, args ...interface{}) ([]interface{}, error) {
	q := strings.ToUpper(query)
	switch {
	case strings.Contains(q, "FROM CERTIFICATE WHERE CERTIFICATE_TYPE = ?") && strings.Contains(q, "COUNTRY_CODE"):
		certType, country := args[0].(string), args[1].(string)
		var out []*Certificate
		for _, c := range f.certs {
			if string(c.Type) == certType && strings.EqualFold(c.CountryCode, country) {
				out = append(out, c)
			}
		}
		setCertSlice(holder, out)
		return nil, nil
	case strings.Contains(q, "FROM CERTIFICATE WHERE CERTIFICATE_TYPE = ?"):
		certType := args[0].(string)
		var out []*Certificate
		for _, c := range f.certs {
			if string(c.Type) == certType {
				out = append(out, c)
			}
		}
		setCertSlice(holder, out)
		return nil, nil
	}
	return nil, fmt.Errorf("fakeExecutor: unsupported Select query %q", query)
}

func setCertSlice(holder interface{}, certs []*Certificate) {
	p := holder.(*[]*Certificate)
	*p = certs
}

func (f *fakeExecutor) SelectInt(query string, args ...interface{}) (int64, error) {
	q := strings.ToUpper(query)
	if strings.Contains(q, "FROM CRL") {
		return int64(len(f.crls)), nil
	}
	return 0, fmt.Errorf("fakeExecutor: unsupported SelectInt query %q", query)
}

func (f *fakeExecutor) Exec(query string, args ...interface{}) (sql.Result, error) {
	q := strings.ToUpper(query)
	if strings.Contains(q, "UPDATE CERTIFICATE SET STORED_IN_LDAP") {
		id := args[1].(string)
		for _, c := range f.certs {
			if c.ID == id {
				c.StoredInLDAP = args[0].(bool)
			}
		}
		return nil, nil
	}
	return nil, fmt.Errorf("fakeExecutor: unsupported Exec query %q", query)
}

func newTestStore(f *fakeExecutor) *Store {
	mysql, _ := dialect.For(dialect.MySQL)
	return New(f, mysql, clock.NewFake(), log.Get(), metrics.NewNoopScope())
}

func TestPutInsertsNewCertificateOnce(t *testing.T) {
	f := newFakeExecutor()
	s := newTestStore(f)

	cert := &Certificate{Type: CertTypeCSCA, FingerprintSHA256: Fingerprint([]byte("hello")), CountryCode: "KR"}
	id1, dup1, err := s.Put(cert, "upload-1", "KR", "", "ml.bin")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if dup1 {
		t.Fatalf("expected first Put to be a fresh insert")
	}
	if id1 == "" {
		t.Fatalf("expected a generated id")
	}

	cert2 := &Certificate{Type: CertTypeCSCA, FingerprintSHA256: Fingerprint([]byte("hello")), CountryCode: "KR"}
	id2, dup2, err := s.Put(cert2, "upload-2", "KR", "", "ml2.bin")
	if err != nil {
		t.Fatalf("Put (dup): %v", err)
	}
	if !dup2 {
		t.Fatalf("expected second Put of the same DER to be a duplicate")
	}
	if id2 != id1 {
		t.Fatalf("duplicate Put returned a different id: %s vs %s", id2, id1)
	}

	count, err := s.CountSightings(id1)
	if err != nil {
		t.Fatalf("CountSightings: %v", err)
	}
	if count != 1 {
		t.Fatalf("CountSightings = %d, want 1", count)
	}
}

func TestPutDuplicateSightingIdempotentByUploadAndFile(t *testing.T) {
	f := newFakeExecutor()
	s := newTestStore(f)

	fp := Fingerprint([]byte("dsc-cert"))
	cert := &Certificate{Type: CertTypeDSC, FingerprintSHA256: fp, CountryCode: "KR"}
	id, _, _ := s.Put(cert, "upload-1", "KR", "", "batch.ldif")

	// Same (certId, uploadId, sourceFileName) repeated: must not add a
	// second sighting row (spec.md §4.2).
	for i := 0; i < 3; i++ {
		dup := &Certificate{Type: CertTypeDSC, FingerprintSHA256: fp, CountryCode: "KR"}
		s.Put(dup, "upload-1", "KR", "", "batch.ldif")
	}
	count, _ := s.CountSightings(id)
	if count != 1 {
		t.Fatalf("expected idempotent sighting count of 1, got %d", count)
	}
}

func TestFindByIssuerIsFormatIndependent(t *testing.T) {
	f := newFakeExecutor()
	s := newTestStore(f)

	csca := &Certificate{
		Type:              CertTypeCSCA,
		CountryCode:       "KR",
		SubjectDN:         "/C=KR/O=Gov/CN=KR CSCA",
		IssuerDN:          "/C=KR/O=Gov/CN=KR CSCA",
		FingerprintSHA256: Fingerprint([]byte("csca-der")),
	}
	s.Put(csca, "upload-1", "KR", "", "ml.bin")

	matches, err := s.FindByIssuer(CertTypeCSCA, "CN=KR CSCA,O=Gov,C=KR", "KR")
	if err != nil {
		t.Fatalf("FindByIssuer: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match across DN formats, got %d", len(matches))
	}
}

// rebindSpyExecutor only records the query string it was asked to run,
// so a test can assert on that string's bindvar style without needing to
// emulate Postgres's own result protocol.
type rebindSpyExecutor struct {
	lastQuery string
}

func (r *rebindSpyExecutor) Insert(list ...interface{}) error { return nil }
func (r *rebindSpyExecutor) SelectOne(holder interface{}, query string, args ...interface{}) error {
	r.lastQuery = query
	return sql.ErrNoRows
}
func (r *rebindSpyExecutor) Select(holder interface{}, query string, args ...interface{}) ([]interface{}, error) {
	r.lastQuery = query
	return nil, nil
}
func (r *rebindSpyExecutor) Exec(query string, args ...interface{}) (sql.Result, error) {
	r.lastQuery = query
	return nil, nil
}
func (r *rebindSpyExecutor) SelectInt(query string, args ...interface{}) (int64, error) {
	r.lastQuery = query
	return 0, nil
}

// TestStoreRebindsPlaceholdersUnderPostgresDialect guards against
// regressing to hardcoded "?" placeholders: under the Postgres dialect
// every statement Store issues must use "$1, $2, ..." ordinal bindvars,
// since lib/pq rejects "?" outright (spec.md §6, SPEC_FULL.md §9 backend
// portability).
func TestStoreRebindsPlaceholdersUnderPostgresDialect(t *testing.T) {
	pg, err := dialect.For(dialect.Postgres)
	if err != nil {
		t.Fatalf("dialect.For(Postgres): %v", err)
	}
	spy := &rebindSpyExecutor{}
	s := New(spy, pg, clock.NewFake(), log.Get(), metrics.NewNoopScope())

	if _, err := s.GetByFingerprint(CertTypeDSC, "deadbeef"); err == nil {
		t.Fatalf("expected CertNotFound from the spy's sql.ErrNoRows")
	}
	if strings.Contains(spy.lastQuery, "?") {
		t.Fatalf("expected no raw %q placeholders under the postgres dialect, got query %q", "?", spy.lastQuery)
	}
	if !strings.Contains(spy.lastQuery, "$1") || !strings.Contains(spy.lastQuery, "$2") {
		t.Fatalf("expected $1/$2 ordinal placeholders, got query %q", spy.lastQuery)
	}
}
