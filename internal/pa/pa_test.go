package pa

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"github.com/letsencrypt/icao-pkd/internal/chain"
	"github.com/letsencrypt/icao-pkd/internal/log"
	"github.com/letsencrypt/icao-pkd/internal/store"
)

var (
	oidSHA256          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidContentTypeData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidSignedData      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
)

type asn1ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type asn1AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional,omitempty"`
}

type asn1EncapsulatedContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"optional,explicit,tag:0,omitempty"`
}

type asn1SignerInfo struct {
	Version            int
	Sid                asn1.RawValue
	DigestAlgorithm    asn1AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0,omitempty"`
	SignatureAlgorithm asn1AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1,omitempty"`
}

type asn1SignedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	EncapContentInfo asn1EncapsulatedContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0,omitempty"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1,omitempty"`
	SignerInfos      asn1.RawValue
}

type asn1DataGroupHash struct {
	DataGroupNumber int
	Hash            []byte
}

type asn1LDS struct {
	Version         int
	HashAlgorithm   asn1AlgorithmIdentifier
	DataGroupHashes []asn1DataGroupHash
}

func mustRaw(t *testing.T, v asn1.RawValue) []byte {
	t.Helper()
	b, err := asn1.Marshal(v)
	if err != nil {
		t.Fatalf("marshal raw value: %v", err)
	}
	return b
}

func mustExplicit(t *testing.T, inner []byte) []byte {
	t.Helper()
	return mustRaw(t, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner})
}

// buildSignedSOD assembles a CMS SignedData carrying dscDER and an
// LDSSecurityObject over dgHashes, with a real RSA signature (no
// signedAttrs, so the signature covers the encapsulated content
// directly — one of the two valid CMS signing modes).
func buildSignedSOD(t *testing.T, dscDER []byte, key *rsa.PrivateKey, dgHashes map[int][]byte) []byte {
	t.Helper()

	var entries []asn1DataGroupHash
	for _, dg := range []int{1, 2, 14} {
		h, ok := dgHashes[dg]
		if !ok {
			continue
		}
		entries = append(entries, asn1DataGroupHash{DataGroupNumber: dg, Hash: h})
	}
	lds := asn1LDS{HashAlgorithm: asn1AlgorithmIdentifier{Algorithm: oidSHA256}, DataGroupHashes: entries}
	ldsBytes, err := asn1.Marshal(lds)
	if err != nil {
		t.Fatalf("marshal lds: %v", err)
	}
	octetWrapped, err := asn1.Marshal(ldsBytes)
	if err != nil {
		t.Fatalf("marshal octet string: %v", err)
	}

	hashed := sha256.Sum256(ldsBytes)
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	signerInfo := asn1SignerInfo{
		Version:            1,
		Sid:                asn1.RawValue{FullBytes: mustRaw(t, asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSequence, IsCompound: true, Bytes: []byte{}})},
		DigestAlgorithm:    asn1AlgorithmIdentifier{Algorithm: oidSHA256},
		SignatureAlgorithm: asn1AlgorithmIdentifier{Algorithm: oidSHA256WithRSA},
		Signature:          signature,
	}
	signerInfoBytes, err := asn1.Marshal(signerInfo)
	if err != nil {
		t.Fatalf("marshal signerInfo: %v", err)
	}

	sd := asn1SignedData{
		Version:          3,
		DigestAlgorithms: asn1.RawValue{FullBytes: mustRaw(t, asn1.RawValue{Class: asn1.ClassUniversal, Tag: 17, IsCompound: true, Bytes: []byte{}})},
		EncapContentInfo: asn1EncapsulatedContentInfo{
			ContentType: oidContentTypeData,
			Content:     asn1.RawValue{FullBytes: mustExplicit(t, octetWrapped)},
		},
		Certificates: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: dscDER},
		SignerInfos:  asn1.RawValue{FullBytes: mustRaw(t, asn1.RawValue{Class: asn1.ClassUniversal, Tag: 17, IsCompound: true, Bytes: signerInfoBytes})},
	}
	sdBytes, err := asn1.Marshal(sd)
	if err != nil {
		t.Fatalf("marshal signedData: %v", err)
	}

	ci := asn1ContentInfo{ContentType: oidSignedData, Content: asn1.RawValue{FullBytes: mustExplicit(t, sdBytes)}}
	ciBytes, err := asn1.Marshal(ci)
	if err != nil {
		t.Fatalf("marshal contentInfo: %v", err)
	}
	return ciBytes
}

func mustSelfSignedDSC(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Test DSC", Country: []string{"KR"}},
		Issuer:       pkix.Name{CommonName: "Test CSCA", Country: []string{"KR"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return key, der
}

// fakeStore is an in-memory CertificateStore.
type fakeStore struct {
	certs        map[string]*store.Certificate
	savedVerif   *store.PaVerification
	savedDGs     []*store.DataGroupResult
	saveErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{certs: map[string]*store.Certificate{}}
}

func (f *fakeStore) GetByFingerprint(certType store.CertType, fingerprint string) (*store.Certificate, error) {
	if c, ok := f.certs[string(certType)+"/"+fingerprint]; ok {
		return c, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeStore) Put(cert *store.Certificate, uploadID, sourceCountry, sourceEntryDN, sourceFileName string) (string, bool, error) {
	f.certs[string(cert.Type)+"/"+cert.FingerprintSHA256] = cert
	return "generated-id", false, nil
}

func (f *fakeStore) SavePaVerification(verification *store.PaVerification, dgResults []*store.DataGroupResult) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.savedVerif = verification
	f.savedDGs = dgResults
	return nil
}

// fakeValidator is a canned ChainValidator.
type fakeValidator struct {
	result *chain.Result
	err    error
}

func (f *fakeValidator) Validate(dsc *x509.Certificate, countryCode string, signingTime *time.Time) (*chain.Result, error) {
	return f.result, f.err
}

func validChainResult() *chain.Result {
	return &chain.Result{
		ChainValid:       true,
		SignatureVerified: true,
		CSCAFound:        true,
		ExpirationStatus: chain.ExpirationValid,
		CRL:              chain.CRLStatus{State: "VALID", Severity: chain.SeverityInfo},
	}
}

func TestVerifySucceedsOnValidSODAndMatchingHashes(t *testing.T) {
	key, dscDER := mustSelfSignedDSC(t)
	dg1 := []byte("mock-mrz-data")
	dg1Hash := sha256.Sum256(dg1)
	raw := buildSignedSOD(t, dscDER, key, map[int][]byte{1: dg1Hash[:]})

	st := newFakeStore()
	validator := &fakeValidator{result: validChainResult()}
	engine := New(st, validator, nil, clock.NewFake(), log.Get())

	result, err := engine.Verify(Request{
		SODData:    raw,
		DataGroups: map[int][]byte{1: dg1},
		IPAddress:  "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verification.Status != store.PAStatusValid {
		t.Fatalf("expected VALID status, got %s", result.Verification.Status)
	}
	if !result.Verification.SODSignatureValid {
		t.Fatalf("expected SOD signature to verify against its own DSC")
	}
	if !result.Verification.DGHashesValid {
		t.Fatalf("expected DG1 hash to match")
	}
	if len(result.DataGroups) != 1 || !result.DataGroups[0].HashValid {
		t.Fatalf("expected one valid DataGroupResult, got %+v", result.DataGroups)
	}
	if st.savedVerif == nil {
		t.Fatalf("expected verification to be persisted")
	}

	fingerprint := store.Fingerprint(dscDER)
	if _, ok := st.certs[string(store.CertTypeDSC)+"/"+fingerprint]; !ok {
		t.Fatalf("expected the unseen DSC to be auto-registered")
	}
}

func TestVerifyDetectsTamperedDataGroup(t *testing.T) {
	key, dscDER := mustSelfSignedDSC(t)
	dg1 := []byte("mock-mrz-data")
	dg1Hash := sha256.Sum256(dg1)
	raw := buildSignedSOD(t, dscDER, key, map[int][]byte{1: dg1Hash[:]})

	st := newFakeStore()
	validator := &fakeValidator{result: validChainResult()}
	engine := New(st, validator, nil, clock.NewFake(), log.Get())

	result, err := engine.Verify(Request{
		SODData:    raw,
		DataGroups: map[int][]byte{1: []byte("tampered-mrz-data")},
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verification.Status != store.PAStatusInvalid {
		t.Fatalf("expected INVALID status when a DG hash mismatches, got %s", result.Verification.Status)
	}
	if result.Verification.DGHashesValid {
		t.Fatalf("expected DGHashesValid=false")
	}
}

func TestVerifyReturnsErrorStatusOnUnparsableSOD(t *testing.T) {
	st := newFakeStore()
	validator := &fakeValidator{result: validChainResult()}
	engine := New(st, validator, nil, clock.NewFake(), log.Get())

	result, err := engine.Verify(Request{SODData: []byte("not a sod")})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verification.Status != store.PAStatusError {
		t.Fatalf("expected ERROR status for unparsable SOD, got %s", result.Verification.Status)
	}
	if st.savedVerif == nil {
		t.Fatalf("expected a parse-failure verification to still be persisted")
	}
}

func TestVerifyMarksInvalidWhenChainFails(t *testing.T) {
	key, dscDER := mustSelfSignedDSC(t)
	dg1Hash := sha256.Sum256([]byte("x"))
	raw := buildSignedSOD(t, dscDER, key, map[int][]byte{1: dg1Hash[:]})

	st := newFakeStore()
	badChain := validChainResult()
	badChain.ChainValid = false
	badChain.FailureReason = "no CSCA verifies this DSC"
	validator := &fakeValidator{result: badChain}
	engine := New(st, validator, nil, clock.NewFake(), log.Get())

	result, err := engine.Verify(Request{
		SODData:    raw,
		DataGroups: map[int][]byte{1: []byte("x")},
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verification.Status != store.PAStatusInvalid {
		t.Fatalf("expected INVALID status when chain validation fails, got %s", result.Verification.Status)
	}
}

func TestVerifySalvagesDocumentIdentityFromDG1WhenNotSupplied(t *testing.T) {
	key, dscDER := mustSelfSignedDSC(t)
	mrz := "P<KORSURNAME<<GIVEN<NAME<<<<<<<<<<<<<<<<<<<<" +
		"P123456784KOR8001014M3001014<<<<<<<<<<<<<<02"
	dg1 := buildDG1(mrz)
	dg1Hash := sha256.Sum256(dg1)
	raw := buildSignedSOD(t, dscDER, key, map[int][]byte{1: dg1Hash[:]})

	st := newFakeStore()
	validator := &fakeValidator{result: validChainResult()}
	engine := New(st, validator, nil, clock.NewFake(), log.Get())

	result, err := engine.Verify(Request{
		SODData:    raw,
		DataGroups: map[int][]byte{1: dg1},
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verification.DocumentNumber == "" {
		t.Fatalf("expected document number to be salvaged from DG1")
	}
	if result.Verification.CountryCode == "" {
		t.Fatalf("expected country code to be salvaged from DG1")
	}
}

func TestVerifyReturnsErrorStatusWhenChainValidatorFails(t *testing.T) {
	key, dscDER := mustSelfSignedDSC(t)
	dg1Hash := sha256.Sum256([]byte("x"))
	raw := buildSignedSOD(t, dscDER, key, map[int][]byte{1: dg1Hash[:]})

	st := newFakeStore()
	validator := &fakeValidator{err: errors.New("store unavailable")}
	engine := New(st, validator, nil, clock.NewFake(), log.Get())

	result, err := engine.Verify(Request{
		SODData:    raw,
		DataGroups: map[int][]byte{1: []byte("x")},
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verification.Status != store.PAStatusError {
		t.Fatalf("expected ERROR status when the chain validator fails, got %s", result.Verification.Status)
	}
	if st.savedVerif == nil {
		t.Fatalf("expected a chain-failure verification to still be persisted")
	}
}

// buildDG1 wraps a TD-3 MRZ string in the tag-0x5F1F TLV shape
// salvageFromDG1 scans for.
func buildDG1(mrz string) []byte {
	body := []byte(mrz)
	out := []byte{0x61, 0x00, icaoMRZTag1, icaoMRZTag2, byte(len(body))}
	out = append(out, body...)
	return out
}
