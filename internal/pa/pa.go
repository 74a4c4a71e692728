// Package pa implements the end-to-end Passive Authentication pipeline
// (spec.md §4.6): parse the SOD, auto-register its DSC, validate the
// trust chain, verify the SOD's own signature, verify each data group's
// hash, and persist the full result. Grounded on
// original_source/services/pa-service/src/services/pa_verification_service.cpp
// for the step ordering and
// original_source/services/pa-service/src/handlers/pa_handler.cpp for MRZ
// salvage (see mrz.go).
package pa

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"hash"
	"strings"
	"time"

	"github.com/jmhodges/clock"

	"github.com/letsencrypt/icao-pkd/internal/chain"
	"github.com/letsencrypt/icao-pkd/internal/log"
	"github.com/letsencrypt/icao-pkd/internal/sod"
	"github.com/letsencrypt/icao-pkd/internal/store"
)

// CertificateStore is the subset of internal/store's surface the PA
// engine needs, so tests can supply an in-memory fake (SPEC_FULL.md §9
// "Polymorphism of providers").
type CertificateStore interface {
	GetByFingerprint(certType store.CertType, fingerprint string) (*store.Certificate, error)
	Put(cert *store.Certificate, uploadID, sourceCountry, sourceEntryDN, sourceFileName string) (id string, duplicate bool, err error)
	SavePaVerification(verification *store.PaVerification, dgResults []*store.DataGroupResult) error
}

// ChainValidator is the subset of internal/chain's surface the PA engine
// needs.
type ChainValidator interface {
	Validate(dsc *x509.Certificate, countryCode string, signingTime *time.Time) (*chain.Result, error)
}

// ConformanceChecker probes the LDAP directory's dc=nc-data branch for a
// DSC fingerprint (spec.md §4.6 step 2). Optional: a nil ConformanceChecker
// skips the probe and dscNonConformant is always reported false.
type ConformanceChecker interface {
	IsNonConformantDSC(fingerprint string) (bool, error)
}

// Engine runs the PA pipeline.
type Engine struct {
	store       CertificateStore
	validator   ChainValidator
	conformance ConformanceChecker
	clk         clock.Clock
	log         log.Logger
}

func New(certStore CertificateStore, validator ChainValidator, conformance ConformanceChecker, clk clock.Clock, logger log.Logger) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{store: certStore, validator: validator, conformance: conformance, clk: clk, log: logger}
}

// Request is one Passive Authentication request (spec.md §4.6 inputs).
type Request struct {
	SODData        []byte
	DataGroups     map[int][]byte // dgNumber -> raw DG bytes, as supplied by the caller
	DocumentNumber string
	CountryCode    string
	IPAddress      string
	UserAgent      string
}

// Result is the PA engine's structured output (spec.md §4.6 step 8).
type Result struct {
	Verification *store.PaVerification
	DataGroups   []*store.DataGroupResult
}

// Verify implements spec.md §4.6 steps 1-8.
func (e *Engine) Verify(req Request) (*Result, error) {
	start := e.clk.Now()

	// Step 1: parse SOD.
	parsed, err := sod.Parse(req.SODData)
	if err != nil {
		v := &store.PaVerification{
			Status:           store.PAStatusError,
			DocumentNumber:   req.DocumentNumber,
			CountryCode:      req.CountryCode,
			SODHash:          store.Fingerprint(req.SODData),
			CreatedAt:        e.clk.Now(),
			IPAddress:        req.IPAddress,
			UserAgent:        req.UserAgent,
			ProcessingTimeMs: e.clk.Now().Sub(start).Milliseconds(),
		}
		if saveErr := e.store.SavePaVerification(v, nil); saveErr != nil {
			e.log.Warning("pa: failed to persist parse-failure verification: " + saveErr.Error())
		}
		return &Result{Verification: v}, nil
	}

	documentNumber := req.DocumentNumber
	countryCode := req.CountryCode
	if documentNumber == "" || countryCode == "" {
		if dg1, ok := req.DataGroups[1]; ok {
			if salvaged, found := salvageFromDG1(dg1); found {
				if documentNumber == "" {
					documentNumber = salvaged.DocumentNumber
				}
				if countryCode == "" {
					countryCode = salvaged.CountryCode
				}
			}
		}
	}

	// Step 2: extract DSC, probe non-conformance.
	dscFingerprint := store.Fingerprint(parsed.DSC.Raw)
	dscNonConformant := false
	if e.conformance != nil {
		if nc, ncErr := e.conformance.IsNonConformantDSC(dscFingerprint); ncErr == nil {
			dscNonConformant = nc
		} else {
			e.log.Warning("pa: non-conformance probe failed for " + dscFingerprint + ": " + ncErr.Error())
		}
	}

	// Step 3: auto-register DSC if unknown.
	certType := store.CertTypeDSC
	if dscNonConformant {
		certType = store.CertTypeDSCN
	}
	if _, getErr := e.store.GetByFingerprint(certType, dscFingerprint); getErr != nil {
		row, buildErr := store.NewCertificateFromDER(parsed.DSC.Raw, certType, store.SourcePAExtracted)
		if buildErr == nil {
			if _, _, putErr := e.store.Put(row, "", "", "", ""); putErr != nil {
				e.log.Warning("pa: failed to auto-register DSC " + dscFingerprint + ": " + putErr.Error())
			}
		}
	}

	// Step 4: validate chain. A fatal chain-validation failure (e.g. the
	// CSCA store being unreachable) is not returned raw: spec.md §7 and
	// §4.5 require every failure class to land as a structured field on
	// a persisted PaVerification row, never a bare short-circuit.
	chainResult, err := e.validator.Validate(parsed.DSC, countryCode, parsed.SigningTime)
	if err != nil {
		v := &store.PaVerification{
			Status:            store.PAStatusError,
			DocumentNumber:    documentNumber,
			CountryCode:       countryCode,
			SODHash:           store.Fingerprint(req.SODData),
			DSCSubject:        parsed.DSC.Subject.String(),
			DSCSerialNumber:   hex.EncodeToString(parsed.DSC.SerialNumber.Bytes()),
			DSCIssuer:         parsed.DSC.Issuer.String(),
			IPAddress:         req.IPAddress,
			UserAgent:         req.UserAgent,
			CreatedAt:         e.clk.Now(),
			ProcessingTimeMs:  e.clk.Now().Sub(start).Milliseconds(),
		}
		if saveErr := e.store.SavePaVerification(v, nil); saveErr != nil {
			e.log.Warning("pa: failed to persist chain-failure verification: " + saveErr.Error())
		}
		e.log.Warning("pa: chain validation failed for " + dscFingerprint + ": " + err.Error())
		return &Result{Verification: v}, nil
	}

	// Step 5: verify SOD signature (chain already validated; disable
	// signer-cert-verify and attribute-verify per spec.md §4.6 step 5).
	sodSignatureValid := verifySODSignature(parsed)

	// Step 6: per-DG hash verification.
	dgResults := verifyDataGroups(parsed, req.DataGroups)
	dgHashesValid := true
	for _, r := range dgResults {
		if !r.HashValid {
			dgHashesValid = false
		}
	}

	status := store.PAStatusInvalid
	if chainResult.ChainValid && sodSignatureValid && dgHashesValid && chainResult.CRL.State != "REVOKED" {
		status = store.PAStatusValid
	}

	cscaSubject, cscaSerial := "", ""
	if chainResult.BindingCSCA != nil {
		cscaSubject = chainResult.BindingCSCA.Subject.String()
		cscaSerial = hex.EncodeToString(chainResult.BindingCSCA.SerialNumber.Bytes())
	}

	verification := &store.PaVerification{
		DocumentNumber:    documentNumber,
		CountryCode:       countryCode,
		Status:            status,
		SODHash:           store.Fingerprint(req.SODData),
		DSCSubject:        parsed.DSC.Subject.String(),
		DSCSerialNumber:   hex.EncodeToString(parsed.DSC.SerialNumber.Bytes()),
		DSCIssuer:         parsed.DSC.Issuer.String(),
		DSCExpired:        chainResult.DSCExpired,
		CSCASubject:       cscaSubject,
		CSCASerialNumber:  cscaSerial,
		CSCAExpired:       chainResult.CSCAExpired,
		ChainValid:        chainResult.ChainValid,
		SODSignatureValid: sodSignatureValid,
		DGHashesValid:     dgHashesValid,
		CRLChecked:        chainResult.CRL.State != "NOT_CHECKED",
		Revoked:           chainResult.CRL.State == "REVOKED",
		CRLStatus:         chainResult.CRL.State,
		ExpirationStatus:  string(chainResult.ExpirationStatus),
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		CreatedAt:         e.clk.Now(),
		ProcessingTimeMs:  e.clk.Now().Sub(start).Milliseconds(),
	}

	// Step 7: persist.
	if err := e.store.SavePaVerification(verification, dgResults); err != nil {
		e.log.Warning("pa: failed to persist verification: " + err.Error())
	}

	return &Result{Verification: verification, DataGroups: dgResults}, nil
}

// verifySODSignature implements spec.md §4.6 step 5: verify the SOD's CMS
// signature using the DSC's public key only, with no chain/attribute
// verification (that happened in step 4).
func verifySODSignature(parsed *sod.Parsed) bool {
	signed := parsed.SignedAttrsForVerification()
	if len(signed) == 0 || len(parsed.Signature()) == 0 {
		return false
	}
	err := parsed.DSC.CheckSignature(parsed.X509SignatureAlgorithm(), signed, parsed.Signature())
	return err == nil
}

// verifyDataGroups implements spec.md §4.6 step 6: hash each supplied DG
// under the LDSSecurityObject's algorithm and compare to the expected
// hash by constant-time byte equality.
func verifyDataGroups(parsed *sod.Parsed, dataGroups map[int][]byte) []*store.DataGroupResult {
	var results []*store.DataGroupResult
	for dg, data := range dataGroups {
		expected, ok := parsed.LDS.DataGroupHashes[dg]
		if !ok {
			continue
		}
		actual := hashWith(parsed.DigestAlgorithm, data)
		valid := len(actual) > 0 && subtle.ConstantTimeCompare(actual, expected) == 1
		results = append(results, &store.DataGroupResult{
			DGNumber:      dg,
			ExpectedHash:  strings.ToLower(hex.EncodeToString(expected)),
			ActualHash:    strings.ToLower(hex.EncodeToString(actual)),
			HashAlgorithm: parsed.DigestAlgorithm,
			HashValid:     valid,
			DGBinary:      data,
		})
	}
	return results
}

func hashWith(algorithm string, data []byte) []byte {
	var h hash.Hash
	switch algorithm {
	case "SHA-1":
		h = sha1.New()
	case "SHA-384":
		h = sha512.New384()
	case "SHA-512":
		h = sha512.New()
	default:
		h = sha256.New()
	}
	h.Write(data)
	return h.Sum(nil)
}
