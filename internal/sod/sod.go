// Package sod parses an ICAO Security Object Document: an optional ICAO
// Tag 0x77 wrapper around a CMS SignedData carrying the signer's DSC and
// an encapsulated LDSSecurityObject (spec.md §4.4).
package sod

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/letsencrypt/icao-pkd/internal/pkderrors"
)

// icaoApplication23Tag is the ICAO Doc 9303 "EF.SOD" application tag 0x77.
const icaoApplication23Tag = 0x77

// Parsed is the SOD parser's full output (spec.md §4.4 "Outputs").
type Parsed struct {
	DSC                *x509.Certificate
	DigestAlgorithm    string // SHA-1, SHA-256, SHA-384, SHA-512
	SignatureAlgorithm string // SHA256withRSA, SHA384withECDSA, ...
	LDS                LDSSecurityObject
	// SigningTime is the CMS signingTime signed attribute (RFC 5652
	// §11.3), nil if the SignerInfo carried no such attribute. Per Open
	// Question (b), nil means "not asserted," not "checked and failed."
	SigningTime *time.Time

	// Fields below are carried only so internal/pa can verify the SOD's
	// own CMS signature (spec.md §4.6 step 5) without re-parsing the SOD.
	signatureOID        asn1.ObjectIdentifier
	signature           []byte
	signedAttrsContent  []byte // content octets of the [0] IMPLICIT signedAttrs, or nil if absent
	encapsulatedContent []byte // the raw eContent (DER of the LDSSecurityObject)
}

// Signature returns the raw signature bytes from the SOD's sole
// SignerInfo.
func (p *Parsed) Signature() []byte { return p.signature }

// SignedAttrsForVerification returns the bytes that the SOD's signature
// was computed over: the signedAttrs re-encoded under a universal SET OF
// tag (RFC 5652 §5.4) if signedAttrs were present, else the raw
// encapsulated content.
func (p *Parsed) SignedAttrsForVerification() []byte {
	if len(p.signedAttrsContent) == 0 {
		return p.encapsulatedContent
	}
	reTagged := asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSet, IsCompound: true, Bytes: p.signedAttrsContent}
	out, err := asn1.Marshal(reTagged)
	if err != nil {
		// Bytes were already validly parsed DER; re-marshaling a RawValue
		// with the same content under a different tag cannot fail.
		return p.signedAttrsContent
	}
	return out
}

// EncapsulatedContent returns the raw eContent (the LDSSecurityObject's
// DER encoding) the SOD's digest/signature were computed over.
func (p *Parsed) EncapsulatedContent() []byte { return p.encapsulatedContent }

// X509SignatureAlgorithm maps the SOD's signature OID to the
// crypto/x509.SignatureAlgorithm CheckSignature needs.
func (p *Parsed) X509SignatureAlgorithm() x509.SignatureAlgorithm {
	return x509SignatureAlgorithm(p.signatureOID)
}

// LDSSecurityObject is the ASN.1 structure carried inside the SOD's
// encapsulated content: `{ version INT, hashAlgorithm AlgorithmIdentifier,
// dataGroupHashValues SEQUENCE OF {dgNumber INT, dgHash OCTET STRING} }`
// (spec.md §4.4 point 4).
type LDSSecurityObject struct {
	Version          int
	HashAlgorithmOID asn1.ObjectIdentifier
	DataGroupHashes  map[int][]byte // dgNumber -> expected hash; map order is not the encoded order
}

var digestOIDNames = map[string]string{
	"1.3.14.3.2.26":              "SHA-1",
	"2.16.840.1.101.3.4.2.1":     "SHA-256",
	"2.16.840.1.101.3.4.2.2":     "SHA-384",
	"2.16.840.1.101.3.4.2.3":     "SHA-512",
}

var signatureOIDNames = map[string]string{
	"1.2.840.113549.1.1.11":    "SHA256withRSA",
	"1.2.840.113549.1.1.12":    "SHA384withRSA",
	"1.2.840.113549.1.1.13":    "SHA512withRSA",
	"1.2.840.10045.4.3.2":      "SHA256withECDSA",
	"1.2.840.10045.4.3.3":      "SHA384withECDSA",
	"1.2.840.10045.4.3.4":      "SHA512withECDSA",
}

// asn1ContentInfo mirrors RFC 5652 ContentInfo: `{ contentType OID, content
// [0] EXPLICIT ANY }`.
type asn1ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

// asn1SignedData mirrors the fields of RFC 5652 SignedData this parser
// needs; unused fields (crls, digestAlgorithms beyond the first) are
// tolerated via asn1.RawValue / optional tags rather than modeled exactly,
// since the spec only requires certificates[0] and signerInfos[0].
type asn1SignedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue // SET OF AlgorithmIdentifier
	EncapContentInfo asn1EncapsulatedContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0,omitempty"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1,omitempty"`
	SignerInfos       asn1.RawValue // SET OF SignerInfo
}

type asn1EncapsulatedContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"optional,explicit,tag:0,omitempty"`
}

type asn1AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional,omitempty"`
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

// Parse implements spec.md §4.4: strips an optional ICAO 0x77 wrapper,
// parses CMS SignedData, and returns the signer certificate, the digest
// and signature algorithm names, and the decoded LDSSecurityObject.
func Parse(raw []byte) (*Parsed, error) {
	der, err := stripICAOWrapper(raw)
	if err != nil {
		return nil, err
	}

	var ci asn1ContentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, pkderrors.ParseErrorf("sod: not a valid CMS ContentInfo: %v", err)
	}

	var sd asn1SignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, pkderrors.ParseErrorf("sod: not a valid CMS SignedData: %v", err)
	}

	certs, err := parseCertificatesField(sd.Certificates)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, pkderrors.ParseErrorf("sod: SignedData carries no certificates")
	}
	dsc := certs[0]

	signerInfo, err := firstSignerInfo(sd.SignerInfos)
	if err != nil {
		return nil, err
	}

	lds, rawContent, err := decodeLDS(sd.EncapContentInfo.Content.Bytes)
	if err != nil {
		return nil, err
	}

	return &Parsed{
		DSC:                 dsc,
		DigestAlgorithm:     digestAlgorithmName(signerInfo.DigestAlgorithm.Algorithm),
		SignatureAlgorithm:  signatureAlgorithmName(signerInfo.SignatureAlgorithm.Algorithm),
		LDS:                 lds,
		SigningTime:         extractSigningTime(signerInfo.SignedAttrs.Bytes),
		signatureOID:        signerInfo.SignatureAlgorithm.Algorithm,
		signature:           signerInfo.Signature,
		signedAttrsContent:  signerInfo.SignedAttrs.Bytes,
		encapsulatedContent: rawContent,
	}, nil
}

// oidSigningTime is the RFC 5652 §11.3 signingTime attribute OID.
var oidSigningTime = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}

type asn1Attribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue // SET OF AttributeValue
}

// extractSigningTime scans the signedAttrs content (a concatenation of
// Attribute TLVs, per the [0] IMPLICIT SET OF encoding) for a signingTime
// attribute and decodes its value. Returns nil if absent or malformed —
// a missing/unparsable signingTime is not a parse failure for the SOD as
// a whole (spec.md §4.4/§4.5 treat it as optional input).
func extractSigningTime(signedAttrsContent []byte) *time.Time {
	rest := signedAttrsContent
	for len(rest) > 0 {
		var one asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &one)
		if err != nil {
			return nil
		}
		var attr asn1Attribute
		if _, err := asn1.Unmarshal(one.FullBytes, &attr); err != nil {
			continue
		}
		if !attr.Type.Equal(oidSigningTime) {
			continue
		}
		var valueTLV asn1.RawValue
		if _, err := asn1.Unmarshal(attr.Values.Bytes, &valueTLV); err != nil {
			return nil
		}
		var t time.Time
		if _, err := asn1.Unmarshal(valueTLV.FullBytes, &t); err != nil {
			return nil
		}
		return &t
	}
	return nil
}

// stripICAOWrapper strips the ICAO Tag 0x77 application-23 TLV wrapper
// (spec.md §4.4 "Input"), validating the inner length against the
// remaining buffer per the parser's hard-failure rule on any out-of-bounds
// advance. If the first byte is not 0x77, raw is assumed to already be a
// bare CMS ContentInfo.
func stripICAOWrapper(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, pkderrors.ParseErrorf("sod: empty input")
	}
	if raw[0] != icaoApplication23Tag {
		return raw, nil
	}
	length, headerLen, err := decodeBERLength(raw[1:])
	if err != nil {
		return nil, pkderrors.ParseErrorf("sod: invalid ICAO wrapper length: %v", err)
	}
	start := 1 + headerLen
	end := start + length
	if end > len(raw) || end < start {
		return nil, pkderrors.ParseErrorf("sod: ICAO wrapper length %d exceeds buffer (have %d bytes from offset %d)", length, len(raw)-start, start)
	}
	return raw[start:end], nil
}

// decodeBERLength decodes a BER/DER length octet sequence (short or
// long form) starting at buf[0], returning the decoded length and the
// number of octets the length encoding itself occupied.
func decodeBERLength(buf []byte) (length int, consumed int, err error) {
	if len(buf) == 0 {
		return 0, 0, fmt.Errorf("truncated length")
	}
	first := buf[0]
	if first&0x80 == 0 {
		return int(first), 1, nil
	}
	numBytes := int(first & 0x7F)
	if numBytes == 0 || numBytes > 4 {
		return 0, 0, fmt.Errorf("unsupported long-form length of %d bytes", numBytes)
	}
	if len(buf) < 1+numBytes {
		return 0, 0, fmt.Errorf("truncated long-form length")
	}
	length = 0
	for i := 0; i < numBytes; i++ {
		length = (length << 8) | int(buf[1+i])
	}
	return length, 1 + numBytes, nil
}

func parseCertificatesField(raw asn1.RawValue) ([]*x509.Certificate, error) {
	if len(raw.Bytes) == 0 {
		return nil, nil
	}
	var certs []*x509.Certificate
	rest := raw.Bytes
	for len(rest) > 0 {
		var one asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &one)
		if err != nil {
			return nil, pkderrors.ParseErrorf("sod: malformed certificate in SignedData.certificates: %v", err)
		}
		cert, err := x509.ParseCertificate(one.FullBytes)
		if err != nil {
			return nil, pkderrors.ParseErrorf("sod: failed to parse embedded certificate: %v", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func firstSignerInfo(raw asn1.RawValue) (*asn1SignerInfo, error) {
	if len(raw.Bytes) == 0 {
		return nil, pkderrors.ParseErrorf("sod: SignedData carries no signerInfos")
	}
	var first asn1.RawValue
	if _, err := asn1.Unmarshal(raw.Bytes, &first); err != nil {
		return nil, pkderrors.ParseErrorf("sod: malformed signerInfos: %v", err)
	}
	var si asn1SignerInfo
	if _, err := asn1.Unmarshal(first.FullBytes, &si); err != nil {
		return nil, pkderrors.ParseErrorf("sod: malformed SignerInfo: %v", err)
	}
	return &si, nil
}

// decodeLDS walks the LDSSecurityObject's nested SEQUENCE structure
// (spec.md §4.4 point 4: `{ version INT, hashAlgorithm
// AlgorithmIdentifier, dataGroupHashValues SEQUENCE OF { dgNumber INT,
// dgHash OCTET STRING } }`) with cryptobyte rather than encoding/asn1:
// the dataGroupHashValues SEQUENCE OF is a variable-length run of
// nested SEQUENCEs that cryptobyte's cursor-style reader walks directly,
// without encoding/asn1's reflection-driven struct-tag machinery.
func decodeLDS(encapsulated []byte) (LDSSecurityObject, []byte, error) {
	if len(encapsulated) == 0 {
		return LDSSecurityObject{}, nil, pkderrors.ParseErrorf("sod: SignedData carries no encapsulated content")
	}
	// The encapsulated content is itself an OCTET STRING wrapping the
	// LDSSecurityObject SEQUENCE (spec.md §4.4 point 4).
	var octets []byte
	if _, err := asn1.Unmarshal(encapsulated, &octets); err != nil {
		// Some encoders omit the OCTET STRING indirection and place the
		// SEQUENCE directly; fall back to treating encapsulated as the
		// SEQUENCE bytes themselves.
		octets = encapsulated
	}

	input := cryptobyte.String(octets)
	var lds cryptobyte.String
	if !input.ReadASN1(&lds, cbasn1.SEQUENCE) {
		return LDSSecurityObject{}, nil, pkderrors.ParseErrorf("sod: malformed LDSSecurityObject: not a SEQUENCE")
	}

	var version int
	if !lds.ReadASN1Integer(&version) {
		return LDSSecurityObject{}, nil, pkderrors.ParseErrorf("sod: malformed LDSSecurityObject: bad version")
	}

	var hashAlg cryptobyte.String
	if !lds.ReadASN1(&hashAlg, cbasn1.SEQUENCE) {
		return LDSSecurityObject{}, nil, pkderrors.ParseErrorf("sod: malformed LDSSecurityObject: bad hashAlgorithm")
	}
	var hashAlgOID asn1.ObjectIdentifier
	if !hashAlg.ReadASN1ObjectIdentifier(&hashAlgOID) {
		return LDSSecurityObject{}, nil, pkderrors.ParseErrorf("sod: malformed LDSSecurityObject: bad hashAlgorithm OID")
	}

	var dgSeq cryptobyte.String
	if !lds.ReadASN1(&dgSeq, cbasn1.SEQUENCE) {
		return LDSSecurityObject{}, nil, pkderrors.ParseErrorf("sod: malformed LDSSecurityObject: bad dataGroupHashValues")
	}

	hashes := make(map[int][]byte)
	for !dgSeq.Empty() {
		var one cryptobyte.String
		if !dgSeq.ReadASN1(&one, cbasn1.SEQUENCE) {
			return LDSSecurityObject{}, nil, pkderrors.ParseErrorf("sod: malformed LDSSecurityObject: bad DataGroupHash element")
		}
		var dgNumber int
		if !one.ReadASN1Integer(&dgNumber) {
			return LDSSecurityObject{}, nil, pkderrors.ParseErrorf("sod: malformed LDSSecurityObject: bad dataGroupNumber")
		}
		var hash []byte
		if !one.ReadASN1Bytes(&hash, cbasn1.OCTET_STRING) {
			return LDSSecurityObject{}, nil, pkderrors.ParseErrorf("sod: malformed LDSSecurityObject: bad dataGroupHash")
		}
		hashes[dgNumber] = hash
	}

	return LDSSecurityObject{
		Version:          version,
		HashAlgorithmOID: hashAlgOID,
		DataGroupHashes:  hashes,
	}, octets, nil
}

func digestAlgorithmName(oid asn1.ObjectIdentifier) string {
	if name, ok := digestOIDNames[oid.String()]; ok {
		return name
	}
	return "SHA-256" // spec.md §4.4 point 2: default when absent/unrecognized
}

func signatureAlgorithmName(oid asn1.ObjectIdentifier) string {
	if name, ok := signatureOIDNames[oid.String()]; ok {
		return name
	}
	return oid.String()
}

var signatureOIDToX509 = map[string]x509.SignatureAlgorithm{
	"1.2.840.113549.1.1.11": x509.SHA256WithRSA,
	"1.2.840.113549.1.1.12": x509.SHA384WithRSA,
	"1.2.840.113549.1.1.13": x509.SHA512WithRSA,
	"1.2.840.10045.4.3.2":   x509.ECDSAWithSHA256,
	"1.2.840.10045.4.3.3":   x509.ECDSAWithSHA384,
	"1.2.840.10045.4.3.4":   x509.ECDSAWithSHA512,
}

func x509SignatureAlgorithm(oid asn1.ObjectIdentifier) x509.SignatureAlgorithm {
	if alg, ok := signatureOIDToX509[oid.String()]; ok {
		return alg
	}
	return x509.UnknownSignatureAlgorithm
}
