package store

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"

	"github.com/letsencrypt/icao-pkd/internal/dn"
)

// Fingerprint returns the lowercase hex SHA-256 digest of der (spec.md
// §3.1 I1, GLOSSARY "Fingerprint").
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// NewCertificateFromDER parses der and builds the Certificate row the
// store will persist, deriving countryCode, isSelfSigned and the
// fingerprint exactly as spec.md §3.1 I1/I2/I3 require. Per SPEC_FULL.md
// §9 "Ownership of parsed certificates", the *x509.Certificate itself is
// not retained — only the fields and the original DER survive.
func NewCertificateFromDER(der []byte, certType CertType, source SourceType) (*Certificate, error) {
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("store: parsing certificate DER: %w", err)
	}

	subject := dn.FromPKIXName(parsed.Subject)
	issuer := dn.FromPKIXName(parsed.Issuer)

	var country string
	switch certType {
	case CertTypeDSC, CertTypeDSCN:
		// I2: DSC country is derived from the issuer DN.
		country = issuer.Country
	default:
		// I2: CSCA/MLSC country is derived from the subject DN.
		country = subject.Country
	}

	conformance := Conformant
	if certType == CertTypeDSCN {
		conformance = NonConformant
	}

	pubKeyAlgo, pubKeyBits := publicKeyInfo(parsed)

	return &Certificate{
		Type:               certType,
		CountryCode:        normalizeCountry(country),
		SubjectDN:          subject.Canonical(),
		IssuerDN:           issuer.Canonical(),
		SerialNumber:       hex.EncodeToString(parsed.SerialNumber.Bytes()),
		NotBefore:          parsed.NotBefore,
		NotAfter:           parsed.NotAfter,
		DER:                der,
		FingerprintSHA256:  Fingerprint(der),
		SignatureAlgorithm: parsed.SignatureAlgorithm.String(),
		PublicKeyAlgorithm: pubKeyAlgo,
		PublicKeyBits:      pubKeyBits,
		// I3: self-signed iff subject == issuer under format-independent
		// comparison.
		IsSelfSigned: dn.EqualComponents(subject, issuer),
		StoredInLDAP: false,
		SourceType:   source,
		ValidationStatus: ValidationUnknown,
		Conformance:      conformance,
	}, nil
}

func normalizeCountry(c string) string {
	out := make([]byte, 0, len(c))
	for i := 0; i < len(c); i++ {
		b := c[i]
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		out = append(out, b)
	}
	return string(out)
}

func publicKeyInfo(cert *x509.Certificate) (algorithm string, bits int) {
	algorithm = cert.PublicKeyAlgorithm.String()
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		bits = pub.Size() * 8
	case *ecdsa.PublicKey:
		bits = pub.Curve.Params().BitSize
	}
	return algorithm, bits
}
