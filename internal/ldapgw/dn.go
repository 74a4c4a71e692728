package ldapgw

import (
	"fmt"
	"strings"
)

// Kind is the `o=` component of the fixed DN hierarchy (spec.md §6).
type Kind string

const (
	KindCSCA Kind = "csca"
	KindLC   Kind = "lc"
	KindDSC  Kind = "dsc"
	KindCRL  Kind = "crl"
	KindMLSC Kind = "mlsc"
)

// dataContainer returns the "dc=data" / "dc=nc-data" component for a given
// conformance tag, per spec.md §4.3 "DN layout (fixed)".
func dataContainer(conformant bool) string {
	if conformant {
		return "dc=data"
	}
	return "dc=nc-data"
}

// CountryDN is `c=<CC>,dc={data,nc-data},<baseDn>`, the first ensure-parent
// level (spec.md §4.3 "Ensure-parent").
func CountryDN(baseDN, country string, conformant bool) string {
	return fmt.Sprintf("c=%s,%s,%s", strings.ToUpper(country), dataContainer(conformant), baseDN)
}

// OrgDN is `o=<kind>,c=<CC>,dc={data,nc-data},<baseDn>`, the second
// ensure-parent level.
func OrgDN(baseDN, country string, kind Kind, conformant bool) string {
	return fmt.Sprintf("o=%s,%s", kind, CountryDN(baseDN, country, conformant))
}

// EntryDN is the leaf `cn=<fingerprint>,o=<kind>,c=<CC>,...` DN for a
// certificate or CRL entry.
func EntryDN(baseDN, country string, kind Kind, conformant bool, fingerprint string) string {
	return fmt.Sprintf("cn=%s,%s", strings.ToLower(fingerprint), OrgDN(baseDN, country, kind, conformant))
}

// kindForCertType maps a store.CertType name to the `o=` component used in
// the directory, per spec.md §4.3: DSC_NC still uses `o=dsc`, just under
// `dc=nc-data` instead of `dc=data`.
func kindForCertType(certType string) (Kind, error) {
	switch certType {
	case "CSCA":
		return KindCSCA, nil
	case "DSC", "DSC_NC":
		return KindDSC, nil
	case "CRL":
		return KindCRL, nil
	case "MLSC":
		return KindMLSC, nil
	default:
		return "", fmt.Errorf("ldapgw: unknown certificate type %q", certType)
	}
}
