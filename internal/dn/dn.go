// Package dn implements format-independent Distinguished Name comparison,
// grounded on original_source/services/common-lib/src/x509/dn_components.cpp:
// a DN is never compared as a raw string; it is first decomposed into its
// component form {C, O, OU, CN, serialNumber}, then compared in that
// canonical, lowercased order (spec.md §3.1 I2/I3, §4.1, §9 "Duck-typed DN
// strings").
package dn

import (
	"crypto/x509/pkix"
	"strings"
)

// Components is the structured, format-independent representation of a DN.
// Field order here is the canonical comparison order named by spec.md
// §3.1/§4.1: C, O, OU, CN, serialNumber.
type Components struct {
	Country            string
	Organization       string
	OrganizationalUnit string
	CommonName         string
	SerialNumber       string
}

// FromPKIXName builds Components from a parsed certificate Name, exactly
// the way extractDnComponents walks an X509_NAME in the original source.
func FromPKIXName(name pkix.Name) Components {
	c := Components{
		CommonName:   name.CommonName,
		SerialNumber: name.SerialNumber,
	}
	if len(name.Country) > 0 {
		c.Country = name.Country[0]
	}
	if len(name.Organization) > 0 {
		c.Organization = name.Organization[0]
	}
	if len(name.OrganizationalUnit) > 0 {
		c.OrganizationalUnit = name.OrganizationalUnit[0]
	}
	return c
}

// ParseString accepts either RFC 2253 form ("CN=X,O=Y,C=KR") or OpenSSL's
// "oneline" form ("/C=KR/O=Y/CN=X") and returns the structured components.
// Both formats arrive from different layers of the original ICAO PKD
// tooling (spec.md §9 "DN strings arrive in at least two formats").
func ParseString(raw string) Components {
	raw = strings.TrimSpace(raw)
	var pairs []string
	if strings.HasPrefix(raw, "/") {
		for _, p := range strings.Split(raw, "/") {
			if p = strings.TrimSpace(p); p != "" {
				pairs = append(pairs, p)
			}
		}
	} else {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				pairs = append(pairs, p)
			}
		}
	}

	var c Components
	for _, p := range pairs {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(kv[0]))
		val := strings.TrimSpace(kv[1])
		switch key {
		case "C":
			c.Country = val
		case "O":
			c.Organization = val
		case "OU":
			c.OrganizationalUnit = val
		case "CN":
			c.CommonName = val
		case "SERIALNUMBER":
			c.SerialNumber = val
		}
	}
	return c
}

// Canonical renders Components in the fixed comparison order, lowercased,
// so two DNs that are "the same" under §3.1's format-independent rule
// produce identical strings.
func (c Components) Canonical() string {
	parts := []string{
		"c=" + strings.ToLower(strings.TrimSpace(c.Country)),
		"o=" + strings.ToLower(strings.TrimSpace(c.Organization)),
		"ou=" + strings.ToLower(strings.TrimSpace(c.OrganizationalUnit)),
		"cn=" + strings.ToLower(strings.TrimSpace(c.CommonName)),
		"serialnumber=" + strings.ToLower(strings.TrimSpace(c.SerialNumber)),
	}
	return strings.Join(parts, "|")
}

// IsEmpty reports whether no component was populated.
func (c Components) IsEmpty() bool {
	return c.Country == "" && c.Organization == "" && c.OrganizationalUnit == "" &&
		c.CommonName == "" && c.SerialNumber == ""
}

// DisplayName mirrors DnComponents::getDisplayName: CN, then O, else
// "Unknown".
func (c Components) DisplayName() string {
	if c.CommonName != "" {
		return c.CommonName
	}
	if c.Organization != "" {
		return c.Organization
	}
	return "Unknown"
}

// Normalize returns the canonical comparison form of a DN string in either
// supported wire format.
func Normalize(raw string) string {
	return ParseString(raw).Canonical()
}

// Equal reports whether two DN strings denote the same DN under the
// format-independent comparison rule (spec.md §3.1 I3, §4.1, §9).
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// EqualComponents compares two already-parsed Components values.
func EqualComponents(a, b Components) bool {
	return a.Canonical() == b.Canonical()
}

// CountryOf extracts the ISO-3166-1 alpha-2 country code from a DN string,
// uppercased, per spec.md §3.1 I2.
func CountryOf(raw string) string {
	return strings.ToUpper(ParseString(raw).Country)
}
