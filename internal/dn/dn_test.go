package dn

import "testing"

func TestNormalizeFormatIndependence(t *testing.T) {
	oneline := "/C=KR/O=Government of Korea/OU=MOFA/CN=KR CSCA"
	rfc2253 := "CN=KR CSCA,OU=MOFA,O=Government of Korea,C=KR"

	if !Equal(oneline, rfc2253) {
		t.Fatalf("expected %q and %q to normalize equal, got %q vs %q",
			oneline, rfc2253, Normalize(oneline), Normalize(rfc2253))
	}
}

func TestNormalizeIsCaseInsensitive(t *testing.T) {
	a := "C=kr,O=GOV,CN=csca"
	b := "C=KR,O=gov,CN=CSCA"
	if !Equal(a, b) {
		t.Fatalf("expected case-insensitive DN equality, got %q vs %q", Normalize(a), Normalize(b))
	}
}

func TestCountryOf(t *testing.T) {
	if got := CountryOf("/C=kr/O=x"); got != "KR" {
		t.Errorf("CountryOf = %q, want KR", got)
	}
}

func TestDifferentDNsNotEqual(t *testing.T) {
	a := "C=KR,O=Gov,CN=CSCA-1"
	b := "C=KR,O=Gov,CN=CSCA-2"
	if Equal(a, b) {
		t.Fatalf("expected distinct CNs to compare unequal")
	}
}

func TestDisplayNamePriority(t *testing.T) {
	c := Components{Organization: "Gov of Korea"}
	if got := c.DisplayName(); got != "Gov of Korea" {
		t.Errorf("DisplayName = %q, want organization fallback", got)
	}
	if got := (Components{}).DisplayName(); got != "Unknown" {
		t.Errorf("DisplayName of empty Components = %q, want Unknown", got)
	}
}
