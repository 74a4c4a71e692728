// Package ldapgw is the LDAP v3 directory gateway (spec.md §4.3): scoped
// search/add/delete/ensure-parent-exists under the fixed DN hierarchy, over
// a bounded connection pool with retry/reconnect.
package ldapgw

import (
	"strings"

	ldap "github.com/go-ldap/ldap/v3"

	"github.com/letsencrypt/icao-pkd/internal/log"
	"github.com/letsencrypt/icao-pkd/internal/metrics"
	"github.com/letsencrypt/icao-pkd/internal/pkderrors"
)

// Gateway is the directory-facing half of the reconciliation/PA pipeline.
// It never exposes *ldap.Conn to callers — every operation acquires a
// Handle, uses it, and releases it before returning.
type Gateway struct {
	pool   *Pool
	baseDN string
	log    log.Logger
	scope  metrics.Scope
}

func NewGateway(pool *Pool, baseDN string, logger log.Logger, scope metrics.Scope) *Gateway {
	if scope == nil {
		scope = metrics.NewNoopScope()
	}
	return &Gateway{pool: pool, baseDN: baseDN, log: logger, scope: scope.NewScope("ldapgw")}
}

// CertificateEntry is the payload for AddCertificate.
type CertificateEntry struct {
	CertType    string // CSCA, DSC, DSC_NC, MLSC
	CountryCode string
	Fingerprint string
	SubjectDN   string
	CertID      string
	DER         []byte
}

// EnsureParentDNExists creates the `c=<CC>` and `o=<kind>` containers above
// an entry if they do not already exist, per spec.md §4.3 "Ensure-parent".
// Idempotent and safe under concurrent callers (ALREADY_EXISTS is success).
func (g *Gateway) EnsureParentDNExists(certType, country string, conformant bool) error {
	kind, err := kindForCertType(certType)
	if err != nil {
		return pkderrors.InvalidInputError("ldapgw: %v", err)
	}

	h, err := g.pool.Get()
	if err != nil {
		return err
	}
	defer h.Release()

	countryDN := CountryDN(g.baseDN, country, conformant)
	if err := createIfAbsent(h.conn, countryDN, []string{"top", "country"}, map[string]string{"c": country}); err != nil {
		return pkderrors.LDAPSchemaErrorf("ldapgw: ensure country container %s: %v", countryDN, err)
	}

	orgDN := OrgDN(g.baseDN, country, kind, conformant)
	if err := createIfAbsent(h.conn, orgDN, []string{"top", "organization"}, map[string]string{"o": string(kind)}); err != nil {
		return pkderrors.LDAPSchemaErrorf("ldapgw: ensure org container %s: %v", orgDN, err)
	}
	return nil
}

// createIfAbsent is the Go analogue of the original's createEntryIfNotExists:
// a SCOPE_BASE existence probe, then an add, with ALREADY_EXISTS swallowed.
func createIfAbsent(c conn, dn string, objectClasses []string, attrs map[string]string) error {
	req := ldap.NewSearchRequest(dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		0, 0, false, "(objectClass=*)", []string{"dn"}, nil)
	if _, err := c.Search(req); err == nil {
		return nil
	} else if !ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
		return err
	}

	add := ldap.NewAddRequest(dn, nil)
	add.Attribute("objectClass", objectClasses)
	for attr, val := range attrs {
		add.Attribute(attr, []string{val})
	}
	err := c.Add(add)
	if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
		return err
	}
	return nil
}

// AddCertificate adds a certificate entry under its fixed DN (spec.md §4.3
// "Add certificate entry"). The caller must have already ensured the parent
// DN exists. ALREADY_EXISTS is treated as success (idempotent add).
func (g *Gateway) AddCertificate(entry CertificateEntry, conformant bool) (dn string, err error) {
	kind, err := kindForCertType(entry.CertType)
	if err != nil {
		return "", pkderrors.InvalidInputError("ldapgw: %v", err)
	}
	dn = EntryDN(g.baseDN, entry.CountryCode, kind, conformant, entry.Fingerprint)

	h, err := g.pool.Get()
	if err != nil {
		return dn, err
	}
	defer h.Release()

	add := ldap.NewAddRequest(dn, nil)
	add.Attribute("objectClass", []string{"top", "person", "organizationalPerson", "inetOrgPerson", "pkdDownload"})
	add.Attribute("cn", []string{entry.SubjectDN})
	add.Attribute("sn", []string{entry.CertID})
	add.Attribute("description", []string{"Reconciled: " + entry.CertType + " | Subject: " + entry.SubjectDN + " | ID: " + entry.CertID})
	add.Attribute("userCertificate;binary", []string{string(entry.DER)})

	if err := h.conn.Add(add); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			g.scope.Inc("add_certificate.already_exists", 1)
			return dn, nil
		}
		g.scope.Inc("add_certificate.failed", 1)
		return dn, pkderrors.LDAPSchemaErrorf("ldapgw: add certificate %s: %v", dn, err)
	}
	g.scope.Inc("add_certificate.ok", 1)
	return dn, nil
}

// CRLEntry is the payload for AddCRL.
type CRLEntry struct {
	CountryCode string
	Fingerprint string
	DER         []byte
}

// AddCRL adds a CRL entry, per spec.md §4.3 "Add CRL entry". CRLs are
// always conformant (they have no `dc=nc-data` analogue).
func (g *Gateway) AddCRL(entry CRLEntry) (dn string, err error) {
	cnPrefix := entry.Fingerprint
	if len(cnPrefix) > 32 {
		cnPrefix = cnPrefix[:32]
	}
	dn = EntryDN(g.baseDN, entry.CountryCode, KindCRL, true, entry.Fingerprint)

	h, err := g.pool.Get()
	if err != nil {
		return dn, err
	}
	defer h.Release()

	add := ldap.NewAddRequest(dn, nil)
	add.Attribute("objectClass", []string{"top", "cRLDistributionPoint", "pkdDownload"})
	add.Attribute("cn", []string{cnPrefix})
	add.Attribute("certificateRevocationList;binary", []string{string(entry.DER)})

	if err := h.conn.Add(add); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			g.scope.Inc("add_crl.already_exists", 1)
			return dn, nil
		}
		g.scope.Inc("add_crl.failed", 1)
		return dn, pkderrors.LDAPSchemaErrorf("ldapgw: add crl %s: %v", dn, err)
	}
	g.scope.Inc("add_crl.ok", 1)
	return dn, nil
}

// Exists performs a SCOPE_BASE lookup on dn, used by the reconciliation
// engine (spec.md §4.7 step 2) to decide whether a certificate still needs
// to be added.
func (g *Gateway) Exists(dn string) (bool, error) {
	h, err := g.pool.Get()
	if err != nil {
		return false, err
	}
	defer h.Release()

	req := ldap.NewSearchRequest(dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		0, 0, false, "(objectClass=*)", []string{"dn"}, nil)
	_, err = h.conn.Search(req)
	if err == nil {
		return true, nil
	}
	if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
		return false, nil
	}
	return false, pkderrors.LDAPUnreachableError("ldapgw: exists check %s: %v", dn, err)
}

// Delete removes dn. NO_SUCH_OBJECT is treated as success (already gone).
func (g *Gateway) Delete(dn string) error {
	h, err := g.pool.Get()
	if err != nil {
		return err
	}
	defer h.Release()

	err = h.conn.Del(ldap.NewDelRequest(dn, nil))
	if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
		return pkderrors.LDAPSchemaErrorf("ldapgw: delete %s: %v", dn, err)
	}
	return nil
}

// FindAllCSCAsByCountry scans both `o=csca` and `o=lc` under `dc=data` for
// country, per spec.md §4.3 "Conformance-aware search" (link certificates
// counted as CSCA).
func (g *Gateway) FindAllCSCAsByCountry(country string) ([][]byte, error) {
	h, err := g.pool.Get()
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var out [][]byte
	for _, kind := range []Kind{KindCSCA, KindLC} {
		base := OrgDN(g.baseDN, country, kind, true)
		certs, err := searchCertificates(h.conn, base)
		if err != nil {
			continue // absent organizational unit is not an error here
		}
		out = append(out, certs...)
	}
	return out, nil
}

// FindDSCByCountry tries `dc=data` first, falls back to `dc=nc-data`, and
// reports whether the match came from the non-conformant branch.
func (g *Gateway) FindDSCByCountry(country string) (der [][]byte, nonConformant bool, err error) {
	h, err := g.pool.Get()
	if err != nil {
		return nil, false, err
	}
	defer h.Release()

	base := OrgDN(g.baseDN, country, KindDSC, true)
	certs, searchErr := searchCertificates(h.conn, base)
	if searchErr == nil && len(certs) > 0 {
		return certs, false, nil
	}

	ncBase := OrgDN(g.baseDN, country, KindDSC, false)
	certs, searchErr = searchCertificates(h.conn, ncBase)
	if searchErr != nil {
		return nil, false, nil
	}
	return certs, true, nil
}

// FindCRLByCountry returns all CRL DER blobs on file for country.
func (g *Gateway) FindCRLByCountry(country string) ([][]byte, error) {
	h, err := g.pool.Get()
	if err != nil {
		return nil, err
	}
	defer h.Release()

	base := OrgDN(g.baseDN, country, KindCRL, true)
	req := ldap.NewSearchRequest(base, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		100, 0, false, "(objectClass=pkdDownload)", []string{"certificateRevocationList;binary"}, nil)
	res, err := h.conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, pkderrors.LDAPUnreachableError("ldapgw: find crl by country %s: %v", country, err)
	}
	var out [][]byte
	for _, entry := range res.Entries {
		if v := entry.GetRawAttributeValue("certificateRevocationList;binary"); len(v) > 0 {
			out = append(out, v)
		}
	}
	return out, nil
}

// EntryDNFor computes the leaf DN a certificate/CRL of certType would
// occupy, without touching the directory. Used by the reconciliation
// engine to log what it did (or, in dry-run mode, what it would have
// done) without performing the add itself.
func (g *Gateway) EntryDNFor(certType, country, fingerprint string, conformant bool) (string, error) {
	kind, err := kindForCertType(certType)
	if err != nil {
		return "", pkderrors.InvalidInputError("ldapgw: %v", err)
	}
	return EntryDN(g.baseDN, country, kind, conformant, fingerprint), nil
}

// CountsByKind implements spec.md §4.7 step 1's LDAP side: subtree-search
// the whole directory and attribute each entry to {csca, dsc, crl, mlsc,
// lc->csca} by inspecting the first `o=` RDN in its DN. Link certificates
// fold into the csca count, matching how FindAllCSCAsByCountry treats them.
func (g *Gateway) CountsByKind() (map[Kind]int, error) {
	h, err := g.pool.Get()
	if err != nil {
		return nil, err
	}
	defer h.Release()

	req := ldap.NewSearchRequest(g.baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false, "(objectClass=pkdDownload)", []string{"dn"}, nil)
	res, err := h.conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return map[Kind]int{}, nil
		}
		return nil, pkderrors.LDAPUnreachableError("ldapgw: counts by kind: %v", err)
	}

	counts := map[Kind]int{}
	for _, entry := range res.Entries {
		kind, ok := firstOrgComponent(entry.DN)
		if !ok {
			continue
		}
		if kind == KindLC {
			kind = KindCSCA
		}
		counts[kind]++
	}
	return counts, nil
}

// firstOrgComponent extracts the `o=<kind>` RDN value from a DN string,
// the leftmost `o=` component above the entry's own `cn=` RDN.
func firstOrgComponent(dn string) (Kind, bool) {
	parts := strings.Split(dn, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(part), "o=") {
			return Kind(strings.ToLower(strings.TrimPrefix(part, "o="))), true
		}
	}
	return "", false
}

func searchCertificates(c conn, baseDN string) ([][]byte, error) {
	req := ldap.NewSearchRequest(baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		100, 0, false, "(objectClass=pkdDownload)", []string{"userCertificate;binary"}, nil)
	res, err := c.Search(req)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, entry := range res.Entries {
		if v := entry.GetRawAttributeValue("userCertificate;binary"); len(v) > 0 {
			out = append(out, v)
		}
	}
	return out, nil
}
