// Package store is the certificate/CRL persistence and deduplication
// layer (SPEC_FULL.md §4.1, §4.2): a content-addressed mapping from
// SHA-256 fingerprint to DER record, with duplicate-sighting tracking and
// two-tier conformance classification. Grounded on sa/sa.go, sa/model.go
// and sa/database.go's gorp.DbMap idiom, generalized from Boulder's ACME
// object model to certificates, CRLs and PA verifications.
package store

import "time"

// CertType enumerates the kinds of certificate this service stores
// (spec.md §3.1).
type CertType string

const (
	CertTypeCSCA CertType = "CSCA"
	CertTypeDSC  CertType = "DSC"
	CertTypeDSCN CertType = "DSC_NC"
	CertTypeMLSC CertType = "MLSC"
)

// SourceType records how a certificate row entered the store (spec.md
// §3.1, §3.2).
type SourceType string

const (
	SourceUpload      SourceType = "UPLOAD"
	SourcePAExtracted SourceType = "PA_EXTRACTED"
)

// ValidationStatus is the coarse per-certificate validity verdict written
// by the chain validator (spec.md §3.1).
type ValidationStatus string

const (
	ValidationUnknown      ValidationStatus = "UNKNOWN"
	ValidationValid        ValidationStatus = "VALID"
	ValidationExpired       ValidationStatus = "EXPIRED"
	ValidationNotYetValid  ValidationStatus = "NOT_YET_VALID"
	ValidationInvalid      ValidationStatus = "INVALID"
	ValidationError        ValidationStatus = "ERROR"
)

// Conformance classifies a DSC as conformant (`data` LDAP branch) or
// non-conformant (`nc-data` branch), per spec.md §3.1/§4.3.
type Conformance string

const (
	Conformant    Conformance = "CONFORMANT"
	NonConformant Conformance = "NON_CONFORMANT"
)

// RevocationStatus is the per-certificate CRL verdict recorded by the
// chain validator (spec.md §4.1 "Validation-status materialization").
type RevocationStatus string

const (
	RevocationGood    RevocationStatus = "GOOD"
	RevocationRevoked RevocationStatus = "REVOKED"
	RevocationUnknown RevocationStatus = "UNKNOWN"
)

// Certificate is the certificate row described by spec.md §3.1 and §6's
// `certificate` table.
type Certificate struct {
	ID                  string     `db:"id"`
	Type                CertType   `db:"certificate_type"`
	CountryCode         string     `db:"country_code"`
	SubjectDN           string     `db:"subject_dn"`
	IssuerDN            string     `db:"issuer_dn"`
	SerialNumber        string     `db:"serial_number"`
	NotBefore           time.Time  `db:"not_before"`
	NotAfter            time.Time  `db:"not_after"`
	DER                 []byte     `db:"certificate_data"`
	FingerprintSHA256   string     `db:"fingerprint_sha256"`
	SignatureAlgorithm  string     `db:"signature_algorithm"`
	PublicKeyAlgorithm  string     `db:"public_key_algorithm"`
	PublicKeyBits       int        `db:"public_key_size"`
	IsSelfSigned        bool       `db:"is_self_signed"`
	StoredInLDAP        bool       `db:"stored_in_ldap"`
	SourceType          SourceType `db:"source_type"`
	FirstUploadID       string     `db:"first_upload_id"`
	ValidationStatus    ValidationStatus `db:"validation_status"`
	Conformance         Conformance `db:"conformance"`
	CreatedAt           time.Time  `db:"created_at"`
}

// CRL is the revocation list row described by spec.md §3.1 and §6's `crl`
// table.
type CRL struct {
	ID                string    `db:"id"`
	CountryCode       string    `db:"country_code"`
	IssuerDN          string    `db:"issuer_dn"`
	ThisUpdate        time.Time `db:"this_update"`
	NextUpdate        time.Time `db:"next_update"`
	DER               []byte    `db:"crl_binary"`
	FingerprintSHA256 string    `db:"fingerprint_sha256"`
	StoredInLDAP      bool      `db:"stored_in_ldap"`
}

// DuplicateSighting is an append-only record of a repeat import of an
// already-known fingerprint (spec.md §3.1 DuplicateSighting, §4.2).
type DuplicateSighting struct {
	ID             string     `db:"id"`
	CertificateID  string     `db:"certificate_id"`
	UploadID       string     `db:"upload_id"`
	SourceType     SourceType `db:"source_type"`
	SourceCountry  string     `db:"source_country"`
	SourceEntryDN  string     `db:"source_entry_dn"`
	SourceFileName string     `db:"source_file_name"`
	DetectedAt     time.Time  `db:"detected_at"`
}

// PAStatus is a PaVerification's overall verdict (spec.md §3.1 I5).
type PAStatus string

const (
	PAStatusValid   PAStatus = "VALID"
	PAStatusInvalid PAStatus = "INVALID"
	PAStatusError   PAStatus = "ERROR"
)

// PaVerification is one Passive Authentication run's full record (spec.md
// §3.1 "PaVerification", §4.6). I5: Status = VALID iff ChainValid AND
// SODSignatureValid AND DGHashesValid AND NOT Revoked.
type PaVerification struct {
	ID                 string    `db:"id"`
	DocumentNumber     string    `db:"document_number"`
	CountryCode        string    `db:"country_code"`
	Status             PAStatus  `db:"status"`
	SODHash            string    `db:"sod_hash"`
	DSCSubject         string    `db:"dsc_subject"`
	DSCSerialNumber    string    `db:"dsc_serial_number"`
	DSCIssuer          string    `db:"dsc_issuer"`
	DSCExpired         bool      `db:"dsc_expired"`
	CSCASubject        string    `db:"csca_subject"`
	CSCASerialNumber   string    `db:"csca_serial_number"`
	CSCAExpired        bool      `db:"csca_expired"`
	ChainValid         bool      `db:"chain_valid"`
	SODSignatureValid  bool      `db:"sod_signature_valid"`
	DGHashesValid      bool      `db:"dg_hashes_valid"`
	CRLChecked         bool      `db:"crl_checked"`
	Revoked            bool      `db:"revoked"`
	CRLStatus          string    `db:"crl_status"`
	ExpirationStatus   string    `db:"expiration_status"`
	CreatedAt          time.Time `db:"created_at"`
	IPAddress          string    `db:"ip_address"`
	UserAgent          string    `db:"user_agent"`
	ProcessingTimeMs   int64     `db:"processing_time_ms"`
}

// DataGroupResult is one data group's hash-verification outcome within a
// PaVerification (spec.md §3.1 "DataGroupResult", §4.6 step 6). I6:
// HashValid iff ExpectedHash == ActualHash, compared case-insensitively.
type DataGroupResult struct {
	ID             string `db:"id"`
	VerificationID string `db:"verification_id"`
	DGNumber       int    `db:"dg_number"`
	ExpectedHash   string `db:"expected_hash"`
	ActualHash     string `db:"actual_hash"`
	HashAlgorithm  string `db:"hash_algorithm"`
	HashValid      bool   `db:"hash_valid"`
	DGBinary       []byte `db:"dg_binary"`
}

// AuditLogEntry is one row of the best-effort audit trail (spec.md §4.9):
// every externally triggered core operation writes one of these on
// completion.
type AuditLogEntry struct {
	ID            string    `db:"id"`
	OperationType string    `db:"operation_type"`
	Subject       string    `db:"subject"`
	IPAddress     string    `db:"ip_address"`
	DurationMs    int64     `db:"duration_ms"`
	Success       bool      `db:"success"`
	ErrorText     string    `db:"error_text"`
	Metadata      string    `db:"metadata"` // JSON blob, operation-specific
	CreatedAt     time.Time `db:"created_at"`
}

// SyncState is a SyncStatus run's overall verdict (spec.md §3.1 I7).
type SyncState string

const (
	SyncSynced      SyncState = "SYNCED"
	SyncDiscrepancy SyncState = "DISCREPANCY"
	SyncError       SyncState = "ERROR"
)

// SyncStatus is one sync-check's result (spec.md §3.1 "SyncStatus", §4.8).
// I7: Status == SYNCED iff TotalDiscrepancy == 0.
type SyncStatus struct {
	ID                string    `db:"id"`
	CheckedAt         time.Time `db:"checked_at"`
	CSCADBCount       int       `db:"csca_db_count"`
	CSCALDAPCount     int       `db:"csca_ldap_count"`
	MLSCDBCount       int       `db:"mlsc_db_count"`
	MLSCLDAPCount     int       `db:"mlsc_ldap_count"`
	DSCDBCount        int       `db:"dsc_db_count"`
	DSCLDAPCount      int       `db:"dsc_ldap_count"`
	CRLDBCount        int       `db:"crl_db_count"`
	CRLLDAPCount      int       `db:"crl_ldap_count"`
	TotalDiscrepancy  int       `db:"total_discrepancy"`
	Status            SyncState `db:"status"`
	CountryBreakdown  string    `db:"country_breakdown"` // JSON blob, per-country per-type counts
}

// ReconciliationStatus is a ReconciliationSummary's lifecycle state
// (spec.md §4.7 step 4).
type ReconciliationStatus string

const (
	ReconciliationInProgress ReconciliationStatus = "IN_PROGRESS"
	ReconciliationCompleted  ReconciliationStatus = "COMPLETED"
	ReconciliationPartial    ReconciliationStatus = "PARTIAL"
	ReconciliationFailed     ReconciliationStatus = "FAILED"
)

// ReconciliationSummary is one reconciliation run's bookkeeping row
// (spec.md §3.1 "ReconciliationSummary", §4.7 step 4): written IN_PROGRESS
// at start, updated with final counters and status at completion.
type ReconciliationSummary struct {
	ID           string               `db:"id"`
	TriggeredBy  string               `db:"triggered_by"`
	DryRun       bool                 `db:"dry_run"`
	Status       ReconciliationStatus `db:"status"`
	CSCAAdded    int                  `db:"csca_added"`
	DSCAdded     int                  `db:"dsc_added"`
	CRLAdded     int                  `db:"crl_added"`
	MLSCAdded    int                  `db:"mlsc_added"`
	FailureCount int                  `db:"failure_count"`
	StartedAt    time.Time            `db:"started_at"`
	CompletedAt  time.Time            `db:"completed_at"`
	DurationMs   int64                `db:"duration_ms"`
}

// ReconciliationLog is one add/delete attempt within a reconciliation run
// (spec.md §3.1 "ReconciliationLog", §4.7 step 4).
type ReconciliationLog struct {
	ID          string    `db:"id"`
	SummaryID   string    `db:"summary_id"`
	Operation   string    `db:"operation"` // ADD, DELETE
	CertType    string    `db:"certificate_type"`
	Fingerprint string    `db:"fingerprint"`
	CountryCode string    `db:"country_code"`
	LDAPDN      string    `db:"ldap_dn"`
	Outcome     string    `db:"outcome"` // SUCCESS, FAILED
	ErrorText   string    `db:"error_text"`
	DurationMs  int64     `db:"duration_ms"`
	CreatedAt   time.Time `db:"created_at"`
}

// UploadBatch groups the certificates/CRLs ingested by one LDIF/Master-List
// import so DuplicateSighting.UploadID and Certificate.FirstUploadID have
// somewhere concrete to point (SPEC_FULL.md §3.3, grounded on
// original_source's upload_repository.cpp).
type UploadBatch struct {
	ID             string    `db:"id"`
	SourceFileName string    `db:"source_file_name"`
	UploadedAt     time.Time `db:"uploaded_at"`
	ItemCount      int       `db:"item_count"`
	DuplicateCount int       `db:"duplicate_count"`
}

// ValidationResult is the per-certificate materialized verdict from the
// chain validator (spec.md §4.1 "Validation-status materialization").
type ValidationResult struct {
	CertificateID       string           `db:"certificate_id"`
	TrustChainValid     bool             `db:"trust_chain_valid"`
	CSCAFound           bool             `db:"csca_found"`
	ValidityPeriodValid bool             `db:"validity_period_valid"`
	RevocationStatus    RevocationStatus `db:"revocation_status"`
	RevalidatedAt       time.Time        `db:"revalidated_at"`
}

// SyncConfig is the persisted scheduler configuration backing spec.md
// §4.8's "Config reload" step (SPEC_FULL.md §3.3 "SyncConfig", grounded on
// original_source's services/pkd-relay-service/src/relay/sync/common/
// config.h). It is a singleton row: ID is always syncConfigID.
type SyncConfig struct {
	ID                    string    `db:"id"`
	DailyTimeHHMM         string    `db:"daily_time_hhmm"`
	RevalidateCertsOnSync bool      `db:"revalidate_certs_on_sync"`
	AutoReconcile         bool      `db:"auto_reconcile"`
	MaxReconcileBatchSize int       `db:"max_reconcile_batch_size"`
	UpdatedAt             time.Time `db:"updated_at"`
}

// RevalidationHistory is one certificate's outcome within one revalidation
// pass (spec.md §4.8 (b), SPEC_FULL.md §3.3 "RevalidationHistory"). Backs
// Open Question (c)'s per-certificate failure logging without aborting the
// pass: one row is written per certificate per pass regardless of outcome.
type RevalidationHistory struct {
	ID             string    `db:"id"`
	CertificateID  string    `db:"certificate_id"`
	RevalidatedAt  time.Time `db:"revalidated_at"`
	PreviousStatus ValidationStatus `db:"previous_status"`
	NewStatus      ValidationStatus `db:"new_status"`
	CRLStatus      string    `db:"crl_status"`
	ErrorText      string    `db:"error_text"`
}
