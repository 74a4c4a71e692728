package store

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	gorp "gopkg.in/go-gorp/gorp.v2"

	"github.com/letsencrypt/icao-pkd/internal/dialect"
)

// Open dials the SQL backend named by d and dsn, pings it, and wraps it
// in a *gorp.DbMap with every table this service persists mapped, the
// way sa/database.go's NewDbMap does for boulder's own schema. Both
// drivers are blank-imported above so either dialect works without the
// caller needing its own import.
func Open(d dialect.Dialect, dsn string) (*gorp.DbMap, error) {
	driverName := "mysql"
	if d.Tag() == dialect.Postgres {
		driverName = "postgres"
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driverName, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", driverName, err)
	}

	dbMap := &gorp.DbMap{Db: db, Dialect: d.GormDialect()}
	initTables(dbMap)
	return dbMap, nil
}

// initTables constructs the table map for every row type this package
// persists. All primary keys are application-assigned UUID strings
// (store.uuid.NewString()), not auto-increment columns, so every
// SetKeys call passes false.
func initTables(dbMap *gorp.DbMap) {
	dbMap.AddTableWithName(Certificate{}, "certificate").SetKeys(false, "ID")
	dbMap.AddTableWithName(CRL{}, "crl").SetKeys(false, "ID")
	dbMap.AddTableWithName(DuplicateSighting{}, "certificate_duplicates").SetKeys(false, "ID")
	dbMap.AddTableWithName(PaVerification{}, "pa_verification").SetKeys(false, "ID")
	dbMap.AddTableWithName(DataGroupResult{}, "data_group_result").SetKeys(false, "ID")
	dbMap.AddTableWithName(AuditLogEntry{}, "audit_log").SetKeys(false, "ID")
	dbMap.AddTableWithName(SyncStatus{}, "sync_status").SetKeys(false, "ID")
	dbMap.AddTableWithName(ReconciliationSummary{}, "reconciliation_summary").SetKeys(false, "ID")
	dbMap.AddTableWithName(ReconciliationLog{}, "reconciliation_log").SetKeys(false, "ID")
	dbMap.AddTableWithName(UploadBatch{}, "upload_batch").SetKeys(false, "ID")
	dbMap.AddTableWithName(SyncConfig{}, "sync_config").SetKeys(false, "ID")
	dbMap.AddTableWithName(RevalidationHistory{}, "revalidation_history").SetKeys(false, "ID")
}

// DSN renders the driver-specific connection string for d from the
// individual DB_* environment variables (spec.md §6), the way
// sa/database.go's callers assemble their own DSN before calling
// NewDbMap.
func DSN(d dialect.Dialect, host string, port int, name, user, password string) string {
	if d.Tag() == dialect.Postgres {
		return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
			host, port, name, user, password)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", user, password, host, port, name)
}
