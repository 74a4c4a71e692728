// Command pkd-reconcile runs a single one-way DB->LDAP reconciliation
// pass (spec.md §4.7) and exits, for manual/cron-triggered reconciliation
// outside the daily scheduler.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jmhodges/clock"

	"github.com/letsencrypt/icao-pkd/cmd/pkdcmd"
	"github.com/letsencrypt/icao-pkd/internal/audit"
	pkdconfig "github.com/letsencrypt/icao-pkd/internal/config"
	"github.com/letsencrypt/icao-pkd/internal/dialect"
	"github.com/letsencrypt/icao-pkd/internal/ldapgw"
	"github.com/letsencrypt/icao-pkd/internal/log"
	"github.com/letsencrypt/icao-pkd/internal/metrics"
	"github.com/letsencrypt/icao-pkd/internal/reconcile"
	"github.com/letsencrypt/icao-pkd/internal/store"
)

var (
	dryRun       = flag.Bool("dryRun", false, "Report what would be reconciled without adding anything to LDAP")
	maxBatchSize = flag.Int("maxBatchSize", 0, "Maximum rows reconciled per certificate type (0 = internal/reconcile's default)")
)

func main() {
	app := pkdcmd.NewAppShell("pkd-reconcile")
	app.Action = run
	app.Run()
}

func run(_ pkdcmd.Config, envCfg *pkdconfig.Config, scope metrics.Scope, logger log.Logger) {
	d, err := dialect.For(envCfg.DBType)
	pkdcmd.FailOnError(err, "resolving db dialect")

	dsn := store.DSN(d, envCfg.DBHost, envCfg.DBPort, envCfg.DBName, envCfg.DBUser, envCfg.DBPassword)
	dbMap, err := store.Open(d, dsn)
	pkdcmd.FailOnError(err, "opening database")

	clk := clock.New()
	st := store.New(dbMap, d, clk, logger, scope)

	pool := ldapgw.NewPool(ldapgw.Config{
		Host:           envCfg.LDAPHost,
		Port:           envCfg.LDAPPort,
		BindDN:         envCfg.LDAPBindDN,
		BindPassword:   envCfg.LDAPBindPassword,
		NetworkTimeout: time.Duration(envCfg.LDAPNetworkTimeout) * time.Second,
		PoolSize:       envCfg.ThreadNum,
	}, logger)
	gw := ldapgw.NewGateway(pool, envCfg.LDAPBaseDN, logger, scope)

	engine := reconcile.New(st, gw, clk, logger, *maxBatchSize)
	auditor := audit.New(st, logger)
	done := auditor.Track("RECONCILE", "MANUAL", "")

	summary, err := engine.Run(reconcile.Options{DryRun: *dryRun, TriggeredBy: "MANUAL"})
	done(err, map[string]any{"dryRun": *dryRun})
	pkdcmd.FailOnError(err, "reconciliation run failed")

	added := summary.CSCAAdded + summary.DSCAdded + summary.CRLAdded + summary.MLSCAdded
	fmt.Fprintf(os.Stdout, "reconciliation %s: status=%s added=%d failures=%d duration=%dms\n",
		summary.ID, summary.Status, added, summary.FailureCount, summary.DurationMs)
}
