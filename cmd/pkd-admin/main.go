// Command pkd-admin is the operator CLI for ad-hoc certificate lookups
// and manual sync/reconcile triggers, mirroring admin-revoker's
// cli.App/cli.Command structure (one subcommand per administrative
// action). Configuration is read from the process environment only;
// there is no -config flag.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jmhodges/clock"
	"github.com/urfave/cli"

	"github.com/letsencrypt/icao-pkd/internal/audit"
	pkdconfig "github.com/letsencrypt/icao-pkd/internal/config"
	"github.com/letsencrypt/icao-pkd/internal/dialect"
	"github.com/letsencrypt/icao-pkd/internal/ldapgw"
	"github.com/letsencrypt/icao-pkd/internal/log"
	"github.com/letsencrypt/icao-pkd/internal/metrics"
	"github.com/letsencrypt/icao-pkd/internal/reconcile"
	"github.com/letsencrypt/icao-pkd/internal/store"
)

// adminContext bundles the handles every subcommand needs, built once from
// the process environment (spec.md §6) the same way admin-revoker's
// setupContext does from its JSON config.
type adminContext struct {
	store  *store.Store
	gw     *ldapgw.Gateway
	clk    clock.Clock
	logger log.Logger
}

func setupContext() (*adminContext, error) {
	envCfg, err := pkdconfig.Load()
	if err != nil {
		return nil, err
	}

	d, err := dialect.For(envCfg.DBType)
	if err != nil {
		return nil, err
	}
	dsn := store.DSN(d, envCfg.DBHost, envCfg.DBPort, envCfg.DBName, envCfg.DBUser, envCfg.DBPassword)
	dbMap, err := store.Open(d, dsn)
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	logger := noopLogger{}
	scope := metrics.NewNoopScope()
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

	return &adminContext{store: st, gw: gw, clk: clk, logger: logger}, nil
}

func main() {
	app := cli.NewApp()
	app.Name = "pkd-admin"
	app.Usage = "Operator tooling for the ICAO PKD service"
	app.Commands = []cli.Command{
		{
			Name:  "sync-status",
			Usage: "Print the most recently recorded sync-check result",
			Action: func(c *cli.Context) error {
				ctx, err := setupContext()
				if err != nil {
					return err
				}
				status, err := ctx.store.LatestSyncStatus()
				if err != nil {
					return err
				}
				if status == nil {
					fmt.Println("no sync-check has run yet")
					return nil
				}
				fmt.Printf("checked_at=%s status=%s discrepancy=%d (csca %d/%d, dsc %d/%d, mlsc %d/%d, crl %d/%d)\n",
					status.CheckedAt.Format(time.RFC3339), status.Status, status.TotalDiscrepancy,
					status.CSCADBCount, status.CSCALDAPCount,
					status.DSCDBCount, status.DSCLDAPCount,
					status.MLSCDBCount, status.MLSCLDAPCount,
					status.CRLDBCount, status.CRLLDAPCount)
				return nil
			},
		},
		{
			Name:      "cert-lookup",
			Usage:     "Look up a certificate by type and SHA-256 fingerprint",
			ArgsUsage: "<CSCA|DSC|DSC_NC|MLSC> <fingerprint>",
			Action: func(c *cli.Context) error {
				if c.NArg() < 2 {
					return cli.NewExitError("usage: pkd-admin cert-lookup <type> <fingerprint>", 1)
				}
				ctx, err := setupContext()
				if err != nil {
					return err
				}
				cert, err := ctx.store.GetByFingerprint(store.CertType(c.Args().Get(0)), c.Args().Get(1))
				if err != nil {
					return err
				}
				fmt.Printf("id=%s type=%s country=%s subject=%q not_before=%s not_after=%s stored_in_ldap=%t\n",
					cert.ID, cert.Type, cert.CountryCode, cert.SubjectDN,
					cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339), cert.StoredInLDAP)
				return nil
			},
		},
		{
			Name:  "set-sync-config",
			Usage: "Persist scheduler settings for pkd-sync-service to pick up on its next SIGHUP reload (spec.md §4.8)",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "daily-time", Usage: "HH:MM, 24-hour, local to the sync-service host"},
				cli.BoolFlag{Name: "revalidate-certs-on-sync"},
				cli.BoolFlag{Name: "auto-reconcile"},
				cli.IntFlag{Name: "max-reconcile-batch-size", Value: 100},
			},
			Action: func(c *cli.Context) error {
				if c.String("daily-time") == "" {
					return cli.NewExitError("usage: pkd-admin set-sync-config -daily-time HH:MM [flags]", 1)
				}
				ctx, err := setupContext()
				if err != nil {
					return err
				}
				cfg := &store.SyncConfig{
					DailyTimeHHMM:         c.String("daily-time"),
					RevalidateCertsOnSync: c.Bool("revalidate-certs-on-sync"),
					AutoReconcile:         c.Bool("auto-reconcile"),
					MaxReconcileBatchSize: c.Int("max-reconcile-batch-size"),
				}
				if err := ctx.store.SaveSyncConfig(cfg); err != nil {
					return err
				}
				fmt.Println("sync config saved; send SIGHUP to pkd-sync-service to apply it")
				return nil
			},
		},
		{
			Name:  "trigger-reconcile",
			Usage: "Run a manual reconciliation pass (spec.md §4.7)",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "dry-run", Usage: "Report what would be added without writing to LDAP"},
			},
			Action: func(c *cli.Context) error {
				ctx, err := setupContext()
				if err != nil {
					return err
				}
				engine := reconcile.New(ctx.store, ctx.gw, ctx.clk, ctx.logger, 0)
				auditor := audit.New(ctx.store, ctx.logger)
				done := auditor.Track("RECONCILE", "MANUAL", "")
				summary, err := engine.Run(reconcile.Options{DryRun: c.Bool("dry-run"), TriggeredBy: "MANUAL"})
				done(err, map[string]any{"dryRun": c.Bool("dry-run")})
				if err != nil {
					return err
				}
				added := summary.CSCAAdded + summary.DSCAdded + summary.CRLAdded + summary.MLSCAdded
				fmt.Printf("reconciliation %s: status=%s added=%d failures=%d\n",
					summary.ID, summary.Status, added, summary.FailureCount)
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// noopLogger is used by pkd-admin, an interactive short-lived CLI tool
// with no syslog endpoint to dial (spec.md §9 "Polymorphism of
// providers" applies to the log.Logger boundary, not just storage/LDAP).
type noopLogger struct{}

func (noopLogger) Debug(string)        {}
func (noopLogger) Info(msg string)     { fmt.Println(msg) }
func (noopLogger) Warning(msg string)  { fmt.Fprintln(os.Stderr, msg) }
func (noopLogger) Err(msg string)      { fmt.Fprintln(os.Stderr, msg) }
func (noopLogger) AuditErr(msg string) {
	fmt.Fprintf(os.Stderr, "[AUDIT] %s\n", msg)
}
func (noopLogger) AuditPanic() {
	if err := recover(); err != nil {
		panic(err)
	}
}
