// Command pkd-sync-service runs the daily sync/reconcile scheduler
// (spec.md §4.7, §4.8): wires the store, LDAP gateway and chain validator
// into internal/scheduler.Scheduler and blocks until signaled to stop.
package main

import (
	"time"

	"github.com/jmhodges/clock"

	"github.com/letsencrypt/icao-pkd/cmd/pkdcmd"
	"github.com/letsencrypt/icao-pkd/internal/chain"
	pkdconfig "github.com/letsencrypt/icao-pkd/internal/config"
	"github.com/letsencrypt/icao-pkd/internal/dialect"
	"github.com/letsencrypt/icao-pkd/internal/ldapgw"
	"github.com/letsencrypt/icao-pkd/internal/log"
	"github.com/letsencrypt/icao-pkd/internal/metrics"
	"github.com/letsencrypt/icao-pkd/internal/reconcile"
	"github.com/letsencrypt/icao-pkd/internal/scheduler"
	"github.com/letsencrypt/icao-pkd/internal/store"
)

func main() {
	app := pkdcmd.NewAppShell("pkd-sync-service")
	app.Action = run
	app.Run()
}

func run(jsonCfg pkdcmd.Config, envCfg *pkdconfig.Config, scope metrics.Scope, logger log.Logger) {
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

	validator := chain.New(st, nil)
	reconciler := reconcile.New(st, gw, clk, logger, jsonCfg.Scheduler.MaxReconcileBatchSize)

	cfg := scheduler.Config{
		DailyTimeHHMM:           jsonCfg.Scheduler.DailyTimeHHMM,
		RevalidateCertsOnSync:   jsonCfg.Scheduler.RevalidateCertsOnSync,
		AutoReconcile:           jsonCfg.Scheduler.AutoReconcile,
		MaxReconcileBatchSize:   jsonCfg.Scheduler.MaxReconcileBatchSize,
		RevalidationParallelism: envCfg.RevalidationParallelism(),
	}
	if cfg.DailyTimeHHMM == "" {
		cfg.DailyTimeHHMM = "02:00"
	}

	// A previously persisted sync_config row (written by pkd-admin's
	// set-sync-config, say) takes precedence over the static JSON file
	// (spec.md §4.8 "Config reload" has a concrete row to start from).
	if persisted, err := st.GetSyncConfig(); err != nil {
		logger.Warning("pkd-sync-service: failed to read persisted sync config, using JSON defaults: " + err.Error())
	} else if persisted != nil {
		cfg.DailyTimeHHMM = persisted.DailyTimeHHMM
		cfg.RevalidateCertsOnSync = persisted.RevalidateCertsOnSync
		cfg.AutoReconcile = persisted.AutoReconcile
		cfg.MaxReconcileBatchSize = persisted.MaxReconcileBatchSize
	}

	sched := scheduler.New(st, gatewayCounter{gw}, validator, reconciler, cfg, clk, logger)
	sched.Start()

	logger.Info("pkd-sync-service started")
	pkdcmd.CatchSignalsWithReload(logger, func() {
		if err := sched.Reload(); err != nil {
			logger.Warning("pkd-sync-service: reload failed: " + err.Error())
		}
	}, sched.Stop)
}

// gatewayCounter narrows *ldapgw.Gateway to scheduler.LDAPGateway.
type gatewayCounter struct {
	gw *ldapgw.Gateway
}

func (g gatewayCounter) CountsByKind() (map[ldapgw.Kind]int, error) {
	return g.gw.CountsByKind()
}
