// Package pkdcmd provides the utilities that underlie this service's
// binaries, so the specific command files stay small, e.g.:
//
//    func main() {
//      app := pkdcmd.NewAppShell("pkd-pa-service")
//      app.Action = func(c pkdcmd.Config, env *pkdconfig.Config, scope metrics.Scope, logger log.Logger) {
//        // command logic
//      }
//      app.Run()
//    }
//
// pkd-pa-service, pkd-sync-service and pkd-reconcile share the same
// invocation pattern: an optional "-config" flag naming a JSON file
// unmarshalled into a Config, handed to Action together with the
// environment configuration. pkd-admin builds its own cli.App instead.
// Adapted from cmd/shell.go and cmd/config.go.
package pkdcmd

import (
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	pkdconfig "github.com/letsencrypt/icao-pkd/internal/config"
	"github.com/letsencrypt/icao-pkd/internal/log"
	"github.com/letsencrypt/icao-pkd/internal/metrics"
)

// Config is the JSON-file-driven process configuration shared by every
// pkd-* binary. DB_PASSWORD/LDAP_BIND_PASSWORD and the rest of spec.md
// §6's environment variables are loaded separately via
// internal/config.Load — this struct only carries the handful of
// per-process knobs that aren't naturally environment variables (syslog
// verbosity, the scheduler's daily time, the debug server address).
type Config struct {
	Syslog struct {
		StdoutLevel int
		SyslogLevel int
	}
	DebugAddr string

	Scheduler struct {
		DailyTimeHHMM         string
		RevalidateCertsOnSync bool
		AutoReconcile         bool
		MaxReconcileBatchSize int
	}
}

// AppShell is the common structure every pkd-* main.go builds.
type AppShell struct {
	Action func(Config, *pkdconfig.Config, metrics.Scope, log.Logger)
	Config string // path to the JSON config file, set by -config
}

// NewAppShell constructs an AppShell and registers its -config flag.
func NewAppShell(name string) *AppShell {
	shell := &AppShell{}
	flag.StringVar(&shell.Config, "config", "", fmt.Sprintf("path to %s's JSON configuration file", name))
	return shell
}

// Run parses flags, loads both configuration sources, wires up logging
// and metrics, installs the logger as the process-wide default, and
// invokes Action. It returns when Action returns; the long-running
// binaries block inside Action (serving requests or running the
// scheduler loop) until the process is signaled to stop.
func (as *AppShell) Run() {
	flag.Parse()

	var jsonCfg Config
	if as.Config != "" {
		FailOnError(ReadConfigFile(as.Config, &jsonCfg), "failed to read config file")
	}

	envCfg, err := pkdconfig.Load()
	FailOnError(err, "failed to load environment configuration")

	scope, logger := StatsAndLogging(jsonCfg.Syslog.StdoutLevel, jsonCfg.Syslog.SyslogLevel)
	log.Set(logger)

	if jsonCfg.DebugAddr != "" {
		go DebugServer(jsonCfg.DebugAddr)
	}

	if as.Action != nil {
		as.Action(jsonCfg, envCfg, scope, logger)
	}
}

// StatsAndLogging constructs a metrics.Scope and an AuditLogger dialed to
// the local syslog daemon. If syslog can't be reached it returns a logger
// that writes only to stdout/stderr. It does not install the logger as
// the process-wide default; Run does that.
func StatsAndLogging(stdoutLevel, syslogLevel int) (metrics.Scope, log.Logger) {
	scope := metrics.NewPromScope(prometheus.DefaultRegisterer)

	tag := path.Base(os.Args[0])
	logger, err := log.Dial("", "", tag, log.Level(stdoutLevel))
	if err != nil {
		// No local syslog daemon (common in containers/tests): fall back
		// to a logger that only writes to stdout/stderr rather than
		// aborting the process.
		return scope, noSyslogLogger{}
	}
	_ = syslogLevel // accepted for config-shape parity with cmd/config.go's SyslogConfig; log.New ignores it too
	return scope, logger
}

// FailOnError exits and logs a message if err is non-nil.
func FailOnError(err error, msg string) {
	if err != nil {
		logger := log.Get()
		logger.AuditErr(fmt.Sprintf("%s: %s", msg, err))
		fmt.Fprintf(os.Stderr, "%s: %s\n", msg, err)
		os.Exit(1)
	}
}

// DebugServer starts an HTTP server exposing Prometheus metrics. Typical
// usage is `go pkdcmd.DebugServer(cfg.DebugAddr)`.
func DebugServer(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, nil); err != nil {
		FailOnError(err, fmt.Sprintf("unable to boot debug server on %q", addr))
	}
}

// ReadConfigFile unmarshals the JSON file at filename into out.
func ReadConfigFile(filename string, out interface{}) error {
	configData, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	return json.Unmarshal(configData, out)
}

var signalToName = map[os.Signal]string{
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGHUP:  "SIGHUP",
}

// CatchSignals blocks until SIGTERM, SIGINT or SIGHUP, runs callback (if
// non-nil), and exits. No pkd-* main calls it: pkd-sync-service uses
// CatchSignalsWithReload below.
func CatchSignals(logger log.Logger, callback func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	sig := <-sigChan
	logger.Info(fmt.Sprintf("caught %s", signalToName[sig]))

	if callback != nil {
		callback()
	}

	logger.Info("exiting")
	os.Exit(0)
}

// CatchSignalsWithReload is CatchSignals' long-running variant (spec.md
// §4.8 "Config reload"): SIGHUP invokes reload and keeps the process
// alive; SIGTERM/SIGINT invoke shutdown and exit. Used by pkd-sync-service,
// the one process whose scheduler has a persisted-config-reload path.
func CatchSignalsWithReload(logger log.Logger, reload func(), shutdown func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		logger.Info(fmt.Sprintf("caught %s", signalToName[sig]))
		if sig == syscall.SIGHUP {
			if reload != nil {
				reload()
			}
			continue
		}
		if shutdown != nil {
			shutdown()
		}
		logger.Info("exiting")
		os.Exit(0)
	}
}

// noSyslogLogger is used when no local syslog daemon is reachable (e.g.
// local development, containers without a syslog socket).
type noSyslogLogger struct{}

func (noSyslogLogger) Debug(msg string)   { fmt.Fprintln(os.Stdout, msg) }
func (noSyslogLogger) Info(msg string)    { fmt.Fprintln(os.Stdout, msg) }
func (noSyslogLogger) Warning(msg string) { fmt.Fprintln(os.Stderr, msg) }
func (noSyslogLogger) Err(msg string)     { fmt.Fprintln(os.Stderr, msg) }
func (noSyslogLogger) AuditErr(msg string) {
	fmt.Fprintf(os.Stderr, "[AUDIT] %s\n", msg)
}
func (noSyslogLogger) AuditPanic() {
	if err := recover(); err != nil {
		fmt.Fprintf(os.Stderr, "[PANIC] %v\n", err)
		panic(err)
	}
}
