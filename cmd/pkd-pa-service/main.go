// Command pkd-pa-service runs the Passive Authentication HTTP API
// (spec.md §4.4, §4.6): parses uploaded SOD/DG payloads and returns the
// PaVerification verdict produced by internal/pa.Engine.
package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/jmhodges/clock"

	"github.com/letsencrypt/icao-pkd/cmd/pkdcmd"
	"github.com/letsencrypt/icao-pkd/internal/audit"
	"github.com/letsencrypt/icao-pkd/internal/chain"
	pkdconfig "github.com/letsencrypt/icao-pkd/internal/config"
	"github.com/letsencrypt/icao-pkd/internal/dialect"
	"github.com/letsencrypt/icao-pkd/internal/log"
	"github.com/letsencrypt/icao-pkd/internal/metrics"
	"github.com/letsencrypt/icao-pkd/internal/pa"
	"github.com/letsencrypt/icao-pkd/internal/pkderrors"
	"github.com/letsencrypt/icao-pkd/internal/store"
)

func main() {
	app := pkdcmd.NewAppShell("pkd-pa-service")
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

	validator := chain.New(st, nil)
	engine := pa.New(st, validator, nonConformantChecker{st}, clk, logger)
	auditor := audit.New(st, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/pa/verify", handleVerify(engine, auditor, logger))

	logger.Info("pkd-pa-service listening")
	err = http.ListenAndServe(":"+strconv.Itoa(envCfg.ServerPort), mux)
	pkdcmd.FailOnError(err, "serving http")
}

// nonConformantChecker implements pa.ConformanceChecker against the local
// store: a DSC fingerprint is non-conformant iff it is already on file
// under CertTypeDSCN (spec.md §4.6 step 2 probes the directory's
// dc=nc-data branch; the store mirrors that branch locally, per
// reconcile's sync direction, so the probe never needs its own LDAP
// round-trip).
type nonConformantChecker struct {
	store *store.Store
}

func (c nonConformantChecker) IsNonConformantDSC(fingerprint string) (bool, error) {
	_, err := c.store.GetByFingerprint(store.CertTypeDSCN, fingerprint)
	if err != nil {
		if pkderrors.Is(err, pkderrors.CertNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// verifyRequest is the wire shape of a PA verification request (spec.md
// §4.4): encoding/json decodes base64 directly into []byte fields.
type verifyRequest struct {
	SOD            []byte            `json:"sod"`
	DataGroups     map[string][]byte `json:"dataGroups"`
	DocumentNumber string            `json:"documentNumber"`
	CountryCode    string            `json:"countryCode"`
}

func handleVerify(engine *pa.Engine, auditor *audit.Logger, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		dataGroups := make(map[int][]byte, len(req.DataGroups))
		for k, v := range req.DataGroups {
			n, err := strconv.Atoi(k)
			if err != nil {
				continue
			}
			dataGroups[n] = v
		}

		ip := clientIP(r)
		done := auditor.Track("PA_VERIFY", req.DocumentNumber, ip)

		result, err := engine.Verify(pa.Request{
			SODData:        req.SOD,
			DataGroups:     dataGroups,
			DocumentNumber: req.DocumentNumber,
			CountryCode:    req.CountryCode,
			IPAddress:      ip,
			UserAgent:      r.UserAgent(),
		})
		if err != nil {
			logger.Err("pa verify: " + err.Error())
			done(err, nil)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		done(nil, map[string]any{"status": result.Verification.Status})

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
