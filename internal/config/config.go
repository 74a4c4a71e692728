// Package config loads this service's startup configuration from the
// environment variables enumerated in full by spec.md §6, the way
// cmd/config.go's ConfigSecret loads boulder's own mandatory secrets.
// DB_PASSWORD and LDAP_BIND_PASSWORD are read directly from the
// environment (never from a JSON config file) and their absence is a
// fatal CONFIG_MISSING error, per spec.md §6/§7.
package config

import (
	"os"
	"strconv"

	"github.com/letsencrypt/icao-pkd/internal/dialect"
	"github.com/letsencrypt/icao-pkd/internal/pkderrors"
)

// Config is the complete set of startup parameters spec.md §6 names.
// The ORACLE_* fields are accepted (so a deployment's environment need
// not be scrubbed of them) but unused: this service only ships MySQL and
// Postgres dialects (internal/dialect), not Oracle.
type Config struct {
	DBType     dialect.Tag
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	OracleHost        string
	OraclePort        int
	OracleServiceName string
	OracleUser        string
	OraclePassword    string

	DBPoolMin     int
	DBPoolMax     int
	DBPoolTimeout int // seconds

	LDAPHost            string
	LDAPPort            int
	LDAPBindDN          string
	LDAPBindPassword    string
	LDAPBaseDN          string
	LDAPNetworkTimeout  int // seconds

	ServerPort    int
	ThreadNum     int
	MaxBodySizeMB int
}

// Load reads Config from the process environment. It returns a
// CONFIG_MISSING pkderrors.Error if DB_PASSWORD or LDAP_BIND_PASSWORD is
// absent, or if DB_TYPE names an unsupported dialect (spec.md §6 lists
// ORACLE_* variables, but this service has no Oracle dialect to pair
// them with).
func Load() (*Config, error) {
	cfg := &Config{
		DBType:     dialect.Tag(getenv("DB_TYPE", string(dialect.MySQL))),
		DBHost:     getenv("DB_HOST", "localhost"),
		DBPort:     getenvInt("DB_PORT", 3306),
		DBName:     getenv("DB_NAME", ""),
		DBUser:     getenv("DB_USER", ""),
		DBPassword: os.Getenv("DB_PASSWORD"),

		OracleHost:        os.Getenv("ORACLE_HOST"),
		OraclePort:        getenvInt("ORACLE_PORT", 0),
		OracleServiceName: os.Getenv("ORACLE_SERVICE_NAME"),
		OracleUser:        os.Getenv("ORACLE_USER"),
		OraclePassword:    os.Getenv("ORACLE_PASSWORD"),

		DBPoolMin:     getenvInt("DB_POOL_MIN", 1),
		DBPoolMax:     getenvInt("DB_POOL_MAX", 10),
		DBPoolTimeout: getenvInt("DB_POOL_TIMEOUT", 30),

		LDAPHost:           getenv("LDAP_HOST", "localhost"),
		LDAPPort:           getenvInt("LDAP_PORT", 389),
		LDAPBindDN:         os.Getenv("LDAP_BIND_DN"),
		LDAPBindPassword:   os.Getenv("LDAP_BIND_PASSWORD"),
		LDAPBaseDN:         os.Getenv("LDAP_BASE_DN"),
		LDAPNetworkTimeout: getenvInt("LDAP_NETWORK_TIMEOUT", 10),

		ServerPort:    getenvInt("SERVER_PORT", 8080),
		ThreadNum:     getenvInt("THREAD_NUM", 10),
		MaxBodySizeMB: getenvInt("MAX_BODY_SIZE_MB", 10),
	}

	if cfg.DBPassword == "" {
		return nil, pkderrors.New(pkderrors.ConfigMissing, "DB_PASSWORD is required")
	}
	if cfg.LDAPBindPassword == "" {
		return nil, pkderrors.New(pkderrors.ConfigMissing, "LDAP_BIND_PASSWORD is required")
	}
	if _, err := dialect.For(cfg.DBType); err != nil {
		return nil, pkderrors.New(pkderrors.ConfigMissing, "unsupported DB_TYPE %q: %v", cfg.DBType, err)
	}

	return cfg, nil
}

// RevalidationParallelism returns min(THREAD_NUM, DB_POOL_MAX), the
// worker-pool sizing decided for the scheduler's revalidation pass
// (Open Question (c)).
func (c *Config) RevalidationParallelism() int {
	if c.ThreadNum < c.DBPoolMax {
		return c.ThreadNum
	}
	return c.DBPoolMax
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
