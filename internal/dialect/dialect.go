// Package dialect abstracts the SQL differences between the two backends
// this service supports (MySQL and PostgreSQL), the way
// original_source/shared/lib/database/query_helpers.h abstracts Postgres
// vs Oracle: every statement routes through these helpers instead of
// branching at the call site (SPEC_FULL.md §9, spec.md §6/§9).
package dialect

import (
	"fmt"
	"strings"

	"gopkg.in/go-gorp/gorp.v2"
)

// Tag names a registered backend, read from the DB_TYPE environment
// variable (spec.md §6).
type Tag string

const (
	MySQL    Tag = "mysql"
	Postgres Tag = "postgres"
)

// Dialect is the tiny helper surface every repository uses instead of
// hand-writing dialect-specific SQL fragments. It is deliberately narrow:
// it does not try to be a query builder, only to isolate the handful of
// places where MySQL and Postgres syntax actually diverge for this
// service's schema (§6, §9).
type Dialect interface {
	// Tag identifies the backend ("mysql" or "postgres").
	Tag() Tag

	// GormDialect returns the gorp.Dialect used to build the DbMap.
	GormDialect() gorp.Dialect

	// CurrentTimestamp renders the SQL expression for "now" in this
	// dialect.
	CurrentTimestamp() string

	// PaginationClause renders a LIMIT/OFFSET (or dialect-equivalent)
	// clause.
	PaginationClause(limit, offset int) string

	// BoolLiteral renders a boolean literal.
	BoolLiteral(b bool) string

	// HexPrefix renders the prefix MySQL/Postgres expect before a hex
	// string literal that should be interpreted as bytes (e.g. 0x...
	// for MySQL, \x... for Postgres's bytea).
	HexPrefix() string

	// GenerateID renders the SQL fragment used to generate a new
	// primary key value on insert ("" means the driver auto-increments
	// and no fragment is needed).
	GenerateID() string

	// BindVar renders the positional placeholder for the n'th bound
	// argument (1-indexed): "?" for MySQL, "$n" for Postgres.
	BindVar(n int) string
}

// Rebind rewrites a query written with "?" positional placeholders into
// d's native bindvar style, the way gorp.v2's own struct-CRUD statements
// are rebound internally — caller-supplied raw SQL gets no such
// translation for free, so every hand-written statement in
// internal/store routes through this instead of hardcoding "?" (spec.md
// §6, SPEC_FULL.md §9 backend portability).
func Rebind(d Dialect, query string) string {
	if d.Tag() == MySQL {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.BindVar(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type mysqlDialect struct{}

func (mysqlDialect) Tag() Tag                 { return MySQL }
func (mysqlDialect) GormDialect() gorp.Dialect { return gorp.MySQLDialect{Engine: "InnoDB", Encoding: "UTF8"} }
func (mysqlDialect) CurrentTimestamp() string { return "NOW()" }
func (mysqlDialect) PaginationClause(limit, offset int) string {
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}
func (mysqlDialect) BoolLiteral(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
func (mysqlDialect) HexPrefix() string { return "0x" }
func (mysqlDialect) GenerateID() string { return "" }
func (mysqlDialect) BindVar(n int) string { return "?" }

type postgresDialect struct{}

func (postgresDialect) Tag() Tag                 { return Postgres }
func (postgresDialect) GormDialect() gorp.Dialect { return gorp.PostgresDialect{} }
func (postgresDialect) CurrentTimestamp() string { return "now()" }
func (postgresDialect) PaginationClause(limit, offset int) string {
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}
func (postgresDialect) BoolLiteral(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}
func (postgresDialect) HexPrefix() string    { return "\\x" }
func (postgresDialect) GenerateID() string   { return "DEFAULT" }
func (postgresDialect) BindVar(n int) string { return fmt.Sprintf("$%d", n) }

// registry maps the DB_TYPE environment/config value to a Dialect
// implementation, mirroring sa/database.go's dialectMap.
var registry = map[Tag]Dialect{
	MySQL:    mysqlDialect{},
	Postgres: postgresDialect{},
}

// For looks up the Dialect registered for tag.
func For(tag Tag) (Dialect, error) {
	d, ok := registry[tag]
	if !ok {
		return nil, fmt.Errorf("dialect: no dialect registered for %q", tag)
	}
	return d, nil
}
