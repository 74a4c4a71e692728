// Package dbx defines the narrow database capability interfaces every
// repository in this service programs against, adapted from the teacher's
// db/mocks.go. Keeping these interfaces small (rather than depending on
// *gorp.DbMap directly) is what makes store/reconcile/audit testable with
// an in-memory fake instead of a live database (SPEC_FULL.md §4.1, §9).
package dbx

import (
	"database/sql"

	gorp "gopkg.in/go-gorp/gorp.v2"
)

// OneSelector is anything that provides a SelectOne function.
type OneSelector interface {
	SelectOne(holder interface{}, query string, args ...interface{}) error
}

// IntSelector is anything that provides a SelectInt function, used for
// scalar aggregate queries (COUNT(*), etc.).
type IntSelector interface {
	SelectInt(query string, args ...interface{}) (int64, error)
}

// Selector is anything that provides a Select function.
type Selector interface {
	Select(holder interface{}, query string, args ...interface{}) ([]interface{}, error)
}

// Inserter is anything that provides an Insert function.
type Inserter interface {
	Insert(list ...interface{}) error
}

// Execer is anything that provides an Exec function.
type Execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// SelectExecer offers Select and Exec.
type SelectExecer interface {
	Selector
	Execer
}

// DatabaseMap offers the full combination of OneSelector, Inserter,
// SelectExecer plus Begin, for creating a Transaction. *gorp.DbMap
// satisfies this.
type DatabaseMap interface {
	OneSelector
	IntSelector
	Inserter
	SelectExecer
	Begin() (*gorp.Transaction, error)
}

// Executor is the subset every repository method actually needs: either a
// *gorp.DbMap or a *gorp.Transaction will do, mirroring the scoped-handle
// discipline of SPEC_FULL.md §9 ("Scoped acquisition").
type Executor interface {
	OneSelector
	IntSelector
	Inserter
	SelectExecer
}
