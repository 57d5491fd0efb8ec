package migrator

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/glebarez/go-sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SchemaConflictError is returned when a migration would create or rename an
// object over a name that already exists in the schema.
type SchemaConflictError struct {
	Object string
	Err    error
}

// Error returns a string representation of the error.
func (e SchemaConflictError) Error() string {
	return fmt.Sprintf("schema conflict: object %q already exists", e.Object)
}

// Unwrap returns the underlying error for error unwrapping.
func (e SchemaConflictError) Unwrap() error {
	return e.Err
}

// IntegrityViolationError is returned when executing a migration violates a
// database constraint, such as backfilling duplicate values into a unique
// column.
type IntegrityViolationError struct {
	Constraint string
	Err        error
}

// Error returns a string representation of the error.
func (e IntegrityViolationError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("integrity violation (%s constraint): %v", e.Constraint, e.Err)
	}
	return fmt.Sprintf("integrity violation: %v", e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e IntegrityViolationError) Unwrap() error {
	return e.Err
}

// DependencyOrderError is returned when a migration step references a schema
// object that doesn't exist at that point in the migration.
type DependencyOrderError struct {
	Step   string
	Object string
	Err    error
}

// Error returns a string representation of the error.
func (e DependencyOrderError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("step %q references object %q which doesn't exist at that point in the migration",
			e.Step, e.Object)
	}
	return fmt.Sprintf("object %q doesn't exist at that point in the migration", e.Object)
}

// Unwrap returns the underlying error for error unwrapping.
func (e DependencyOrderError) Unwrap() error {
	return e.Err
}

// LockUnavailableError is returned when the exclusive migration lock can't
// be acquired within the configured timeout.
type LockUnavailableError struct {
	Timeout time.Duration
	Err     error
}

// Error returns a string representation of the error.
func (e LockUnavailableError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("failed acquiring exclusive migration lock within %s", e.Timeout)
	}
	return "database is locked by another connection"
}

// Unwrap returns the underlying error for error unwrapping.
func (e LockUnavailableError) Unwrap() error {
	return e.Err
}

// StorageIOError is returned when the database storage itself fails: disk
// full, I/O errors, or permission problems.
type StorageIOError struct {
	Err error
}

// Error returns a string representation of the error.
func (e StorageIOError) Error() string {
	return fmt.Sprintf("storage failure: %v", e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e StorageIOError) Unwrap() error {
	return e.Err
}

// ScriptError describes a problem with a migration script itself, detected
// before anything is executed.
type ScriptError struct {
	Script string
	Line   int
	Msg    string
}

// Error returns a string representation of the error.
func (e ScriptError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Script, e.Line, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Script, e.Msg)
}

// StepError wraps a failure during the execution of a migration step with
// its position in the script, and the number of rows the step had already
// written when it failed.
type StepError struct {
	Migration string
	Step      string
	Statement int
	Rows      int64
	Err       error
}

// Error returns a string representation of the error.
func (e StepError) Error() string {
	msg := fmt.Sprintf("migration %s failed in step %q, statement %d", e.Migration, e.Step, e.Statement)
	if e.Rows > 0 {
		msg = fmt.Sprintf("%s, after writing %d rows", msg, e.Rows)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e StepError) Unwrap() error {
	return e.Err
}

var (
	alreadyExistsRx = regexp.MustCompile(`(?:table|index|view|trigger) (\S+) already exists`)
	noSuchRx        = regexp.MustCompile(`no such (?:table|index|column): (\S+)`)
)

// convertErr converts an expected error returned by SQLite during migration
// execution into one of the error types defined above.
func convertErr(err error) error {
	if err == nil {
		return nil
	}
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return err
	}

	code := sqlErr.Code()
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return &LockUnavailableError{Err: err}
	case sqlite3.SQLITE_CONSTRAINT:
		var constraint string
		switch code {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			constraint = "unique"
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			constraint = "primary key"
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			constraint = "foreign key"
		case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			constraint = "not null"
		case sqlite3.SQLITE_CONSTRAINT_CHECK:
			constraint = "check"
		}
		return &IntegrityViolationError{Constraint: constraint, Err: err}
	case sqlite3.SQLITE_FULL, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN,
		sqlite3.SQLITE_READONLY, sqlite3.SQLITE_PERM, sqlite3.SQLITE_NOMEM:
		return &StorageIOError{Err: err}
	case sqlite3.SQLITE_ERROR:
		// The generic error code covers schema problems that are only
		// distinguishable by message.
		msg := sqlErr.Error()
		if m := alreadyExistsRx.FindStringSubmatch(msg); m != nil {
			return &SchemaConflictError{Object: m[1], Err: err}
		}
		if m := noSuchRx.FindStringSubmatch(msg); m != nil {
			return &DependencyOrderError{Object: m[1], Err: err}
		}
	}

	return err
}

// isBusy reports whether the error is SQLite's signal that another
// connection holds a conflicting lock.
func isBusy(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	switch sqlErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
