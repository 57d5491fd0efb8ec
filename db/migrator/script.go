package migrator

import (
	"fmt"
	"strings"

	"go.hackfix.me/lockstep/crypto"
)

// Kind classifies what a migration step is allowed to do. Every statement in
// a step must match its declared kind, which is checked when the script is
// parsed.
type Kind string

// All supported step kinds.
const (
	KindDrop     Kind = "drop"
	KindCreate   Kind = "create"
	KindBackfill Kind = "backfill"
	KindRename   Kind = "rename"
)

func (k Kind) valid() bool {
	switch k {
	case KindDrop, KindCreate, KindBackfill, KindRename:
		return true
	}
	return false
}

// Script is an ordered list of migration steps, applied within a single
// transaction.
type Script struct {
	Steps []*Step

	sum []byte
}

// Step is a named group of statements of a single kind.
type Step struct {
	Name       string
	Kind       Kind
	Statements []*Statement
}

// Statement is a single SQL statement, annotated with the schema objects it
// creates, drops, renames, reads or writes. The annotations drive dependency
// validation.
type Statement struct {
	SQL  string
	Line int

	verb        verb
	creates     string
	ifNotExists bool
	drops       string
	ifExists    bool
	renameOld   string
	renameNew   string
	writes      string
	reads       []string
}

type verb int

const (
	verbNone verb = iota
	verbCreateTable
	verbCreateIndex
	verbDropTable
	verbDropIndex
	verbRenameTable
	verbRenameColumn
	verbAddColumn
	verbDropColumn
	verbInsert
	verbUpdate
	verbDelete
)

// kind returns the step kind a statement verb belongs to.
func (v verb) kind() Kind {
	switch v {
	case verbCreateTable, verbCreateIndex, verbAddColumn:
		return KindCreate
	case verbDropTable, verbDropIndex, verbDropColumn:
		return KindDrop
	case verbRenameTable, verbRenameColumn:
		return KindRename
	case verbInsert, verbUpdate, verbDelete:
		return KindBackfill
	}
	return ""
}

// Checksum returns the hex-encoded BLAKE2b-256 digest of the raw script
// source, as recorded in the migration history.
func (s *Script) Checksum() string {
	return fmt.Sprintf("%x", s.sum)
}

// Fingerprint returns a short rendering of the script checksum, for logs.
func (s *Script) Fingerprint() string {
	return crypto.Fingerprint(s.sum)
}

// settledState returns the schema objects the script guarantees to exist and
// to not exist after it has run. Objects that are only read or written, but
// not created, dropped or renamed, don't appear in either set.
func (s *Script) settledState() (present, absent []string) {
	state := map[string]objState{}
	for _, step := range s.Steps {
		for _, stmt := range step.Statements {
			switch {
			case stmt.creates != "":
				state[idkey(stmt.creates)] = objState{name: stmt.creates, present: true}
			case stmt.drops != "":
				state[idkey(stmt.drops)] = objState{name: stmt.drops}
			case stmt.renameOld != "":
				state[idkey(stmt.renameOld)] = objState{name: stmt.renameOld}
				state[idkey(stmt.renameNew)] = objState{name: stmt.renameNew, present: true}
			}
		}
	}

	for _, st := range state {
		if st.present {
			present = append(present, st.name)
		} else {
			absent = append(absent, st.name)
		}
	}

	return present, absent
}

// idkey normalizes a schema object name for comparison. SQLite identifiers
// are case-insensitive.
func idkey(name string) string {
	return strings.ToLower(name)
}
