package migrator

import (
	"cmp"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Direction of a migration run.
type Direction int

// Directions in which migrations can be run.
const (
	MigrationUp Direction = iota
	MigrationDown
)

func (d Direction) String() string {
	if d == MigrationDown {
		return "down"
	}
	return "up"
}

// TargetAll selects every known migration as the run target.
const TargetAll = "all"

// Migration is a single versioned schema change, with scripts for applying
// it and optionally reverting it.
type Migration struct {
	ID   uint64
	Name string
	Up   *Script
	Down *Script
}

func (m *Migration) String() string {
	return fmt.Sprintf("%04d-%s", m.ID, m.Name)
}

var migrationFileRx = regexp.MustCompile(`^(\d+)-([A-Za-z0-9][A-Za-z0-9_-]*)\.(up|down)\.sql$`)

// LoadMigrations loads and parses all migration scripts in the given
// filesystem. Files must be named {id}-{name}.{up|down}.sql. Every migration
// must have an up script; the down script is optional for migrations that
// can't be reverted.
func LoadMigrations(fsys fs.FS) ([]*Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed reading migrations directory: %w", err)
	}

	byID := map[uint64]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fname := entry.Name()
		m := migrationFileRx.FindStringSubmatch(fname)
		if m == nil {
			return nil, fmt.Errorf("invalid migration file name %q; expected {id}-{name}.{up|down}.sql", fname)
		}

		id, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid migration ID in %q: %w", fname, err)
		}
		if id == 0 {
			return nil, fmt.Errorf("invalid migration ID in %q: must be greater than zero", fname)
		}

		data, err := fs.ReadFile(fsys, fname)
		if err != nil {
			return nil, fmt.Errorf("failed reading migration file %q: %w", fname, err)
		}
		script, err := ParseSQL(fname, data)
		if err != nil {
			return nil, err
		}
		if err = script.Validate(); err != nil {
			return nil, err
		}

		mig, ok := byID[id]
		if !ok {
			mig = &Migration{ID: id, Name: m[2]}
			byID[id] = mig
		} else if mig.Name != m[2] {
			return nil, fmt.Errorf("inconsistent names for migration ID %d: %q and %q", id, mig.Name, m[2])
		}

		if m[3] == "up" {
			mig.Up = script
		} else {
			mig.Down = script
		}
	}

	migrations := make([]*Migration, 0, len(byID))
	for _, mig := range byID {
		if mig.Up == nil {
			return nil, fmt.Errorf("migration %s has no up script", mig)
		}
		migrations = append(migrations, mig)
	}
	slices.SortFunc(migrations, func(a, b *Migration) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return migrations, nil
}

// ParseScript parses a single standalone migration script. The format is
// chosen by the file extension: .sql for SQL scripts with step directives,
// or .toml for manifests.
func ParseScript(name string, data []byte) (*Script, error) {
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".sql":
		return ParseSQL(name, data)
	case ".toml":
		return ParseManifest(name, data)
	default:
		return nil, fmt.Errorf("unsupported script format %q; expected .sql or .toml", ext)
	}
}
