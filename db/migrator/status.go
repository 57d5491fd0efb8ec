package migrator

import (
	"time"
)

// Status describes the applied state of every known migration.
type Status struct {
	SchemaVersion string
	Entries       []StatusEntry
}

// StatusEntry pairs a migration with its history record, if any.
type StatusEntry struct {
	Migration     *Migration
	Applied       bool
	AppliedAt     time.Time
	ExecutionTime time.Duration
	RunID         string
	// Drift is set when the script has changed since it was applied.
	Drift bool
}

// CurrentStatus reports the applied state of all known migrations and the
// recorded schema version. It takes no locks and writes nothing.
func CurrentStatus(d Database, migrations []*Migration) (*Status, error) {
	ctx := d.NewContext()
	entries, err := historyEntries(ctx, d)
	if err != nil {
		return nil, err
	}
	applied := appliedSet(entries)

	version, err := schemaVersion(ctx, d)
	if err != nil {
		return nil, err
	}

	status := &Status{SchemaVersion: version}
	for _, mig := range migrations {
		e := StatusEntry{Migration: mig}
		if entry, ok := applied[mig.ID]; ok {
			e.Applied = true
			e.AppliedAt = entry.AppliedAt
			e.ExecutionTime = entry.ExecutionTime
			e.RunID = entry.RunID
			e.Drift = entry.Checksum != mig.Up.Checksum()
		}
		status.Entries = append(status.Entries, e)
	}

	return status, nil
}
