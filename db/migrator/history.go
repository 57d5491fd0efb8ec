package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// querier is the query surface shared by *sql.Conn and Database, so read
// helpers work both under the migration lock and outside of it.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// trackingDDL creates the migration history and metadata tables. The
// metadata table holds a single row, seeded here so later runs can update it
// in place.
var trackingDDL = []string{
	`CREATE TABLE IF NOT EXISTS _migrations (
		id INTEGER NOT NULL,
		name TEXT NOT NULL,
		direction TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL,
		execution_time_ms INTEGER NOT NULL,
		checksum TEXT NOT NULL,
		run_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS _meta (
		schema_version TEXT NOT NULL DEFAULT '0',
		app_version TEXT
	)`,
	`INSERT INTO _meta (schema_version)
		SELECT '0' WHERE NOT EXISTS (SELECT 1 FROM _meta)`,
}

// historyEntry is a single record of the chronological migration history.
type historyEntry struct {
	ID            uint64
	Name          string
	Direction     string
	AppliedAt     time.Time
	ExecutionTime time.Duration
	Checksum      string
	RunID         string
}

// tableExists reports whether a table with the given name exists.
func tableExists(ctx context.Context, q querier, name string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?)`,
		name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed checking for table %q: %w", name, err)
	}
	return exists, nil
}

// historyEntries returns the full chronological migration history, oldest
// first. A missing history table is an empty history.
func historyEntries(ctx context.Context, q querier) (entries []historyEntry, rerr error) {
	exists, err := tableExists(ctx, q, "_migrations")
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	rows, err := q.QueryContext(ctx,
		`SELECT id, name, direction, applied_at, execution_time_ms, checksum, run_id
		FROM _migrations ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed querying migration history: %w", err)
	}
	defer func() {
		if err = rows.Close(); err != nil {
			rerr = fmt.Errorf("failed closing migration history rows: %w", err)
		}
	}()

	for rows.Next() {
		var (
			e  historyEntry
			ms int64
		)
		err = rows.Scan(&e.ID, &e.Name, &e.Direction, &e.AppliedAt, &ms, &e.Checksum, &e.RunID)
		if err != nil {
			return nil, fmt.Errorf("failed scanning migration history row: %w", err)
		}
		e.ExecutionTime = time.Duration(ms) * time.Millisecond
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating over migration history rows: %w", err)
	}

	return entries, nil
}

// appliedSet derives which migration IDs are currently applied from the
// chronological history: the last recorded direction for an ID wins.
func appliedSet(entries []historyEntry) map[uint64]historyEntry {
	applied := map[uint64]historyEntry{}
	for _, e := range entries {
		if e.Direction == MigrationDown.String() {
			delete(applied, e.ID)
		} else {
			applied[e.ID] = e
		}
	}
	return applied
}

// loadObjects returns the names of all tables and indexes in the database,
// excluding SQLite internals and the migrator's own tracking tables.
func loadObjects(ctx context.Context, q querier) (objs []string, rerr error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name FROM sqlite_master
		WHERE type IN ('table', 'index')
		AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		AND name NOT LIKE '\_%' ESCAPE '\'`)
	if err != nil {
		return nil, fmt.Errorf("failed querying schema objects: %w", err)
	}
	defer func() {
		if err = rows.Close(); err != nil {
			rerr = fmt.Errorf("failed closing schema object rows: %w", err)
		}
	}()

	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed scanning schema object row: %w", err)
		}
		objs = append(objs, name)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating over schema object rows: %w", err)
	}

	return objs, nil
}

// schemaVersion reads the current schema version from the metadata table,
// returning "0" if the table doesn't exist yet.
func schemaVersion(ctx context.Context, q querier) (string, error) {
	exists, err := tableExists(ctx, q, "_meta")
	if err != nil {
		return "", err
	}
	if !exists {
		return "0", nil
	}

	var version string
	err = q.QueryRowContext(ctx, `SELECT schema_version FROM _meta`).Scan(&version)
	if err != nil {
		return "", fmt.Errorf("failed reading schema version: %w", err)
	}
	return version, nil
}
