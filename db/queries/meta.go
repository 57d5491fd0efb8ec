package queries

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.hackfix.me/lockstep/db/types"
)

// AppVersion returns the Lockstep application version the database was
// initialized with. If the returned sql.Null value is invalid, it indicates
// that the database hasn't been initialized.
func AppVersion(ctx context.Context, d types.Querier) (sql.Null[string], error) {
	var version sql.Null[string]
	exists, err := metaExists(ctx, d)
	if err != nil || !exists {
		return version, err
	}

	err = d.QueryRowContext(ctx, `SELECT app_version FROM _meta`).
		Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return version, err
	}

	return version, nil
}

// SchemaVersion returns the current schema version recorded by the migration
// runner. If the returned sql.Null value is invalid, it indicates that the
// database hasn't been initialized.
func SchemaVersion(ctx context.Context, d types.Querier) (sql.Null[string], error) {
	var version sql.Null[string]
	exists, err := metaExists(ctx, d)
	if err != nil || !exists {
		return version, err
	}

	err = d.QueryRowContext(ctx, `SELECT schema_version FROM _meta`).
		Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return version, err
	}

	return version, nil
}

// GetAllTables returns a map of all table names in the database that contain
// user data.
func GetAllTables(ctx context.Context, d types.Querier) (map[string]struct{}, error) {
	allTables := make(map[string]struct{})
	rows, err := d.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return nil, err
	}

	for rows.Next() {
		var name string
		err = rows.Scan(&name)
		if err != nil {
			return nil, err
		}

		// Exclude internal tables
		if !strings.HasPrefix(name, "_") && !strings.HasPrefix(name, "sqlite_") {
			allTables[name] = struct{}{}
		}
	}

	return allTables, nil
}

func metaExists(ctx context.Context, d types.Querier) (bool, error) {
	var exists bool
	err := d.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM sqlite_master
			WHERE type = 'table' AND name = '_meta'
		)`).Scan(&exists)
	if err != nil {
		return false, err
	}

	return exists, nil
}
