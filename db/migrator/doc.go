// Package migrator provides functionality to manage database schema migrations.
//
// Features:
// - Supports both forward (`up`) and rollback (`down`) migrations
// - Loads SQL migration files from an embedded filesystem with structured naming (`{id}-{name}.{up|down}.sql`)
// - Splits scripts into named steps of a declared kind (drop, create, backfill, rename)
// - Validates that steps reference schema objects in a possible order before executing anything
// - Executes migration plans to a target state or "all" migrations
// - Applies each migration in a single transaction under an exclusive lock
// - Tracks migration history in a dedicated database table
// - Maintains chronological migration history with timestamps
//
// Scripts declare steps with directive comments:
//
//	-- +step create_group_schema create
//	CREATE TABLE UserGroups (...);
//
// Standalone scripts can also be expressed as TOML manifests; see ParseManifest.
//
// The exclusive lock is SQLite's own write lock, taken with BEGIN IMMEDIATE on
// a dedicated connection. Acquisition is retried until the configured timeout
// and fails with a LockUnavailableError; once acquired, the transaction runs
// to completion and is never interrupted by context cancellation. When a run
// spans multiple migrations, each one is applied in its own transaction, so
// the lock is released and re-acquired between migrations but never mid-batch.
package migrator
