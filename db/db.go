package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"strings"
	"time"

	//nolint:revive,nolintlint // Idiomatic way of loading DB libraries.
	_ "github.com/glebarez/go-sqlite"

	"go.hackfix.me/lockstep/db/migrator"
	"go.hackfix.me/lockstep/db/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps sql.DB with additional context and migration functionality.
type DB struct {
	*sql.DB
	ctx        context.Context
	timeNow    func() time.Time
	path       string
	migrations []*migrator.Migration
}

var (
	_ types.Querier     = (*DB)(nil)
	_ migrator.Database = (*DB)(nil)
)

// Open creates and configures a new SQLite database connection with
// migrations support.
func Open(ctx context.Context, path string, timeNow func() time.Time) (*DB, error) {
	var d *DB
	if strings.Contains(path, "mode=memory") || strings.Contains(path, ":memory:") {
		defer func() {
			if d != nil {
				// See https://github.com/mattn/go-sqlite3#faq
				d.SetMaxIdleConns(10)
				d.SetConnMaxLifetime(time.Duration(math.Inf(1)))
			}
		}()
	}

	// Foreign key enforcement is a per-connection setting, so it goes in the
	// DSN where it applies to every pooled connection.
	dsn := path
	if !strings.Contains(dsn, "_pragma=foreign_keys") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=foreign_keys(1)"
	}

	sqliteDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed opening SQLite database: %w", err)
	}

	d = &DB{DB: sqliteDB, ctx: ctx, path: path, timeNow: timeNow}

	migrationsDir, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed getting migrations directory: %w", err)
	}
	migrations, err := migrator.LoadMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}
	d.migrations = migrations

	return d, nil
}

// Init applies all migrations and stamps the application version the
// database was initialized with.
func (d *DB) Init(appVersion string, logger *slog.Logger, opts ...migrator.Option) error {
	dblogger := logger.With("path", d.path)
	dblogger.Debug("initializing database")

	res, err := migrator.RunMigrations(
		d, d.migrations, migrator.MigrationUp, migrator.TargetAll, logger, opts...)
	if err != nil {
		return err
	}

	_, err = d.ExecContext(d.NewContext(), `UPDATE _meta SET app_version = ?`, appVersion)
	if err != nil {
		return fmt.Errorf("failed updating _meta: %w", err)
	}

	dblogger.Info("database initialized", "schema_version", res.FinalSchemaVersion)

	return nil
}

// Migrate runs migrations in the given direction up to the target migration
// ID, or all of them if the target is "all".
func (d *DB) Migrate(
	direction migrator.Direction, target string, logger *slog.Logger, opts ...migrator.Option,
) (*migrator.Result, error) {
	return migrator.RunMigrations(d, d.migrations, direction, target, logger, opts...)
}

// Plan reports what a migration run would do, without executing anything.
func (d *DB) Plan(direction migrator.Direction, target string) (*migrator.Plan, error) {
	return migrator.PlanMigrations(d, d.migrations, direction, target)
}

// Status reports the applied state of all known migrations.
func (d *DB) Status() (*migrator.Status, error) {
	return migrator.CurrentStatus(d, d.migrations)
}

// UseMigrations replaces the embedded migration scripts, e.g. with a
// directory of site-local ones.
func (d *DB) UseMigrations(fsys fs.FS) error {
	migrations, err := migrator.LoadMigrations(fsys)
	if err != nil {
		return err
	}
	d.migrations = migrations
	return nil
}

// NewContext returns the main database context.
func (d *DB) NewContext() context.Context {
	return d.ctx
}

// TimeNow returns the current system time.
func (d *DB) TimeNow() time.Time {
	return d.timeNow()
}

// Path returns the database path.
func (d *DB) Path() string {
	return d.path
}
