package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/nrednav/cuid2"
)

// Database is the connection surface the migrator needs. It matches the
// methods of db.DB so that package can pass itself in directly.
type Database interface {
	NewContext() context.Context
	TimeNow() time.Time
	Conn(ctx context.Context) (*sql.Conn, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DefaultLockTimeout is how long a run waits to acquire the exclusive
// migration lock unless overridden with WithLockTimeout.
const DefaultLockTimeout = 10 * time.Second

// lockRetryInterval is the pause between lock acquisition attempts.
const lockRetryInterval = 50 * time.Millisecond

// Option configures a migration run.
type Option func(*runner)

// WithLockTimeout sets how long to wait to acquire the exclusive migration
// lock before giving up with a LockUnavailableError. The timeout applies
// only to lock acquisition; once a migration transaction has started, it
// always runs to completion.
func WithLockTimeout(timeout time.Duration) Option {
	return func(r *runner) {
		r.lockTimeout = timeout
	}
}

// WithRunID overrides the generated ID that associates history records
// written by a single run.
func WithRunID(id string) Option {
	return func(r *runner) {
		r.runID = id
	}
}

type runner struct {
	db          Database
	logger      *slog.Logger
	lockTimeout time.Duration
	runID       string
}

func newRunner(d Database, logger *slog.Logger, opts ...Option) *runner {
	r := &runner{db: d, logger: logger, lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.runID == "" {
		r.runID = cuid2.Generate()
	}
	return r
}

// Result is the outcome of a migration run.
type Result struct {
	// StepsApplied lists the executed steps in order, qualified by their
	// migration, e.g. "0002-usergroup-refactor/backfill_members".
	StepsApplied []string
	// RowsAffected records the number of rows written by each backfill step.
	RowsAffected map[string]int64
	// Adopted lists migrations that were recorded as applied without being
	// executed, because the schema already reflected them.
	Adopted []string
	// FinalSchemaVersion is the recorded schema version after the run.
	FinalSchemaVersion string
}

// RunMigrations runs migrations in the given direction up to the target
// migration ID (inclusive), or all of them if the target is "all". Each
// migration is applied atomically in its own transaction under an exclusive
// lock, together with its history and schema version records; a failure in
// any step leaves the database exactly as it was before that migration
// started.
//
// Re-running is safe: applied migrations are skipped, and pending ones whose
// final schema state is already in place are adopted, i.e. recorded as
// applied without being executed.
func RunMigrations(
	d Database, migrations []*Migration, direction Direction, target string,
	logger *slog.Logger, opts ...Option,
) (res *Result, rerr error) {
	r := newRunner(d, logger, opts...)

	targetID, err := resolveTarget(target, migrations, direction)
	if err != nil {
		return nil, err
	}

	ctx := d.NewContext()
	conn, err := d.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed acquiring database connection: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil && rerr == nil {
			rerr = fmt.Errorf("failed releasing database connection: %w", err)
		}
	}()

	if err = r.prepareConn(ctx, conn); err != nil {
		return nil, err
	}

	// The plan is computed inside the first locked transaction, so runs
	// racing each other settle on one winner and the others see its history.
	if err = r.acquire(ctx, conn); err != nil {
		return nil, err
	}
	// From here on each started transaction must commit or roll back as a
	// unit, so context cancellation only applies between migrations.
	execCtx := context.WithoutCancel(ctx)

	if err = r.ensureTracking(execCtx, conn); err != nil {
		r.rollback(execCtx, conn)
		return nil, err
	}

	plan, err := computePlan(execCtx, conn, migrations, direction, targetID)
	if err != nil {
		r.rollback(execCtx, conn)
		return nil, err
	}
	for _, drift := range plan.Drift {
		r.logger.Warn("migration script has changed since it was applied",
			"migration", drift.Migration.String(),
			"checksum", drift.Migration.Up.Fingerprint(),
			"recorded", fingerprintHex(drift.Recorded))
	}

	res = &Result{RowsAffected: map[string]int64{}}

	var maxApplied uint64
	for _, mig := range migrations {
		if _, ok := plan.applied[mig.ID]; ok {
			maxApplied = max(maxApplied, mig.ID)
		}
	}

	for _, mig := range plan.Adopt {
		if err = r.recordHistory(execCtx, conn, mig.ID, mig.Name, direction, mig.Up, 0); err != nil {
			r.rollback(execCtx, conn)
			return nil, err
		}
		maxApplied = max(maxApplied, mig.ID)
		res.Adopted = append(res.Adopted, mig.String())
		r.logger.Info("adopted migration; schema already in place",
			"migration", mig.String(), "checksum", mig.Up.Fingerprint())
	}
	if len(plan.Adopt) > 0 {
		if err = r.updateVersion(execCtx, conn, formatVersion(maxApplied)); err != nil {
			r.rollback(execCtx, conn)
			return nil, err
		}
	}

	if len(plan.Pending) == 0 {
		if err = r.commit(execCtx, conn); err != nil {
			return nil, err
		}
		if res.FinalSchemaVersion, err = schemaVersion(execCtx, conn); err != nil {
			return nil, err
		}
		r.logger.Info("database schema is up to date", "version", res.FinalSchemaVersion)
		return res, nil
	}

	// Adoption records are committed on their own, so a failure in a later
	// migration can't roll them back.
	adopted := len(plan.Adopt) > 0
	if adopted {
		if err = r.commit(execCtx, conn); err != nil {
			return nil, err
		}
	}

	downVersions := planDownVersions(plan, migrations)

	for i, mig := range plan.Pending {
		if i > 0 || adopted {
			// Each migration runs in its own transaction; re-acquire the
			// lock for the next one.
			if err = ctx.Err(); err != nil {
				return res, err
			}
			if err = r.acquire(ctx, conn); err != nil {
				return res, err
			}
		}

		script := mig.Up
		version := formatVersion(max(maxApplied, mig.ID))
		if direction == MigrationDown {
			script = mig.Down
			version = downVersions[mig.ID]
		}

		if err = r.applyOne(execCtx, conn, mig.String(), mig.ID, mig.Name, direction, script, version, res); err != nil {
			return res, err
		}
		maxApplied = max(maxApplied, mig.ID)
		res.FinalSchemaVersion = version
	}

	return res, nil
}

// ApplyScript applies a single standalone script in one transaction under
// the exclusive lock, outside the versioned migration chain. It is recorded
// in the history with ID 0 and doesn't change the schema version. If the
// script's final schema state is already in place, nothing is executed.
func ApplyScript(
	d Database, name string, script *Script, logger *slog.Logger, opts ...Option,
) (res *Result, rerr error) {
	if err := script.Validate(); err != nil {
		return nil, err
	}

	r := newRunner(d, logger, opts...)

	ctx := d.NewContext()
	conn, err := d.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed acquiring database connection: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil && rerr == nil {
			rerr = fmt.Errorf("failed releasing database connection: %w", err)
		}
	}()

	if err = r.prepareConn(ctx, conn); err != nil {
		return nil, err
	}
	if err = r.acquire(ctx, conn); err != nil {
		return nil, err
	}
	execCtx := context.WithoutCancel(ctx)

	if err = r.ensureTracking(execCtx, conn); err != nil {
		r.rollback(execCtx, conn)
		return nil, err
	}

	objs, err := loadObjects(execCtx, conn)
	if err != nil {
		r.rollback(execCtx, conn)
		return nil, err
	}

	res = &Result{RowsAffected: map[string]int64{}}

	if settled(script, newObjectSet(objs, false)) {
		entries, err := historyEntries(execCtx, conn)
		if err != nil {
			r.rollback(execCtx, conn)
			return nil, err
		}
		recorded := false
		for _, e := range entries {
			if e.ID == 0 && e.Checksum == script.Checksum() {
				recorded = true
				break
			}
		}
		if !recorded {
			if err = r.recordHistory(execCtx, conn, 0, name, MigrationUp, script, 0); err != nil {
				r.rollback(execCtx, conn)
				return nil, err
			}
			res.Adopted = append(res.Adopted, name)
		}
		if err = r.commit(execCtx, conn); err != nil {
			return nil, err
		}
		if res.FinalSchemaVersion, err = schemaVersion(execCtx, conn); err != nil {
			return nil, err
		}
		r.logger.Info("script already applied; schema state in place", "script", name)
		return res, nil
	}

	if _, err = script.validate(newObjectSet(objs, false)); err != nil {
		r.rollback(execCtx, conn)
		return nil, err
	}

	if err = r.applyOne(execCtx, conn, name, 0, name, MigrationUp, script, "", res); err != nil {
		return res, err
	}
	if res.FinalSchemaVersion, err = schemaVersion(execCtx, conn); err != nil {
		return nil, err
	}

	return res, nil
}

// applyOne executes a single script inside the already-started transaction,
// records it in the history, updates the schema version if requested, and
// commits. On any failure the transaction is rolled back and the result is
// left untouched.
func (r *runner) applyOne(
	ctx context.Context, conn *sql.Conn, label string, id uint64, name string,
	direction Direction, script *Script, version string, res *Result,
) error {
	logger := r.logger.With("migration", label, "direction", direction.String())
	logger.Info("applying migration", "checksum", script.Fingerprint())
	start := time.Now()

	var (
		applied []string
		rowsMap = map[string]int64{}
	)
	for _, step := range script.Steps {
		var rows int64
		for si, stmt := range step.Statements {
			execRes, err := conn.ExecContext(ctx, stmt.SQL)
			if err != nil {
				stepErr := &StepError{
					Migration: label, Step: step.Name, Statement: si + 1,
					Rows: rows, Err: convertErr(err),
				}
				logger.Error("migration failed; rolling back", "step", step.Name, "error", stepErr.Err)
				r.rollback(ctx, conn)
				return stepErr
			}
			if step.Kind == KindBackfill {
				n, err := execRes.RowsAffected()
				if err != nil {
					r.rollback(ctx, conn)
					return fmt.Errorf("failed getting affected rows: %w", err)
				}
				rows += n
			}
		}

		qualified := fmt.Sprintf("%s/%s", label, step.Name)
		applied = append(applied, qualified)
		if step.Kind == KindBackfill {
			rowsMap[qualified] = rows
			logger.Debug("step applied", "step", step.Name, "kind", string(step.Kind), "rows", rows)
		} else {
			logger.Debug("step applied", "step", step.Name, "kind", string(step.Kind))
		}
	}

	execTime := time.Since(start)
	if err := r.recordHistory(ctx, conn, id, name, direction, script, execTime); err != nil {
		r.rollback(ctx, conn)
		return err
	}
	if version != "" {
		// The schema version update is the final statement of the
		// transaction.
		if err := r.updateVersion(ctx, conn, version); err != nil {
			r.rollback(ctx, conn)
			return err
		}
	}
	if err := r.commit(ctx, conn); err != nil {
		return err
	}

	res.StepsApplied = append(res.StepsApplied, applied...)
	maps.Copy(res.RowsAffected, rowsMap)
	logger.Info("migration applied",
		"steps", len(script.Steps), "time", execTime.Round(time.Millisecond))

	return nil
}

// prepareConn configures the dedicated migration connection. Busy waiting is
// disabled because the acquire retry loop handles it, and foreign key
// enforcement must be set outside a transaction to take effect.
func (r *runner) prepareConn(ctx context.Context, conn *sql.Conn) error {
	for _, pragma := range []string{
		`PRAGMA busy_timeout = 0`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed preparing migration connection: %w", convertErr(err))
		}
	}
	return nil
}

// acquire takes SQLite's write lock with BEGIN IMMEDIATE on the dedicated
// connection, retrying until the lock timeout.
func (r *runner) acquire(ctx context.Context, conn *sql.Conn) error {
	deadline := time.Now().Add(r.lockTimeout)
	for attempt := 1; ; attempt++ {
		_, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`)
		if err == nil {
			if attempt > 1 {
				r.logger.Debug("migration lock acquired", "attempts", attempt)
			}
			return nil
		}
		if !isBusy(err) {
			return fmt.Errorf("failed starting migration transaction: %w", convertErr(err))
		}
		if time.Now().After(deadline) {
			return &LockUnavailableError{Timeout: r.lockTimeout, Err: err}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func (r *runner) ensureTracking(ctx context.Context, conn *sql.Conn) error {
	for _, stmt := range trackingDDL {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed creating migration tracking tables: %w", convertErr(err))
		}
	}
	return nil
}

func (r *runner) commit(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		r.rollback(ctx, conn)
		return fmt.Errorf("failed committing migration transaction: %w", convertErr(err))
	}
	return nil
}

// rollback abandons the current transaction. Its error is only logged, since
// a failed rollback can't be acted on beyond abandoning the connection.
func (r *runner) rollback(ctx context.Context, conn *sql.Conn) {
	if _, err := conn.ExecContext(ctx, `ROLLBACK`); err != nil {
		r.logger.Warn("failed rolling back migration transaction", "error", err)
	}
}

func (r *runner) recordHistory(
	ctx context.Context, conn *sql.Conn, id uint64, name string,
	direction Direction, script *Script, execTime time.Duration,
) error {
	_, err := conn.ExecContext(ctx,
		`INSERT INTO _migrations (id, name, direction, applied_at, execution_time_ms, checksum, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, name, direction.String(), r.db.TimeNow().UTC(), execTime.Milliseconds(),
		script.Checksum(), r.runID)
	if err != nil {
		return fmt.Errorf("failed recording migration history: %w", convertErr(err))
	}
	return nil
}

func (r *runner) updateVersion(ctx context.Context, conn *sql.Conn, version string) error {
	if _, err := conn.ExecContext(ctx, `UPDATE _meta SET schema_version = ?`, version); err != nil {
		return fmt.Errorf("failed updating schema version: %w", convertErr(err))
	}
	return nil
}

// planDownVersions precomputes the schema version reached after reverting
// each pending migration of a down run.
func planDownVersions(plan *Plan, migrations []*Migration) map[uint64]string {
	if plan.Direction != MigrationDown {
		return nil
	}

	remaining := map[uint64]struct{}{}
	for _, mig := range migrations {
		if _, ok := plan.applied[mig.ID]; ok {
			remaining[mig.ID] = struct{}{}
		}
	}

	versions := map[uint64]string{}
	for _, mig := range plan.Pending {
		delete(remaining, mig.ID)
		var maxID uint64
		for id := range remaining {
			maxID = max(maxID, id)
		}
		versions[mig.ID] = formatVersion(maxID)
	}

	return versions
}

// formatVersion renders a migration ID as a schema version string. Version
// "0" is an empty schema with no migrations applied.
func formatVersion(id uint64) string {
	if id == 0 {
		return "0"
	}
	return fmt.Sprintf("%04d", id)
}

// fingerprintHex shortens a stored hex checksum for log output.
func fingerprintHex(checksum string) string {
	if len(checksum) > 16 {
		return checksum[:16]
	}
	return checksum
}
