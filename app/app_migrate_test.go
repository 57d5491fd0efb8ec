package app

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppApplyIntegration(t *testing.T) {
	t.Parallel()

	t.Run("ok/target_then_all", func(t *testing.T) {
		t.Parallel()
		app := newTestApp(t)

		require.NoError(t, app.Run("apply", "1"))
		assert.Contains(t, app.stdout.String(),
			"applied 0001-legacy-groups/create_legacy_schema")
		assert.Contains(t, app.stdout.String(), "Schema version: 0001")
		assert.True(t, app.tableExists(t, "Groups"))
		assert.False(t, app.tableExists(t, "UserGroups"))

		app.resetOutputs()
		require.NoError(t, app.Run("apply"))
		assert.Contains(t, app.stdout.String(),
			"applied 0002-usergroup-refactor/create_group_schema")
		assert.Contains(t, app.stdout.String(), "Schema version: 0002")
		assert.True(t, app.tableExists(t, "UserGroups"))
		assert.False(t, app.tableExists(t, "Groups"))
	})

	t.Run("ok/idempotent", func(t *testing.T) {
		t.Parallel()
		app := newTestApp(t)

		require.NoError(t, app.Run("apply"))
		app.resetOutputs()

		require.NoError(t, app.Run("apply"))
		assert.Contains(t, app.stdout.String(), "Nothing to do; schema version 0002")
	})

	t.Run("ok/standalone_script", func(t *testing.T) {
		t.Parallel()
		app := newTestApp(t)
		require.NoError(t, app.Run("apply"))
		app.resetOutputs()

		script := `-- +step create_audit create
CREATE TABLE AuditLog (
    Id INTEGER PRIMARY KEY,
    Action TEXT NOT NULL
);
`
		err := vfs.WriteFile(app.ctx.FS, "/audit.sql", []byte(script), 0o644)
		require.NoError(t, err)

		require.NoError(t, app.Run("apply", "--script", "/audit.sql"))
		assert.Contains(t, app.stdout.String(), "applied audit.sql/create_audit")
		assert.True(t, app.tableExists(t, "AuditLog"))

		// The schema version belongs to the migration chain alone.
		assert.Contains(t, app.stdout.String(), "Schema version: 0002")
	})

	t.Run("err/unknown_target", func(t *testing.T) {
		t.Parallel()
		app := newTestApp(t)

		err := app.Run("apply", "7")
		assert.ErrorContains(t, err, `unknown migration target "7"`)
	})
}

func TestAppRollbackIntegration(t *testing.T) {
	t.Parallel()

	t.Run("ok/to_target", func(t *testing.T) {
		t.Parallel()
		app := newTestApp(t)
		require.NoError(t, app.Run("apply"))
		app.resetOutputs()

		require.NoError(t, app.Run("rollback", "1"))
		assert.Contains(t, app.stdout.String(),
			"applied 0002-usergroup-refactor/drop_group_schema")
		assert.Contains(t, app.stdout.String(), "Schema version: 0001")
		assert.True(t, app.tableExists(t, "Groups"))
		assert.False(t, app.tableExists(t, "UserGroups"))
	})

	t.Run("ok/all", func(t *testing.T) {
		t.Parallel()
		app := newTestApp(t)
		require.NoError(t, app.Run("apply"))
		app.resetOutputs()

		require.NoError(t, app.Run("rollback", "all"))
		assert.Contains(t, app.stdout.String(), "Schema version: 0")
		assert.False(t, app.tableExists(t, "Groups"))
		assert.False(t, app.tableExists(t, "UserGroups"))
	})

	t.Run("err/missing_target", func(t *testing.T) {
		t.Parallel()
		app := newTestApp(t)

		err := app.Run("rollback")
		assert.ErrorContains(t, err, `expected "<target>"`)
	})
}

func TestAppPlanIntegration(t *testing.T) {
	t.Parallel()

	t.Run("ok/fresh", func(t *testing.T) {
		t.Parallel()
		app := newTestApp(t)

		require.NoError(t, app.Run("plan"))
		assert.Contains(t, app.stdout.String(), "up 0001-legacy-groups")
		assert.Contains(t, app.stdout.String(), "up 0002-usergroup-refactor")

		// Planning writes nothing, not even the tracking tables.
		assert.False(t, app.tableExists(t, "_migrations"))
	})

	t.Run("ok/legacy_database", func(t *testing.T) {
		t.Parallel()
		app := newTestApp(t)
		app.seedLegacyDB(t)

		require.NoError(t, app.Run("plan"))
		assert.Contains(t, app.stdout.String(), "adopt 0001-legacy-groups")
		assert.Contains(t, app.stdout.String(), "up 0002-usergroup-refactor")
	})

	t.Run("ok/up_to_date", func(t *testing.T) {
		t.Parallel()
		app := newTestApp(t)
		require.NoError(t, app.Run("apply"))
		app.resetOutputs()

		require.NoError(t, app.Run("plan"))
		assert.Contains(t, app.stdout.String(), "Nothing to do")
	})
}

func TestAppStatusIntegration(t *testing.T) {
	t.Parallel()

	t.Run("ok/fresh", func(t *testing.T) {
		t.Parallel()
		app := newTestApp(t)

		require.NoError(t, app.Run("status"))
		assert.Contains(t, app.stdout.String(), "Schema version: 0")
		assert.Contains(t, app.stdout.String(), "pending")
	})

	t.Run("ok/applied", func(t *testing.T) {
		t.Parallel()
		app := newTestApp(t)
		require.NoError(t, app.Run("init"))
		app.resetOutputs()

		require.NoError(t, app.Run("status"))
		assert.Contains(t, app.stdout.String(), "Schema version: 0002")
		assert.Contains(t, app.stdout.String(), "0001-legacy-groups")
		assert.Contains(t, app.stdout.String(), "0002-usergroup-refactor")
		assert.Contains(t, app.stdout.String(), "applied")
	})
}

func TestAppMigrationsDirIntegration(t *testing.T) {
	t.Parallel()

	// An on-disk migrations directory overrides the embedded scripts.
	dir := t.TempDir()
	script := `-- +step create_notes create
CREATE TABLE Notes (
    Id INTEGER PRIMARY KEY,
    Body TEXT NOT NULL
);
`
	err := os.WriteFile(filepath.Join(dir, "0001-notes.up.sql"), []byte(script), 0o644)
	require.NoError(t, err)

	app := newTestApp(t)
	require.NoError(t, app.Run("apply", "--migrations-dir", dir))

	assert.Contains(t, app.stdout.String(), "applied 0001-notes/create_notes")
	assert.True(t, app.tableExists(t, "Notes"))
	assert.False(t, app.tableExists(t, "UserGroups"))
}

func TestAppConfigIntegration(t *testing.T) {
	t.Parallel()

	// The migrations directory and lock timeout can come from the
	// configuration file instead of CLI flags.
	dir := t.TempDir()
	script := `-- +step create_notes create
CREATE TABLE Notes (
    Id INTEGER PRIMARY KEY,
    Body TEXT NOT NULL
);
`
	err := os.WriteFile(filepath.Join(dir, "0001-notes.up.sql"), []byte(script), 0o644)
	require.NoError(t, err)

	app := newTestApp(t)
	cfgJSON := fmt.Sprintf(
		`{"database": {"lock_timeout": "30s"}, "migrations": {"dir": %q}}`, dir)
	require.NoError(t,
		vfs.WriteFile(app.ctx.FS, "/config.json", []byte(cfgJSON), 0o644))

	require.NoError(t, app.Run("apply"))
	assert.Contains(t, app.stdout.String(), "applied 0001-notes/create_notes")
	assert.True(t, app.tableExists(t, "Notes"))
}
