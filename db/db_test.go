package db_test

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.hackfix.me/lockstep/db"
	"go.hackfix.me/lockstep/db/migrator"
	"go.hackfix.me/lockstep/db/queries"
)

var (
	timeNow    = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	testLogger = slog.New(slog.DiscardHandler)
)

func timeNowFn() time.Time {
	return timeNow
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()

	// A unique name per test, to avoid clashing of in-memory SQLite DBs.
	rndName := make([]byte, 12)
	_, err := rand.Read(rndName)
	require.NoError(t, err)

	// Not using just :memory: to avoid 'no such table' issue.
	// See https://github.com/mattn/go-sqlite3#faq
	d, err := db.Open(t.Context(),
		fmt.Sprintf("file:lockstep-%x?mode=memory&cache=shared", rndName), timeNowFn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	return d
}

func execSQL(t *testing.T, d *db.DB, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		_, err := d.ExecContext(d.NewContext(), stmt)
		require.NoError(t, err)
	}
}

func tableExists(t *testing.T, d *db.DB, name string) bool {
	t.Helper()
	var exists bool
	err := d.QueryRowContext(d.NewContext(),
		`SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?)`,
		name).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func rowCount(t *testing.T, d *db.DB, table string) int {
	t.Helper()
	var n int
	err := d.QueryRowContext(d.NewContext(),
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n)
	require.NoError(t, err)
	return n
}

// seedLegacyDB creates the legacy chat-bot group schema with sample data, as
// if the database had been created by the original bot.
func seedLegacyDB(t *testing.T, d *db.DB) {
	t.Helper()
	execSQL(t, d,
		`CREATE TABLE Groups (Id TEXT, Emoji TEXT, Channels TEXT)`,
		`CREATE TABLE GroupUsers (GroupId TEXT, UserId INTEGER)`,
		`CREATE TABLE GroupClaims (MessageId INTEGER, GroupId TEXT)`,
		`CREATE TABLE GroupClaimsAll (MessageId INTEGER)`,
		`INSERT INTO Groups (Id, Emoji, Channels) VALUES ('42', '🔥', '100,200')`,
		`INSERT INTO GroupUsers (GroupId, UserId) VALUES ('42', 1), ('42', 2), ('42', 2)`,
		`INSERT INTO GroupClaims (MessageId, GroupId) VALUES (500, '42'), (501, '999')`,
		`INSERT INTO GroupClaimsAll (MessageId) VALUES (600)`)
}

func TestDBInit(t *testing.T) {
	t.Parallel()

	d := newTestDB(t)
	require.NoError(t, d.Init("test", testLogger))

	for _, table := range []string{
		"UserGroups", "ChannelGroups", "UserGroupMembers", "ChannelGroupMembers",
		"GroupClaims", "GroupClaimsAll",
	} {
		assert.True(t, tableExists(t, d, table), table)
	}
	for _, table := range []string{"Groups", "GroupUsers"} {
		assert.False(t, tableExists(t, d, table), table)
	}

	schemaVersion, err := queries.SchemaVersion(d.NewContext(), d)
	require.NoError(t, err)
	require.True(t, schemaVersion.Valid)
	assert.Equal(t, "0002", schemaVersion.V)

	appVersion, err := queries.AppVersion(d.NewContext(), d)
	require.NoError(t, err)
	require.True(t, appVersion.Valid)
	assert.Equal(t, "test", appVersion.V)

	// Re-initialization is a no-op.
	require.NoError(t, d.Init("test", testLogger))
	assert.Equal(t, 2, rowCount(t, d, "_migrations"))
}

func TestDBInitLegacy(t *testing.T) {
	t.Parallel()

	d := newTestDB(t)
	seedLegacyDB(t, d)
	require.NoError(t, d.Init("test", testLogger))

	ctx := d.NewContext()

	// The legacy group became a user group named after its id, with a channel
	// group carrying its claim emoji.
	var groupID uint64
	err := d.QueryRowContext(ctx,
		`SELECT GroupId FROM UserGroups WHERE GroupName = '42'`).Scan(&groupID)
	require.NoError(t, err)

	var emote string
	var userGroupID uint64
	err = d.QueryRowContext(ctx,
		`SELECT ChannelGroupEmote, UserGroupId FROM ChannelGroups
		WHERE ChannelGroupId = '42'`).Scan(&emote, &userGroupID)
	require.NoError(t, err)
	assert.Equal(t, "🔥", emote)
	assert.Equal(t, groupID, userGroupID)

	// Duplicate membership rows were collapsed.
	assert.Equal(t, 2, rowCount(t, d, "UserGroupMembers"))

	// The dangling claim on group '999' was dropped; messages claimed for all
	// groups are marked as announcements.
	var messageID int64
	err = d.QueryRowContext(ctx, `SELECT MessageId FROM GroupClaims`).Scan(&messageID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), messageID)

	var announcement bool
	err = d.QueryRowContext(ctx,
		`SELECT IsAnnouncement FROM GroupClaimsAll WHERE MessageId = 600`).Scan(&announcement)
	require.NoError(t, err)
	assert.True(t, announcement)

	assert.False(t, tableExists(t, d, "Groups"))
	assert.False(t, tableExists(t, d, "GroupUsers"))

	// The legacy schema was recognized as the first migration.
	status, err := d.Status()
	require.NoError(t, err)
	assert.Equal(t, "0002", status.SchemaVersion)
	require.Len(t, status.Entries, 2)
	assert.True(t, status.Entries[0].Applied)
	assert.Zero(t, status.Entries[0].ExecutionTime)
	assert.True(t, status.Entries[1].Applied)
	assert.NotZero(t, status.Entries[1].RunID)
}

func TestDBInitLegacyDuplicateIDs(t *testing.T) {
	t.Parallel()

	d := newTestDB(t)
	seedLegacyDB(t, d)
	// A second group with the same id violates the unique group name
	// constraint during the backfill.
	execSQL(t, d, `INSERT INTO Groups (Id, Emoji, Channels) VALUES ('42', '💧', '300')`)

	err := d.Init("test", testLogger)
	require.Error(t, err)
	var integrityErr *migrator.IntegrityViolationError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, "unique", integrityErr.Constraint)

	// The legacy schema is untouched, so the migration can be retried.
	assert.True(t, tableExists(t, d, "Groups"))
	assert.Equal(t, 2, rowCount(t, d, "Groups"))
	assert.False(t, tableExists(t, d, "UserGroups"))

	execSQL(t, d, `DELETE FROM Groups WHERE Emoji = '💧'`)
	require.NoError(t, d.Init("test", testLogger))
	assert.Equal(t, 1, rowCount(t, d, "UserGroups"))
}

func TestDBMigrateDown(t *testing.T) {
	t.Parallel()

	d := newTestDB(t)
	require.NoError(t, d.Init("test", testLogger))

	res, err := d.Migrate(migrator.MigrationDown, "1", testLogger)
	require.NoError(t, err)
	assert.Equal(t, "0001", res.FinalSchemaVersion)
	assert.True(t, tableExists(t, d, "Groups"))
	assert.False(t, tableExists(t, d, "UserGroups"))

	res, err = d.Migrate(migrator.MigrationUp, migrator.TargetAll, testLogger)
	require.NoError(t, err)
	assert.Equal(t, "0002", res.FinalSchemaVersion)
	assert.True(t, tableExists(t, d, "UserGroups"))
}

func TestDBPlan(t *testing.T) {
	t.Parallel()

	d := newTestDB(t)

	plan, err := d.Plan(migrator.MigrationUp, migrator.TargetAll)
	require.NoError(t, err)
	assert.Len(t, plan.Pending, 2)
	assert.False(t, tableExists(t, d, "_migrations"))

	require.NoError(t, d.Init("test", testLogger))

	plan, err = d.Plan(migrator.MigrationUp, migrator.TargetAll)
	require.NoError(t, err)
	assert.Empty(t, plan.Pending)
}

func TestDBUseMigrations(t *testing.T) {
	t.Parallel()

	d := newTestDB(t)
	fsys := fstest.MapFS{
		"0001-notes.up.sql": &fstest.MapFile{Data: []byte(`-- +step create_notes create
CREATE TABLE Notes (Id INTEGER PRIMARY KEY, Body TEXT);
`)},
	}
	require.NoError(t, d.UseMigrations(fsys))
	require.NoError(t, d.Init("test", testLogger))

	assert.True(t, tableExists(t, d, "Notes"))
	assert.False(t, tableExists(t, d, "UserGroups"))

	schemaVersion, err := queries.SchemaVersion(d.NewContext(), d)
	require.NoError(t, err)
	assert.Equal(t, "0001", schemaVersion.V)
}
