package app

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mandelsoft/vfs/pkg/memoryfs"
	"github.com/stretchr/testify/require"

	"go.hackfix.me/lockstep/db"
)

var timeNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func timeNowFn() time.Time {
	return timeNow
}

type testApp struct {
	*App
	stdout, stderr *safeBuffer
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	// A unique name per app, to avoid clashing of in-memory SQLite DBs.
	rndName := make([]byte, 12)
	_, err := rand.Read(rndName)
	require.NoError(t, err)

	// Not using just :memory: to avoid 'no such table' issue.
	// See https://github.com/mattn/go-sqlite3#faq
	d, err := db.Open(t.Context(),
		fmt.Sprintf("file:lockstep-%x?mode=memory&cache=shared", rndName), timeNowFn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	stdout, stderr := newSafeBuffer(), newSafeBuffer()
	opts := []Option{
		WithTimeNow(timeNowFn),
		WithDB(d),
		WithContext(t.Context()),
		WithFDs(strings.NewReader(""), stdout, stderr),
		WithFS(memoryfs.New()),
		WithLogger(false),
	}
	app, err := New("lockstep", "/config.json", "/data", opts...)
	require.NoError(t, err)

	return &testApp{App: app, stdout: stdout, stderr: stderr}
}

// Run executes a single command, returning its error. The output buffers
// accumulate across runs; use resetOutputs between commands when asserting
// on exact output.
func (ta *testApp) Run(args ...string) error {
	return ta.App.Run(args)
}

func (ta *testApp) resetOutputs() {
	ta.stdout.Reset()
	ta.stderr.Reset()
}

// execSQL runs a raw statement on the app database, to set up schema states
// the CLI can't produce.
func (ta *testApp) execSQL(t *testing.T, stmt string, args ...any) {
	t.Helper()
	_, err := ta.ctx.DB.ExecContext(ta.ctx.DB.NewContext(), stmt, args...)
	require.NoError(t, err)
}

func (ta *testApp) tableExists(t *testing.T, name string) bool {
	t.Helper()
	var exists bool
	err := ta.ctx.DB.QueryRowContext(ta.ctx.DB.NewContext(),
		`SELECT EXISTS (
			SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?
		)`, name).Scan(&exists)
	require.NoError(t, err)
	return exists
}

// seedLegacyDB creates the legacy chat-bot group tables with sample data, as
// if the database was carried over from the original bot.
func (ta *testApp) seedLegacyDB(t *testing.T) {
	t.Helper()
	stmts := []string{
		`CREATE TABLE Groups (Id TEXT, Emoji TEXT, Channels TEXT)`,
		`CREATE TABLE GroupUsers (GroupId TEXT, UserId INTEGER)`,
		`CREATE TABLE GroupClaims (MessageId INTEGER, GroupId TEXT)`,
		`CREATE TABLE GroupClaimsAll (MessageId INTEGER)`,
		`INSERT INTO Groups VALUES ('42', '🔥', '100,200')`,
		`INSERT INTO GroupUsers VALUES ('42', 1), ('42', 2)`,
		`INSERT INTO GroupClaims VALUES (500, '42')`,
		`INSERT INTO GroupClaimsAll VALUES (600)`,
	}
	for _, stmt := range stmts {
		ta.execSQL(t, stmt)
	}
}

// safeBuffer is a thread-safe buffer.
type safeBuffer struct {
	mx  sync.RWMutex
	buf *bytes.Buffer
}

func newSafeBuffer() *safeBuffer {
	return &safeBuffer{buf: &bytes.Buffer{}}
}

func (b *safeBuffer) Read(p []byte) (n int, err error) {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return b.buf.Read(p)
}

func (b *safeBuffer) Write(p []byte) (n int, err error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Reset() {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.buf.Reset()
}

func (b *safeBuffer) String() string {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return b.buf.String()
}
