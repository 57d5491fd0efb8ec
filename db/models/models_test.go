package models_test

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.hackfix.me/lockstep/db"
	"go.hackfix.me/lockstep/db/models"
	"go.hackfix.me/lockstep/db/types"
)

var timeNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func timeNowFn() time.Time {
	return timeNow
}

func newTestDB(t *testing.T) (*db.DB, context.Context) {
	t.Helper()

	// A unique name per test, to avoid clashing of in-memory SQLite DBs.
	rndName := make([]byte, 12)
	_, err := rand.Read(rndName)
	require.NoError(t, err)

	d, err := db.Open(t.Context(),
		fmt.Sprintf("file:models-%x?mode=memory&cache=shared", rndName), timeNowFn)
	require.NoError(t, err)
	require.NoError(t, d.Init("test", slog.New(slog.DiscardHandler)))
	t.Cleanup(func() { _ = d.Close() })

	return d, d.NewContext()
}

func TestUserGroup(t *testing.T) {
	t.Parallel()

	d, ctx := newTestDB(t)

	g := &models.UserGroup{Name: "helpers"}
	require.NoError(t, g.Save(ctx, d, false))
	assert.NotZero(t, g.ID)

	t.Run("ok/load_by_name", func(t *testing.T) {
		loaded := &models.UserGroup{Name: "helpers"}
		require.NoError(t, loaded.Load(ctx, d))
		assert.Equal(t, g.ID, loaded.ID)
	})

	t.Run("ok/rename", func(t *testing.T) {
		renamed := &models.UserGroup{ID: g.ID, Name: "moderators"}
		require.NoError(t, renamed.Save(ctx, d, true))
		loaded := &models.UserGroup{ID: g.ID}
		require.NoError(t, loaded.Load(ctx, d))
		assert.Equal(t, "moderators", loaded.Name)
	})

	t.Run("err/duplicate_name", func(t *testing.T) {
		dup := &models.UserGroup{Name: "moderators"}
		err := dup.Save(ctx, d, false)
		require.Error(t, err)
		var dupErr *types.DuplicateError
		assert.ErrorAs(t, err, &dupErr)
	})

	t.Run("err/load_missing", func(t *testing.T) {
		missing := &models.UserGroup{Name: "nobody"}
		err := missing.Load(ctx, d)
		require.Error(t, err)
		var noResErr types.NoResultError
		assert.ErrorAs(t, err, &noResErr)
	})

	t.Run("err/no_lookup_fields", func(t *testing.T) {
		err := (&models.UserGroup{}).Load(ctx, d)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "either group ID or Name must be set")
	})
}

func TestUserGroupMembers(t *testing.T) {
	t.Parallel()

	d, ctx := newTestDB(t)

	g := &models.UserGroup{Name: "helpers"}
	require.NoError(t, g.Save(ctx, d, false))

	require.NoError(t, g.AddMember(ctx, d, 101))
	require.NoError(t, g.AddMember(ctx, d, 102))

	t.Run("err/duplicate_member", func(t *testing.T) {
		err := g.AddMember(ctx, d, 101)
		require.Error(t, err)
		var dupErr *types.DuplicateError
		assert.ErrorAs(t, err, &dupErr)
	})

	members, err := g.Members(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 102}, members)

	count, err := g.MemberCount(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, g.RemoveMember(ctx, d, 101))
	members, err = g.Members(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []int64{102}, members)

	t.Run("err/remove_missing_member", func(t *testing.T) {
		err := g.RemoveMember(ctx, d, 999)
		require.Error(t, err)
		var noResErr types.NoResultError
		assert.ErrorAs(t, err, &noResErr)
	})
}

func TestChannelGroup(t *testing.T) {
	t.Parallel()

	d, ctx := newTestDB(t)

	g := &models.UserGroup{Name: "helpers"}
	require.NoError(t, g.Save(ctx, d, false))

	cg := &models.ChannelGroup{ID: "fire", Emote: "🔥", UserGroupID: g.ID}
	require.NoError(t, cg.Save(ctx, d, false))

	t.Run("ok/load_by_emote", func(t *testing.T) {
		loaded := &models.ChannelGroup{Emote: "🔥"}
		require.NoError(t, loaded.Load(ctx, d))
		assert.Equal(t, "fire", loaded.ID)
		assert.Equal(t, g.ID, loaded.UserGroupID)
	})

	t.Run("ok/channels", func(t *testing.T) {
		require.NoError(t, cg.AddChannel(ctx, d, 100))
		require.NoError(t, cg.AddChannel(ctx, d, 200))
		channels, err := cg.Channels(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, []int64{100, 200}, channels)

		require.NoError(t, cg.RemoveChannel(ctx, d, 100))
		channels, err = cg.Channels(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, []int64{200}, channels)
	})

	t.Run("err/unknown_user_group", func(t *testing.T) {
		orphan := &models.ChannelGroup{ID: "orphan", Emote: "💧", UserGroupID: 999}
		err := orphan.Save(ctx, d, false)
		require.Error(t, err)
		var refErr *types.ReferenceError
		assert.ErrorAs(t, err, &refErr)
	})

	t.Run("err/duplicate_emote", func(t *testing.T) {
		dup := &models.ChannelGroup{ID: "flame", Emote: "🔥", UserGroupID: g.ID}
		err := dup.Save(ctx, d, false)
		require.Error(t, err)
		var dupErr *types.DuplicateError
		assert.ErrorAs(t, err, &dupErr)
	})
}

func TestUserGroupDeleteCascades(t *testing.T) {
	t.Parallel()

	d, ctx := newTestDB(t)

	g := &models.UserGroup{Name: "helpers"}
	require.NoError(t, g.Save(ctx, d, false))
	require.NoError(t, g.AddMember(ctx, d, 101))

	cg := &models.ChannelGroup{ID: "fire", Emote: "🔥", UserGroupID: g.ID}
	require.NoError(t, cg.Save(ctx, d, false))
	require.NoError(t, cg.AddChannel(ctx, d, 100))
	require.NoError(t, cg.ClaimMessage(ctx, d, 500))

	require.NoError(t, g.Delete(ctx, d))

	groups, err := models.ChannelGroups(ctx, d, nil)
	require.NoError(t, err)
	assert.Empty(t, groups)

	for _, table := range []string{"UserGroupMembers", "ChannelGroupMembers", "GroupClaims"} {
		var n int
		err = d.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n)
		require.NoError(t, err)
		assert.Zero(t, n, table)
	}
}

func TestClaims(t *testing.T) {
	t.Parallel()

	d, ctx := newTestDB(t)

	g := &models.UserGroup{Name: "helpers"}
	require.NoError(t, g.Save(ctx, d, false))
	cg := &models.ChannelGroup{ID: "fire", Emote: "🔥", UserGroupID: g.ID}
	require.NoError(t, cg.Save(ctx, d, false))

	require.NoError(t, cg.ClaimMessage(ctx, d, 500))
	require.NoError(t, cg.ClaimMessage(ctx, d, 501))

	t.Run("err/duplicate_claim", func(t *testing.T) {
		err := cg.ClaimMessage(ctx, d, 500)
		require.Error(t, err)
		var dupErr *types.DuplicateError
		assert.ErrorAs(t, err, &dupErr)
	})

	claimed, err := cg.ClaimedMessages(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []int64{500, 501}, claimed)

	require.NoError(t, cg.UnclaimMessage(ctx, d, 500))
	claimed, err = cg.ClaimedMessages(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []int64{501}, claimed)

	t.Run("ok/claims_for_all", func(t *testing.T) {
		require.NoError(t, models.ClaimMessageForAll(ctx, d, 600, false))
		require.NoError(t, models.ClaimMessageForAll(ctx, d, 601, true))

		all, err := models.MessagesClaimedForAll(ctx, d, false)
		require.NoError(t, err)
		assert.Equal(t, []int64{600, 601}, all)

		announcements, err := models.MessagesClaimedForAll(ctx, d, true)
		require.NoError(t, err)
		assert.Equal(t, []int64{601}, announcements)

		require.NoError(t, models.UnclaimMessageForAll(ctx, d, 600))
		all, err = models.MessagesClaimedForAll(ctx, d, false)
		require.NoError(t, err)
		assert.Equal(t, []int64{601}, all)
	})
}

func TestExportImportGroups(t *testing.T) {
	t.Parallel()

	d, ctx := newTestDB(t)

	g := &models.UserGroup{Name: "helpers"}
	require.NoError(t, g.Save(ctx, d, false))
	require.NoError(t, g.AddMember(ctx, d, 101))
	require.NoError(t, g.AddMember(ctx, d, 102))
	cg := &models.ChannelGroup{ID: "fire", Emote: "🔥", UserGroupID: g.ID}
	require.NoError(t, cg.Save(ctx, d, false))
	require.NoError(t, cg.AddChannel(ctx, d, 100))

	data, err := models.ExportGroups(ctx, d, nil)
	require.NoError(t, err)
	assert.Contains(t, string(data), "helpers")

	t.Run("ok/roundtrip", func(t *testing.T) {
		d2, ctx2 := newTestDB(t)
		imported, err := models.ImportGroups(ctx2, d2, data)
		require.NoError(t, err)
		require.Len(t, imported, 1)

		loaded := &models.UserGroup{Name: "helpers"}
		require.NoError(t, loaded.Load(ctx2, d2))
		members, err := loaded.Members(ctx2, d2)
		require.NoError(t, err)
		assert.Equal(t, []int64{101, 102}, members)

		cgLoaded := &models.ChannelGroup{ID: "fire"}
		require.NoError(t, cgLoaded.Load(ctx2, d2))
		assert.Equal(t, loaded.ID, cgLoaded.UserGroupID)
		channels, err := cgLoaded.Channels(ctx2, d2)
		require.NoError(t, err)
		assert.Equal(t, []int64{100}, channels)
	})

	t.Run("ok/import_replaces_existing", func(t *testing.T) {
		require.NoError(t, g.AddMember(ctx, d, 103))

		imported, err := models.ImportGroups(ctx, d, data)
		require.NoError(t, err)
		require.Len(t, imported, 1)

		loaded := &models.UserGroup{Name: "helpers"}
		require.NoError(t, loaded.Load(ctx, d))
		members, err := loaded.Members(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, []int64{101, 102}, members)
	})

	t.Run("err/missing_name", func(t *testing.T) {
		_, err := models.ImportGroups(ctx, d, []byte("- members: [1]\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "group entry without a name")
	})
}
