package trackdb

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.yaml"), nil)
	require.NoError(t, err)
	return db
}

func seed(t *testing.T, db *DB, tracks ...string) {
	t.Helper()
	for _, track := range tracks {
		db.AddTrack(track, time.Unix(1700000000, 0))
	}
}

func TestResolveAndExists(t *testing.T) {
	db := openDB(t)
	seed(t, db, "misc/a.ogg", "misc/b.ogg")

	got, err := db.Resolve("misc/a.ogg")
	require.NoError(t, err)
	assert.Equal(t, "misc/a.ogg", got)
	assert.True(t, db.Exists("misc/a.ogg"))

	_, err = db.Resolve("misc/missing.ogg")
	assert.ErrorIs(t, err, ErrNoSuchTrack)
	assert.False(t, db.Exists("misc/missing.ogg"))
}

func TestPrefsRoundTrip(t *testing.T) {
	db := openDB(t)
	seed(t, db, "misc/a.ogg")

	require.NoError(t, db.Set("misc/a.ogg", "weight", "90000"))
	v, ok := db.Get("misc/a.ogg", "weight")
	assert.True(t, ok)
	assert.Equal(t, "90000", v)

	require.NoError(t, db.Unset("misc/a.ogg", "weight"))
	_, ok = db.Get("misc/a.ogg", "weight")
	assert.False(t, ok)

	assert.ErrorIs(t, db.Set("nope", "k", "v"), ErrNoSuchTrack)
}

func TestGlobalsRoundTrip(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.SetGlobal("required-tags", "party"))
	v, ok := db.GetGlobal("required-tags")
	assert.True(t, ok)
	assert.Equal(t, "party", v)

	require.NoError(t, db.UnsetGlobal("required-tags"))
	_, ok = db.GetGlobal("required-tags")
	assert.False(t, ok, "unset key must be distinguishable from empty value")
}

func TestList(t *testing.T) {
	db := openDB(t)
	seed(t, db,
		"rock/a.ogg",
		"rock/b.flac",
		"rock/live/c.ogg",
		"jazz/d.ogg",
	)

	assert.Equal(t, []string{"jazz", "rock"}, db.List("", ListDirs, nil))
	assert.Equal(t, []string{"rock/a.ogg", "rock/b.flac"}, db.List("rock", ListFiles, nil))
	assert.Equal(t,
		[]string{"rock/a.ogg", "rock/b.flac", "rock/live"},
		db.List("rock", ListFiles|ListDirs, nil))

	re := regexp.MustCompile(`(?i)\.flac$`)
	assert.Equal(t, []string{"rock/b.flac"}, db.List("rock", ListFiles, re))
}

func TestSearch(t *testing.T) {
	db := openDB(t)
	seed(t, db, "rock/Queen/one.ogg", "jazz/Coltrane/two.ogg")
	require.NoError(t, db.Set("jazz/Coltrane/two.ogg", "tags", "smooth, late-night"))

	assert.Equal(t, []string{"rock/Queen/one.ogg"}, db.Search([]string{"queen"}))
	assert.Equal(t, []string{"jazz/Coltrane/two.ogg"}, db.Search([]string{"tag:smooth"}))
	assert.Equal(t, []string{"jazz/Coltrane/two.ogg"}, db.Search([]string{"coltrane", "tag:late-night"}))
	assert.Empty(t, db.Search([]string{"queen", "tag:smooth"}))
	assert.Empty(t, db.Search(nil))
}

func TestNewOrdering(t *testing.T) {
	db := openDB(t)
	base := time.Unix(1700000000, 0)
	db.AddTrack("old.ogg", base)
	db.AddTrack("newer.ogg", base.Add(time.Hour))
	db.AddTrack("newest.ogg", base.Add(2*time.Hour))

	assert.Equal(t, []string{"newest.ogg", "newer.ogg"}, db.New(2))
}

func TestUsers(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.AddUser("alice", "s3cret", "read,play", "alice@example.com", ""))
	assert.ErrorIs(t, db.AddUser("alice", "x", "", "", ""), ErrUserExists)

	u, ok := db.GetUser("alice")
	require.True(t, ok)
	assert.Equal(t, "s3cret", u.Password)

	require.NoError(t, db.EditUser("alice", "email", "new@example.com"))
	v, set, exists := db.UserInfo("alice", "email")
	assert.True(t, exists)
	assert.True(t, set)
	assert.Equal(t, "new@example.com", v)

	_, set, exists = db.UserInfo("alice", "nickname")
	assert.True(t, exists)
	assert.False(t, set)

	require.NoError(t, db.DelUser("alice"))
	assert.ErrorIs(t, db.DelUser("alice"), ErrNoSuchUser)
}

func TestConfirm(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.AddUser("bob", "pw", "read", "bob@example.com", "bob/tok123"))

	assert.ErrorIs(t, db.Confirm("bob", "bob/wrong"), ErrAccess)
	require.NoError(t, db.Confirm("bob", "bob/tok123"))
	// A confirmed user cannot be confirmed again.
	assert.ErrorIs(t, db.Confirm("bob", "bob/tok123"), ErrAccess)
}

func TestPlaylists(t *testing.T) {
	db := openDB(t)

	require.NoError(t, db.PlaylistSet("mine", "alice", []string{"a.ogg", "b.ogg"}, 0))

	tracks, share, err := db.PlaylistGet("mine", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ogg", "b.ogg"}, tracks)
	assert.Equal(t, "private", share)

	// Private playlists are invisible to other users.
	_, _, err = db.PlaylistGet("mine", "bob")
	assert.ErrorIs(t, err, ErrAccess)
	assert.ErrorIs(t, db.PlaylistSet("mine", "bob", []string{"x.ogg"}, 0), ErrAccess)

	require.NoError(t, db.PlaylistSetShare("mine", "alice", "public"))
	_, _, err = db.PlaylistGet("mine", "bob")
	assert.NoError(t, err)
	assert.Equal(t, []string{"mine"}, db.PlaylistList("bob"))

	assert.ErrorIs(t, db.PlaylistDelete("mine", "bob"), ErrAccess)
	require.NoError(t, db.PlaylistDelete("mine", "alice"))
	_, _, err = db.PlaylistGet("mine", "alice")
	assert.ErrorIs(t, err, ErrNoSuchPlaylist)
}

func TestPlaylistLimits(t *testing.T) {
	db := openDB(t)
	assert.ErrorIs(t, db.PlaylistSet("p", "alice", []string{"a", "b", "c"}, 2), ErrInvalidName)
	assert.ErrorIs(t, db.PlaylistSet("bad\nname", "alice", []string{"a"}, 0), ErrInvalidName)
}

func TestSchedule(t *testing.T) {
	db := openDB(t)
	id, err := db.ScheduleAdd(map[string]string{
		"who":    "alice",
		"action": "play",
		"track":  "a.ogg",
	})
	require.NoError(t, err)

	record, ok := db.ScheduleGet(id)
	require.True(t, ok)
	assert.Equal(t, "play", record["action"])
	assert.Equal(t, []string{id}, db.ScheduleList())

	require.NoError(t, db.ScheduleDel(id))
	assert.ErrorIs(t, db.ScheduleDel(id), ErrNoSuchEvent)
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")

	db, err := Open(path, nil)
	require.NoError(t, err)
	db.AddTrack("a.ogg", time.Unix(1700000000, 0))
	require.NoError(t, db.Set("a.ogg", "weight", "5"))
	require.NoError(t, db.AddUser("alice", "pw", "all", "", ""))

	again, err := Open(path, nil)
	require.NoError(t, err)
	assert.True(t, again.Exists("a.ogg"))
	v, ok := again.Get("a.ogg", "weight")
	assert.True(t, ok)
	assert.Equal(t, "5", v)
	_, ok = again.GetUser("alice")
	assert.True(t, ok)
}

func TestRescan(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "rock"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "rock", "a.ogg"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.flac"), []byte("x"), 0o644))

	db, err := Open(filepath.Join(t.TempDir(), "state.yaml"), []string{root})
	require.NoError(t, err)

	added, removed, err := db.Rescan(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 0, removed)
	assert.True(t, db.Exists("rock/a.ogg"))

	require.NoError(t, os.Remove(filepath.Join(root, "b.flac")))
	added, removed, err = db.Rescan(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 1, removed)
	assert.False(t, db.Exists("b.flac"))
}
