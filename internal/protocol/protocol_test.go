package protocol

import (
	"bufio"
	"encoding/hex"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/jukeboxd/internal/app/playback"
	"github.com/osa030/jukeboxd/internal/app/player"
	"github.com/osa030/jukeboxd/internal/app/schedule"
	"github.com/osa030/jukeboxd/internal/auth"
	"github.com/osa030/jukeboxd/internal/domain/queue"
	"github.com/osa030/jukeboxd/internal/eventlog"
	"github.com/osa030/jukeboxd/internal/infra/config"
	"github.com/osa030/jukeboxd/internal/reactor"
	"github.com/osa030/jukeboxd/internal/trackdb"
)

type nullPlayer struct{}

func (nullPlayer) Prepare(e *queue.Entry) error { return nil }
func (nullPlayer) Start(e *queue.Entry) error   { return nil }
func (nullPlayer) Pause()                       {}
func (nullPlayer) Resume()                      {}
func (nullPlayer) Abandon(e *queue.Entry)       {}
func (nullPlayer) Stop(e *queue.Entry)          {}

type nullBackend struct{}

func (nullBackend) Init() error                       { return nil }
func (nullBackend) Activate() error                   { return nil }
func (nullBackend) Play(pcm []byte) (int, error)      { return len(pcm) / 4, nil }
func (nullBackend) Deactivate()                       {}
func (nullBackend) BeforePoll() (time.Duration, bool) { return 0, false }
func (nullBackend) Ready() bool                       { return false }

type fixture struct {
	t    *testing.T
	loop *reactor.Loop
	srv  *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	loop := reactor.New()
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run() }()
	t.Cleanup(func() {
		loop.Stop(nil)
		<-loopDone
	})

	dir := t.TempDir()
	db, err := trackdb.Open(filepath.Join(dir, "state.yaml"), nil)
	require.NoError(t, err)
	for _, track := range []string{"tracks/one.ogg", "tracks/two.ogg", "tracks/.hidden.ogg"} {
		db.AddTrack(track, time.Unix(1700000000, 0))
	}
	require.NoError(t, db.AddUser("alice", "sesame", "all", "alice@example.com", ""))
	require.NoError(t, db.AddUser("bob", "letmein", "read,play,move-own,pause,volume", "", ""))

	cfg := &config.Config{
		Listeners: []config.ListenerConfig{{Network: "tcp", Addr: ":0"}},
		Queue:     config.QueueConfig{Pad: 0, ReplayMin: 3600, NewMax: 100, HistoryMax: 10},
		Player:    config.PlayerConfig{ProgressInterval: 10, ErrorBackoffMs: 100},
		Auth: config.AuthConfig{
			Algorithm:           "sha256",
			DefaultRights:       "read,play",
			RemoteUserman:       true,
			CookieLoginLifetime: 3600,
			CookieKeyLifetime:   86400,
			ReminderInterval:    600,
		},
		Playlists: config.PlaylistsConfig{Max: 100, LockTimeout: 0},
	}

	jar, err := auth.NewCookieJar(cfg.Auth.CookieLoginLifetimeDuration(), cfg.Auth.CookieKeyLifetimeDuration())
	require.NoError(t, err)

	bus := &eventlog.Bus{}
	engine := playback.NewEngine(cfg.Queue, db, bus, nullPlayer{}, nil, dir)
	driver := player.NewDriver(loop, cfg.Player, nullBackend{}, bus,
		db.ResolvePath, func(*queue.Entry, queue.State, int) {})

	srv := &Server{
		Loop:            loop,
		Cfg:             cfg,
		DB:              db,
		Engine:          engine,
		Driver:          driver,
		Bus:             bus,
		Jar:             jar,
		Shutdown:        func() {},
		Reconfigure:     func() error { return nil },
		SoftwareVersion: "test",
	}
	srv.Init()
	f := &fixture{t: t, loop: loop, srv: srv}
	f.onLoop(func() {
		srv.Scheduler = schedule.New(loop, db, schedulerActions{})
	})
	return f
}

type schedulerActions struct{}

func (schedulerActions) SchedulePlay(track, who string)           {}
func (schedulerActions) ScheduleSetGlobal(key, value, who string) {}

func (f *fixture) onLoop(fn func()) {
	done := make(chan struct{})
	f.loop.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		f.t.Fatal("loop callback did not run")
	}
}

type client struct {
	t     *testing.T
	conn  net.Conn
	br    *bufio.Reader
	nonce string
	alg   string
}

// connect attaches a fresh client connection and consumes the greeting.
func (f *fixture) connect(listener config.ListenerConfig) *client {
	f.t.Helper()
	serverSide, clientSide := net.Pipe()
	f.onLoop(func() {
		f.srv.Attach(serverSide, listener)
	})
	c := &client{t: f.t, conn: clientSide, br: bufio.NewReader(clientSide)}
	f.t.Cleanup(func() { clientSide.Close() })

	greeting := c.readLine()
	parts := strings.Fields(greeting)
	require.Len(f.t, parts, 4)
	require.Equal(f.t, "231", parts[0])
	require.Equal(f.t, "2", parts[1])
	c.alg = parts[2]
	c.nonce = parts[3]
	return c
}

func tcpListener() config.ListenerConfig {
	return config.ListenerConfig{Network: "tcp", Addr: ":9600"}
}

func unixListener(privileged bool) config.ListenerConfig {
	return config.ListenerConfig{Network: "unix", Addr: "/tmp/sock", Privileged: privileged}
}

func (c *client) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *client) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.br.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(line, "\n")
}

// round sends a command and returns the single-line response.
func (c *client) round(line string) string {
	c.send(line)
	return c.readLine()
}

// readBody reads a dot-terminated body, undoing dot-stuffing.
func (c *client) readBody() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		if line == "." {
			return lines
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		lines = append(lines, line)
	}
}

func (c *client) login(user, password string) {
	c.t.Helper()
	nonce, err := hex.DecodeString(c.nonce)
	require.NoError(c.t, err)
	response, err := auth.Response(c.alg, nonce, password)
	require.NoError(c.t, err)
	resp := c.round("user " + user + " " + response)
	require.True(c.t, strings.HasPrefix(resp, "230"), "login failed: %s", resp)
}

func TestGreetingAndLogin(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	assert.Equal(t, "sha256", c.alg)
	assert.Len(t, c.nonce, 2*auth.NonceSize)
	c.login("alice", "sesame")
}

func TestLoginFailures(t *testing.T) {
	f := newFixture(t)

	c := f.connect(tcpListener())
	assert.True(t, strings.HasPrefix(c.round("user alice wronghash"), "530"))

	c2 := f.connect(tcpListener())
	assert.True(t, strings.HasPrefix(c2.round("user nobody deadbeef"), "530"))
}

func TestUnauthenticatedCommandsRejected(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	assert.True(t, strings.HasPrefix(c.round("queue"), "510"))
	// nop needs no rights at all.
	assert.Equal(t, "250 Quack", c.round("nop"))
}

func TestUnknownCommandAndArity(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	assert.True(t, strings.HasPrefix(c.round("frobnicate"), "500"))
	assert.True(t, strings.HasPrefix(c.round("get onearg"), "500"))
	assert.True(t, strings.HasPrefix(c.round("pause extra args here"), "500"))
	assert.True(t, strings.HasPrefix(c.round(`play "unterminated`), "500"))
	assert.True(t, strings.HasPrefix(c.round(""), "500"))
}

func TestPlayAndPlaying(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	resp := c.round("play tracks/one.ogg")
	require.True(t, strings.HasPrefix(resp, "252 "), resp)
	id := strings.TrimPrefix(resp, "252 ")

	resp = c.round("playing")
	require.True(t, strings.HasPrefix(resp, "252 "), resp)
	assert.Contains(t, resp, "id "+id)
	assert.Contains(t, resp, "state started")
	assert.Contains(t, resp, "submitter alice")

	assert.True(t, strings.HasPrefix(c.round("play no/such/track.ogg"), "550"))
}

func TestQueueAndRecent(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	c.round("play tracks/one.ogg") // becomes playing
	c.round("play tracks/two.ogg") // stays queued

	resp := c.round("queue")
	require.True(t, strings.HasPrefix(resp, "253"), resp)
	body := c.readBody()
	require.Len(t, body, 1)
	assert.Contains(t, body[0], "track tracks/two.ogg")

	resp = c.round("recent")
	require.True(t, strings.HasPrefix(resp, "253"), resp)
	assert.Empty(t, c.readBody())
}

func TestPrefsRoundTripOverProtocol(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	assert.Equal(t, "250 OK", c.round(`set tracks/one.ogg weight 42`))
	assert.Equal(t, "252 42", c.round("get tracks/one.ogg weight"))
	assert.Equal(t, "250 OK", c.round("unset tracks/one.ogg weight"))
	assert.True(t, strings.HasPrefix(c.round("get tracks/one.ogg weight"), "555"))
}

func TestGlobalPrefs(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	assert.Equal(t, "250 OK", c.round("set-global required-tags party"))
	assert.Equal(t, "252 party", c.round("get-global required-tags"))
	assert.Equal(t, "250 OK", c.round("unset-global required-tags"))
	assert.True(t, strings.HasPrefix(c.round("get-global required-tags"), "555"))
}

func TestEnabledQueries(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	assert.Equal(t, "252 yes", c.round("enabled"))
	assert.Equal(t, "250 OK", c.round("disable"))
	assert.Equal(t, "252 no", c.round("enabled"))
	assert.Equal(t, "250 OK", c.round("enable"))
	assert.Equal(t, "252 yes", c.round("random-enabled"))
	assert.Equal(t, "250 OK", c.round("random-disable"))
	assert.Equal(t, "252 no", c.round("random-enabled"))
}

func TestPauseSemantics(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	assert.Equal(t, "250 nothing is playing", c.round("pause"))
	c.round("play tracks/one.ogg")
	assert.Equal(t, "250 paused", c.round("pause"))
	assert.Equal(t, "250 already paused", c.round("pause"))
	assert.Equal(t, "250 resumed", c.round("resume"))
	assert.Equal(t, "250 not paused", c.round("resume"))
}

func TestMoveRights(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(tcpListener())
	alice.login("alice", "sesame")
	alice.round("play tracks/one.ogg") // playing
	resp := alice.round("play tracks/two.ogg")
	id := strings.TrimPrefix(resp, "252 ")

	bob := f.connect(tcpListener())
	bob.login("bob", "letmein")

	// bob has only move-own: moving alice's entry is denied per-entry.
	resp = bob.round("move " + id + " 1")
	assert.True(t, strings.HasPrefix(resp, "510 Not authorized to move"), resp)

	// The queue is unchanged.
	alice.round("queue")
	body := alice.readBody()
	require.Len(t, body, 1)
	assert.Contains(t, body[0], "id "+id)
}

func TestVolume(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	assert.Equal(t, "252 100 100", c.round("volume"))
	assert.Equal(t, "252 40 60", c.round("volume 40 60"))
	assert.Equal(t, "252 50 50", c.round("volume 50"))
}

func TestCookieLifecycle(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	resp := c.round("make-cookie")
	require.True(t, strings.HasPrefix(resp, "252 "), resp)
	cookie := strings.TrimPrefix(resp, "252 ")

	c2 := f.connect(tcpListener())
	resp = c2.round("cookie " + cookie)
	assert.Equal(t, "232 alice", resp)

	assert.Equal(t, "250 OK", c2.round("revoke"))

	c3 := f.connect(tcpListener())
	assert.True(t, strings.HasPrefix(c3.round("cookie "+cookie), "530"))
}

func TestRevokeWithoutCookieLogin(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")
	assert.True(t, strings.HasPrefix(c.round("revoke"), "510"))
}

func TestUserManagement(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	assert.Equal(t, "250 User created", c.round("adduser carol pw123 read,play"))
	assert.Equal(t, "252 read,play", c.round("userinfo carol rights"))
	assert.Equal(t, "250 OK", c.round("edituser carol email carol@example.com"))
	assert.Equal(t, "252 carol@example.com", c.round("userinfo carol email"))

	resp := c.round("users")
	require.True(t, strings.HasPrefix(resp, "253"), resp)
	assert.Contains(t, c.readBody(), "carol")

	assert.Equal(t, "250 User deleted", c.round("deluser carol"))
	assert.True(t, strings.HasPrefix(c.round("userinfo carol rights"), "550"))
}

func TestEditUserOwnEmailOnly(t *testing.T) {
	f := newFixture(t)
	bob := f.connect(tcpListener())
	bob.login("bob", "letmein")

	// bob may change his own email but not his rights.
	assert.Equal(t, "250 OK", bob.round("edituser bob email bob@example.com"))
	assert.True(t, strings.HasPrefix(bob.round("edituser bob rights all"), "510"))
	assert.True(t, strings.HasPrefix(bob.round("edituser alice email evil@example.com"), "510"))
}

func TestRightsChangePropagates(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(tcpListener())
	alice.login("alice", "sesame")
	bob := f.connect(tcpListener())
	bob.login("bob", "letmein")

	// Take bob's pause right away; his live connection updates in place.
	assert.Equal(t, "250 OK", alice.round("edituser bob rights read"))
	resp := bob.round("pause")
	assert.True(t, strings.HasPrefix(resp, "510"), resp)
}

func TestRegisterAndConfirm(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	resp := c.round("register dave secret dave@example.com")
	require.True(t, strings.HasPrefix(resp, "252 "), resp)
	confirmation := strings.TrimPrefix(resp, "252 ")

	// Unconfirmed users cannot log in.
	c2 := f.connect(tcpListener())
	assert.True(t, strings.HasPrefix(c2.round("user dave deadbeef"), "530"))

	c3 := f.connect(tcpListener())
	assert.True(t, strings.HasPrefix(c3.round("confirm wrong/string"), "510"))
	assert.Equal(t, "232 dave", c3.round("confirm "+confirmation))
}

func TestPlaylistLifecycle(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	assert.Equal(t, "250 Acquired lock", c.round("playlist-lock party"))
	assert.Equal(t, "550 Already holding a lock", c.round("playlist-lock other"))

	c.send("playlist-set party")
	c.send("tracks/one.ogg")
	c.send("..leading-dot-track.ogg") // dot-stuffed on the wire
	c.send(".")
	assert.Equal(t, "250 OK", c.readLine())

	resp := c.round("playlist-get party")
	require.True(t, strings.HasPrefix(resp, "253"), resp)
	assert.Equal(t, []string{"tracks/one.ogg", ".leading-dot-track.ogg"}, c.readBody())

	assert.Equal(t, "250 Released lock", c.round("playlist-unlock"))
	assert.Equal(t, "550 Not holding a lock", c.round("playlist-unlock"))
}

func TestPlaylistSetWithoutLock(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	c.send("playlist-set party")
	c.send("tracks/one.ogg")
	c.send(".")
	assert.Equal(t, "550 Playlist is not locked", c.readLine())
}

func TestPlaylistLockContention(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect(tcpListener())
	c1.login("alice", "sesame")
	// The playlist must exist and be writable by bob for him to lock it,
	// so use two connections of the same user.
	c2 := f.connect(tcpListener())
	c2.login("alice", "sesame")

	assert.Equal(t, "250 Acquired lock", c1.round("playlist-lock party"))
	assert.Equal(t, "550 Already locked", c2.round("playlist-lock party"))

	// Locks are released on disconnect.
	c1.conn.Close()
	require.Eventually(t, func() bool {
		var held bool
		f.onLoop(func() { held = f.srv.playlistLockHeld("party", nil, time.Now()) })
		return !held
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "250 Acquired lock", c2.round("playlist-lock party"))
}

func TestEventLogDeliversPlaying(t *testing.T) {
	f := newFixture(t)
	watcher := f.connect(tcpListener())
	watcher.login("alice", "sesame")
	require.Equal(t, "254 OK", watcher.round("log"))
	// Initial state prelude: enable_play, enable_random, resume, volume.
	var prelude []string
	for i := 0; i < 4; i++ {
		prelude = append(prelude, watcher.readLine())
	}
	assert.Contains(t, prelude[0], "state enable_play")

	actor := f.connect(tcpListener())
	actor.login("alice", "sesame")
	resp := actor.round("play tracks/one.ogg")
	id := strings.TrimPrefix(resp, "252 ")

	// queue event then playing event, each with a hex timestamp prefix.
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		line := watcher.readLine()
		parts := strings.SplitN(line, " ", 2)
		require.Len(t, parts, 2)
		seen[strings.Fields(parts[1])[0]] = true
		if strings.Contains(parts[1], "playing "+id) {
			break
		}
	}
	assert.True(t, seen["playing"] || seen["queue"])
}

func TestEventLogUserEventsFiltered(t *testing.T) {
	f := newFixture(t)
	f.srv.Cfg.Auth.RemoteUserman = true

	bobWatcher := f.connect(tcpListener())
	bobWatcher.login("bob", "letmein")
	require.Equal(t, "254 OK", bobWatcher.round("log"))
	for i := 0; i < 4; i++ {
		bobWatcher.readLine() // prelude
	}

	admin := f.connect(tcpListener())
	admin.login("alice", "sesame")
	require.Equal(t, "250 User created", admin.round("adduser eve pw"))
	// Make a non-user event afterwards as a fence.
	admin.round("play tracks/one.ogg")

	line := bobWatcher.readLine()
	assert.NotContains(t, line, "user_add", "non-admins must not see user_* events")
}

func TestStatsSuspendsAndResumes(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	resp := c.round("stats")
	require.True(t, strings.HasPrefix(resp, "253"), resp)
	body := c.readBody()
	assert.NotEmpty(t, body)

	// The connection keeps working afterwards.
	assert.Equal(t, "250 Quack", c.round("nop"))
}

func TestScheduleOverProtocol(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	when := time.Now().Add(time.Hour).Unix()
	resp := c.round("schedule-add " + itoa(when) + " normal play tracks/one.ogg")
	require.True(t, strings.HasPrefix(resp, "252 "), resp)
	id := strings.TrimPrefix(resp, "252 ")

	resp = c.round("schedule-list")
	require.True(t, strings.HasPrefix(resp, "253"), resp)
	assert.Contains(t, c.readBody(), id)

	resp = c.round("schedule-get " + id)
	require.True(t, strings.HasPrefix(resp, "253"), resp)
	body := c.readBody()
	assert.Contains(t, body, "who alice")
	assert.Contains(t, body, "action play")

	assert.Equal(t, "250 Deleted", c.round("schedule-del "+id))
	assert.True(t, strings.HasPrefix(c.round("schedule-get "+id), "555"))
}

func TestScheduleDelRequiresOwnership(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(tcpListener())
	alice.login("alice", "sesame")
	when := time.Now().Add(time.Hour).Unix()
	resp := alice.round("schedule-add " + itoa(when) + " normal play tracks/one.ogg")
	id := strings.TrimPrefix(resp, "252 ")

	bob := f.connect(tcpListener())
	bob.login("bob", "letmein")
	assert.True(t, strings.HasPrefix(bob.round("schedule-del "+id), "510"))
}

func TestCatalogCommands(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("alice", "sesame")

	assert.Equal(t, "252 yes", c.round("exists tracks/one.ogg"))
	assert.Equal(t, "252 no", c.round("exists nope.ogg"))
	assert.Equal(t, "252 tracks/one.ogg", c.round("resolve tracks/one.ogg"))

	resp := c.round("dirs")
	require.True(t, strings.HasPrefix(resp, "253"), resp)
	assert.Equal(t, []string{"tracks"}, c.readBody())

	resp = c.round("files tracks")
	require.True(t, strings.HasPrefix(resp, "253"), resp)
	files := c.readBody()
	assert.Contains(t, files, "tracks/one.ogg")
	assert.Contains(t, files, "tracks/.hidden.ogg")

	resp = c.round("search one")
	require.True(t, strings.HasPrefix(resp, "253 1 matches"), resp)
	assert.Equal(t, []string{"tracks/one.ogg"}, c.readBody())

	assert.Equal(t, "252 one", c.round("part tracks/one.ogg display title"))
}

func TestLengthCommand(t *testing.T) {
	f := newFixture(t)
	f.onLoop(func() {
		require.NoError(t, f.srv.DB.Set("tracks/one.ogg", "_length", "180"))
	})
	c := f.connect(tcpListener())
	c.login("alice", "sesame")
	assert.Equal(t, "252 180", c.round("length tracks/one.ogg"))
	assert.True(t, strings.HasPrefix(c.round("length tracks/two.ogg"), "550"))
}

func TestVersionAndShutdownRights(t *testing.T) {
	f := newFixture(t)
	c := f.connect(tcpListener())
	c.login("bob", "letmein")
	assert.Equal(t, "251 test", c.round("version"))
	assert.True(t, strings.HasPrefix(c.round("shutdown"), "510"), "shutdown needs admin")
}

func TestPrivilegedLocalListenerTrustsIdentity(t *testing.T) {
	f := newFixture(t)
	c := f.connect(unixListener(true))
	// Any response value works on a privileged local listener.
	assert.Equal(t, "230 OK", c.round("user alice anything"))
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
