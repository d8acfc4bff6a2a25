// Package protocol implements the line-oriented command protocol: the
// greeting and authentication handshake, command dispatch with per-command
// rights, body framing, and the event-log subscription channel.
package protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	zlog "github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"

	"github.com/osa030/jukeboxd/internal/app/playback"
	"github.com/osa030/jukeboxd/internal/app/player"
	"github.com/osa030/jukeboxd/internal/app/schedule"
	"github.com/osa030/jukeboxd/internal/auth"
	"github.com/osa030/jukeboxd/internal/domain/rights"
	"github.com/osa030/jukeboxd/internal/eventlog"
	"github.com/osa030/jukeboxd/internal/infra/config"
	"github.com/osa030/jukeboxd/internal/reactor"
	"github.com/osa030/jukeboxd/internal/rtp"
	"github.com/osa030/jukeboxd/internal/split"
	"github.com/osa030/jukeboxd/internal/trackdb"
)

// Version is the protocol generation announced in the greeting.
const Version = 2

// Server ties the protocol engine to the rest of the system. Everything
// here runs on the reactor loop goroutine.
type Server struct {
	Loop      *reactor.Loop
	Cfg       *config.Config
	DB        *trackdb.DB
	Engine    *playback.Engine
	Driver    *player.Driver
	TX        *rtp.Transmitter // nil when the backend is not RTP
	Bus       *eventlog.Bus
	Jar       *auth.CookieJar
	Scheduler *schedule.Scheduler

	// Shutdown stops the server; Reconfigure reloads configuration.
	Shutdown    func()
	Reconfigure func() error

	// SoftwareVersion is reported by the version command.
	SoftwareVersion string

	conns   map[*Conn]struct{}
	nextTag uint32

	volumeLeft  int
	volumeRight int

	rescanUnderway bool
	rescanWaiters  []func()

	lastReminder map[string]time.Time
}

// Conn is one client connection.
type Conn struct {
	srv *Server
	r   *reactor.Reader
	w   *reactor.Writer
	tag uint32

	listener config.ListenerConfig
	remote   string

	who        string
	userRights rights.Rights
	cookie     string
	nonce      []byte

	// lineFn is the current line interpreter: command dispatch, body
	// collection, or log-connection discard.
	lineFn func(line string)
	// suspended stops line processing while an asynchronous command
	// completes.
	suspended bool

	body         []string
	bodyComplete func(body []string) bool

	sub     *eventlog.Subscription
	rtpAddr *net.UDPAddr

	lockedPlaylist string
	lockedWhen     time.Time

	closed bool
}

// Init prepares the server's connection table. Call once before Attach.
func (s *Server) Init() {
	s.conns = map[*Conn]struct{}{}
	s.volumeLeft, s.volumeRight = 100, 100
	s.lastReminder = map[string]time.Time{}
}

// StartRescan kicks off (or piggybacks on) a collection rescan. The
// filesystem walk runs off the loop; reconciliation and the completion
// callbacks run back on it. done may be nil.
func (s *Server) StartRescan(done func()) {
	if done != nil {
		s.rescanWaiters = append(s.rescanWaiters, done)
	}
	if s.rescanUnderway {
		return
	}
	s.rescanUnderway = true
	go func() {
		found, err := s.DB.ScanRoots()
		s.Loop.Post(func() {
			s.rescanUnderway = false
			if err != nil {
				zlog.Error().Err(err).Msg("rescan failed")
			} else {
				added, removed := s.DB.ApplyScan(found, time.Now())
				zlog.Info().Int("added", added).Int("removed", removed).Msg("rescan complete")
				s.Bus.Publish("rescanned")
			}
			waiters := s.rescanWaiters
			s.rescanWaiters = nil
			for _, fn := range waiters {
				fn()
			}
		})
	}()
}

// Attach wraps an accepted connection in a reader/writer pair and emits
// the greeting.
func (s *Server) Attach(nc net.Conn, listener config.ListenerConfig) {
	c := &Conn{
		srv:      s,
		tag:      s.nextTag,
		listener: listener,
		remote:   nc.RemoteAddr().String(),
	}
	s.nextTag++

	nonce, err := auth.NewNonce()
	if err != nil {
		zlog.Error().Err(err).Msg("cannot generate nonce")
		_ = nc.Close()
		return
	}
	c.nonce = nonce
	c.lineFn = c.command

	w, err := s.Loop.NewWriter(nc, fmt.Sprintf("S%x writer", c.tag), c.writerError)
	if err != nil {
		zlog.Error().Err(err).Uint32("conn", c.tag).Msg("cannot register writer")
		_ = nc.Close()
		return
	}
	c.w = w
	r, err := s.Loop.NewReader(nc, fmt.Sprintf("S%x reader", c.tag), c.onRead, c.readerError)
	if err != nil {
		zlog.Error().Err(err).Uint32("conn", c.tag).Msg("cannot register reader")
		w.Abandon()
		return
	}
	c.r = r
	reactor.Tie(r, w)

	s.conns[c] = struct{}{}
	zlog.Debug().Uint32("conn", c.tag).Str("remote", c.remote).Msg("connection accepted")
	c.writef("%d %d %s %s\n", 231, Version, s.Cfg.Auth.Algorithm, hex.EncodeToString(nonce))
}

// Conns returns the number of live connections.
func (s *Server) Conns() int { return len(s.conns) }

func (c *Conn) writef(format string, args ...any) {
	c.w.Printf(format, args...)
}

// writeList emits a 253 response followed by dot-stuffed lines and the
// terminator.
func (c *Conn) writeList(reply string, lines []string) {
	c.writef("253 %s\n", reply)
	for _, line := range lines {
		if strings.HasPrefix(line, ".") {
			c.writef(".%s\n", line)
		} else {
			c.writef("%s\n", line)
		}
	}
	c.writef(".\n")
}

func (c *Conn) onRead(data []byte, eof bool) int {
	consumed := 0
	for !c.suspended && !c.closed {
		i := bytes.IndexByte(data[consumed:], '\n')
		if i < 0 {
			break
		}
		line := string(data[consumed : consumed+i])
		consumed += i + 1
		c.lineFn(line)
	}
	if eof {
		if consumed < len(data) {
			zlog.Warn().Uint32("conn", c.tag).Msg("unterminated line at EOF")
		}
		c.r = nil
		if c.w != nil {
			c.w.Close()
			c.w = nil
		}
		c.teardown()
	}
	return consumed
}

func (c *Conn) readerError(err error) {
	zlog.Error().Err(err).Uint32("conn", c.tag).Msg("read error on connection")
	if c.w != nil {
		c.w.Abandon()
		c.w = nil
	}
	c.r = nil
	c.teardown()
}

func (c *Conn) writerError(err error) {
	if err != nil {
		zlog.Debug().Err(err).Uint32("conn", c.tag).Msg("writer failed")
		if c.r != nil {
			c.r.Cancel()
			c.r = nil
		}
	}
	c.w = nil
	c.teardown()
}

// teardown releases everything the connection holds. Idempotent.
func (c *Conn) teardown() {
	if c.closed {
		return
	}
	c.closed = true
	if c.sub != nil {
		c.sub.Remove()
		c.sub = nil
	}
	if c.rtpAddr != nil && c.srv.TX != nil {
		c.srv.TX.Cancel(c.rtpAddr)
		c.rtpAddr = nil
	}
	c.lockedPlaylist = ""
	delete(c.srv.conns, c)
	zlog.Debug().Uint32("conn", c.tag).Msg("connection closed")
}

// suspend stops command processing until resume is called; used by
// commands whose responses arrive asynchronously.
func (c *Conn) suspend() {
	c.suspended = true
	if c.r != nil {
		c.r.Disable()
	}
}

// resume restarts command processing after a suspension.
func (c *Conn) resume() {
	c.suspended = false
	if c.r != nil {
		c.r.Enable()
	}
}

// local reports whether the connection arrived over a Unix socket.
func (c *Conn) local() bool {
	return c.listener.Network == "unix"
}

// remoteUsermanAllowed applies the remote user-management gate.
func (c *Conn) remoteUsermanAllowed() bool {
	return c.srv.Cfg.Auth.RemoteUserman || c.userRights.Has(rights.Local)
}

// command interprets one line in command mode.
func (c *Conn) command(line string) {
	line = norm.NFC.String(line)
	vec, err := split.Fields(line, split.Quotes, func(msg string) {
		c.writef("500 parse error: %s\n", msg)
	})
	if err != nil {
		return
	}
	if len(vec) == 0 {
		c.writef("500 do what?\n")
		return
	}
	cmd, ok := commandTable[vec[0]]
	if !ok {
		c.writef("500 unknown command\n")
		return
	}
	if cmd.rights != 0 && !c.userRights.HasAny(cmd.rights) {
		zlog.Warn().Uint32("conn", c.tag).Str("who", c.who).Str("command", vec[0]).
			Msg("attempted command without required rights")
		c.writef("510 Prohibited\n")
		return
	}
	args := vec[1:]
	if len(args) < cmd.minArgs {
		c.writef("500 missing argument(s)\n")
		return
	}
	if cmd.maxArgs >= 0 && len(args) > cmd.maxArgs {
		c.writef("500 too many arguments\n")
		return
	}
	if !cmd.fn(c, args) {
		c.suspend()
	}
}

// fetchBody switches the connection into body-collection mode; done runs
// with the collected lines and returns whether the command completed.
func (c *Conn) fetchBody(done func(body []string) bool) {
	c.body = nil
	c.bodyComplete = done
	c.lineFn = c.bodyLine
}

func (c *Conn) bodyLine(line string) {
	if strings.HasPrefix(line, ".") {
		if line == "." {
			c.lineFn = c.command
			done := c.bodyComplete
			c.bodyComplete = nil
			if !done(c.body) {
				c.suspend()
			}
			return
		}
		line = line[1:]
	}
	c.body = append(c.body, line)
}

// logLine discards input on a log-subscribed connection; clients may send
// keepalives.
func (c *Conn) logLine(string) {}

// hexTime renders t as lowercase hex seconds for event-log framing.
func hexTime(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 16)
}

// deliverLog writes one event-log message, applying the user_* filter.
func (c *Conn) deliverLog(msg string) {
	if c.w == nil || c.closed {
		if c.sub != nil {
			c.sub.Remove()
			c.sub = nil
		}
		return
	}
	if strings.HasPrefix(msg, "user_") {
		if !c.userRights.Has(rights.Admin) {
			return
		}
		if !c.local() && !c.srv.Cfg.Auth.RemoteUserman {
			return
		}
	}
	c.writef("%s %s\n", hexTime(time.Now()), msg)
}

// PublishVolume records and announces a volume change.
func (s *Server) PublishVolume(left, right int) {
	if left == s.volumeLeft && right == s.volumeRight {
		return
	}
	s.volumeLeft, s.volumeRight = left, right
	s.Bus.Publish("volume", strconv.Itoa(left), strconv.Itoa(right))
}

// UpdateUserRights applies a rights change to every live connection
// authenticated as user and notifies their log subscriptions.
func (s *Server) UpdateUserRights(user string, r rights.Rights) {
	for c := range s.conns {
		if c.who != user {
			continue
		}
		if c.local() {
			c.userRights = r | rights.Local
		} else {
			c.userRights = r
		}
		if c.sub != nil && c.w != nil {
			c.writef("%s rights_changed %s\n", hexTime(time.Now()), split.Quote(r.String()))
		}
	}
}

// RevokeUserConnections zeroes the rights of every live connection
// authenticated as user; used after deluser and password changes.
func (s *Server) RevokeUserConnections(user string) {
	for c := range s.conns {
		if c.who == user {
			c.userRights = 0
		}
	}
}

// playlistLockHeld reports whether any other connection locks name.
func (s *Server) playlistLockHeld(name string, except *Conn, now time.Time) bool {
	timeout := s.Cfg.Playlists.LockTimeoutDuration()
	for c := range s.conns {
		if c == except || c.lockedPlaylist != name {
			continue
		}
		if timeout > 0 && now.Sub(c.lockedWhen) > timeout {
			// Stale lock: break it.
			c.lockedPlaylist = ""
			continue
		}
		return true
	}
	return false
}
