package protocol

import (
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/jukeboxd/internal/domain/rights"
	"github.com/osa030/jukeboxd/internal/split"
	"github.com/osa030/jukeboxd/internal/trackdb"
)

// playlistError maps trackdb playlist errors onto response codes.
func (c *Conn) playlistError(err error) bool {
	switch {
	case errors.Is(err, trackdb.ErrAccess):
		c.writef("510 Access denied\n")
	case errors.Is(err, trackdb.ErrInvalidName):
		c.writef("550 Invalid playlist name\n")
	case errors.Is(err, trackdb.ErrNoSuchPlaylist):
		c.writef("555 No such playlist\n")
	default:
		c.writef("550 Error accessing playlist\n")
	}
	return true
}

func cmdPlaylists(c *Conn, args []string) bool {
	c.writeList("List of playlists follows", c.srv.DB.PlaylistList(c.who))
	return true
}

func cmdPlaylistGet(c *Conn, args []string) bool {
	tracks, _, err := c.srv.DB.PlaylistGet(args[0], c.who)
	if err != nil {
		return c.playlistError(err)
	}
	c.writeList("Playlist contents follows", tracks)
	return true
}

func cmdPlaylistGetShare(c *Conn, args []string) bool {
	_, share, err := c.srv.DB.PlaylistGet(args[0], c.who)
	if err != nil {
		return c.playlistError(err)
	}
	c.writef("252 %s\n", split.Quote(share))
	return true
}

func cmdPlaylistSetShare(c *Conn, args []string) bool {
	if err := c.srv.DB.PlaylistSetShare(args[0], c.who, args[1]); err != nil {
		return c.playlistError(err)
	}
	c.srv.Bus.Publish("playlist_modified", args[0], args[1])
	c.writef("250 OK\n")
	return true
}

func cmdPlaylistSet(c *Conn, args []string) bool {
	name := args[0]
	c.fetchBody(func(body []string) bool {
		if c.lockedPlaylist != name {
			c.writef("550 Playlist is not locked\n")
			return true
		}
		if body == nil {
			body = []string{}
		}
		if err := c.srv.DB.PlaylistSet(name, c.who, body, c.srv.Cfg.Playlists.Max); err != nil {
			return c.playlistError(err)
		}
		c.srv.Bus.Publish("playlist_modified", name)
		c.writef("250 OK\n")
		return true
	})
	return true
}

func cmdPlaylistLock(c *Conn, args []string) bool {
	name := args[0]
	// Probe writability first: locking a playlist you cannot modify is
	// useless.
	if err := c.srv.DB.PlaylistSet(name, c.who, nil, 0); err != nil {
		return c.playlistError(err)
	}
	if c.lockedPlaylist != "" {
		c.writef("550 Already holding a lock\n")
		return true
	}
	if c.srv.playlistLockHeld(name, c, time.Now()) {
		c.writef("550 Already locked\n")
		return true
	}
	c.lockedPlaylist = name
	c.lockedWhen = time.Now()
	c.writef("250 Acquired lock\n")
	return true
}

func cmdPlaylistUnlock(c *Conn, args []string) bool {
	if c.lockedPlaylist == "" {
		c.writef("550 Not holding a lock\n")
		return true
	}
	c.lockedPlaylist = ""
	c.writef("250 Released lock\n")
	return true
}

func cmdPlaylistDelete(c *Conn, args []string) bool {
	if err := c.srv.DB.PlaylistDelete(args[0], c.who); err != nil {
		return c.playlistError(err)
	}
	c.srv.Bus.Publish("playlist_deleted", args[0])
	c.writef("250 OK\n")
	return true
}

func cmdScheduleList(c *Conn, args []string) bool {
	c.writeList("ID list follows", c.srv.DB.ScheduleList())
	return true
}

func cmdScheduleGet(c *Conn, args []string) bool {
	record, ok := c.srv.DB.ScheduleGet(args[0])
	if !ok {
		c.writef("555 No such event\n")
		return true
	}
	// Scheduled events are public information; anyone who can read can
	// see them.
	var lines []string
	for _, key := range []string{"who", "when", "priority", "action", "track", "key", "value"} {
		if v, ok := record[key]; ok {
			lines = append(lines, split.Quote(key)+" "+split.Quote(v))
		}
	}
	c.writeList("Event information follows", lines)
	return true
}

func cmdScheduleDel(c *Conn, args []string) bool {
	record, ok := c.srv.DB.ScheduleGet(args[0])
	if !ok {
		c.writef("555 No such event\n")
		return true
	}
	// Admin deletes anything; others only their own events.
	if !c.userRights.Has(rights.Admin) {
		if record["who"] == "" || c.who == "" || record["who"] != c.who {
			c.writef("510 Not authorized\n")
			return true
		}
	}
	if err := c.srv.Scheduler.Del(args[0]); err != nil {
		c.writef("550 Could not delete scheduled event\n")
		return true
	}
	c.writef("250 Deleted\n")
	return true
}

func cmdScheduleAdd(c *Conn, args []string) bool {
	fields := map[string]string{
		"who":      c.who,
		"when":     args[0],
		"priority": args[1],
		"action":   args[2],
	}
	switch args[2] {
	case "play":
		if len(args) != 4 {
			c.writef("550 Wrong number of arguments\n")
			return true
		}
		if !c.userRights.Has(rights.Play) {
			c.writef("510 Not authorized\n")
			return true
		}
		if !c.srv.DB.Exists(args[3]) {
			c.writef("550 Track is not in database\n")
			return true
		}
		fields["track"] = args[3]
	case "set-global":
		if len(args) < 4 || len(args) > 5 {
			c.writef("550 Wrong number of arguments\n")
			return true
		}
		if !c.userRights.Has(rights.GlobalPrefs) {
			c.writef("510 Not authorized\n")
			return true
		}
		fields["key"] = args[3]
		if len(args) > 4 {
			fields["value"] = args[4]
		}
	default:
		c.writef("550 Unknown action\n")
		return true
	}
	id, err := c.srv.Scheduler.Add(fields)
	if err != nil {
		c.writef("550 Cannot add scheduled event\n")
		return true
	}
	c.writef("252 %s\n", id)
	return true
}

func cmdRTPAddress(c *Conn, args []string) bool {
	if c.srv.TX == nil {
		c.writef("550 No RTP\n")
		return true
	}
	addr, port := c.srv.TX.DestinationAddr()
	if addr == "" {
		c.writef("252 - -\n")
		return true
	}
	c.writef("252 %s %s\n", split.Quote(addr), split.Quote(port))
	return true
}

func cmdRTPRequest(c *Conn, args []string) bool {
	if c.srv.TX == nil {
		c.writef("550 No RTP\n")
		return true
	}
	port, err := strconv.Atoi(args[1])
	if err != nil || port <= 0 || port > 65535 {
		c.writef("550 Invalid address\n")
		return true
	}
	ip := net.ParseIP(args[0])
	if ip == nil {
		c.writef("550 Invalid address\n")
		return true
	}
	addr := &net.UDPAddr{IP: ip, Port: port}
	zlog.Info().Str("who", c.who).Str("addr", addr.String()).Msg("requested rtp stream")
	if c.rtpAddr != nil {
		c.srv.TX.Cancel(c.rtpAddr)
	}
	c.rtpAddr = addr
	c.srv.TX.Request(addr)
	c.writef("250 Initiated RTP stream\n")
	return true
}

func cmdRTPCancel(c *Conn, args []string) bool {
	if c.rtpAddr == nil {
		c.writef("550 No active RTP stream\n")
		return true
	}
	c.srv.TX.Cancel(c.rtpAddr)
	c.rtpAddr = nil
	c.writef("250 Cancelled RTP stream\n")
	return true
}
