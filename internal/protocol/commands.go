package protocol

import (
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/jukeboxd/internal/app/playback"
	"github.com/osa030/jukeboxd/internal/domain/queue"
	"github.com/osa030/jukeboxd/internal/domain/rights"
	"github.com/osa030/jukeboxd/internal/split"
	"github.com/osa030/jukeboxd/internal/trackdb"
)

// handler processes one command; it returns false when the response will
// arrive asynchronously, which suspends the connection until resume.
type handler func(c *Conn, args []string) bool

type command struct {
	minArgs int
	maxArgs int // -1 means unlimited
	rights  rights.Rights
	fn      handler
}

// commandTable is the dispatch table. Rights of zero mean the command may
// be issued before authentication; multi-bit masks accept any one right.
var commandTable map[string]command

func init() {
	commandTable = map[string]command{
		"adduser":            {2, 3, rights.Admin, cmdAddUser},
		"adopt":              {1, 1, rights.Play, cmdAdopt},
		"allfiles":           {0, 2, rights.Read, cmdAllFiles},
		"confirm":            {1, 1, 0, cmdConfirm},
		"cookie":             {1, 1, 0, cmdCookie},
		"deluser":            {1, 1, rights.Admin, cmdDelUser},
		"dirs":               {0, 2, rights.Read, cmdDirs},
		"disable":            {0, 1, rights.GlobalPrefs, cmdDisable},
		"edituser":           {3, 3, rights.Read, cmdEditUser},
		"enable":             {0, 0, rights.GlobalPrefs, cmdEnable},
		"enabled":            {0, 0, rights.Read, cmdEnabled},
		"exists":             {1, 1, rights.Read, cmdExists},
		"files":              {0, 2, rights.Read, cmdFiles},
		"get":                {2, 2, rights.Read, cmdGet},
		"get-global":         {1, 1, rights.Read, cmdGetGlobal},
		"length":             {1, 1, rights.Read, cmdLength},
		"log":                {0, 0, rights.Read, cmdLog},
		"make-cookie":        {0, 0, rights.Read, cmdMakeCookie},
		"move":               {2, 2, rights.MoveAnyOf, cmdMove},
		"moveafter":          {1, -1, rights.MoveAnyOf, cmdMoveAfter},
		"new":                {0, 1, rights.Read, cmdNew},
		"nop":                {0, 0, 0, cmdNop},
		"part":               {3, 3, rights.Read, cmdPart},
		"pause":              {0, 0, rights.Pause, cmdPause},
		"play":               {1, 1, rights.Play, cmdPlay},
		"playafter":          {2, -1, rights.Play, cmdPlayAfter},
		"playing":            {0, 0, rights.Read, cmdPlaying},
		"playlist-delete":    {1, 1, rights.Play, cmdPlaylistDelete},
		"playlist-get":       {1, 1, rights.Read, cmdPlaylistGet},
		"playlist-get-share": {1, 1, rights.Read, cmdPlaylistGetShare},
		"playlist-lock":      {1, 1, rights.Play, cmdPlaylistLock},
		"playlist-set":       {1, 1, rights.Play, cmdPlaylistSet},
		"playlist-set-share": {2, 2, rights.Play, cmdPlaylistSetShare},
		"playlist-unlock":    {0, 0, rights.Play, cmdPlaylistUnlock},
		"playlists":          {0, 0, rights.Read, cmdPlaylists},
		"prefs":              {1, 1, rights.Read, cmdPrefs},
		"queue":              {0, 0, rights.Read, cmdQueue},
		"random-disable":     {0, 0, rights.GlobalPrefs, cmdRandomDisable},
		"random-enable":      {0, 0, rights.GlobalPrefs, cmdRandomEnable},
		"random-enabled":     {0, 0, rights.Read, cmdRandomEnabled},
		"recent":             {0, 0, rights.Read, cmdRecent},
		"reconfigure":        {0, 0, rights.Admin, cmdReconfigure},
		"register":           {3, 3, rights.Register, cmdRegister},
		"reminder":           {1, 1, rights.Local, cmdReminder},
		"remove":             {1, 1, rights.RemoveAnyOf, cmdRemove},
		"rescan":             {0, -1, rights.Rescan, cmdRescan},
		"resolve":            {1, 1, rights.Read, cmdResolve},
		"resume":             {0, 0, rights.Pause, cmdResume},
		"revoke":             {0, 0, rights.Read, cmdRevoke},
		"rtp-address":        {0, 0, 0, cmdRTPAddress},
		"rtp-cancel":         {0, 0, 0, cmdRTPCancel},
		"rtp-request":        {2, 2, rights.Read, cmdRTPRequest},
		"schedule-add":       {3, -1, rights.Read, cmdScheduleAdd},
		"schedule-del":       {1, 1, rights.Read, cmdScheduleDel},
		"schedule-get":       {1, 1, rights.Read, cmdScheduleGet},
		"schedule-list":      {0, 0, rights.Read, cmdScheduleList},
		"scratch":            {0, 1, rights.ScratchAnyOf, cmdScratch},
		"search":             {1, 1, rights.Read, cmdSearch},
		"set":                {3, 3, rights.Prefs, cmdSet},
		"set-global":         {2, 2, rights.GlobalPrefs, cmdSetGlobal},
		"shutdown":           {0, 0, rights.Admin, cmdShutdown},
		"stats":              {0, 0, rights.Read, cmdStats},
		"tags":               {0, 0, rights.Read, cmdTags},
		"unset":              {2, 2, rights.Prefs, cmdUnset},
		"unset-global":       {1, 1, rights.GlobalPrefs, cmdUnsetGlobal},
		"user":               {2, 2, 0, cmdUser},
		"userinfo":           {2, 2, rights.Read, cmdUserInfo},
		"users":              {0, 0, rights.Read, cmdUsers},
		"version":            {0, 0, rights.Read, cmdVersion},
		"volume":             {0, 2, rights.Read | rights.Volume, cmdVolume},
	}
}

// resolveTrack maps a client-supplied name to a canonical track, writing
// the error response itself when it fails.
func (c *Conn) resolveTrack(name string) (string, bool) {
	track, err := c.srv.DB.Resolve(name)
	if err != nil {
		c.writef("550 cannot resolve track\n")
		return "", false
	}
	return track, true
}

func noyes(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func cmdPlay(c *Conn, args []string) bool {
	if !c.srv.DB.Exists(args[0]) {
		c.writef("550 track is not in database\n")
		return true
	}
	track, ok := c.resolveTrack(args[0])
	if !ok {
		return true
	}
	entry := c.srv.Engine.Add(track, c.who, queue.OriginPicked, playback.BeforeRandom)
	c.writef("252 %s\n", entry.ID)
	// If nothing is playing but we are somehow paused, unpause.
	if c.srv.Engine.Playing() == nil && c.srv.Engine.Paused() {
		c.srv.Engine.Resume()
	}
	return true
}

func cmdPlayAfter(c *Conn, args []string) bool {
	afterme := args[0]
	for _, name := range args[1:] {
		if !c.srv.DB.Exists(name) {
			c.writef("550 track is not in database\n")
			return true
		}
		track, ok := c.resolveTrack(name)
		if !ok {
			return true
		}
		entry, err := c.srv.Engine.AddAfter(track, c.who, queue.OriginPicked, afterme)
		if err != nil {
			c.writef("550 No such ID\n")
			return true
		}
		zlog.Info().Str("track", track).Str("id", entry.ID).Str("after", afterme).Msg("added to queue")
		afterme = entry.ID
	}
	c.writef("252 OK\n")
	if c.srv.Engine.Playing() == nil && c.srv.Engine.Paused() {
		c.srv.Engine.Resume()
	}
	return true
}

func cmdRemove(c *Conn, args []string) bool {
	entry := c.srv.Engine.Find(args[0])
	if entry == nil {
		c.writef("550 no such track on the queue\n")
		return true
	}
	random := entry.Origin == queue.OriginRandom
	if !c.userRights.CanRemove(c.who, entry.Submitter, random) {
		zlog.Warn().Str("who", c.who).Msg("attempted remove but lacks required rights")
		c.writef("510 Not authorized to remove that track\n")
		return true
	}
	if err := c.srv.Engine.Remove(args[0], c.who); err != nil {
		c.writef("550 no such track on the queue\n")
		return true
	}
	c.writef("250 removed\n")
	return true
}

func cmdScratch(c *Conn, args []string) bool {
	playing := c.srv.Engine.Playing()
	if playing == nil {
		c.writef("250 nothing is playing\n")
		return true
	}
	if len(args) == 1 && args[0] != playing.ID {
		c.writef("550 not the playing track\n")
		return true
	}
	random := playing.Origin == queue.OriginRandom
	if !c.userRights.CanScratch(c.who, playing.Submitter, random) {
		zlog.Warn().Str("who", c.who).Msg("attempted scratch but lacks required rights")
		c.writef("510 Not authorized to scratch that track\n")
		return true
	}
	c.srv.Engine.Scratch(c.who, c.srv.Cfg.Queue.ScratchTracks)
	c.writef("250 scratched\n")
	return true
}

func cmdPause(c *Conn, args []string) bool {
	if c.srv.Engine.Playing() == nil {
		c.writef("250 nothing is playing\n")
		return true
	}
	if c.srv.Engine.Paused() {
		c.writef("250 already paused\n")
		return true
	}
	c.srv.Engine.Pause()
	c.writef("250 paused\n")
	return true
}

func cmdResume(c *Conn, args []string) bool {
	if !c.srv.Engine.Paused() {
		c.writef("250 not paused\n")
		return true
	}
	c.srv.Engine.Resume()
	c.writef("250 resumed\n")
	return true
}

func cmdEnable(c *Conn, args []string) bool {
	c.srv.Engine.EnablePlaying()
	c.writef("250 OK\n")
	return true
}

func cmdDisable(c *Conn, args []string) bool {
	if len(args) == 1 && args[0] != "now" {
		c.writef("550 invalid argument\n")
		return true
	}
	c.srv.Engine.DisablePlaying()
	c.writef("250 OK\n")
	return true
}

func cmdEnabled(c *Conn, args []string) bool {
	c.writef("252 %s\n", noyes(c.srv.Engine.PlayingEnabled()))
	return true
}

func cmdRandomEnable(c *Conn, args []string) bool {
	c.srv.Engine.EnableRandom()
	c.writef("250 OK\n")
	return true
}

func cmdRandomDisable(c *Conn, args []string) bool {
	c.srv.Engine.DisableRandom()
	c.writef("250 OK\n")
	return true
}

func cmdRandomEnabled(c *Conn, args []string) bool {
	c.writef("252 %s\n", noyes(c.srv.Engine.RandomEnabled()))
	return true
}

func cmdPlaying(c *Conn, args []string) bool {
	playing := c.srv.Engine.Playing()
	if playing == nil {
		c.writef("259 nothing playing\n")
		return true
	}
	c.writef("252 %s\n", playing.Marshal())
	return true
}

func cmdQueue(c *Conn, args []string) bool {
	var lines []string
	for _, entry := range c.srv.Engine.Pending() {
		lines = append(lines, entry.Marshal())
	}
	c.writeList("Tracks follow", lines)
	return true
}

func cmdRecent(c *Conn, args []string) bool {
	var lines []string
	for _, entry := range c.srv.Engine.Recent() {
		lines = append(lines, entry.Marshal())
	}
	c.writeList("Tracks follow", lines)
	return true
}

func cmdMove(c *Conn, args []string) bool {
	entry := c.srv.Engine.Find(args[0])
	if entry == nil {
		c.writef("550 no such track on the queue\n")
		return true
	}
	delta, err := strconv.Atoi(args[1])
	if err != nil {
		c.writef("550 invalid offset\n")
		return true
	}
	random := entry.Origin == queue.OriginRandom
	if !c.userRights.CanMove(c.who, entry.Submitter, random) {
		zlog.Warn().Str("who", c.who).Msg("attempted move but lacks required rights")
		c.writef("510 Not authorized to move that track\n")
		return true
	}
	moved, err := c.srv.Engine.MoveOffset(args[0], delta, c.who)
	if err != nil {
		c.writef("550 cannot move that track\n")
		return true
	}
	c.writef("252 %d\n", moved)
	return true
}

func cmdMoveAfter(c *Conn, args []string) bool {
	afterID := args[0]
	ids := args[1:]
	for _, id := range ids {
		entry := c.srv.Engine.Find(id)
		if entry == nil {
			c.writef("550 no such track on the queue\n")
			return true
		}
		random := entry.Origin == queue.OriginRandom
		if !c.userRights.CanMove(c.who, entry.Submitter, random) {
			zlog.Warn().Str("who", c.who).Msg("attempted moveafter but lacks required rights")
			c.writef("510 Not authorized to move those tracks\n")
			return true
		}
	}
	if err := c.srv.Engine.MoveAfter(afterID, ids, c.who); err != nil {
		c.writef("550 no such track on the queue\n")
		return true
	}
	c.writef("250 Moved tracks\n")
	return true
}

func cmdAdopt(c *Conn, args []string) bool {
	if c.who == "" {
		c.writef("550 no identity\n")
		return true
	}
	err := c.srv.Engine.Adopt(args[0], c.who)
	switch {
	case err == nil:
		c.writef("250 OK\n")
	case errors.Is(err, playback.ErrNotRandom):
		c.writef("550 not a random track\n")
	default:
		c.writef("550 no such track on the queue\n")
	}
	return true
}

func listingArgs(c *Conn, args []string) (dir string, re *regexp.Regexp, ok bool) {
	if len(args) > 0 {
		dir = args[0]
	}
	if len(args) > 1 {
		var err error
		re, err = regexp.Compile("(?i)" + args[1])
		if err != nil {
			c.writef("550 Error compiling regexp: %s\n", err)
			return "", nil, false
		}
	}
	return dir, re, true
}

func cmdFiles(c *Conn, args []string) bool {
	dir, re, ok := listingArgs(c, args)
	if !ok {
		return true
	}
	c.writeList("Listing follows", c.srv.DB.List(dir, trackdb.ListFiles, re))
	return true
}

func cmdDirs(c *Conn, args []string) bool {
	dir, re, ok := listingArgs(c, args)
	if !ok {
		return true
	}
	c.writeList("Listing follows", c.srv.DB.List(dir, trackdb.ListDirs, re))
	return true
}

func cmdAllFiles(c *Conn, args []string) bool {
	dir, re, ok := listingArgs(c, args)
	if !ok {
		return true
	}
	c.writeList("Listing follows", c.srv.DB.List(dir, trackdb.ListFiles|trackdb.ListDirs, re))
	return true
}

func cmdExists(c *Conn, args []string) bool {
	c.writef("252 %s\n", noyes(c.srv.DB.Exists(args[0])))
	return true
}

func cmdResolve(c *Conn, args []string) bool {
	track, ok := c.resolveTrack(args[0])
	if !ok {
		return true
	}
	c.writef("252 %s\n", split.Quote(track))
	return true
}

func cmdLength(c *Conn, args []string) bool {
	track, ok := c.resolveTrack(args[0])
	if !ok {
		return true
	}
	length, ok := c.srv.DB.Length(track)
	if !ok {
		c.writef("550 not found\n")
		return true
	}
	c.writef("252 %d\n", int(length.Seconds()))
	return true
}

// cmdPart answers the display name of one part of a track name, preferring
// an explicit trackname_<context>_<part> preference.
func cmdPart(c *Conn, args []string) bool {
	track, ok := c.resolveTrack(args[0])
	if !ok {
		return true
	}
	context, part := args[1], args[2]
	if v, ok := c.srv.DB.Get(track, "trackname_"+context+"_"+part); ok {
		c.writef("252 %s\n", split.Quote(v))
		return true
	}
	base := path.Base(track)
	var v string
	switch part {
	case "title":
		v = strings.TrimSuffix(base, path.Ext(base))
	case "album":
		v = path.Base(path.Dir(track))
	case "artist":
		v = path.Base(path.Dir(path.Dir(track)))
	}
	c.writef("252 %s\n", split.Quote(v))
	return true
}

func cmdGet(c *Conn, args []string) bool {
	track, ok := c.resolveTrack(args[0])
	if !ok {
		return true
	}
	if strings.HasPrefix(args[1], "_") {
		c.writef("555 not found\n")
		return true
	}
	v, ok := c.srv.DB.Get(track, args[1])
	if !ok {
		c.writef("555 not found\n")
		return true
	}
	c.writef("252 %s\n", split.Quote(v))
	return true
}

func cmdSet(c *Conn, args []string) bool {
	track, ok := c.resolveTrack(args[0])
	if !ok {
		return true
	}
	if strings.HasPrefix(args[1], "_") {
		c.writef("550 cannot set internal preferences\n")
		return true
	}
	if err := c.srv.DB.Set(track, args[1], args[2]); err != nil {
		c.writef("550 not found\n")
		return true
	}
	c.srv.Bus.Publish("set", track, args[1])
	c.writef("250 OK\n")
	return true
}

func cmdUnset(c *Conn, args []string) bool {
	track, ok := c.resolveTrack(args[0])
	if !ok {
		return true
	}
	if strings.HasPrefix(args[1], "_") {
		c.writef("550 cannot set internal preferences\n")
		return true
	}
	if err := c.srv.DB.Unset(track, args[1]); err != nil {
		c.writef("550 not found\n")
		return true
	}
	c.srv.Bus.Publish("set", track, args[1])
	c.writef("250 OK\n")
	return true
}

func cmdPrefs(c *Conn, args []string) bool {
	track, ok := c.resolveTrack(args[0])
	if !ok {
		return true
	}
	var lines []string
	for _, kv := range c.srv.DB.Prefs(track) {
		if strings.HasPrefix(kv[0], "_") {
			continue // omit internal values
		}
		lines = append(lines, split.Quote(kv[0])+" "+split.Quote(kv[1]))
	}
	c.writeList("prefs follow", lines)
	return true
}

func cmdGetGlobal(c *Conn, args []string) bool {
	v, ok := c.srv.DB.GetGlobal(args[0])
	if !ok {
		c.writef("555 not found\n")
		return true
	}
	c.writef("252 %s\n", split.Quote(v))
	return true
}

func flagEnabled(v string) bool {
	return v == "yes" || v == "true" || v == "1" || v == "on"
}

func cmdSetGlobal(c *Conn, args []string) bool {
	if strings.HasPrefix(args[0], "_") {
		c.writef("550 cannot set internal global preferences\n")
		return true
	}
	// The magic globals drive playback state directly.
	switch args[0] {
	case "playing":
		if flagEnabled(args[1]) {
			c.srv.Engine.EnablePlaying()
		} else {
			c.srv.Engine.DisablePlaying()
		}
		c.writef("250 OK\n")
		return true
	case "random-play":
		if flagEnabled(args[1]) {
			c.srv.Engine.EnableRandom()
		} else {
			c.srv.Engine.DisableRandom()
		}
		c.writef("250 OK\n")
		return true
	}
	if err := c.srv.DB.SetGlobal(args[0], args[1]); err != nil {
		c.writef("550 not found\n")
		return true
	}
	c.srv.Bus.Publish("global_pref", args[0], args[1])
	c.writef("250 OK\n")
	return true
}

func cmdUnsetGlobal(c *Conn, args []string) bool {
	if strings.HasPrefix(args[0], "_") {
		c.writef("550 cannot set internal global preferences\n")
		return true
	}
	if err := c.srv.DB.UnsetGlobal(args[0]); err != nil {
		c.writef("550 not found\n")
		return true
	}
	c.srv.Bus.Publish("global_pref", args[0])
	c.writef("250 OK\n")
	return true
}

func cmdSearch(c *Conn, args []string) bool {
	terms, err := split.Fields(args[0], split.Quotes, nil)
	if err != nil {
		c.writef("550 cannot parse search terms\n")
		return true
	}
	results := c.srv.DB.Search(terms)
	c.writef("253 %d matches\n", len(results))
	for _, r := range results {
		if strings.HasPrefix(r, ".") {
			c.writef(".%s\n", r)
		} else {
			c.writef("%s\n", r)
		}
	}
	c.writef(".\n")
	return true
}

func cmdTags(c *Conn, args []string) bool {
	c.writeList("Tag list follows", c.srv.DB.Tags())
	return true
}

func cmdNew(c *Conn, args []string) bool {
	max := c.srv.Cfg.Queue.NewMax
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n < max {
			max = n
		}
	}
	c.writeList("New track list follows", c.srv.DB.New(max))
	return true
}

func cmdStats(c *Conn, args []string) bool {
	// Gathered off the command path the way long-running reports are: the
	// connection is suspended until the response is ready.
	stats := c.srv.DB.Stats()
	c.srv.Loop.AddTimeout(time.Time{}, func() {
		if c.closed {
			return
		}
		c.writeList("stats", stats)
		c.resume()
	})
	return false
}

func cmdVersion(c *Conn, args []string) bool {
	c.writef("251 %s\n", c.srv.SoftwareVersion)
	return true
}

func cmdNop(c *Conn, args []string) bool {
	c.writef("250 Quack\n")
	return true
}

func cmdVolume(c *Conn, args []string) bool {
	var left, right int
	set := false
	switch len(args) {
	case 0:
	case 1:
		n, err := strconv.Atoi(args[0])
		if err != nil {
			c.writef("550 invalid volume\n")
			return true
		}
		left, right, set = n, n, true
	case 2:
		l, err1 := strconv.Atoi(args[0])
		r, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil {
			c.writef("550 invalid volume\n")
			return true
		}
		left, right, set = l, r, true
	}
	if set {
		if !c.userRights.Has(rights.Volume) {
			zlog.Warn().Str("who", c.who).Msg("attempted to set volume but lacks required rights")
			c.writef("510 Prohibited\n")
			return true
		}
		c.srv.Driver.SetVolume(left, right)
	}
	l, r := c.srv.Driver.Volume()
	c.writef("252 %d %d\n", l, r)
	if set {
		c.srv.PublishVolume(l, r)
	}
	return true
}

func cmdRescan(c *Conn, args []string) bool {
	wait := false
	for _, flag := range args {
		if flag == "wait" {
			wait = true
		} else {
			c.writef("550 unknown flag\n")
			return true
		}
	}
	zlog.Info().Uint32("conn", c.tag).Str("who", c.who).Bool("wait", wait).Msg("rescan requested")
	if !wait {
		c.srv.StartRescan(nil)
		c.writef("250 rescan initiated\n")
		return true
	}
	c.srv.StartRescan(func() {
		if c.closed {
			return
		}
		c.writef("250 rescan completed\n")
		c.resume()
	})
	return false
}

func cmdShutdown(c *Conn, args []string) bool {
	zlog.Info().Uint32("conn", c.tag).Str("who", c.who).Msg("shutdown requested")
	c.writef("250 shutting down\n")
	if c.w != nil {
		c.w.Close()
	}
	c.srv.Shutdown()
	return true
}

func cmdReconfigure(c *Conn, args []string) bool {
	zlog.Info().Uint32("conn", c.tag).Str("who", c.who).Msg("reconfigure requested")
	if err := c.srv.Reconfigure(); err != nil {
		c.writef("550 error reading new config\n")
		return true
	}
	c.writef("250 installed new config\n")
	return true
}

func cmdLog(c *Conn, args []string) bool {
	c.writef("254 OK\n")
	// Initial-state prelude so the subscriber starts from a known state.
	now := hexTime(time.Now())
	if c.srv.Engine.PlayingEnabled() {
		c.writef("%s state enable_play\n", now)
	} else {
		c.writef("%s state disable_play\n", now)
	}
	if c.srv.Engine.RandomEnabled() {
		c.writef("%s state enable_random\n", now)
	} else {
		c.writef("%s state disable_random\n", now)
	}
	if c.srv.Engine.Paused() {
		c.writef("%s state pause\n", now)
	} else {
		c.writef("%s state resume\n", now)
	}
	if c.srv.Engine.Playing() != nil {
		c.writef("%s state playing\n", now)
	}
	c.writef("%s volume %d %d\n", now, c.srv.volumeLeft, c.srv.volumeRight)
	c.sub = c.srv.Bus.Subscribe(c.deliverLog)
	c.lineFn = c.logLine
	return true
}
