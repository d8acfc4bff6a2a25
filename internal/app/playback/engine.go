// Package playback provides the queue engine: the ordered pending list,
// the playing entry, the bounded recent list, head preparation, random
// top-up and the play/pause/scratch state machine.
package playback

import (
	"bufio"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/jukeboxd/internal/domain/queue"
	"github.com/osa030/jukeboxd/internal/eventlog"
	"github.com/osa030/jukeboxd/internal/infra/config"
)

// Errors reported to protocol handlers.
var (
	ErrNoSuchEntry   = errors.New("no such track on the queue")
	ErrNotRandom     = errors.New("not a random track")
	ErrMovingPlaying = errors.New("cannot move the playing track")
)

// Player is the mixer driver as the engine sees it.
type Player interface {
	// Prepare spawns the decoder for an entry; it must be idempotent.
	Prepare(e *queue.Entry) error
	// Start begins draining the entry's decoder into the backend.
	Start(e *queue.Entry) error
	// Pause and Resume gate consumption of the playing entry.
	Pause()
	Resume()
	// Abandon kills the decoder of an entry that left the queue unplayed.
	Abandon(e *queue.Entry)
	// Stop kills the playing entry's decoder; the finished callback will
	// fire with the entry's pre-set terminal state.
	Stop(e *queue.Entry)
}

// Chooser supplies random tracks for queue top-up.
type Chooser interface {
	// Choose returns a track not in the exclude set, or ok=false if none
	// qualifies.
	Choose(exclude map[string]bool) (track string, ok bool)
}

// TrackMeta is what the engine needs from the track database.
type TrackMeta interface {
	Length(track string) (time.Duration, bool)
}

// Engine owns all queue state. It runs on the reactor loop goroutine.
type Engine struct {
	cfg     config.QueueConfig
	meta    TrackMeta
	bus     *eventlog.Bus
	player  Player
	chooser Chooser

	queueFile  string
	recentFile string

	pending []*queue.Entry
	playing *queue.Entry
	recent  []*queue.Entry // newest first

	playingEnabled bool
	randomEnabled  bool
	paused         bool

	// lastPlayed maps track path to completion time for replay_min.
	lastPlayed map[string]time.Time
}

// NewEngine creates the queue engine and restores persisted queue state.
func NewEngine(cfg config.QueueConfig, meta TrackMeta, bus *eventlog.Bus, player Player, chooser Chooser, stateDir string) *Engine {
	e := &Engine{
		cfg:            cfg,
		meta:           meta,
		bus:            bus,
		player:         player,
		chooser:        chooser,
		queueFile:      stateDir + "/queue",
		recentFile:     stateDir + "/recent",
		playingEnabled: true,
		randomEnabled:  true,
		lastPlayed:     map[string]time.Time{},
	}
	e.restore()
	return e
}

// Where says where Add should place a new entry.
type Where int

const (
	// BeforeRandom inserts after the last non-random entry, so picked
	// tracks play before the random padding.
	BeforeRandom Where = iota
	// AtEnd appends.
	AtEnd
	// AtHead inserts at the front of the pending list.
	AtHead
)

// Add creates a queue entry for track and schedules housekeeping. Returns
// the new entry.
func (e *Engine) Add(track, submitter string, origin queue.Origin, where Where) *queue.Entry {
	entry := queue.New(track, submitter, origin)
	switch where {
	case AtHead:
		e.pending = append([]*queue.Entry{entry}, e.pending...)
	case BeforeRandom:
		i := len(e.pending)
		for j, p := range e.pending {
			if p.Origin == queue.OriginRandom {
				i = j
				break
			}
		}
		e.pending = append(e.pending[:i], append([]*queue.Entry{entry}, e.pending[i:]...)...)
	default:
		e.pending = append(e.pending, entry)
	}
	e.bus.Publish("queue", entry.Marshal())
	e.afterQueueChange()
	return entry
}

// AddAfter inserts a new entry immediately after the entry with the given
// ID.
func (e *Engine) AddAfter(track, submitter string, origin queue.Origin, afterID string) (*queue.Entry, error) {
	i := e.findPending(afterID)
	if i < 0 {
		return nil, ErrNoSuchEntry
	}
	entry := queue.New(track, submitter, origin)
	e.pending = append(e.pending[:i+1], append([]*queue.Entry{entry}, e.pending[i+1:]...)...)
	e.bus.Publish("queue", entry.Marshal())
	e.afterQueueChange()
	return entry, nil
}

func (e *Engine) findPending(id string) int {
	for i, p := range e.pending {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Find returns a queue entry by ID: pending first, then playing.
func (e *Engine) Find(id string) *queue.Entry {
	if i := e.findPending(id); i >= 0 {
		return e.pending[i]
	}
	if e.playing != nil && e.playing.ID == id {
		return e.playing
	}
	return nil
}

// Remove takes a pending entry off the queue.
func (e *Engine) Remove(id, who string) error {
	i := e.findPending(id)
	if i < 0 {
		return ErrNoSuchEntry
	}
	entry := e.pending[i]
	e.pending = append(e.pending[:i], e.pending[i+1:]...)
	e.player.Abandon(entry)
	e.bus.Publish("removed", entry.ID, who)
	e.afterQueueChange()
	return nil
}

// MoveOffset relocates a pending entry by delta positions (positive moves
// toward the head) and returns how far it actually moved.
func (e *Engine) MoveOffset(id string, delta int, who string) (int, error) {
	if e.playing != nil && e.playing.ID == id {
		return 0, ErrMovingPlaying
	}
	i := e.findPending(id)
	if i < 0 {
		return 0, ErrNoSuchEntry
	}
	target := i - delta
	if target < 0 {
		target = 0
	}
	if target >= len(e.pending) {
		target = len(e.pending) - 1
	}
	entry := e.pending[i]
	e.pending = append(e.pending[:i], e.pending[i+1:]...)
	e.pending = append(e.pending[:target], append([]*queue.Entry{entry}, e.pending[target:]...)...)
	e.bus.Publish("moved", who)
	e.afterQueueChange()
	return i - target, nil
}

// MoveAfter re-anchors the given pending entries, in order, after the entry
// with afterID; an empty afterID moves them to the head.
func (e *Engine) MoveAfter(afterID string, ids []string, who string) error {
	if e.playing != nil && e.playing.ID == afterID {
		afterID = "" // after the playing track means the head of pending
	}
	moved := make([]*queue.Entry, 0, len(ids))
	for _, id := range ids {
		if e.playing != nil && e.playing.ID == id {
			return ErrMovingPlaying
		}
		i := e.findPending(id)
		if i < 0 {
			return ErrNoSuchEntry
		}
		moved = append(moved, e.pending[i])
	}
	if afterID != "" && e.findPending(afterID) < 0 {
		return ErrNoSuchEntry
	}
	isMoved := func(p *queue.Entry) bool {
		for _, m := range moved {
			if m == p {
				return true
			}
		}
		return false
	}
	var rest []*queue.Entry
	for _, p := range e.pending {
		if !isMoved(p) {
			rest = append(rest, p)
		}
	}
	var out []*queue.Entry
	if afterID == "" {
		out = append(out, moved...)
		out = append(out, rest...)
	} else {
		for _, p := range rest {
			out = append(out, p)
			if p.ID == afterID {
				out = append(out, moved...)
			}
		}
	}
	e.pending = out
	e.bus.Publish("moved", who)
	e.afterQueueChange()
	return nil
}

// Adopt transfers a random entry to the calling user.
func (e *Engine) Adopt(id, who string) error {
	entry := e.Find(id)
	if entry == nil {
		return ErrNoSuchEntry
	}
	if entry.Origin != queue.OriginRandom {
		return ErrNotRandom
	}
	entry.Origin = queue.OriginAdopted
	entry.Submitter = who
	e.bus.Publish("adopted", entry.ID, who)
	e.persist()
	return nil
}

// Playing returns the playing entry, nil when idle.
func (e *Engine) Playing() *queue.Entry {
	return e.playing
}

// Pending returns the pending entries in play order with expected start
// times filled in.
func (e *Engine) Pending() []*queue.Entry {
	var when time.Time
	if e.playingEnabled && !e.paused {
		when = time.Now()
		if e.playing != nil {
			if length, ok := e.meta.Length(e.playing.Track); ok {
				played := time.Duration(e.playing.Sofar) * time.Second / sampleRate
				when = when.Add(length - played)
			} else {
				when = time.Time{}
			}
		}
	}
	for _, p := range e.pending {
		p.Expected = when
		if !when.IsZero() {
			if length, ok := e.meta.Length(p.Track); ok {
				when = when.Add(length)
			} else {
				when = time.Time{}
			}
		}
	}
	return e.pending
}

// sampleRate is the uniform PCM rate of the decoder pipeline.
const sampleRate = 44100

// Recent returns the recent list, newest first.
func (e *Engine) Recent() []*queue.Entry {
	return e.recent
}

// PlayingEnabled reports whether playback is enabled.
func (e *Engine) PlayingEnabled() bool { return e.playingEnabled }

// RandomEnabled reports whether random top-up is enabled.
func (e *Engine) RandomEnabled() bool { return e.randomEnabled }

// Paused reports whether the playing track is paused.
func (e *Engine) Paused() bool { return e.paused }

// EnablePlaying turns playback on and starts the head track if idle.
func (e *Engine) EnablePlaying() {
	if !e.playingEnabled {
		e.playingEnabled = true
		e.bus.Publish("state", "enable_play")
	}
	// Enabling while idle implicitly unpauses.
	if e.paused && e.playing == nil {
		e.Resume()
	}
	e.afterQueueChange()
}

// DisablePlaying stops starting new tracks; the playing track finishes.
func (e *Engine) DisablePlaying() {
	if e.playingEnabled {
		e.playingEnabled = false
		e.bus.Publish("state", "disable_play")
	}
}

// EnableRandom turns random top-up on.
func (e *Engine) EnableRandom() {
	if !e.randomEnabled {
		e.randomEnabled = true
		e.bus.Publish("state", "enable_random")
	}
	if e.paused && e.playing == nil {
		e.Resume()
	}
	e.afterQueueChange()
}

// DisableRandom turns random top-up off; entries already queued remain.
func (e *Engine) DisableRandom() {
	if e.randomEnabled {
		e.randomEnabled = false
		e.bus.Publish("state", "disable_random")
	}
}

// Pause pauses the playing track. Pausing while already paused is a no-op;
// the caller distinguishes the two for its response text.
func (e *Engine) Pause() {
	if e.paused {
		return
	}
	e.paused = true
	if e.playing != nil && e.playing.State == queue.StateStarted {
		e.playing.State = queue.StatePaused
		e.playing.UpToPause = e.playing.Sofar
		e.playing.LastPaused = time.Now()
		e.player.Pause()
	}
	e.bus.Publish("state", "pause")
}

// Resume resumes paused playback.
func (e *Engine) Resume() {
	if !e.paused {
		return
	}
	e.paused = false
	if e.playing != nil && e.playing.State == queue.StatePaused {
		e.playing.State = queue.StateStarted
		e.playing.LastResumed = time.Now()
		e.player.Resume()
	}
	e.bus.Publish("state", "resume")
	e.afterQueueChange()
}

// Scratch interrupts the playing track and queues a scratch jingle. A
// paused track is resumed first so the interruption is audible.
func (e *Engine) Scratch(who string, scratchTracks []string) {
	if e.playing == nil {
		return
	}
	if e.paused {
		e.Resume()
	}
	entry := e.playing
	entry.State = queue.StateScratched
	entry.Scratched = who
	e.bus.Publish("scratched", entry.ID, who)
	if len(scratchTracks) > 0 {
		jingle := scratchTracks[pick(len(scratchTracks))]
		e.Add(jingle, who, queue.OriginScratch, AtHead)
	}
	e.player.Stop(entry)
}

// NotifyFinished is called by the mixer driver when the playing entry's
// decoder completes. state must be terminal.
func (e *Engine) NotifyFinished(entry *queue.Entry, state queue.State, waitStat int) {
	if !entry.State.Terminal() {
		entry.State = state
	}
	entry.WaitStat = waitStat
	if e.playing == entry {
		e.playing = nil
	}
	e.lastPlayed[entry.Track] = time.Now()
	e.pushRecent(entry)
	switch entry.State {
	case queue.StateFailed, queue.StateNoPlayer:
		e.bus.Publish("failed", entry.Track)
	default:
		e.bus.Publish("completed", entry.Track)
	}
	e.afterQueueChange()
}

func (e *Engine) pushRecent(entry *queue.Entry) {
	e.recent = append([]*queue.Entry{entry}, e.recent...)
	if e.cfg.HistoryMax > 0 && len(e.recent) > e.cfg.HistoryMax {
		e.recent = e.recent[:e.cfg.HistoryMax]
	}
	e.bus.Publish("recent", entry.ID)
	e.persistRecent()
}

// afterQueueChange re-establishes the engine invariants after any queue
// mutation: random top-up, head preparation, playback start, persistence.
func (e *Engine) afterQueueChange() {
	e.topUp()
	e.prepareHead()
	e.maybeStart()
	e.persist()
}

func (e *Engine) topUp() {
	if !e.randomEnabled || e.chooser == nil {
		return
	}
	for len(e.pending) < e.cfg.Pad {
		exclude := map[string]bool{}
		for _, p := range e.pending {
			exclude[p.Track] = true
		}
		if e.playing != nil {
			exclude[e.playing.Track] = true
		}
		cutoff := time.Now().Add(-e.cfg.ReplayMinDuration())
		for track, at := range e.lastPlayed {
			if at.After(cutoff) {
				exclude[track] = true
			}
		}
		track, ok := e.chooser.Choose(exclude)
		if !ok {
			return
		}
		entry := queue.New(track, "", queue.OriginRandom)
		e.pending = append(e.pending, entry)
		e.bus.Publish("queue", entry.Marshal())
	}
}

func (e *Engine) prepareHead() {
	for len(e.pending) > 0 {
		head := e.pending[0]
		if head.Prepared {
			return
		}
		if err := e.player.Prepare(head); err != nil {
			// An unplayable head would stall the queue; fail it into the
			// recent list and try the next entry.
			zlog.Error().Err(err).Str("track", head.Track).Msg("failed to prepare track")
			e.pending = e.pending[1:]
			head.State = queue.StateNoPlayer
			e.pushRecent(head)
			continue
		}
		head.Prepared = true
		return
	}
}

func (e *Engine) maybeStart() {
	if e.playing != nil || !e.playingEnabled || e.paused || len(e.pending) == 0 {
		return
	}
	head := e.pending[0]
	if !head.Prepared {
		return
	}
	if err := e.player.Start(head); err != nil {
		zlog.Error().Err(err).Str("track", head.Track).Msg("failed to start track")
		head.State = queue.StateFailed
		e.pending = e.pending[1:]
		e.pushRecent(head)
		return
	}
	e.pending = e.pending[1:]
	head.State = queue.StateStarted
	head.Played = time.Now()
	e.playing = head
	e.bus.Publish("playing", head.ID)
	e.bus.Publish("state", "playing")
	// The queue just shrank: pad it back out and keep the pipeline gapless
	// by preparing the new head now.
	e.topUp()
	e.prepareHead()
}

// Shutdown marks the playing entry as interrupted by server exit and
// persists everything.
func (e *Engine) Shutdown() {
	if e.playing != nil {
		e.playing.State = queue.StateQuitting
		e.player.Stop(e.playing)
	}
	e.persist()
	e.persistRecent()
}

func (e *Engine) persist() {
	entries := make([]*queue.Entry, 0, len(e.pending)+1)
	if e.playing != nil {
		entries = append(entries, e.playing)
	}
	entries = append(entries, e.pending...)
	writeEntries(e.queueFile, entries)
}

func (e *Engine) persistRecent() {
	writeEntries(e.recentFile, e.recent)
}

func writeEntries(path string, entries []*queue.Entry) {
	var b strings.Builder
	for _, entry := range entries {
		b.WriteString(entry.Marshal())
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path+".tmp", []byte(b.String()), 0o600); err != nil {
		zlog.Error().Err(err).Str("path", path).Msg("failed to write queue state")
		return
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		zlog.Error().Err(err).Str("path", path).Msg("failed to rename queue state")
	}
}

func readEntries(path string) []*queue.Entry {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []*queue.Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		entry, err := queue.Unmarshal(line)
		if err != nil {
			zlog.Warn().Err(err).Str("path", path).Msg("dropping bad queue entry")
			continue
		}
		out = append(out, entry)
	}
	return out
}

func (e *Engine) restore() {
	for _, entry := range readEntries(e.queueFile) {
		// A track that was playing when the server stopped goes back to
		// the head, unplayed.
		if entry.Playing() {
			entry.State = queue.StateUnplayed
			entry.Prepared = false
			entry.Sofar = 0
		}
		e.pending = append(e.pending, entry)
	}
	e.recent = readEntries(e.recentFile)
	for _, entry := range e.recent {
		if !entry.Played.IsZero() {
			e.lastPlayed[entry.Track] = entry.Played
		}
	}
}
