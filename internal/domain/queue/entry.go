// Package queue provides the queue entry domain entity and its textual
// marshalling, used both on the wire and in the persisted queue file.
package queue

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/osa030/jukeboxd/internal/split"
)

// State is the lifecycle state of a queue entry.
type State string

const (
	StateUnplayed  State = "unplayed"  // waiting in the queue
	StateStarted   State = "started"   // currently playing
	StatePaused    State = "paused"    // playing but paused
	StateOK        State = "ok"        // played to completion
	StateScratched State = "scratched" // interrupted by a user
	StateFailed    State = "failed"    // decoder failed
	StateQuitting  State = "quitting"  // interrupted by server shutdown
	StateNoPlayer  State = "no_player" // no decoder available for the format
	StateIsScratch State = "isscratch" // this entry is a scratch jingle
)

// Terminal reports whether the state is final; terminal entries live on the
// recent list and never re-enter the queue.
func (s State) Terminal() bool {
	switch s {
	case StateOK, StateScratched, StateFailed, StateQuitting, StateNoPlayer:
		return true
	}
	return false
}

// Origin records how an entry got onto the queue.
type Origin string

const (
	OriginPicked    Origin = "picked"    // explicitly submitted by a user
	OriginRandom    Origin = "random"    // chosen by the random injector
	OriginScratch   Origin = "scratch"   // a scratch jingle
	OriginAdopted   Origin = "adopted"   // random entry claimed by a user
	OriginScheduled Origin = "scheduled" // submitted by a scheduled event
)

// Entry is one track on the queue, playing, or on the recent list.
type Entry struct {
	ID        string    // opaque, unique for the process lifetime
	Track     string    // resolved track path
	Submitter string    // submitting user, empty for random origin
	When      time.Time // submission time
	Expected  time.Time // expected start time, zero if unknown
	Played    time.Time // when playback started
	State     State
	Origin    Origin
	Scratched string // who scratched it
	WaitStat  int    // decoder exit status

	// Playback progress, maintained by the mixer driver.
	Sofar       int64 // frames played so far
	LastPaused  time.Time
	LastResumed time.Time
	UpToPause   int64 // frames played up to the last pause
	Prepared    bool  // decoder subprocess has been spawned
}

// New creates an unplayed entry with a fresh ID.
func New(track, submitter string, origin Origin) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Track:     track,
		Submitter: submitter,
		When:      time.Now(),
		State:     StateUnplayed,
		Origin:    origin,
	}
}

// Playing reports whether the entry is the playing track.
func (e *Entry) Playing() bool {
	return e.State == StateStarted || e.State == StatePaused
}

func marshalTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.Unix(), 10)
}

func unmarshalTime(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, nil
	}
	return time.Unix(n, 0), nil
}

// Marshal renders the entry as a single line of alternating key and value
// tokens. Keys are emitted in a fixed order so output is stable.
func (e *Entry) Marshal() string {
	pairs := []string{
		"expected", marshalTime(e.Expected),
		"id", e.ID,
		"origin", string(e.Origin),
		"played", marshalTime(e.Played),
		"scratched", e.Scratched,
		"sofar", strconv.FormatInt(e.Sofar, 10),
		"state", string(e.State),
		"submitter", e.Submitter,
		"track", e.Track,
		"when", marshalTime(e.When),
		"wstat", strconv.Itoa(e.WaitStat),
	}
	out := ""
	for i := 0; i < len(pairs); i += 2 {
		if i > 0 {
			out += " "
		}
		out += pairs[i] + " " + split.Quote(pairs[i+1])
	}
	return out
}

// Unmarshal parses a line produced by Marshal. Unknown keys are ignored so
// old queue files remain readable.
func Unmarshal(line string) (*Entry, error) {
	fields, err := split.Fields(line, split.Quotes, nil)
	if err != nil {
		return nil, errors.Wrap(err, "parsing queue entry")
	}
	if len(fields)%2 != 0 {
		return nil, errors.New("queue entry has odd token count")
	}
	e := &Entry{}
	for i := 0; i < len(fields); i += 2 {
		key, value := fields[i], fields[i+1]
		switch key {
		case "expected":
			e.Expected, err = unmarshalTime(value)
		case "id":
			e.ID = value
		case "origin":
			e.Origin = Origin(value)
		case "played":
			e.Played, err = unmarshalTime(value)
		case "scratched":
			e.Scratched = value
		case "sofar":
			e.Sofar, err = strconv.ParseInt(value, 10, 64)
		case "state":
			e.State = State(value)
		case "submitter":
			e.Submitter = value
		case "track":
			e.Track = value
		case "when":
			e.When, err = unmarshalTime(value)
		case "wstat":
			e.WaitStat, err = strconv.Atoi(value)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "queue entry field %q", key)
		}
	}
	if e.ID == "" || e.Track == "" {
		return nil, errors.New("queue entry missing id or track")
	}
	return e, nil
}
