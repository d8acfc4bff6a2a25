// Package schedule arms reactor timeouts for persisted scheduled events
// and performs their actions when they fall due.
package schedule

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/jukeboxd/internal/reactor"
)

// Store is the slice of the track database the scheduler uses.
type Store interface {
	ScheduleAdd(fields map[string]string) (string, error)
	ScheduleGet(id string) (map[string]string, bool)
	ScheduleDel(id string) error
	ScheduleList() []string
}

// Actions are the operations a scheduled event may perform; the server
// wires them to the queue engine and the global preference store.
type Actions interface {
	SchedulePlay(track, who string)
	ScheduleSetGlobal(key, value, who string)
}

// Errors for protocol handlers.
var (
	ErrBadEvent = errors.New("malformed scheduled event")
)

// Scheduler owns the armed timeouts. It runs on the reactor loop.
type Scheduler struct {
	loop    *reactor.Loop
	store   Store
	actions Actions
	armed   map[string]*reactor.Timeout
}

// New creates a scheduler and arms every persisted event. Junk-priority
// events whose trigger time has already passed are discarded; normal ones
// fire on the next loop iteration.
func New(loop *reactor.Loop, store Store, actions Actions) *Scheduler {
	s := &Scheduler{
		loop:    loop,
		store:   store,
		actions: actions,
		armed:   map[string]*reactor.Timeout{},
	}
	now := time.Now()
	for _, id := range store.ScheduleList() {
		record, ok := store.ScheduleGet(id)
		if !ok {
			continue
		}
		when, err := eventTime(record)
		if err != nil {
			zlog.Warn().Str("id", id).Msg("dropping malformed scheduled event")
			_ = store.ScheduleDel(id)
			continue
		}
		if when.Before(now) && record["priority"] == "junk" {
			zlog.Info().Str("id", id).Msg("dropping expired junk event")
			_ = store.ScheduleDel(id)
			continue
		}
		s.arm(id, when)
	}
	return s
}

func eventTime(record map[string]string) (time.Time, error) {
	secs, err := strconv.ParseInt(record["when"], 10, 64)
	if err != nil {
		return time.Time{}, ErrBadEvent
	}
	return time.Unix(secs, 0), nil
}

// Add validates, persists and arms a new event. The caller has already
// filled in the who/when/priority/action fields.
func (s *Scheduler) Add(fields map[string]string) (string, error) {
	when, err := eventTime(fields)
	if err != nil {
		return "", err
	}
	switch fields["action"] {
	case "play":
		if fields["track"] == "" {
			return "", ErrBadEvent
		}
	case "set-global":
		if fields["key"] == "" {
			return "", ErrBadEvent
		}
	default:
		return "", ErrBadEvent
	}
	id, err := s.store.ScheduleAdd(fields)
	if err != nil {
		return "", err
	}
	s.arm(id, when)
	return id, nil
}

// Del cancels and removes an event.
func (s *Scheduler) Del(id string) error {
	if err := s.store.ScheduleDel(id); err != nil {
		return err
	}
	if t, ok := s.armed[id]; ok {
		t.Cancel()
		delete(s.armed, id)
	}
	return nil
}

func (s *Scheduler) arm(id string, when time.Time) {
	var at time.Time
	if when.After(time.Now()) {
		at = when
	}
	s.armed[id] = s.loop.AddTimeout(at, func() { s.fire(id) })
}

func (s *Scheduler) fire(id string) {
	delete(s.armed, id)
	record, ok := s.store.ScheduleGet(id)
	if !ok {
		return
	}
	_ = s.store.ScheduleDel(id)
	who := record["who"]
	switch record["action"] {
	case "play":
		zlog.Info().Str("id", id).Str("track", record["track"]).Msg("scheduled play")
		s.actions.SchedulePlay(record["track"], who)
	case "set-global":
		zlog.Info().Str("id", id).Str("key", record["key"]).Msg("scheduled set-global")
		if value, ok := record["value"]; ok {
			s.actions.ScheduleSetGlobal(record["key"], value, who)
		} else {
			s.actions.ScheduleSetGlobal(record["key"], "", who)
		}
	default:
		zlog.Warn().Str("id", id).Str("action", record["action"]).Msg("unknown scheduled action")
	}
}
