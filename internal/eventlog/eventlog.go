// Package eventlog provides the in-process fan-out of state-change events
// to subscribed protocol connections.
package eventlog

import (
	"strings"

	"github.com/osa030/jukeboxd/internal/split"
)

// Subscription is one subscriber's slot on the bus. The callback runs on
// the reactor loop (publishers only run there) and receives the bare
// message; the connection layer prepends the hex timestamp and applies the
// user_* rights filter because only it knows the subscriber's rights.
type Subscription struct {
	bus *Bus
	fn  func(msg string)
	// dead subscriptions are skipped and compacted on the next publish
	dead bool
}

// Remove drops the subscription. Idempotent; safe to call during fan-out.
func (s *Subscription) Remove() {
	s.dead = true
}

// Bus is the process-wide event log. The zero value is ready to use.
type Bus struct {
	subs []*Subscription
}

// Subscribe registers fn to receive every published message.
func (b *Bus) Subscribe(fn func(msg string)) *Subscription {
	s := &Subscription{bus: b, fn: fn}
	b.subs = append(b.subs, s)
	return s
}

// Publish quotes each argument and fans the message out to live
// subscribers, compacting dead ones as it goes.
func (b *Bus) Publish(event string, args ...string) {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, event)
	for _, a := range args {
		parts = append(parts, split.Quote(a))
	}
	b.PublishRaw(strings.Join(parts, " "))
}

// PublishRaw fans out a message whose arguments are already quoted.
func (b *Bus) PublishRaw(msg string) {
	live := b.subs[:0]
	for _, s := range b.subs {
		if s.dead {
			continue
		}
		live = append(live, s)
	}
	b.subs = live
	// snapshot: a callback may subscribe or remove during fan-out
	for _, s := range append([]*Subscription{}, b.subs...) {
		if !s.dead {
			s.fn(msg)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	n := 0
	for _, s := range b.subs {
		if !s.dead {
			n++
		}
	}
	return n
}
