package reactor

import (
	"container/heap"
	"time"
)

// Timeout is a handle on a scheduled callback.
type Timeout struct {
	at     time.Time
	fn     func()
	active bool
	index  int
}

// Cancel deactivates the timeout. Safe to call from inside its own callback
// or after it has fired; a cancelled timeout is dropped silently when popped.
func (t *Timeout) Cancel() {
	t.active = false
}

type timeoutHeap struct {
	items []*Timeout
}

func (h *timeoutHeap) Len() int { return len(h.items) }

func (h *timeoutHeap) Less(i, j int) bool { return h.items[i].at.Before(h.items[j].at) }

func (h *timeoutHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *timeoutHeap) Push(x any) {
	t := x.(*Timeout)
	t.index = len(h.items)
	h.items = append(h.items, t)
}

func (h *timeoutHeap) Pop() any {
	old := h.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return t
}

// popDue removes and returns the active timeouts with deadline <= now.
// Cancelled entries are discarded as they surface.
func (h *timeoutHeap) popDue(now time.Time) []*Timeout {
	var due []*Timeout
	for len(h.items) > 0 {
		t := h.items[0]
		if !t.active {
			heap.Pop(h)
			continue
		}
		if t.at.After(now) {
			break
		}
		heap.Pop(h)
		t.active = false
		due = append(due, t)
	}
	return due
}

// next returns the earliest active deadline.
func (h *timeoutHeap) next() (time.Time, bool) {
	for len(h.items) > 0 {
		if !h.items[0].active {
			heap.Pop(h)
			continue
		}
		return h.items[0].at, true
	}
	return time.Time{}, false
}

// AddTimeout schedules fn for the given deadline; a zero deadline means the
// next loop iteration. Must be called on the loop goroutine (use Post from
// elsewhere).
func (l *Loop) AddTimeout(at time.Time, fn func()) *Timeout {
	t := &Timeout{at: at, fn: fn, active: true}
	heap.Push(&l.timeouts, t)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return t
}
