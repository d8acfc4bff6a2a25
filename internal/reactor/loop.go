// Package reactor provides the event loop at the heart of the server: one
// goroutine owns all mutable state and runs every callback, while per-handle
// pump goroutines move bytes and hand results back to it. Timeouts, signals,
// child processes, listeners and buffered reader/writer pairs are all
// dispatched from the same loop, so handlers never need locks.
package reactor

import (
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// DefaultMaxHandles bounds the number of live readers and writers; it plays
// the role the fd_set size limit plays in a select() loop.
const DefaultMaxHandles = 1024

// ErrTooManyHandles is returned when registering a reader or writer would
// exceed the handle bound.
var ErrTooManyHandles = errors.New("reactor: too many registered handles")

// Loop is the event loop. All methods are safe to call from any goroutine
// unless noted; callbacks always run on the loop goroutine.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	timeouts timeoutHeap

	sigCh    chan os.Signal
	handlers map[os.Signal][]func(os.Signal)

	handles    int
	maxHandles int

	quitCh  chan struct{}
	quitErr error
	once    sync.Once
}

// New creates a loop with the default handle bound.
func New() *Loop {
	return &Loop{
		wake:       make(chan struct{}, 1),
		sigCh:      make(chan os.Signal, 16),
		handlers:   make(map[os.Signal][]func(os.Signal)),
		maxHandles: DefaultMaxHandles,
		quitCh:     make(chan struct{}),
	}
}

// Post schedules fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop makes Run return err (nil for a clean shutdown). Idempotent; the
// first call wins.
func (l *Loop) Stop(err error) {
	l.once.Do(func() {
		l.quitErr = err
		close(l.quitCh)
	})
}

// OnSignal arranges for fn to run on the loop goroutine whenever sig is
// delivered. The runtime queues the signal; the loop drains it outside
// signal context, which is the self-pipe trick in native dress.
func (l *Loop) OnSignal(sig os.Signal, fn func(os.Signal)) {
	l.mu.Lock()
	first := len(l.handlers[sig]) == 0
	l.handlers[sig] = append(l.handlers[sig], fn)
	l.mu.Unlock()
	if first {
		signal.Notify(l.sigCh, sig)
	}
}

// WaitChild invokes fn on the loop goroutine once the already-started child
// process exits. The wait itself happens on a helper goroutine so the loop
// never blocks in wait().
func (l *Loop) WaitChild(cmd *exec.Cmd, fn func(state *os.ProcessState)) {
	go func() {
		_ = cmd.Wait()
		state := cmd.ProcessState
		l.Post(func() { fn(state) })
	}()
}

// Listen accepts connections on ln and delivers each to fn on the loop
// goroutine. Transient accept errors are logged and retried; the accept
// goroutine exits when the listener is closed.
func (l *Loop) Listen(ln net.Listener, fn func(net.Conn)) {
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				// ECONNABORTED and friends: the would-be client went
				// away between connect and accept.
				zlog.Warn().Err(err).Str("listener", ln.Addr().String()).
					Msg("accept failed")
				continue
			}
			l.Post(func() { fn(conn) })
		}
	}()
}

func (l *Loop) addHandle() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handles >= l.maxHandles {
		return ErrTooManyHandles
	}
	l.handles++
	return nil
}

func (l *Loop) dropHandle() {
	l.mu.Lock()
	l.handles--
	l.mu.Unlock()
}

// SetMaxHandles adjusts the handle bound. Call before Run.
func (l *Loop) SetMaxHandles(n int) {
	l.mu.Lock()
	l.maxHandles = n
	l.mu.Unlock()
}

func (l *Loop) takePending() []func() {
	l.mu.Lock()
	fns := l.pending
	l.pending = nil
	l.mu.Unlock()
	return fns
}

func (l *Loop) dispatchSignal(sig os.Signal) {
	l.mu.Lock()
	fns := append([]func(os.Signal){}, l.handlers[sig]...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn(sig)
	}
}

// Run executes the loop until Stop is called and returns the error passed to
// Stop. Each iteration fires due timeouts first, then posted callbacks, so
// timer work is never starved by I/O.
func (l *Loop) Run() error {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		now := time.Now()
		for _, t := range l.timeouts.popDue(now) {
			t.fn()
		}
		for _, fn := range l.takePending() {
			fn()
		}

		var timerC <-chan time.Time
		if next, ok := l.timeouts.next(); ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			timerC = timer.C
		}

		select {
		case <-l.wake:
		case <-timerC:
			timerC = nil
		case sig := <-l.sigCh:
			l.dispatchSignal(sig)
		case <-l.quitCh:
			if timerC != nil && !timer.Stop() {
				<-timer.C
			}
			return l.quitErr
		}
		if timerC != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}
