package reactor

import (
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"
)

const (
	// DefaultTimeBound is the longest the writer will go between successful
	// writes with data pending before declaring the peer dead.
	DefaultTimeBound = 600 * time.Second
	// DefaultSpaceBound is the most the writer will buffer before abandoning
	// the connection.
	DefaultSpaceBound = 512 * 1024
)

// Writer is a buffered writer over a connection. Data is accepted
// immediately and drained by a pump goroutine; when the peer stops reading
// the time and space bounds fire and the error callback runs on the loop.
type Writer struct {
	loop  *Loop
	conn  net.Conn
	label string

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	closing bool // flush remaining data then shut down
	dead    bool // stop immediately, discard data

	timeBound  time.Duration
	spaceBound int

	onError func(err error) // loop goroutine; nil err means clean completion
	tie     *tie
}

// NewWriter registers a buffered writer on conn. onError runs on the loop
// goroutine when the writer fails or finishes closing; a nil error reports
// clean completion after Close.
func (l *Loop) NewWriter(conn net.Conn, label string, onError func(error)) (*Writer, error) {
	if err := l.addHandle(); err != nil {
		return nil, err
	}
	w := &Writer{
		loop:       l,
		conn:       conn,
		label:      label,
		timeBound:  DefaultTimeBound,
		spaceBound: DefaultSpaceBound,
		onError:    onError,
	}
	w.cond = sync.NewCond(&w.mu)
	go w.pump()
	return w, nil
}

// SetBounds overrides the time and space bounds. Zero keeps the default.
func (w *Writer) SetBounds(timeBound time.Duration, spaceBound int) {
	w.mu.Lock()
	if timeBound > 0 {
		w.timeBound = timeBound
	}
	if spaceBound > 0 {
		w.spaceBound = spaceBound
	}
	w.mu.Unlock()
}

// Write buffers p. It never blocks; overflowing the space bound abandons
// the writer with EPIPE.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.dead || w.closing {
		w.mu.Unlock()
		return 0, syscall.EPIPE
	}
	if len(w.buf)+len(p) > w.spaceBound {
		w.mu.Unlock()
		w.fail(syscall.EPIPE)
		return 0, syscall.EPIPE
	}
	w.buf = append(w.buf, p...)
	w.mu.Unlock()
	w.cond.Signal()
	return len(p), nil
}

// Printf formats and buffers a message.
func (w *Writer) Printf(format string, args ...any) {
	_, _ = w.Write([]byte(fmt.Sprintf(format, args...)))
}

// Close flushes buffered data then shuts the write side down. The error
// callback fires with nil once the flush completes.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.dead || w.closing {
		w.mu.Unlock()
		return
	}
	w.closing = true
	w.mu.Unlock()
	w.cond.Signal()
}

// Abandon drops buffered data and kills the writer without invoking the
// error callback. Used when the connection is being torn down anyway.
func (w *Writer) Abandon() {
	w.mu.Lock()
	if w.dead {
		w.mu.Unlock()
		return
	}
	w.dead = true
	w.buf = nil
	w.mu.Unlock()
	w.cond.Signal()
}

// Buffered returns the number of bytes waiting to be written.
func (w *Writer) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	if w.dead {
		w.mu.Unlock()
		return
	}
	w.dead = true
	w.buf = nil
	cb := w.onError
	w.onError = nil
	w.mu.Unlock()
	w.cond.Signal()
	if err == syscall.EPIPE {
		zlog.Debug().Str("writer", w.label).Msg("peer went away")
	} else if err != nil {
		zlog.Error().Err(err).Str("writer", w.label).Msg("write error")
	}
	w.loop.Post(func() {
		if cb != nil {
			cb(err)
		}
		w.release()
	})
}

func (w *Writer) release() {
	w.loop.dropHandle()
	if w.tie != nil {
		w.tie.release(w.conn, false)
	} else {
		_ = w.conn.Close()
	}
}

func (w *Writer) pump() {
	for {
		w.mu.Lock()
		for len(w.buf) == 0 && !w.closing && !w.dead {
			w.cond.Wait()
		}
		if w.dead {
			w.mu.Unlock()
			return
		}
		if len(w.buf) == 0 && w.closing {
			w.mu.Unlock()
			w.fail(nil)
			return
		}
		chunk := w.buf
		bound := w.timeBound
		w.mu.Unlock()

		_ = w.conn.SetWriteDeadline(time.Now().Add(bound))
		n, err := w.conn.Write(chunk)
		w.mu.Lock()
		w.buf = w.buf[n:]
		w.mu.Unlock()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				err = syscall.ETIMEDOUT
			}
			w.fail(err)
			return
		}
	}
}
