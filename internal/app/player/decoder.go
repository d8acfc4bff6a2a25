package player

import (
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/osa030/jukeboxd/internal/infra/config"
)

// decoderBacklog bounds buffered decoder output; the read goroutine stalls
// (and with it the subprocess, via the pipe) once this much is pending.
const decoderBacklog = 1 << 20

// ErrNoDecoder means no configured decoder matches the track's suffix.
var ErrNoDecoder = errors.New("no decoder for track")

// decoder is one spawned decoder subprocess and its PCM buffer.
type decoder struct {
	cmd *exec.Cmd

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	eof     bool
	done    bool // process reaped
	status  int
	stopped bool // killed deliberately; discard remaining output
}

// decoderCommand resolves the subprocess argv for a track, substituting the
// track path for "{}" placeholders.
func decoderCommand(decoders []config.DecoderConfig, track, path string) ([]string, error) {
	for _, d := range decoders {
		for _, suffix := range d.Suffixes {
			if strings.HasSuffix(strings.ToLower(track), strings.ToLower(suffix)) {
				argv := make([]string, len(d.Command))
				for i, a := range d.Command {
					argv[i] = strings.ReplaceAll(a, "{}", path)
				}
				return argv, nil
			}
		}
	}
	return nil, ErrNoDecoder
}

func newDecoder(argv []string) (*decoder, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening decoder stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting decoder %s", argv[0])
	}
	d := &decoder{cmd: cmd}
	d.cond = sync.NewCond(&d.mu)
	go d.pump(stdout)
	return d, nil
}

func (d *decoder) pump(stdout io.Reader) {
	chunk := make([]byte, 32*1024)
	for {
		d.mu.Lock()
		for len(d.buf) >= decoderBacklog && !d.stopped {
			d.cond.Wait()
		}
		stopped := d.stopped
		d.mu.Unlock()
		if stopped {
			return
		}
		n, err := stdout.Read(chunk)
		if n > 0 {
			d.mu.Lock()
			d.buf = append(d.buf, chunk[:n]...)
			d.mu.Unlock()
		}
		if err != nil {
			d.mu.Lock()
			d.eof = true
			d.mu.Unlock()
			return
		}
	}
}

// read takes up to max bytes of whole frames from the buffer.
func (d *decoder) read(max int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.buf)
	if n > max {
		n = max
	}
	n -= n % FrameBytes
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[:n])
	d.buf = d.buf[n:]
	d.cond.Signal()
	return out
}

// drained reports whether no more PCM will ever come out of this decoder.
func (d *decoder) drained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return d.done
	}
	return d.done && d.eof && len(d.buf) == 0
}

// kill terminates the subprocess and discards buffered output.
func (d *decoder) kill() {
	d.mu.Lock()
	d.stopped = true
	d.buf = nil
	d.mu.Unlock()
	d.cond.Signal()
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
}

// reaped records the subprocess exit, delivered via the reactor's child
// facility.
func (d *decoder) reaped(status int) {
	d.mu.Lock()
	d.done = true
	d.status = status
	d.mu.Unlock()
}
