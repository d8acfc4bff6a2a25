package player

import (
	"encoding/binary"
	"os"
	"strconv"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/jukeboxd/internal/domain/queue"
	"github.com/osa030/jukeboxd/internal/eventlog"
	"github.com/osa030/jukeboxd/internal/infra/config"
	"github.com/osa030/jukeboxd/internal/reactor"
)

type deviceState int

const (
	deviceClosed deviceState = iota
	deviceOpen
	deviceError
)

// defaultTick is the driver cadence when the backend imposes none.
const defaultTick = 20 * time.Millisecond

// maxPullBytes bounds how much PCM one tick moves (about 100 ms).
const maxPullBytes = SampleRate * FrameBytes / 10

// FinishedFunc is called on the loop goroutine when the playing entry's
// audio is fully delivered (or its decoder was killed).
type FinishedFunc func(e *queue.Entry, state queue.State, waitStat int)

// Driver owns the audio device and the decoder subprocesses. It implements
// the queue engine's Player interface and runs entirely on the reactor
// loop, pacing itself with loop timeouts.
type Driver struct {
	loop        *reactor.Loop
	cfg         config.PlayerConfig
	backend     Backend
	bus         *eventlog.Bus
	resolvePath func(track string) string
	onFinished  FinishedFunc

	decoders map[string]*decoder
	playing  *queue.Entry
	paused   bool
	device   deviceState

	volumeLeft  int
	volumeRight int

	tick         *reactor.Timeout
	lastProgress int64
}

// NewDriver creates the mixer driver. resolvePath maps a track name to its
// file on disk; onFinished is the queue engine's completion callback.
func NewDriver(loop *reactor.Loop, cfg config.PlayerConfig, backend Backend, bus *eventlog.Bus, resolvePath func(string) string, onFinished FinishedFunc) *Driver {
	return &Driver{
		loop:        loop,
		cfg:         cfg,
		backend:     backend,
		bus:         bus,
		resolvePath: resolvePath,
		onFinished:  onFinished,
		decoders:    map[string]*decoder{},
		volumeLeft:  100,
		volumeRight: 100,
	}
}

// Volume returns the current channel volumes.
func (d *Driver) Volume() (left, right int) {
	return d.volumeLeft, d.volumeRight
}

// SetVolume sets the channel volumes (0-100 each).
func (d *Driver) SetVolume(left, right int) {
	clamp := func(v int) int {
		if v < 0 {
			return 0
		}
		if v > 100 {
			return 100
		}
		return v
	}
	d.volumeLeft = clamp(left)
	d.volumeRight = clamp(right)
}

// Prepare spawns the decoder for an entry. Idempotent.
func (d *Driver) Prepare(e *queue.Entry) error {
	if _, ok := d.decoders[e.ID]; ok {
		return nil
	}
	argv, err := decoderCommand(d.cfg.Decoders, e.Track, d.resolvePath(e.Track))
	if err != nil {
		return err
	}
	dec, err := newDecoder(argv)
	if err != nil {
		return err
	}
	d.decoders[e.ID] = dec
	d.loop.WaitChild(dec.cmd, func(state *os.ProcessState) {
		status := 0
		if state != nil {
			status = state.ExitCode()
		}
		dec.reaped(status)
		d.schedule(0)
	})
	zlog.Debug().Str("track", e.Track).Str("id", e.ID).Msg("prepared decoder")
	return nil
}

// Start begins draining the entry's decoder into the backend.
func (d *Driver) Start(e *queue.Entry) error {
	if err := d.Prepare(e); err != nil {
		return err
	}
	d.playing = e
	d.lastProgress = 0
	d.schedule(0)
	return nil
}

// Pause stops pulling audio.
func (d *Driver) Pause() {
	d.paused = true
}

// Resume restarts the pull loop.
func (d *Driver) Resume() {
	d.paused = false
	d.schedule(0)
}

// Abandon discards the decoder of an entry that left the queue unplayed.
func (d *Driver) Abandon(e *queue.Entry) {
	if dec, ok := d.decoders[e.ID]; ok {
		dec.kill()
		delete(d.decoders, e.ID)
	}
	e.Prepared = false
}

// Stop kills the playing entry's decoder; completion is reported through
// the usual finished path once the child is reaped.
func (d *Driver) Stop(e *queue.Entry) {
	if dec, ok := d.decoders[e.ID]; ok {
		dec.kill()
	}
}

func (d *Driver) schedule(delay time.Duration) {
	if d.tick != nil {
		d.tick.Cancel()
	}
	var at time.Time
	if delay > 0 {
		at = time.Now().Add(delay)
	}
	d.tick = d.loop.AddTimeout(at, d.step)
}

// step is one driver tick: manage the device, move PCM, detect completion.
func (d *Driver) step() {
	if d.playing == nil || d.paused {
		return
	}
	dec, ok := d.decoders[d.playing.ID]
	if !ok {
		// Lost the decoder somehow; report failure rather than spin.
		d.finish(queue.StateFailed, 0)
		return
	}

	switch d.device {
	case deviceClosed, deviceError:
		if err := d.backend.Init(); err == nil {
			err = d.backend.Activate()
			if err == nil {
				d.device = deviceOpen
			}
		}
		if d.device != deviceOpen {
			// Back off before retrying so a broken device cannot spin
			// the loop.
			d.device = deviceError
			d.schedule(time.Duration(d.cfg.ErrorBackoffMs) * time.Millisecond)
			return
		}
	}

	if d.backend.Ready() {
		pcm := dec.read(maxPullBytes)
		if len(pcm) > 0 {
			d.applyVolume(pcm)
			frames, err := d.backend.Play(pcm)
			if err != nil {
				zlog.Error().Err(err).Msg("audio backend error")
				d.backend.Deactivate()
				d.device = deviceError
				d.schedule(time.Duration(d.cfg.ErrorBackoffMs) * time.Millisecond)
				return
			}
			d.playing.Sofar += int64(frames)
			d.maybeProgress()
		}
	}

	if dec.drained() {
		dec.mu.Lock()
		status := dec.status
		dec.mu.Unlock()
		state := queue.StateOK
		if status != 0 {
			state = queue.StateFailed
		}
		d.finish(state, status)
		return
	}

	wait := defaultTick
	if w, ok := d.backend.BeforePoll(); ok {
		wait = w
	}
	d.schedule(wait)
}

func (d *Driver) finish(state queue.State, status int) {
	e := d.playing
	d.playing = nil
	if dec, ok := d.decoders[e.ID]; ok {
		dec.kill()
		delete(d.decoders, e.ID)
	}
	d.backend.Deactivate()
	if d.device == deviceOpen {
		d.device = deviceClosed
	}
	d.onFinished(e, state, status)
}

func (d *Driver) maybeProgress() {
	interval := int64(d.cfg.ProgressInterval) * SampleRate
	if interval <= 0 || d.playing.Sofar-d.lastProgress < interval {
		return
	}
	d.lastProgress = d.playing.Sofar
	d.bus.Publish("progress", d.playing.ID, strconv.FormatInt(d.playing.Sofar, 10))
}

// applyVolume scales 16-bit interleaved stereo samples in place.
func (d *Driver) applyVolume(pcm []byte) {
	if d.volumeLeft == 100 && d.volumeRight == 100 {
		return
	}
	for i := 0; i+3 < len(pcm); i += FrameBytes {
		l := int16(binary.LittleEndian.Uint16(pcm[i:]))
		r := int16(binary.LittleEndian.Uint16(pcm[i+2:]))
		l = int16(int(l) * d.volumeLeft / 100)
		r = int16(int(r) * d.volumeRight / 100)
		binary.LittleEndian.PutUint16(pcm[i:], uint16(l))
		binary.LittleEndian.PutUint16(pcm[i+2:], uint16(r))
	}
}
