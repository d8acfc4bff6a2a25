// Package player provides the mixer driver: it pulls PCM from the playing
// entry's decoder subprocess, applies volume, and hands whole frames to an
// audio backend.
package player

import (
	"io"
	"os/exec"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"
)

// Audio format constants: the decoder contract is 44.1 kHz 16-bit stereo
// little-endian PCM on stdout.
const (
	SampleRate = 44100
	Channels   = 2
	FrameBytes = 4 // 2 bytes per sample, 2 channels
)

// Backend is one concrete audio sink. The driver owns the call sequence:
// Init once, then Activate / Play / Deactivate as tracks come and go, with
// Ready and BeforePoll consulted each driver tick.
type Backend interface {
	Init() error
	Activate() error
	// Play consumes pcm, which always holds a whole number of frames, and
	// returns the number of frames actually played.
	Play(pcm []byte) (int, error)
	Deactivate()
	// BeforePoll returns how long the driver may sleep before the next
	// tick; ok=false means the backend imposes no constraint.
	BeforePoll() (wait time.Duration, ok bool)
	// Ready reports whether the backend can accept more audio now.
	Ready() bool
}

// CommandBackendConfig configures the command backend, which pipes raw PCM
// into a subprocess such as sox or pacat.
type CommandBackendConfig struct {
	Command []string `mapstructure:"command" validate:"required,min=1"`
}

// CommandBackend feeds PCM to an external program's stdin.
type CommandBackend struct {
	config CommandBackendConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
}

// NewCommandBackend creates a command backend from backend settings.
func NewCommandBackend(settings map[string]any) (*CommandBackend, error) {
	var config CommandBackendConfig
	if err := mapstructure.Decode(settings, &config); err != nil {
		return nil, errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&config); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(config); err != nil {
		return nil, errors.Wrap(err, "validation failed")
	}
	return &CommandBackend{config: config}, nil
}

// Init is a no-op; the subprocess starts on Activate.
func (b *CommandBackend) Init() error { return nil }

// Activate starts the sink subprocess.
func (b *CommandBackend) Activate() error {
	if b.cmd != nil {
		return nil
	}
	cmd := exec.Command(b.config.Command[0], b.config.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "opening sink stdin")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting sink %s", b.config.Command[0])
	}
	b.cmd = cmd
	b.stdin = stdin
	zlog.Info().Str("command", b.config.Command[0]).Msg("audio sink started")
	return nil
}

// Play writes pcm to the sink subprocess.
func (b *CommandBackend) Play(pcm []byte) (int, error) {
	if b.stdin == nil {
		return 0, errors.New("sink not active")
	}
	n, err := b.stdin.Write(pcm)
	return n / FrameBytes, err
}

// Deactivate stops the sink subprocess.
func (b *CommandBackend) Deactivate() {
	if b.cmd == nil {
		return
	}
	_ = b.stdin.Close()
	_ = b.cmd.Process.Kill()
	_ = b.cmd.Wait()
	b.cmd = nil
	b.stdin = nil
}

// BeforePoll imposes no scheduling constraint; the pipe blocks as needed.
func (b *CommandBackend) BeforePoll() (time.Duration, bool) { return 0, false }

// Ready reports whether the sink is running.
func (b *CommandBackend) Ready() bool { return b.stdin != nil }
