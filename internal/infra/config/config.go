// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Home        string           `yaml:"home" default:"/var/lib/jukeboxd"`
	Collections []string         `yaml:"collections"`
	Listeners   []ListenerConfig `yaml:"listeners" validate:"required,min=1,dive"`
	Queue       QueueConfig      `yaml:"queue"`
	Player      PlayerConfig     `yaml:"player"`
	RTP         RTPConfig        `yaml:"rtp"`
	Auth        AuthConfig       `yaml:"auth"`
	Playlists   PlaylistsConfig  `yaml:"playlists"`
	Mail        MailConfig       `yaml:"mail"`
}

// ListenerConfig represents one protocol listener. Network is "tcp" or
// "unix"; privileged is only honoured for unix sockets.
type ListenerConfig struct {
	Network    string `yaml:"network" default:"tcp" validate:"oneof=tcp unix"`
	Addr       string `yaml:"addr" validate:"required"`
	Privileged bool   `yaml:"privileged"`
}

// QueueConfig represents queue engine tuning.
type QueueConfig struct {
	Pad           int      `yaml:"pad" default:"10" validate:"gte=0"`
	ReplayMin     int      `yaml:"replay_min" default:"28800" validate:"gte=0"`
	NewMax        int      `yaml:"new_max" default:"100" validate:"gt=0"`
	NewBiasAge    int      `yaml:"new_bias_age" default:"604800" validate:"gt=0"`
	NewBias       int      `yaml:"new_bias" default:"450000" validate:"gte=0"`
	HistoryMax    int      `yaml:"history_max" default:"60" validate:"gte=0"`
	ScratchTracks []string `yaml:"scratch_tracks"`
}

// PlayerConfig represents the mixer driver and its decoder plugins.
type PlayerConfig struct {
	Backend  BackendConfig   `yaml:"backend"`
	Decoders []DecoderConfig `yaml:"decoders" validate:"dive"`
	// Progress event throttle, in seconds of played audio.
	ProgressInterval int `yaml:"progress_interval" default:"10" validate:"gt=0"`
	// Delay before retrying a failed audio device.
	ErrorBackoffMs int `yaml:"error_backoff_ms" default:"1000" validate:"gt=0"`
}

// BackendConfig selects an audio sink. Settings are backend-specific and
// decoded by the backend factory.
type BackendConfig struct {
	Type     string         `yaml:"type" default:"rtp" validate:"oneof=rtp command"`
	Settings map[string]any `yaml:"settings"`
}

// DecoderConfig maps track name suffixes to the subprocess that decodes
// them to raw PCM on stdout.
type DecoderConfig struct {
	Suffixes []string `yaml:"suffixes" validate:"required,min=1"`
	Command  []string `yaml:"command" validate:"required,min=1"`
}

// RTPConfig represents the RTP transmitter configuration.
type RTPConfig struct {
	// Mode is "address" (unicast/broadcast/multicast to the configured
	// destination) or "request" (clients register with rtp-request).
	Mode          string `yaml:"mode" default:"address" validate:"oneof=address request"`
	Destination   string `yaml:"destination"`
	Port          int    `yaml:"port" default:"9601" validate:"gt=0,lte=65535"`
	Source        string `yaml:"source"`
	MulticastTTL  int    `yaml:"multicast_ttl" default:"1" validate:"gte=0,lte=255"`
	MulticastLoop bool   `yaml:"multicast_loop" default:"true"`
	MaxPayload    int    `yaml:"max_payload" default:"1444" validate:"gt=0,lte=65000"`
}

// AuthConfig represents authentication and user management configuration.
type AuthConfig struct {
	Algorithm           string `yaml:"algorithm" default:"sha1" validate:"oneof=sha1 sha256 sha384 sha512"`
	DefaultRights       string `yaml:"default_rights" default:"read,play,move-own,remove-own,scratch-own,volume,prefs,pause,register,userinfo"`
	RemoteUserman       bool   `yaml:"remote_userman"`
	CookieLoginLifetime int    `yaml:"cookie_login_lifetime" default:"86400" validate:"gt=0"`
	CookieKeyLifetime   int    `yaml:"cookie_key_lifetime" default:"604800" validate:"gt=0"`
	ReminderInterval    int    `yaml:"reminder_interval" default:"600" validate:"gte=0"`
}

// PlaylistsConfig represents playlist limits.
type PlaylistsConfig struct {
	Max         int `yaml:"max" default:"500" validate:"gt=0"`
	LockTimeout int `yaml:"lock_timeout" default:"10" validate:"gte=0"`
}

// MailConfig represents the reminder mailer.
type MailConfig struct {
	Sender   string `yaml:"sender"`
	Sendmail string `yaml:"sendmail" default:"/usr/sbin/sendmail"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	if c.RTP.Mode == "address" && c.Player.Backend.Type == "rtp" && c.RTP.Destination == "" {
		return errors.New("rtp.destination is required in address mode")
	}
	return nil
}

// ReplayMinDuration returns the minimum interval before a track may be
// chosen at random again.
func (c *QueueConfig) ReplayMinDuration() time.Duration {
	return time.Duration(c.ReplayMin) * time.Second
}

// NewBiasAgeDuration returns the age below which a track counts as new for
// random selection.
func (c *QueueConfig) NewBiasAgeDuration() time.Duration {
	return time.Duration(c.NewBiasAge) * time.Second
}

// LockTimeoutDuration returns the stale playlist lock timeout, zero meaning
// locks never expire on their own.
func (c *PlaylistsConfig) LockTimeoutDuration() time.Duration {
	return time.Duration(c.LockTimeout) * time.Second
}

// CookieLoginLifetimeDuration returns how long an issued cookie stays valid.
func (c *AuthConfig) CookieLoginLifetimeDuration() time.Duration {
	return time.Duration(c.CookieLoginLifetime) * time.Second
}

// CookieKeyLifetimeDuration returns the signing key rotation interval.
func (c *AuthConfig) CookieKeyLifetimeDuration() time.Duration {
	return time.Duration(c.CookieKeyLifetime) * time.Second
}

// ReminderIntervalDuration returns the per-user reminder rate limit.
func (c *AuthConfig) ReminderIntervalDuration() time.Duration {
	return time.Duration(c.ReminderInterval) * time.Second
}
