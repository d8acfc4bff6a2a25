package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
listeners:
  - addr: ":9600"
rtp:
  destination: 224.0.0.42
`))
	require.NoError(t, err)

	assert.Equal(t, "tcp", cfg.Listeners[0].Network)
	assert.Equal(t, 10, cfg.Queue.Pad)
	assert.Equal(t, 1444, cfg.RTP.MaxPayload)
	assert.Equal(t, "address", cfg.RTP.Mode)
	assert.Equal(t, 1, cfg.RTP.MulticastTTL)
	assert.Equal(t, "sha1", cfg.Auth.Algorithm)
	assert.Equal(t, 24*time.Hour, cfg.Auth.CookieLoginLifetimeDuration())
	assert.Equal(t, 8*time.Hour, cfg.Queue.ReplayMinDuration())
	assert.Equal(t, 10*time.Second, cfg.Playlists.LockTimeoutDuration())
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
home: /tmp/jukeboxd
listeners:
  - addr: ":9600"
  - network: unix
    addr: /tmp/jukeboxd/socket
    privileged: true
queue:
  pad: 3
  scratch_tracks: [jingles/scratch1.ogg, jingles/scratch2.ogg]
player:
  backend:
    type: rtp
  decoders:
    - suffixes: [.ogg, .oga]
      command: [oggdec, -Q, -o, "-", "{}"]
rtp:
  mode: request
auth:
  algorithm: sha256
  remote_userman: true
`))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/jukeboxd", cfg.Home)
	assert.True(t, cfg.Listeners[1].Privileged)
	assert.Equal(t, 3, cfg.Queue.Pad)
	assert.Len(t, cfg.Queue.ScratchTracks, 2)
	assert.Equal(t, []string{".ogg", ".oga"}, cfg.Player.Decoders[0].Suffixes)
	assert.Equal(t, "sha256", cfg.Auth.Algorithm)
	assert.True(t, cfg.Auth.RemoteUserman)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "no listeners",
			body: "queue:\n  pad: 1\n",
		},
		{
			name: "bad algorithm",
			body: "listeners:\n  - addr: \":9600\"\nauth:\n  algorithm: md5\n",
		},
		{
			name: "rtp address mode without destination",
			body: "listeners:\n  - addr: \":9600\"\nplayer:\n  backend:\n    type: rtp\n",
		},
		{
			name: "bad listener network",
			body: "listeners:\n  - network: udp\n    addr: \":9600\"\nrtp:\n  destination: 10.0.0.1\n",
		},
		{
			name: "not yaml",
			body: "{{{",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
