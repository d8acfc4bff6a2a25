package playback

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/osa030/jukeboxd/internal/infra/config"
)

func pick(n int) int {
	return rand.Intn(n)
}

// defaultWeight is the pick weight of a track with no weight preference.
const defaultWeight = 90000

// TrackSource is what the random chooser needs from the track database.
type TrackSource interface {
	AllTracks() []string
	Get(track, key string) (string, bool)
	FirstSeen(track string) (time.Time, bool)
}

// RandomChooser picks tracks for queue top-up, weighted by the per-track
// weight preference and biased towards recently added tracks.
type RandomChooser struct {
	db  TrackSource
	cfg config.QueueConfig
}

// NewRandomChooser creates a chooser over db.
func NewRandomChooser(db TrackSource, cfg config.QueueConfig) *RandomChooser {
	return &RandomChooser{db: db, cfg: cfg}
}

func (c *RandomChooser) weight(track string, now time.Time) int64 {
	if v, ok := c.db.Get(track, "pick_at_random"); ok && v == "0" {
		return 0
	}
	w := int64(defaultWeight)
	if v, ok := c.db.Get(track, "weight"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			w = n
		}
	}
	if c.cfg.NewBias > 0 {
		if seen, ok := c.db.FirstSeen(track); ok && now.Sub(seen) < c.cfg.NewBiasAgeDuration() {
			w = int64(c.cfg.NewBias)
		}
	}
	return w
}

// Choose returns a weighted random track outside the exclude set.
func (c *RandomChooser) Choose(exclude map[string]bool) (string, bool) {
	now := time.Now()
	tracks := c.db.AllTracks()
	var total int64
	weights := make([]int64, len(tracks))
	for i, track := range tracks {
		if exclude[track] {
			continue
		}
		w := c.weight(track, now)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return "", false
	}
	r := rand.Int63n(total)
	for i, track := range tracks {
		r -= weights[i]
		if r < 0 {
			return track, true
		}
	}
	return "", false
}
