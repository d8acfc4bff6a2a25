// Package trackdb provides the track database: track discovery under the
// collection roots, per-track preferences, global preferences, user
// records, playlists and scheduled-event records. The server core only
// depends on the narrow surface here; the on-disk representation is a
// single YAML state file plus the collection directories themselves.
package trackdb

import (
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Errors reported to protocol handlers, which map them onto response codes.
var (
	ErrNoSuchTrack    = errors.New("track is not in database")
	ErrNoSuchUser     = errors.New("no such user")
	ErrUserExists     = errors.New("user already exists")
	ErrNoSuchPlaylist = errors.New("no such playlist")
	ErrNoSuchEvent    = errors.New("no such event")
	ErrAccess         = errors.New("access denied")
	ErrInvalidName    = errors.New("invalid name")
)

// User represents a persisted user record.
type User struct {
	Name         string `yaml:"name"`
	Password     string `yaml:"password"`
	Email        string `yaml:"email,omitempty"`
	Rights       string `yaml:"rights"`
	Confirmation string `yaml:"confirmation,omitempty"`
}

// Playlist represents a persisted playlist. Share is "public" (anyone may
// read), "shared" (anyone may read, only the owner may write) or "private".
type Playlist struct {
	Owner  string   `yaml:"owner"`
	Share  string   `yaml:"share"`
	Tracks []string `yaml:"tracks"`
}

type state struct {
	Tracks    map[string]time.Time         `yaml:"tracks"`
	Prefs     map[string]map[string]string `yaml:"prefs"`
	Globals   map[string]string            `yaml:"globals"`
	Users     map[string]*User             `yaml:"users"`
	Playlists map[string]*Playlist         `yaml:"playlists"`
	Schedule  map[string]map[string]string `yaml:"schedule"`
}

func newState() state {
	return state{
		Tracks:    map[string]time.Time{},
		Prefs:     map[string]map[string]string{},
		Globals:   map[string]string{},
		Users:     map[string]*User{},
		Playlists: map[string]*Playlist{},
		Schedule:  map[string]map[string]string{},
	}
}

// DB is the file-backed track database. It is confined to the reactor loop
// goroutine like everything else that mutates server state, so it carries
// no locks.
type DB struct {
	path  string   // state file
	roots []string // collection roots holding the audio files
	st    state
}

// Open loads (or initialises) the state file at statePath and records the
// collection roots for rescans.
func Open(statePath string, roots []string) (*DB, error) {
	db := &DB{path: statePath, roots: roots, st: newState()}
	data, err := os.ReadFile(statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "reading trackdb state")
		}
		return db, nil
	}
	if err := yaml.Unmarshal(data, &db.st); err != nil {
		return nil, errors.Wrap(err, "parsing trackdb state")
	}
	if db.st.Tracks == nil {
		db.st = newState()
	}
	return db, nil
}

// Save writes the state file atomically.
func (db *DB) Save() error {
	data, err := yaml.Marshal(&db.st)
	if err != nil {
		return errors.Wrap(err, "marshalling trackdb state")
	}
	tmp := db.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "writing trackdb state")
	}
	return errors.Wrap(os.Rename(tmp, db.path), "renaming trackdb state")
}

// Exists reports whether the track (or an alias for it) is in the database.
func (db *DB) Exists(track string) bool {
	_, err := db.Resolve(track)
	return err == nil
}

// Resolve maps a track name to its canonical path, following one level of
// alias preference.
func (db *DB) Resolve(track string) (string, error) {
	if _, ok := db.st.Tracks[track]; ok {
		if alias, ok := db.st.Prefs[track]["_alias_for"]; ok && alias != "" {
			if _, ok := db.st.Tracks[alias]; ok {
				return alias, nil
			}
		}
		return track, nil
	}
	return "", ErrNoSuchTrack
}

// AddTrack records a track with the given first-seen time. Used by rescans
// and tests.
func (db *DB) AddTrack(track string, seen time.Time) {
	if _, ok := db.st.Tracks[track]; !ok {
		db.st.Tracks[track] = seen
	}
}

// FirstSeen returns when the track first appeared in the database.
func (db *DB) FirstSeen(track string) (time.Time, bool) {
	t, ok := db.st.Tracks[track]
	return t, ok
}

// AllTracks returns every known track, sorted.
func (db *DB) AllTracks() []string {
	out := make([]string, 0, len(db.st.Tracks))
	for t := range db.st.Tracks {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Get returns a track preference.
func (db *DB) Get(track, key string) (string, bool) {
	v, ok := db.st.Prefs[track][key]
	return v, ok
}

// Set stores a track preference.
func (db *DB) Set(track, key, value string) error {
	if _, ok := db.st.Tracks[track]; !ok {
		return ErrNoSuchTrack
	}
	p := db.st.Prefs[track]
	if p == nil {
		p = map[string]string{}
		db.st.Prefs[track] = p
	}
	p[key] = value
	return db.Save()
}

// Unset removes a track preference.
func (db *DB) Unset(track, key string) error {
	if _, ok := db.st.Tracks[track]; !ok {
		return ErrNoSuchTrack
	}
	delete(db.st.Prefs[track], key)
	return db.Save()
}

// Prefs returns a track's preferences with keys sorted.
func (db *DB) Prefs(track string) [][2]string {
	keys := make([]string, 0, len(db.st.Prefs[track]))
	for k := range db.st.Prefs[track] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, db.st.Prefs[track][k]})
	}
	return out
}

// Length returns a track's length from its _length preference.
func (db *DB) Length(track string) (time.Duration, bool) {
	v, ok := db.st.Prefs[track]["_length"]
	if !ok {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// GetGlobal returns a global preference.
func (db *DB) GetGlobal(key string) (string, bool) {
	v, ok := db.st.Globals[key]
	return v, ok
}

// SetGlobal stores a global preference.
func (db *DB) SetGlobal(key, value string) error {
	db.st.Globals[key] = value
	return db.Save()
}

// UnsetGlobal removes a global preference.
func (db *DB) UnsetGlobal(key string) error {
	delete(db.st.Globals, key)
	return db.Save()
}

// Listing selects what List returns.
type Listing int

const (
	ListFiles Listing = 1 << iota
	ListDirs
)

// List returns the immediate children of dir: tracks, subdirectories or
// both, optionally filtered by a case-insensitive regexp.
func (db *DB) List(dir string, what Listing, re *regexp.Regexp) []string {
	seen := map[string]bool{}
	var out []string
	prefix := dir
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	for track := range db.st.Tracks {
		if !strings.HasPrefix(track, prefix) {
			continue
		}
		rest := track[len(prefix):]
		if rest == "" {
			continue
		}
		var name string
		isDir := false
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name = prefix + rest[:i]
			isDir = true
		} else {
			name = track
		}
		if isDir && what&ListDirs == 0 {
			continue
		}
		if !isDir && what&ListFiles == 0 {
			continue
		}
		if re != nil && !re.MatchString(path.Base(name)) {
			continue
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Search returns the tracks matching every term. A term of the form
// tag:NAME matches the comma-separated "tags" preference; any other term is
// a case-insensitive substring match on the track path.
func (db *DB) Search(terms []string) []string {
	var out []string
	for track := range db.st.Tracks {
		if db.matches(track, terms) {
			out = append(out, track)
		}
	}
	sort.Strings(out)
	return out
}

func (db *DB) matches(track string, terms []string) bool {
	lower := strings.ToLower(track)
	for _, term := range terms {
		if tag, ok := strings.CutPrefix(term, "tag:"); ok {
			if !db.hasTag(track, tag) {
				return false
			}
			continue
		}
		if !strings.Contains(lower, strings.ToLower(term)) {
			return false
		}
	}
	return len(terms) > 0
}

func (db *DB) hasTag(track, tag string) bool {
	for _, t := range strings.Split(db.st.Prefs[track]["tags"], ",") {
		if strings.EqualFold(strings.TrimSpace(t), tag) {
			return true
		}
	}
	return false
}

// Tags returns every tag used by any track, sorted.
func (db *DB) Tags() []string {
	seen := map[string]bool{}
	for track := range db.st.Prefs {
		for _, t := range strings.Split(db.st.Prefs[track]["tags"], ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				seen[strings.ToLower(t)] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// New returns up to max tracks ordered newest first.
func (db *DB) New(max int) []string {
	type aged struct {
		track string
		seen  time.Time
	}
	all := make([]aged, 0, len(db.st.Tracks))
	for t, seen := range db.st.Tracks {
		all = append(all, aged{t, seen})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].seen.Equal(all[j].seen) {
			return all[i].seen.After(all[j].seen)
		}
		return all[i].track < all[j].track
	})
	if max > 0 && len(all) > max {
		all = all[:max]
	}
	out := make([]string, len(all))
	for i, a := range all {
		out[i] = a.track
	}
	return out
}

// Stats returns human-readable counters in "name: value" form.
func (db *DB) Stats() []string {
	return []string{
		"tracks: " + strconv.Itoa(len(db.st.Tracks)),
		"prefs: " + strconv.Itoa(len(db.st.Prefs)),
		"users: " + strconv.Itoa(len(db.st.Users)),
		"playlists: " + strconv.Itoa(len(db.st.Playlists)),
		"scheduled events: " + strconv.Itoa(len(db.st.Schedule)),
	}
}

// ScanRoots walks the collection roots and returns the set of tracks on
// disk. It touches no database state, so it is safe to run off the loop
// goroutine; feed the result to ApplyScan on the loop.
func (db *DB) ScanRoots() (map[string]bool, error) {
	found := map[string]bool{}
	for _, root := range db.roots {
		err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				zlog.Warn().Err(err).Str("path", p).Msg("rescan: skipping")
				return nil
			}
			if info.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return nil
			}
			found[filepath.ToSlash(rel)] = true
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "rescanning %s", root)
		}
	}
	return found, nil
}

// ApplyScan reconciles the database with a ScanRoots result: newly
// appeared tracks are added with first-seen time now, vanished ones are
// dropped. Returns (added, removed).
func (db *DB) ApplyScan(found map[string]bool, now time.Time) (int, int) {
	added, removed := 0, 0
	for track := range found {
		if _, ok := db.st.Tracks[track]; !ok {
			db.st.Tracks[track] = now
			added++
		}
	}
	for track := range db.st.Tracks {
		if !found[track] {
			delete(db.st.Tracks, track)
			removed++
		}
	}
	if added > 0 || removed > 0 {
		if err := db.Save(); err != nil {
			zlog.Error().Err(err).Msg("failed to save trackdb after rescan")
		}
	}
	return added, removed
}

// Rescan walks the collection roots and reconciles in one step.
func (db *DB) Rescan(now time.Time) (int, int, error) {
	found, err := db.ScanRoots()
	if err != nil {
		return 0, 0, err
	}
	added, removed := db.ApplyScan(found, now)
	return added, removed, nil
}

// ResolvePath maps a track to its file on disk, trying each collection
// root in order.
func (db *DB) ResolvePath(track string) string {
	for _, root := range db.roots {
		p := filepath.Join(root, filepath.FromSlash(track))
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if len(db.roots) > 0 {
		return filepath.Join(db.roots[0], filepath.FromSlash(track))
	}
	return track
}
