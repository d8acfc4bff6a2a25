package trackdb

import (
	"sort"
	"strings"
)

func validPlaylistName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	return !strings.ContainsAny(name, "\n\"'\\")
}

func playlistReadable(p *Playlist, who string) bool {
	return p.Share == "public" || p.Share == "shared" || p.Owner == who
}

// PlaylistGet returns a playlist's tracks and share setting.
func (db *DB) PlaylistGet(name, who string) ([]string, string, error) {
	if !validPlaylistName(name) {
		return nil, "", ErrInvalidName
	}
	p, ok := db.st.Playlists[name]
	if !ok {
		return nil, "", ErrNoSuchPlaylist
	}
	if !playlistReadable(p, who) {
		return nil, "", ErrAccess
	}
	return append([]string{}, p.Tracks...), p.Share, nil
}

// PlaylistSet replaces a playlist's contents, creating it (owned by who,
// private) if absent. A nil tracks slice touches nothing but still performs
// the access check, which is how lock acquisition probes writability.
func (db *DB) PlaylistSet(name, who string, tracks []string, maxTracks int) error {
	if !validPlaylistName(name) {
		return ErrInvalidName
	}
	if maxTracks > 0 && len(tracks) > maxTracks {
		return ErrInvalidName
	}
	p, ok := db.st.Playlists[name]
	if !ok {
		if who == "" {
			return ErrAccess
		}
		if tracks == nil {
			return nil
		}
		db.st.Playlists[name] = &Playlist{
			Owner:  who,
			Share:  "private",
			Tracks: append([]string{}, tracks...),
		}
		return db.Save()
	}
	if p.Owner != who {
		return ErrAccess
	}
	if tracks == nil {
		return nil
	}
	p.Tracks = append([]string{}, tracks...)
	return db.Save()
}

// PlaylistSetShare changes a playlist's share setting.
func (db *DB) PlaylistSetShare(name, who, share string) error {
	if !validPlaylistName(name) {
		return ErrInvalidName
	}
	switch share {
	case "public", "shared", "private":
	default:
		return ErrInvalidName
	}
	p, ok := db.st.Playlists[name]
	if !ok {
		return ErrNoSuchPlaylist
	}
	if p.Owner != who {
		return ErrAccess
	}
	p.Share = share
	return db.Save()
}

// PlaylistDelete removes a playlist.
func (db *DB) PlaylistDelete(name, who string) error {
	if !validPlaylistName(name) {
		return ErrInvalidName
	}
	p, ok := db.st.Playlists[name]
	if !ok {
		return ErrNoSuchPlaylist
	}
	if p.Owner != who {
		return ErrAccess
	}
	delete(db.st.Playlists, name)
	return db.Save()
}

// PlaylistList returns the playlists readable by who, sorted.
func (db *DB) PlaylistList(who string) []string {
	var out []string
	for name, p := range db.st.Playlists {
		if playlistReadable(p, who) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
