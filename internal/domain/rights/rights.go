// Package rights provides the capability bitmask evaluated on every
// privileged protocol operation.
package rights

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Rights is a bitmask of capabilities.
type Rights uint32

const (
	Read Rights = 1 << iota
	Play
	MoveOwn
	MoveRandom
	MoveAny
	RemoveOwn
	RemoveRandom
	RemoveAny
	ScratchOwn
	ScratchRandom
	ScratchAny
	Pause
	Register
	Admin
	Prefs
	GlobalPrefs
	UserInfo
	Volume
	Rescan

	// Local is internal: granted on Unix-socket connections, never parsed
	// from or rendered to a rights string.
	Local
)

// MoveAnyOf etc. are the masks a command declares when any one of several
// rights will do; the per-entry check then narrows to own/random/any.
const (
	MoveAnyOf    = MoveOwn | MoveRandom | MoveAny
	RemoveAnyOf  = RemoveOwn | RemoveRandom | RemoveAny
	ScratchAnyOf = ScratchOwn | ScratchRandom | ScratchAny
)

var names = []struct {
	name string
	bit  Rights
}{
	{"read", Read},
	{"play", Play},
	{"move-own", MoveOwn},
	{"move-random", MoveRandom},
	{"move-any", MoveAny},
	{"remove-own", RemoveOwn},
	{"remove-random", RemoveRandom},
	{"remove-any", RemoveAny},
	{"scratch-own", ScratchOwn},
	{"scratch-random", ScratchRandom},
	{"scratch-any", ScratchAny},
	{"pause", Pause},
	{"register", Register},
	{"admin", Admin},
	{"prefs", Prefs},
	{"global-prefs", GlobalPrefs},
	{"userinfo", UserInfo},
	{"volume", Volume},
	{"rescan", Rescan},
}

// All is every right a rights string can grant.
func All() Rights {
	var r Rights
	for _, n := range names {
		r |= n.bit
	}
	return r
}

// Parse converts a comma- or space-separated rights string to a bitmask.
// "all" grants everything and "none" (or the empty string) nothing.
func Parse(s string) (Rights, error) {
	var r Rights
	for _, tok := range strings.FieldsFunc(s, func(c rune) bool {
		return c == ',' || c == ' ' || c == '\t'
	}) {
		switch tok {
		case "all":
			r |= All()
			continue
		case "none":
			continue
		}
		found := false
		for _, n := range names {
			if n.name == tok {
				r |= n.bit
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Newf("unknown right %q", tok)
		}
	}
	return r, nil
}

// String renders the mask as a comma-separated rights string, "all" when
// every nameable right is present and "none" when none are.
func (r Rights) String() string {
	r &^= Local
	if r == All() {
		return "all"
	}
	var parts []string
	for _, n := range names {
		if r&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// Has reports whether every bit of want is present.
func (r Rights) Has(want Rights) bool {
	return r&want == want
}

// HasAny reports whether any bit of want is present.
func (r Rights) HasAny(want Rights) bool {
	return r&want != 0
}

// ownership classifies a queue entry relative to the acting user.
type ownership int

const (
	ownNone ownership = iota
	ownMine
	ownRandom
)

func classify(who, submitter string, random bool) ownership {
	if random {
		return ownRandom
	}
	if who != "" && who == submitter {
		return ownMine
	}
	return ownNone
}

func allowed(r Rights, o ownership, own, rnd, any Rights) bool {
	if r.HasAny(any) {
		return true
	}
	switch o {
	case ownMine:
		return r.HasAny(own)
	case ownRandom:
		return r.HasAny(rnd)
	default:
		return false
	}
}

// CanMove reports whether the user may relocate a queue entry submitted by
// submitter (random reports a random-origin entry).
func (r Rights) CanMove(who, submitter string, random bool) bool {
	return allowed(r, classify(who, submitter, random), MoveOwn, MoveRandom, MoveAny)
}

// CanRemove reports whether the user may remove the entry.
func (r Rights) CanRemove(who, submitter string, random bool) bool {
	return allowed(r, classify(who, submitter, random), RemoveOwn, RemoveRandom, RemoveAny)
}

// CanScratch reports whether the user may scratch the entry.
func (r Rights) CanScratch(who, submitter string, random bool) bool {
	return allowed(r, classify(who, submitter, random), ScratchOwn, ScratchRandom, ScratchAny)
}
