package rights

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Rights
		wantErr bool
	}{
		{name: "empty", in: "", want: 0},
		{name: "none", in: "none", want: 0},
		{name: "single", in: "read", want: Read},
		{name: "comma separated", in: "read,play,pause", want: Read | Play | Pause},
		{name: "space separated", in: "read play", want: Read | Play},
		{name: "all", in: "all", want: All()},
		{name: "unknown right", in: "read,fly", wantErr: true},
		{name: "local is not parseable", in: "_local", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, r := range []Rights{0, Read, Read | Play | Admin, All()} {
		parsed, err := Parse(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, parsed)
	}
}

func TestStringHidesLocal(t *testing.T) {
	assert.Equal(t, "read", (Read | Local).String())
	assert.Equal(t, "all", (All() | Local).String())
}

func TestCanScratch(t *testing.T) {
	tests := []struct {
		name      string
		r         Rights
		who       string
		submitter string
		random    bool
		want      bool
	}{
		{name: "any beats everything", r: ScratchAny, who: "bob", submitter: "alice", want: true},
		{name: "own on own track", r: ScratchOwn, who: "alice", submitter: "alice", want: true},
		{name: "own on someone else's", r: ScratchOwn, who: "bob", submitter: "alice", want: false},
		{name: "random on random track", r: ScratchRandom, who: "bob", random: true, want: true},
		{name: "own does not cover random", r: ScratchOwn, who: "bob", random: true, want: false},
		{name: "no rights", r: 0, who: "alice", submitter: "alice", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.CanScratch(tt.who, tt.submitter, tt.random))
		})
	}
}

func TestCanMoveRemoveMirrorScratch(t *testing.T) {
	assert.True(t, MoveAny.CanMove("bob", "alice", false))
	assert.True(t, MoveOwn.CanMove("alice", "alice", false))
	assert.False(t, MoveOwn.CanMove("bob", "alice", false))
	assert.True(t, RemoveRandom.CanRemove("bob", "", true))
	assert.False(t, RemoveOwn.CanRemove("bob", "", true))
}
