package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseDigestLengths(t *testing.T) {
	// sha256("" || "") and friends would be degenerate; use fixed inputs.
	nonce := []byte{0x00, 0x01, 0x02, 0x03}
	tests := []struct {
		algorithm string
		hexLen    int
	}{
		{"sha1", 40},
		{"sha256", 64},
		{"sha384", 96},
		{"sha512", 128},
	}
	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			got, err := Response(tt.algorithm, nonce, "secret")
			require.NoError(t, err)
			assert.Len(t, got, tt.hexLen)
			assert.True(t, CheckResponse(tt.algorithm, nonce, "secret", got))
			assert.False(t, CheckResponse(tt.algorithm, nonce, "wrong", got))
		})
	}
}

func TestResponseUnknownAlgorithm(t *testing.T) {
	_, err := Response("md5", []byte{1}, "pw")
	assert.Error(t, err)
}

func TestCheckResponseCaseInsensitive(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)
	require.Len(t, nonce, NonceSize)

	reply, err := Response("sha256", nonce, "pw")
	require.NoError(t, err)
	assert.True(t, CheckResponse("sha256", nonce, "pw", replyUpper(reply)))
}

func replyUpper(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'a' && c <= 'f' {
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}

func TestNoncesDiffer(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCookieRoundTrip(t *testing.T) {
	j, err := NewCookieJar(time.Hour, 24*time.Hour)
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)

	c := j.Make("alice", "read,play", now)
	user, rights, err := j.Verify(c, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "read,play", rights)
}

func TestCookieExpiry(t *testing.T) {
	j, err := NewCookieJar(time.Hour, 24*time.Hour)
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)

	c := j.Make("alice", "read", now)
	_, _, err = j.Verify(c, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrCookieExpired)
}

func TestCookieTamper(t *testing.T) {
	j, err := NewCookieJar(time.Hour, 24*time.Hour)
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)

	c := j.Make("alice", "read", now)
	tampered := c[:len(c)-1] + "0"
	if tampered == c {
		tampered = c[:len(c)-1] + "1"
	}
	_, _, err = j.Verify(tampered, now)
	assert.ErrorIs(t, err, ErrCookieInvalid)

	_, _, err = j.Verify("garbage", now)
	assert.ErrorIs(t, err, ErrCookieInvalid)
}

func TestCookieRevoke(t *testing.T) {
	j, err := NewCookieJar(time.Hour, 24*time.Hour)
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)

	c := j.Make("alice", "read", now)
	j.Revoke(c, now)
	_, _, err = j.Verify(c, now.Add(time.Minute))
	assert.ErrorIs(t, err, ErrCookieRevoked)
}

func TestCookieSurvivesOneRotation(t *testing.T) {
	j, err := NewCookieJar(time.Hour, time.Minute)
	require.NoError(t, err)
	now := time.Now()

	old := j.Make("alice", "read", now)
	// Issuing after the key aged past its lifetime forces a rotation.
	_ = j.Make("bob", "read", now.Add(2*time.Minute))
	assert.NotNil(t, j.previous, "rotation must retain the previous key")

	user, _, err := j.Verify(old, now.Add(3*time.Minute))
	require.NoError(t, err, "previous key must stay valid across one rotation")
	assert.Equal(t, "alice", user)
}
