// Package auth implements the challenge/response password check and the
// signed login cookie scheme.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// NonceSize is the challenge size in bytes.
const NonceSize = 16

var errUnknownAlgorithm = errors.New("unknown authorization algorithm")

func newHash(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha1":
		return sha1.New, nil
	case "sha256":
		return sha256.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha512":
		return sha512.New, nil
	}
	return nil, errUnknownAlgorithm
}

// NewNonce returns a fresh random challenge.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "generating nonce")
	}
	return nonce, nil
}

// Response computes the expected reply to a challenge: lowercase hex of
// H(nonce || password).
func Response(algorithm string, nonce []byte, password string) (string, error) {
	hf, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	h := hf()
	h.Write(nonce)
	h.Write([]byte(password))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CheckResponse verifies a client's reply in constant time.
func CheckResponse(algorithm string, nonce []byte, password, reply string) bool {
	want, err := Response(algorithm, nonce, password)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(reply))) == 1
}

// signingKey is one generation of the cookie HMAC key.
type signingKey struct {
	secret []byte
	born   time.Time
}

// CookieJar issues and verifies login cookies. Two key generations are kept
// so cookies issued just before a rotation stay verifiable.
type CookieJar struct {
	current   signingKey
	previous  *signingKey
	lifetime  time.Duration // cookie validity
	keyMaxAge time.Duration // rotation interval
	revoked   map[string]time.Time
}

// NewCookieJar creates a jar with a fresh signing key.
func NewCookieJar(lifetime, keyMaxAge time.Duration) (*CookieJar, error) {
	j := &CookieJar{
		lifetime:  lifetime,
		keyMaxAge: keyMaxAge,
		revoked:   map[string]time.Time{},
	}
	if err := j.rotate(time.Now()); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *CookieJar) rotate(now time.Time) error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return errors.Wrap(err, "generating cookie key")
	}
	if j.current.secret != nil {
		prev := j.current
		j.previous = &prev
	}
	j.current = signingKey{secret: secret, born: now}
	return nil
}

func sign(secret []byte, payload string) string {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(payload))
	return hex.EncodeToString(m.Sum(nil))
}

// Errors from cookie verification; all map to 530 on the wire.
var (
	ErrCookieInvalid = errors.New("invalid cookie")
	ErrCookieExpired = errors.New("expired cookie")
	ErrCookieRevoked = errors.New("revoked cookie")
)

// Make issues a cookie binding user and rights until the lifetime elapses.
// The caller supplies now so issuance stays deterministic under test.
func (j *CookieJar) Make(user, rights string, now time.Time) string {
	if now.Sub(j.current.born) >= j.keyMaxAge {
		// rotation failures leave the old key in place, which is safe
		_ = j.rotate(now)
	}
	expires := now.Add(j.lifetime).Unix()
	payload := strconv.FormatInt(expires, 10) + "/" +
		hex.EncodeToString([]byte(user)) + "/" +
		hex.EncodeToString([]byte(rights))
	return payload + "/" + sign(j.current.secret, payload)
}

// Verify checks a cookie and returns the bound user and rights string.
func (j *CookieJar) Verify(cookie string, now time.Time) (user, rights string, err error) {
	parts := strings.Split(cookie, "/")
	if len(parts) != 4 {
		return "", "", ErrCookieInvalid
	}
	payload := strings.Join(parts[:3], "/")
	ok := hmac.Equal([]byte(sign(j.current.secret, payload)), []byte(parts[3]))
	if !ok && j.previous != nil {
		ok = hmac.Equal([]byte(sign(j.previous.secret, payload)), []byte(parts[3]))
	}
	if !ok {
		return "", "", ErrCookieInvalid
	}
	expires, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || now.Unix() >= expires {
		return "", "", ErrCookieExpired
	}
	userBytes, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", "", ErrCookieInvalid
	}
	rightsBytes, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", "", ErrCookieInvalid
	}
	if until, found := j.revoked[cookie]; found && now.Before(until) {
		return "", "", ErrCookieRevoked
	}
	return string(userBytes), string(rightsBytes), nil
}

// Revoke invalidates a specific cookie. The revocation list is pruned of
// entries whose cookies would have expired anyway.
func (j *CookieJar) Revoke(cookie string, now time.Time) {
	for c, until := range j.revoked {
		if !now.Before(until) {
			delete(j.revoked, c)
		}
	}
	j.revoked[cookie] = now.Add(j.lifetime)
}
