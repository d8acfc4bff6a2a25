// Package rtp provides the RTP transmitter: it packetizes decoded PCM,
// keeps the wire timestamp synchronized with wall-clock time across idle
// gaps, and supports unicast, broadcast, multicast and per-client request
// addressing.
package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pion/rtp"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/osa030/jukeboxd/internal/infra/config"
)

const (
	// PayloadTypeStereo is L16/44100/2 per RFC 3551.
	PayloadTypeStereo = 10
	// PayloadTypeMono is L16/44100/1.
	PayloadTypeMono = 11

	sampleRate = 44100
	channels   = 2
	frameBytes = 2 * channels

	// AheadMS is how far ahead of wall clock the transmitter runs.
	AheadMS = 1000

	// targetSndbuf is the socket send buffer we try for.
	targetSndbuf = 131072

	// maxErrors is the consecutive-failure budget.
	maxErrors = 10
)

// ErrTooManyErrors reports a dead transmit path.
var ErrTooManyErrors = errors.New("too many audio transmission errors")

// Transmitter sends RTP audio. It satisfies the mixer driver's backend
// contract and additionally carries the rtp-request recipient set. All
// methods run on the reactor loop goroutine.
type Transmitter struct {
	cfg  config.RTPConfig
	conn *net.UDPConn

	ssrc     uint32
	sequence uint16
	tsOffset uint32
	marker   bool

	// rtpTime counts samples sent (not frames) as a 64-bit value; the wire
	// timestamp is its low 32 bits plus the random offset.
	rtpTime uint64
	// epoch is the wall-clock time corresponding to rtpTime zero.
	epoch time.Time

	errorCount int
	// OnFatal is invoked when the error budget is exhausted.
	OnFatal func(err error)

	recipients map[string]*net.UDPAddr
}

// NewTransmitter creates a transmitter; the socket opens on Init.
func NewTransmitter(cfg config.RTPConfig) (*Transmitter, error) {
	t := &Transmitter{cfg: cfg, recipients: map[string]*net.UDPAddr{}}
	if err := randomize(&t.ssrc); err != nil {
		return nil, err
	}
	if err := randomize(&t.sequence); err != nil {
		return nil, err
	}
	if err := randomize(&t.tsOffset); err != nil {
		return nil, err
	}
	return t, nil
}

func randomize[T any](v *T) error {
	return errors.Wrap(binary.Read(rand.Reader, binary.BigEndian, v), "seeding rtp state")
}

// DestinationAddr reports the configured destination in address mode;
// empty strings in request mode.
func (t *Transmitter) DestinationAddr() (addr, port string) {
	if t.cfg.Mode == "request" {
		return "", ""
	}
	return t.cfg.Destination, strconv.Itoa(t.cfg.Port)
}

// Init opens and configures the socket.
func (t *Transmitter) Init() error {
	if t.conn != nil {
		return nil
	}
	var laddr *net.UDPAddr
	if t.cfg.Source != "" {
		ip := net.ParseIP(t.cfg.Source)
		if ip == nil {
			return errors.Newf("invalid rtp source address %q", t.cfg.Source)
		}
		laddr = &net.UDPAddr{IP: ip}
	}

	if t.cfg.Mode == "request" {
		conn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return errors.Wrap(err, "creating rtp socket")
		}
		t.conn = conn
		enlargeSndbuf(conn)
		zlog.Info().Msg("rtp in request mode")
		return nil
	}

	ip := net.ParseIP(t.cfg.Destination)
	if ip == nil {
		return errors.Newf("invalid rtp destination %q", t.cfg.Destination)
	}
	raddr := &net.UDPAddr{IP: ip, Port: t.cfg.Port}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return errors.Wrapf(err, "connecting rtp socket to %s", raddr)
	}
	t.conn = conn
	enlargeSndbuf(conn)

	switch {
	case ip.IsMulticast():
		if err := t.configureMulticast(conn, ip); err != nil {
			_ = conn.Close()
			t.conn = nil
			return err
		}
		zlog.Info().Str("group", raddr.String()).
			Int("ttl", t.cfg.MulticastTTL).
			Bool("loop", t.cfg.MulticastLoop).
			Msg("multicasting")
	case isBroadcast(ip):
		if err := setBroadcast(conn); err != nil {
			_ = conn.Close()
			t.conn = nil
			return err
		}
		zlog.Info().Str("addr", raddr.String()).Msg("broadcasting")
	default:
		zlog.Info().Str("addr", raddr.String()).Msg("unicasting")
	}
	return nil
}

func (t *Transmitter) configureMulticast(conn *net.UDPConn, ip net.IP) error {
	loop := t.cfg.MulticastLoop
	if ip.To4() != nil {
		p := ipv4.NewPacketConn(conn)
		if err := p.SetMulticastTTL(t.cfg.MulticastTTL); err != nil {
			return errors.Wrap(err, "setting multicast ttl")
		}
		if err := p.SetMulticastLoopback(loop); err != nil {
			return errors.Wrap(err, "setting multicast loopback")
		}
		return nil
	}
	p := ipv6.NewPacketConn(conn)
	if err := p.SetMulticastHopLimit(t.cfg.MulticastTTL); err != nil {
		return errors.Wrap(err, "setting multicast hop limit")
	}
	if err := p.SetMulticastLoopback(loop); err != nil {
		return errors.Wrap(err, "setting multicast loopback")
	}
	return nil
}

// isBroadcast reports whether ip is a broadcast address of some local
// interface (or the limited broadcast address).
func isBroadcast(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	if v4.Equal(net.IPv4bcast) {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if ok && ipnet.IP.To4() != nil {
			bcast := make(net.IP, 4)
			for i := 0; i < 4; i++ {
				bcast[i] = ipnet.IP.To4()[i] | ^ipnet.Mask[i]
			}
			if v4.Equal(bcast) {
				return true
			}
		}
	}
	return false
}

func setBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "accessing rtp socket")
	}
	var serr error
	cerr := raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if cerr != nil {
		return errors.Wrap(cerr, "accessing rtp socket")
	}
	return errors.Wrap(serr, "setting SO_BROADCAST")
}

// enlargeSndbuf tries to grow the send buffer; failure is tolerable.
func enlargeSndbuf(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		current, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
		if err != nil || current >= targetSndbuf {
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, targetSndbuf); err != nil {
			zlog.Warn().Err(err).Msg("could not enlarge rtp send buffer")
		}
	})
}

// Activate marks the start (or restart) of audio: the next packet carries
// the marker bit, and an idle epoch is established.
func (t *Transmitter) Activate() error {
	t.marker = true
	if t.epoch.IsZero() {
		t.epoch = time.Now()
	}
	return nil
}

// Deactivate is a no-op; the socket stays open across tracks.
func (t *Transmitter) Deactivate() {}

// targetTime converts elapsed wall-clock time to a sample count, rounded
// down to a whole frame.
func (t *Transmitter) targetTime(now time.Time) uint64 {
	elapsed := now.Sub(t.epoch).Microseconds()
	if elapsed < 0 {
		return 0
	}
	target := uint64(elapsed) * sampleRate * channels / 1e6
	return target &^ 1 // whole frames: stereo samples come in pairs
}

const aheadSamples = uint64(AheadMS) * sampleRate * channels / 1000

// repairTimestamp brings rtpTime up to wall clock after idle gaps. It
// never moves rtpTime backwards: packets must not overlap.
func (t *Transmitter) repairTimestamp(now time.Time) {
	target := t.targetTime(now)
	if target > t.rtpTime {
		zlog.Info().Uint64("samples", target-t.rtpTime).Msg("advancing rtp timestamp")
		t.rtpTime = target
	} else if t.rtpTime-target > aheadSamples {
		zlog.Warn().Uint64("samples", t.rtpTime-target-aheadSamples).
			Msg("rtp timestamp running ahead of schedule")
	}
}

// Ready reports whether the transmitter is behind its ahead threshold and
// so should be fed more audio.
func (t *Transmitter) Ready() bool {
	if t.conn == nil {
		return false
	}
	return t.rtpTime < t.targetTime(time.Now())+aheadSamples
}

// BeforePoll returns how long until the transmitter falls behind the ahead
// threshold again.
func (t *Transmitter) BeforePoll() (time.Duration, bool) {
	target := t.targetTime(time.Now()) + aheadSamples
	if t.rtpTime < target {
		return 0, true
	}
	excess := t.rtpTime - target
	return time.Duration(excess) * time.Second / (sampleRate * channels), true
}

// Play packetizes pcm (little-endian 16-bit interleaved stereo, whole frames)
// and transmits it. Returns frames consumed.
func (t *Transmitter) Play(pcm []byte) (int, error) {
	if t.epoch.IsZero() {
		t.epoch = time.Now()
	}
	t.repairTimestamp(time.Now())

	maxPayload := t.cfg.MaxPayload
	maxPayload -= maxPayload % frameBytes
	if maxPayload <= 0 {
		maxPayload = frameBytes
	}
	sent := 0
	for off := 0; off < len(pcm); off += maxPayload {
		end := off + maxPayload
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := pcm[off:end]
		if err := t.send(chunk); err != nil {
			return sent / frameBytes, err
		}
		sent += len(chunk)
	}
	return sent / frameBytes, nil
}

func (t *Transmitter) send(chunk []byte) error {
	payload := make([]byte, len(chunk))
	// Samples go out in network byte order.
	for i := 0; i+1 < len(chunk); i += 2 {
		payload[i] = chunk[i+1]
		payload[i+1] = chunk[i]
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         t.marker,
			PayloadType:    PayloadTypeStereo,
			SequenceNumber: t.sequence,
			Timestamp:      uint32(t.rtpTime) + t.tsOffset,
			SSRC:           t.ssrc,
		},
		Payload: payload,
	}
	wire, err := pkt.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshalling rtp packet")
	}
	if err := t.write(wire); err != nil {
		t.errorCount++
		zlog.Error().Err(err).Int("errors", t.errorCount).Msg("error transmitting audio data")
		if t.errorCount >= maxErrors {
			if t.OnFatal != nil {
				t.OnFatal(ErrTooManyErrors)
			}
			return ErrTooManyErrors
		}
		return err
	}
	t.errorCount /= 2 // gradual decay
	t.marker = false
	t.sequence++
	t.rtpTime += uint64(len(chunk) / 2)
	return nil
}

func (t *Transmitter) write(wire []byte) error {
	if t.cfg.Mode != "request" {
		_, err := t.conn.Write(wire)
		return err
	}
	// Request mode: fan out to the registered recipients. No recipients
	// means the audio is simply dropped while time still advances.
	var firstErr error
	for _, addr := range t.recipients {
		if _, err := t.conn.WriteToUDP(wire, addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Request registers a unicast recipient (rtp-request).
func (t *Transmitter) Request(addr *net.UDPAddr) {
	t.recipients[addr.String()] = addr
	zlog.Info().Str("addr", addr.String()).Msg("rtp recipient added")
}

// Cancel removes a recipient (rtp-cancel or connection close).
func (t *Transmitter) Cancel(addr *net.UDPAddr) {
	delete(t.recipients, addr.String())
	zlog.Info().Str("addr", addr.String()).Msg("rtp recipient removed")
}

// Close releases the socket.
func (t *Transmitter) Close() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}
