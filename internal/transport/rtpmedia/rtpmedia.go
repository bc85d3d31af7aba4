// Package rtpmedia implements the transport contract over plain RTP, the
// wire format of Asterisk external-media channels.
//
// One UDP socket serves one call: the engine binds a local port per call,
// hands it to the PBX in the external-media originate, and learns the
// remote endpoint from the first packet. Inbound packets pass through a
// small reorder buffer keyed by sequence number; packets older than the
// playout cursor are dropped and counted rather than played out of order.
package rtpmedia

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/varnalab/ariadne/internal/transport"
	"github.com/varnalab/ariadne/pkg/audio"
)

// defaultReorderDepth is the maximum number of out-of-order frames held
// back before the playout cursor skips forward, unless overridden by
// [WithReorderDepth].
const defaultReorderDepth = 3

// Payload types for the codecs Asterisk puts on external-media legs.
// G.711 has static assignments; signed linear has none, so Asterisk pins
// it to 118 in its own payload table and the media leg follows suit.
const (
	payloadPCMU = 0
	payloadPCMA = 8
	payloadSlin = 118
)

// Compile-time interface assertion.
var _ transport.Conn = (*Conn)(nil)

// payloadType maps a media codec to its RTP payload type.
func payloadType(c audio.Codec) (uint8, error) {
	switch c.Encoding {
	case audio.EncodingUlaw:
		return payloadPCMU, nil
	case audio.EncodingAlaw:
		return payloadPCMA, nil
	case audio.EncodingPCM16:
		return payloadSlin, nil
	default:
		return 0, fmt.Errorf("rtpmedia: no payload type for %s", c)
	}
}

// Conn is one call's RTP media stream.
type Conn struct {
	pc     *net.UDPConn
	callID string
	codec  audio.Codec
	pt     uint8
	log    *slog.Logger

	readMu  sync.Mutex
	rbuf    []byte
	remote  *net.UDPAddr
	primed  bool
	nextSeq uint16
	pending map[uint16]audio.Frame
	reorder int

	writeMu  sync.Mutex
	ssrc     uint32
	outSeq   uint16
	outTS    uint32
	outSet   bool
	remoteMu sync.Mutex

	lateDrops atomic.Uint64

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Option tunes a [Conn] at dial time.
type Option func(*Conn)

// WithReorderDepth sets how many out-of-order frames the jitter buffer may
// hold back before skipping ahead. Values below one are ignored.
func WithReorderDepth(frames int) Option {
	return func(c *Conn) {
		if frames >= 1 {
			c.reorder = frames
		}
	}
}

// Dial binds a fresh local UDP port for callID's media. codec may be
// G.711 or signed linear; remote may be empty, in which case the peer
// address is learned from the first inbound packet.
func Dial(localAddr, remote, callID string, codec audio.Codec, log *slog.Logger, opts ...Option) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	pt, err := payloadType(codec)
	if err != nil {
		return nil, err
	}

	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("rtpmedia: resolve %s: %w", localAddr, err)
	}
	pc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("rtpmedia: bind %s: %w", localAddr, err)
	}

	c := &Conn{
		pc:      pc,
		callID:  callID,
		codec:   codec,
		pt:      pt,
		log:     log,
		rbuf:    make([]byte, 2048),
		pending: make(map[uint16]audio.Frame),
		reorder: defaultReorderDepth,
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if remote != "" {
		raddr, err := net.ResolveUDPAddr("udp", remote)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("rtpmedia: resolve remote %s: %w", remote, err)
		}
		c.remote = raddr
	}

	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("rtpmedia: seed ssrc: %w", err)
	}
	c.ssrc = binary.BigEndian.Uint32(seed[:4])
	c.outSeq = binary.BigEndian.Uint16(seed[4:6])

	return c, nil
}

// CallID returns the call this socket was allocated for.
func (c *Conn) CallID() string { return c.callID }

// LocalAddr is the bound media address handed to the PBX.
func (c *Conn) LocalAddr() net.Addr { return c.pc.LocalAddr() }

// LateDrops returns how many packets arrived behind the playout cursor.
func (c *Conn) LateDrops() uint64 { return c.lateDrops.Load() }

// ReadFrame returns the next in-order inbound frame. Gaps past the
// deadline yield silence; the reorder buffer holds a bounded number of
// frames before the cursor skips ahead.
func (c *Conn) ReadFrame(deadline time.Time) (audio.Frame, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	select {
	case <-c.closed:
		return audio.Frame{}, transport.ErrClosed
	default:
	}

	for {
		// In-order frame already buffered?
		if c.primed {
			if f, ok := c.pending[c.nextSeq]; ok {
				delete(c.pending, c.nextSeq)
				c.nextSeq++
				return f, nil
			}
			// Too much held back: skip the gap to the oldest
			// buffered frame.
			if len(c.pending) >= c.reorder {
				c.skipToOldest()
				continue
			}
		}

		if err := c.pc.SetReadDeadline(deadline); err != nil {
			return audio.Frame{}, fmt.Errorf("rtpmedia: set read deadline: %w", err)
		}
		n, addr, err := c.pc.ReadFromUDP(c.rbuf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return c.codec.SilenceFrame(), nil
			}
			_ = c.Close()
			return audio.Frame{}, transport.ErrClosed
		}
		c.learnRemote(addr)

		var pkt rtp.Packet
		if err := pkt.Unmarshal(c.rbuf[:n]); err != nil {
			c.log.Debug("rtpmedia: bad packet", "call_id", c.callID, "error", err)
			continue
		}

		if !c.primed {
			c.primed = true
			c.nextSeq = pkt.SequenceNumber
		} else if seqBefore(pkt.SequenceNumber, c.nextSeq) {
			c.lateDrops.Add(1)
			continue
		}

		data := make([]byte, len(pkt.Payload))
		copy(data, pkt.Payload)
		c.pending[pkt.SequenceNumber] = audio.Frame{Data: data, Codec: c.codec}
	}
}

// skipToOldest advances the playout cursor to the oldest buffered sequence
// number, counting the skipped gap as late drops.
func (c *Conn) skipToOldest() {
	oldest := c.nextSeq
	found := false
	for seq := range c.pending {
		if !found || seqBefore(seq, oldest) {
			oldest = seq
			found = true
		}
	}
	if found {
		c.lateDrops.Add(uint64(oldest - c.nextSeq))
		c.nextSeq = oldest
	}
}

// seqBefore reports whether a precedes b in RFC 3550 wraparound order.
func seqBefore(a, b uint16) bool {
	return a != b && b-a < 0x8000
}

// WriteFrame sends one frame with our own sequence and timestamp line at
// 20 ms cadence.
func (c *Conn) WriteFrame(f audio.Frame) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}

	c.remoteMu.Lock()
	remote := c.remote
	c.remoteMu.Unlock()
	if remote == nil {
		// No peer learned yet: the PBX has not started streaming.
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.outSet {
		c.outSet = true
	} else {
		c.outSeq++
		c.outTS += uint32(c.codec.Rate / 50)
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    c.pt,
			SequenceNumber: c.outSeq,
			Timestamp:      c.outTS,
			SSRC:           c.ssrc,
		},
		Payload: f.Data,
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("rtpmedia: marshal packet: %w", err)
	}

	if err := c.pc.SetWriteDeadline(time.Now().Add(audio.FrameDuration)); err != nil {
		return fmt.Errorf("rtpmedia: set write deadline: %w", err)
	}
	if _, err := c.pc.WriteToUDP(buf, remote); err != nil {
		_ = c.Close()
		return transport.ErrClosed
	}
	return nil
}

func (c *Conn) learnRemote(addr *net.UDPAddr) {
	c.remoteMu.Lock()
	if c.remote == nil {
		c.remote = addr
		c.log.Debug("rtpmedia: learned remote", "call_id", c.callID, "remote", addr.String())
	}
	c.remoteMu.Unlock()
}

// Close releases the socket. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.pc.Close()
	})
	return c.closeErr
}
