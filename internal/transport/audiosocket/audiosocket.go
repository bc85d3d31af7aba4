// Package audiosocket implements the transport contract over Asterisk's
// AudioSocket protocol: a TCP stream of TLV frames, each a one-byte type, a
// two-byte big-endian length, and a payload.
//
// The first frame on every connection carries the 16-byte call UUID the
// dialplan passed to the AudioSocket() application; audio frames carry
// 20 ms of signed linear PCM at 8 kHz.
package audiosocket

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/varnalab/ariadne/internal/transport"
	"github.com/varnalab/ariadne/pkg/audio"
)

// Frame type bytes on the wire.
const (
	typeUUID      = 0x01
	typeDTMF      = 0x03
	typeAudio     = 0x10
	typeTerminate = 0xFF
)

// handshakeTimeout bounds how long a fresh connection may take to present
// its UUID frame.
const handshakeTimeout = 5 * time.Second

// wireCodec is what AudioSocket always speaks.
var wireCodec = audio.Codec{Encoding: audio.EncodingPCM16, Rate: 8000}

// Compile-time interface assertions.
var (
	_ transport.Listener   = (*Listener)(nil)
	_ transport.Conn       = (*Conn)(nil)
	_ transport.DTMFSource = (*Conn)(nil)
)

// Listener accepts AudioSocket connections on a TCP address.
type Listener struct {
	ln  net.Listener
	log *slog.Logger
}

// Listen binds addr (host:port) for incoming AudioSocket connections.
func Listen(addr string, log *slog.Logger) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("audiosocket: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, log: log}, nil
}

// Accept waits for the next connection and completes its UUID handshake.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- result{conn: c, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("audiosocket: accept: %w", r.err)
		}
		conn, err := newConn(r.conn, l.log)
		if err != nil {
			_ = r.conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// Addr returns the bound TCP address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting. Established connections are unaffected.
func (l *Listener) Close() error { return l.ln.Close() }

// Conn is one AudioSocket media stream.
type Conn struct {
	nc     net.Conn
	callID string
	log    *slog.Logger

	dtmfMu     sync.Mutex
	dtmf       chan byte
	dtmfClosed bool

	readMu  sync.Mutex
	hdr     [3]byte
	payload []byte

	writeMu sync.Mutex
	wbuf    []byte

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// newConn performs the UUID handshake on a raw TCP connection.
func newConn(nc net.Conn, log *slog.Logger) (*Conn, error) {
	c := &Conn{
		nc:      nc,
		log:     log,
		dtmf:    make(chan byte, 16),
		payload: make([]byte, wireCodec.FrameBytes()),
		closed:  make(chan struct{}),
	}

	if err := nc.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, fmt.Errorf("audiosocket: set handshake deadline: %w", err)
	}
	typ, payload, err := c.readMessage()
	if err != nil {
		return nil, fmt.Errorf("audiosocket: handshake: %w", err)
	}
	if typ != typeUUID || len(payload) != 16 {
		return nil, fmt.Errorf("audiosocket: handshake: expected uuid frame, got type 0x%02x len %d", typ, len(payload))
	}
	id, err := uuid.FromBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("audiosocket: handshake: parse uuid: %w", err)
	}
	c.callID = id.String()

	log.Debug("audiosocket connection", "call_id", c.callID, "remote", nc.RemoteAddr().String())
	return c, nil
}

// CallID returns the UUID from the handshake frame.
func (c *Conn) CallID() string { return c.callID }

// DTMF returns out-of-band digits received on the stream.
func (c *Conn) DTMF() <-chan byte { return c.dtmf }

// readMessage reads one TLV frame. Caller holds readMu or is the sole
// reader (handshake).
func (c *Conn) readMessage() (byte, []byte, error) {
	if _, err := io.ReadFull(c.nc, c.hdr[:]); err != nil {
		return 0, nil, err
	}
	typ := c.hdr[0]
	n := int(binary.BigEndian.Uint16(c.hdr[1:]))
	if n > cap(c.payload) {
		c.payload = make([]byte, n)
	}
	buf := c.payload[:n]
	if _, err := io.ReadFull(c.nc, buf); err != nil {
		return 0, nil, err
	}
	return typ, buf, nil
}

// ReadFrame returns the next inbound audio frame. Inbound gaps past the
// deadline yield silence so the engine's 20 ms cadence keeps running; a
// terminate frame or socket failure yields ErrClosed.
func (c *Conn) ReadFrame(deadline time.Time) (audio.Frame, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	select {
	case <-c.closed:
		return audio.Frame{}, transport.ErrClosed
	default:
	}

	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return audio.Frame{}, fmt.Errorf("audiosocket: set read deadline: %w", err)
	}

	for {
		typ, payload, err := c.readMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return wireCodec.SilenceFrame(), nil
			}
			_ = c.Close()
			return audio.Frame{}, transport.ErrClosed
		}

		switch typ {
		case typeAudio:
			data := make([]byte, len(payload))
			copy(data, payload)
			return audio.Frame{Data: data, Codec: wireCodec}, nil
		case typeDTMF:
			if len(payload) == 1 {
				c.pushDTMF(payload[0])
			}
		case typeTerminate:
			_ = c.Close()
			return audio.Frame{}, transport.ErrClosed
		default:
			c.log.Debug("audiosocket: skipping frame", "type", typ, "len", len(payload))
		}
	}
}

// WriteFrame sends one PCM16 @ 8 kHz frame to the caller.
func (c *Conn) WriteFrame(f audio.Frame) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	if len(f.Data) > 0xFFFF {
		return fmt.Errorf("audiosocket: frame too large: %d bytes", len(f.Data))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	need := 3 + len(f.Data)
	if cap(c.wbuf) < need {
		c.wbuf = make([]byte, need)
	}
	buf := c.wbuf[:need]
	buf[0] = typeAudio
	binary.BigEndian.PutUint16(buf[1:], uint16(len(f.Data)))
	copy(buf[3:], f.Data)

	if err := c.nc.SetWriteDeadline(time.Now().Add(audio.FrameDuration)); err != nil {
		return fmt.Errorf("audiosocket: set write deadline: %w", err)
	}
	if _, err := c.nc.Write(buf); err != nil {
		_ = c.Close()
		return transport.ErrClosed
	}
	return nil
}

func (c *Conn) pushDTMF(digit byte) {
	c.dtmfMu.Lock()
	defer c.dtmfMu.Unlock()
	if c.dtmfClosed {
		return
	}
	select {
	case c.dtmf <- digit:
	default: // digit buffer full, drop
	}
}

// Close sends a best-effort terminate frame and closes the socket.
// Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		term := [3]byte{typeTerminate, 0, 0}
		_ = c.nc.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		_, _ = c.nc.Write(term[:])
		c.closeErr = c.nc.Close()

		c.dtmfMu.Lock()
		c.dtmfClosed = true
		close(c.dtmf)
		c.dtmfMu.Unlock()
	})
	return c.closeErr
}
