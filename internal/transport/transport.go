// Package transport defines the media transport contract between the call
// engine and the PBX media channel.
//
// A transport carries exactly one call's frames in both directions. The
// engine reads at its own cadence via deadline-bounded ReadFrame calls and
// writes paced frames via WriteFrame; a transport never buffers more than
// one outbound frame. Implementations live in the audiosocket and rtpmedia
// subpackages.
package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/varnalab/ariadne/pkg/audio"
)

// ErrClosed is returned once a connection is gone for good: remote
// terminate, fatal socket error, or local Close.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one call's bidirectional media stream.
type Conn interface {
	// CallID returns the call correlation id carried in the transport
	// handshake.
	CallID() string

	// ReadFrame returns the next inbound 20 ms frame. It blocks until a
	// frame arrives or deadline passes; on an inbound gap past the
	// deadline it substitutes a silence frame so the upstream cadence
	// never starves. A dead connection returns ErrClosed.
	ReadFrame(deadline time.Time) (audio.Frame, error)

	// WriteFrame sends one frame to the caller. It never blocks for more
	// than one frame's worth of I/O.
	WriteFrame(f audio.Frame) error

	// Close tears the connection down. Idempotent.
	Close() error
}

// Listener accepts transport connections and correlates them to calls.
type Listener interface {
	// Accept blocks until the next media connection has completed its
	// handshake (call id learned) or ctx is done.
	Accept(ctx context.Context) (Conn, error)

	// Addr is the local address the PBX dials or streams to.
	Addr() net.Addr

	Close() error
}

// DTMFSource is implemented by transports that carry out-of-band DTMF
// alongside audio.
type DTMFSource interface {
	// DTMF returns the digit stream. The channel closes with the
	// connection.
	DTMF() <-chan byte
}
