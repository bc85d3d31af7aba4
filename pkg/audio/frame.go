package audio

import "time"

// Slicer re-frames arbitrarily sized audio chunks into exact 20 ms frames.
// Provider adapters emit bursty chunks of any length; the playback path needs
// a steady sequence of fixed-size frames. Push feeds bytes in, Next pops one
// frame when enough audio has accumulated.
//
// A Slicer is owned by one stream and is not safe for concurrent use.
type Slicer struct {
	codec Codec
	buf   []byte
	// elapsed tracks the cumulative duration of frames popped so far, used to
	// stamp outgoing frames with a monotonic synthesis timestamp.
	elapsed time.Duration
}

// NewSlicer creates a Slicer producing 20 ms frames in the given codec.
func NewSlicer(codec Codec) *Slicer {
	return &Slicer{codec: codec}
}

// Push appends chunk to the pending buffer.
func (s *Slicer) Push(chunk []byte) {
	s.buf = append(s.buf, chunk...)
}

// Next pops one full 20 ms frame, or ok=false if less than a frame is
// buffered.
func (s *Slicer) Next() (Frame, bool) {
	n := s.codec.FrameBytes()
	if len(s.buf) < n {
		return Frame{}, false
	}
	data := make([]byte, n)
	copy(data, s.buf[:n])
	s.buf = s.buf[n:]
	f := Frame{Data: data, Codec: s.codec, Timestamp: s.elapsed}
	s.elapsed += FrameDuration
	return f, true
}

// Flush pops whatever remains, padded with silence to a full frame. Returns
// ok=false if the buffer is empty. Used when a stream ends mid-frame so the
// tail of an utterance is not lost.
func (s *Slicer) Flush() (Frame, bool) {
	if len(s.buf) == 0 {
		return Frame{}, false
	}
	data := s.codec.Silence()
	copy(data, s.buf)
	s.buf = s.buf[:0]
	f := Frame{Data: data, Codec: s.codec, Timestamp: s.elapsed}
	s.elapsed += FrameDuration
	return f, true
}

// Buffered returns the duration of audio currently pending in the slicer.
func (s *Slicer) Buffered() time.Duration {
	if s.codec.Rate <= 0 {
		return 0
	}
	samples := len(s.buf) / s.codec.Encoding.BytesPerSample()
	return time.Duration(samples) * time.Second / time.Duration(s.codec.Rate)
}
