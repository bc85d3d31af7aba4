// Package audio provides the codec kit for the Ariadne media path: G.711
// μ-law/A-law transcoding, PCM16 resampling, and 20 ms frame handling.
//
// All PCM16 data is little-endian signed mono unless stated otherwise. The
// functions in this package are stateless and safe for concurrent use; the
// [Slicer] is the one stateful type and is meant to be owned by a single
// stream.
//
// This package lives under pkg/ because provider adapters (external
// collaborators) consume these types on the wire seam.
package audio

import "time"

// FrameDuration is the fixed cadence of the telephony media path. Every
// transport read and every playback emit moves exactly this much audio.
const FrameDuration = 20 * time.Millisecond

// Frame is a single 20 ms slice of audio flowing through the pipeline.
// Frames are the atomic unit of transport I/O, gating decisions, and
// playback emission.
type Frame struct {
	// Data holds the samples in the frame's encoding. For pcm16 this is
	// little-endian signed 16-bit; for ulaw/alaw one byte per sample.
	Data []byte

	// Codec describes the encoding and sample rate of Data.
	Codec Codec

	// Timestamp marks when this frame was captured (inbound) or synthesised
	// (outbound), relative to stream start on a monotonic clock.
	Timestamp time.Duration
}

// Duration returns the audio duration represented by the frame's payload.
// A well-formed frame returns [FrameDuration]; short reads return less.
func (f Frame) Duration() time.Duration {
	if f.Codec.Rate <= 0 {
		return 0
	}
	samples := len(f.Data) / f.Codec.Encoding.BytesPerSample()
	return time.Duration(samples) * time.Second / time.Duration(f.Codec.Rate)
}
