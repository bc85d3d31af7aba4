package audio

import "fmt"

// Encoding identifies the byte-level sample format of an audio stream.
type Encoding string

const (
	// EncodingPCM16 is linear PCM, signed 16-bit little-endian, mono.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingUlaw is G.711 μ-law, one byte per sample.
	EncodingUlaw Encoding = "ulaw"

	// EncodingAlaw is G.711 A-law, one byte per sample.
	EncodingAlaw Encoding = "alaw"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingPCM16, EncodingUlaw, EncodingAlaw:
		return true
	}
	return false
}

// BytesPerSample returns the storage size of one sample in this encoding.
func (e Encoding) BytesPerSample() int {
	if e == EncodingPCM16 {
		return 2
	}
	return 1
}

// SupportedRates lists the sample rates the resampler handles, in Hz.
// Conversion between any pair of these is supported.
var SupportedRates = []int{8000, 16000, 24000, 48000}

// RateSupported reports whether hz is a rate the codec kit can resample
// to and from.
func RateSupported(hz int) bool {
	for _, r := range SupportedRates {
		if r == hz {
			return true
		}
	}
	return false
}

// Codec pairs an encoding with a sample rate. It is a pure value; two codecs
// are interchangeable iff they compare equal.
type Codec struct {
	Encoding Encoding `yaml:"encoding"`
	Rate     int      `yaml:"rate"`
}

// Validate checks that the codec names a supported encoding and rate.
// G.711 encodings are only defined at 8 kHz.
func (c Codec) Validate() error {
	if !c.Encoding.IsValid() {
		return fmt.Errorf("audio: unknown encoding %q", c.Encoding)
	}
	if !RateSupported(c.Rate) {
		return fmt.Errorf("audio: %w: %d Hz", ErrUnsupportedRate, c.Rate)
	}
	if c.Encoding != EncodingPCM16 && c.Rate != 8000 {
		return fmt.Errorf("audio: %s is only defined at 8000 Hz, got %d", c.Encoding, c.Rate)
	}
	return nil
}

// FrameBytes returns the payload size of one 20 ms frame in this codec.
func (c Codec) FrameBytes() int {
	samples := c.Rate / 50 // 20 ms = 1/50 s
	return samples * c.Encoding.BytesPerSample()
}

// String returns a short human-readable form, e.g. "ulaw@8000".
func (c Codec) String() string {
	return fmt.Sprintf("%s@%d", c.Encoding, c.Rate)
}

// Silence returns one 20 ms frame of digital silence in this codec.
// For G.711 the silence value is the codec's encoding of zero (0xFF for
// μ-law, 0xD5 for A-law), not the zero byte.
func (c Codec) Silence() []byte {
	buf := make([]byte, c.FrameBytes())
	var fill byte
	switch c.Encoding {
	case EncodingUlaw:
		fill = 0xFF
	case EncodingAlaw:
		fill = 0xD5
	}
	if fill != 0 {
		for i := range buf {
			buf[i] = fill
		}
	}
	return buf
}

// SilenceFrame returns a 20 ms silence [Frame] in this codec.
func (c Codec) SilenceFrame() Frame {
	return Frame{Data: c.Silence(), Codec: c}
}
