package audio

import "errors"

// ErrUnsupportedRate is returned when a sample rate falls outside
// [SupportedRates].
var ErrUnsupportedRate = errors.New("audio: unsupported sample rate")

// ErrShortInput flags input that was padded with silence to reach sample
// alignment. The operation still produced usable audio; callers count the
// occurrence and move on.
var ErrShortInput = errors.New("audio: short input padded with silence")

// Resample converts 16-bit little-endian mono PCM from inHz to outHz using
// linear interpolation. The output length is round(len × outHz ∕ inHz) in
// samples. Both rates must be in [SupportedRates]; otherwise
// [ErrUnsupportedRate] is returned. An odd trailing byte is padded with
// silence and reported via [ErrShortInput] alongside the resampled output.
// If inHz == outHz the input is returned unchanged.
func Resample(pcm []byte, inHz, outHz int) ([]byte, error) {
	if !RateSupported(inHz) || !RateSupported(outHz) {
		return nil, ErrUnsupportedRate
	}

	var padErr error
	if len(pcm)%2 != 0 {
		padded := make([]byte, len(pcm)+1)
		copy(padded, pcm)
		pcm = padded
		padErr = ErrShortInput
	}

	if inHz == outHz || len(pcm) < 2 {
		return pcm, padErr
	}

	srcSamples := len(pcm) / 2
	dstSamples := int((int64(srcSamples)*int64(outHz) + int64(inHz)/2) / int64(inHz))
	if dstSamples == 0 {
		return nil, padErr
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(inHz) / float64(outHz)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out, padErr
}
