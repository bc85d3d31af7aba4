package audio

import "github.com/zaf/g711"

// EncodeUlaw compresses 16-bit little-endian PCM at 8 kHz into G.711 μ-law.
// The output has one byte per input sample. A trailing odd byte in pcm is
// ignored (callers that care should check with [ValidatePCM16] first).
func EncodeUlaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// DecodeUlaw expands G.711 μ-law into 16-bit little-endian PCM at 8 kHz.
func DecodeUlaw(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// EncodeAlaw compresses 16-bit little-endian PCM at 8 kHz into G.711 A-law.
func EncodeAlaw(pcm []byte) []byte {
	return g711.EncodeAlaw(pcm)
}

// DecodeAlaw expands G.711 A-law into 16-bit little-endian PCM at 8 kHz.
func DecodeAlaw(alaw []byte) []byte {
	return g711.DecodeAlaw(alaw)
}

// Transcode converts pcm16 audio between two codecs: decode to linear if
// needed, resample, then encode to the target. Input and output are byte
// slices in the respective codec's sample format. Returns [ErrUnsupportedRate]
// for rates outside [SupportedRates]. A short (odd-length PCM16) input is
// padded with silence and flagged with [ErrShortInput]; the converted audio
// is still returned so the media path never stalls on a truncated chunk.
func Transcode(data []byte, from, to Codec) ([]byte, error) {
	if from == to {
		return data, nil
	}

	var padErr error

	// Step 1: expand to linear PCM16.
	pcm := data
	switch from.Encoding {
	case EncodingUlaw:
		pcm = DecodeUlaw(data)
	case EncodingAlaw:
		pcm = DecodeAlaw(data)
	case EncodingPCM16:
		if len(pcm)%2 != 0 {
			padded := make([]byte, len(pcm)+1)
			copy(padded, pcm)
			pcm = padded
			padErr = ErrShortInput
		}
	}

	// Step 2: resample at linear.
	pcm, err := Resample(pcm, from.Rate, to.Rate)
	if err != nil {
		return nil, err
	}

	// Step 3: compress to the target encoding.
	switch to.Encoding {
	case EncodingUlaw:
		pcm = EncodeUlaw(pcm)
	case EncodingAlaw:
		pcm = EncodeAlaw(pcm)
	}
	return pcm, padErr
}
