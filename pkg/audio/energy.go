package audio

import "math"

// RMS computes the root-mean-square energy of 16-bit little-endian PCM,
// normalised to [0, 1] where 1.0 corresponds to a full-scale square wave.
// A trailing odd byte is ignored. Returns 0 for empty input.
//
// The barge-in detector uses this as its energy estimate; it is deliberately
// simpler than a full VAD because provider speech events are the
// authoritative signal when available.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(samples))
}
