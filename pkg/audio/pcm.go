package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const bytesPerSample = 2

// Downmix averages interleaved 16-bit LE channel groups into mono samples.
// A trailing partial group is dropped.
func Downmix(frame []byte, channels int) []byte {
	if channels <= 1 {
		return frame
	}
	groupBytes := channels * bytesPerSample
	groups := len(frame) / groupBytes
	out := make([]byte, groups*bytesPerSample)
	for g := 0; g < groups; g++ {
		var sum int32
		base := g * groupBytes
		for c := 0; c < channels; c++ {
			off := base + c*bytesPerSample
			sum += int32(int16(binary.LittleEndian.Uint16(frame[off:])))
		}
		binary.LittleEndian.PutUint16(out[g*bytesPerSample:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// RMS returns the root-mean-square level of mono 16-bit LE samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Duration reports how long a 16-bit PCM buffer plays for.
func Duration(size, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	samples := size / (bytesPerSample * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
