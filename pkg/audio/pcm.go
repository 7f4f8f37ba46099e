// Package audio provides the PCM plumbing for the realtime voice
// engine: format math for 16-bit linear PCM, a gapless playback
// scheduler for decoded audio chunks, the microphone capture
// abstraction, and a resample step to the engine's 24kHz wire rate.
package audio

import "time"

// Format represents a linear PCM audio format configuration.
type Format int

const (
	// L16Mono16K is audio/L16; rate=16000; channels=1.
	L16Mono16K Format = iota
	// L16Mono24K is audio/L16; rate=24000; channels=1. This is the
	// fixed wire format of the realtime voice protocol.
	L16Mono24K
	// L16Mono48K is audio/L16; rate=48000; channels=1.
	L16Mono48K
)

// SampleRate returns the sample rate in Hz for this format.
func (f Format) SampleRate() int {
	switch f {
	case L16Mono16K:
		return 16000
	case L16Mono24K:
		return 24000
	case L16Mono48K:
		return 48000
	}
	panic("audio: invalid format")
}

// Channels returns the number of audio channels for this format.
func (f Format) Channels() int {
	switch f {
	case L16Mono16K, L16Mono24K, L16Mono48K:
		return 1
	}
	panic("audio: invalid format")
}

// Depth returns the bit depth for this format.
func (f Format) Depth() int {
	switch f {
	case L16Mono16K, L16Mono24K, L16Mono48K:
		return 16
	}
	panic("audio: invalid format")
}

// Samples returns the number of samples in the given number of bytes.
func (f Format) Samples(bytes int) int {
	return bytes * 8 / f.Channels() / f.Depth()
}

// Duration returns the playback duration of the given number of bytes.
func (f Format) Duration(bytes int) time.Duration {
	return time.Duration(f.Samples(bytes)) * time.Second / time.Duration(f.SampleRate())
}

// Floats converts little-endian 16-bit PCM to float32 samples
// normalized to [-1, 1]. A trailing odd byte is dropped.
func Floats(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}
