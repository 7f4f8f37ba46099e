package audio

import (
	"context"
	"time"
)

// CaptureConfig describes how a capture device should be opened.
// Processing flags map to the device's audio pipeline where supported;
// devices that cannot honor a flag ignore it.
type CaptureConfig struct {
	Format           Format
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultCaptureConfig is the capture configuration the voice engine
// requests: 24kHz mono with all input processing enabled.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		Format:           L16Mono24K,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Device opens microphone capture streams. Implementations wrap a
// platform audio backend; tests use in-memory fakes.
type Device interface {
	Open(ctx context.Context, cfg CaptureConfig) (Stream, error)
}

// Frame is one encoded media frame ready to hand to the peer
// connection's local track.
type Frame struct {
	Data     []byte
	Duration time.Duration
}

// Stream yields fixed-duration media frames from an open capture
// device. ReadFrame blocks until a frame is available or the stream is
// closed, returning io.EOF after Close. Close is idempotent and always
// releases the capture device.
type Stream interface {
	ReadFrame() (Frame, error)
	// MimeType reports the RTP codec the frames are encoded with,
	// e.g. webrtc.MimeTypeOpus.
	MimeType() string
	Close() error
}
