package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MimeTypeL16 is the RTP mime type reported for raw 16-bit linear PCM
// frames.
const MimeTypeL16 = "audio/L16"

// pcmFrameDuration is the frame size PCM capture streams are chunked
// into.
const pcmFrameDuration = 20 * time.Millisecond

// PCMDevice adapts a raw 16-bit little-endian mono PCM source to the
// capture Device interface. The source is resampled to the engine's
// 24kHz wire rate and served as 20ms L16 frames, so a recorded PCM dump
// or any PCM-producing backend can stand in for a microphone.
type PCMDevice struct {
	src     io.Reader
	srcRate int
}

// NewPCMDevice wraps src, 16-bit little-endian mono PCM at srcRate Hz.
func NewPCMDevice(src io.Reader, srcRate int) *PCMDevice {
	return &PCMDevice{src: src, srcRate: srcRate}
}

// Open implements Device. The device serves 24kHz mono only; requests
// for other formats are rejected.
func (d *PCMDevice) Open(_ context.Context, cfg CaptureConfig) (Stream, error) {
	if cfg.Format != L16Mono24K {
		return nil, fmt.Errorf("audio: pcm device serves %d Hz, requested %d",
			L16Mono24K.SampleRate(), cfg.Format.SampleRate())
	}
	r, err := Resample24k(d.src, d.srcRate)
	if err != nil {
		return nil, err
	}
	frameBytes := L16Mono24K.SampleRate() / int(time.Second/pcmFrameDuration) * 2
	return &pcmStream{src: d.src, r: r, buf: make([]byte, frameBytes)}, nil
}

type pcmStream struct {
	mu     sync.Mutex
	src    io.Reader
	r      io.Reader
	buf    []byte
	closed bool
}

// ReadFrame returns the next 20ms frame. A short tail at end of input
// comes back as a final short frame; after that ReadFrame returns
// io.EOF.
func (s *pcmStream) ReadFrame() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Frame{}, io.EOF
	}
	n, err := io.ReadFull(s.r, s.buf)
	n -= n % 2
	if n == 0 {
		if err == nil || err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return Frame{}, err
	}
	data := make([]byte, n)
	copy(data, s.buf[:n])
	return Frame{Data: data, Duration: L16Mono24K.Duration(n)}, nil
}

// MimeType implements Stream.
func (s *pcmStream) MimeType() string { return MimeTypeL16 }

// Close implements Stream. It also closes the underlying source when
// that is an io.Closer. Idempotent.
func (s *pcmStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if c, ok := s.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
