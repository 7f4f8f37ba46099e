package audio

import (
	"fmt"
	"io"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample24k wraps src, a stream of 16-bit mono PCM at srcRate Hz, and
// returns a reader producing the same audio at the engine's 24kHz wire
// rate. If srcRate is already 24000 the source is returned unchanged.
func Resample24k(src io.Reader, srcRate int) (io.Reader, error) {
	if srcRate == L16Mono24K.SampleRate() {
		return src, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(L16Mono24K.SampleRate()),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler: %w", err)
	}
	return &resampleReader{src: src, rs: rs, srcRate: srcRate}, nil
}

type resampleReader struct {
	src      io.Reader
	rs       resampling.Resampler
	srcRate  int
	leftover []byte
}

func (r *resampleReader) Read(p []byte) (int, error) {
	if len(r.leftover) > 0 {
		n := copy(p, r.leftover)
		r.leftover = r.leftover[n:]
		return n, nil
	}

	// Read enough source bytes for roughly len(p) output bytes.
	ratio := float64(r.srcRate) / float64(L16Mono24K.SampleRate())
	srcLen := (int(float64(len(p))*ratio)/2 + 4) * 2
	buf := make([]byte, srcLen)
	n, readErr := r.src.Read(buf)
	n -= n % 2
	if n == 0 {
		if readErr != nil {
			return 0, readErr
		}
		return 0, io.EOF
	}

	input := make([]float64, n/2)
	for i := range input {
		s := int16(buf[2*i]) | int16(buf[2*i+1])<<8
		input[i] = float64(s) / 32768.0
	}
	output, err := r.rs.Process(input)
	if err != nil {
		return 0, fmt.Errorf("audio: resample: %w", err)
	}

	out := make([]byte, len(output)*2)
	for i, v := range output {
		s := int16(clampUnit(v) * 32767.0)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	w := copy(p, out)
	if w < len(out) {
		r.leftover = append(r.leftover, out[w:]...)
	}
	return w, readErr
}

func clampUnit(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}
