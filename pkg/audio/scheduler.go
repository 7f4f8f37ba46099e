package audio

import (
	"sync"
	"time"
)

// Buffer is one scheduled chunk of normalized samples at a fixed rate.
type Buffer struct {
	Samples []float32
	Format  Format
}

// Duration returns the playback duration of the buffer.
func (b Buffer) Duration() time.Duration {
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.Format.SampleRate())
}

// Sink plays scheduled buffers. ScheduleAt must accept a start time in
// the future (or now) and is never called with overlapping intervals by
// a single Scheduler.
type Sink interface {
	ScheduleAt(buf Buffer, start time.Time) error
	Close() error
}

// Scheduler turns arriving PCM16 chunks into strictly sequential,
// gapless playback. It keeps one monotonically advancing "next start"
// cursor: each chunk starts at max(now, next) and advances the cursor
// by the chunk's duration. Chunks that arrive late simply resume from
// now; there is no underrun compensation beyond that.
type Scheduler struct {
	sink   Sink
	format Format
	now    func() time.Time

	mu   sync.Mutex
	next time.Time
}

// NewScheduler creates a Scheduler feeding sink with buffers of the
// given format.
func NewScheduler(sink Sink, format Format) *Scheduler {
	return &Scheduler{sink: sink, format: format, now: time.Now}
}

// SetClock overrides the scheduler's time source. Intended for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Enqueue converts one PCM16 chunk to normalized samples and schedules
// it immediately after whatever is already queued.
func (s *Scheduler) Enqueue(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	buf := Buffer{Samples: Floats(pcm), Format: s.format}

	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.now()
	if s.next.After(start) {
		start = s.next
	}
	if err := s.sink.ScheduleAt(buf, start); err != nil {
		return err
	}
	s.next = start.Add(buf.Duration())
	return nil
}

// NextStart returns the current cursor position. A zero time means
// nothing has been scheduled yet.
func (s *Scheduler) NextStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Close releases the underlying sink.
func (s *Scheduler) Close() error {
	return s.sink.Close()
}
