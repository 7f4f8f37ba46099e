package audio

import (
	"context"
	"io"
	"sync"
	"time"
)

// FramePipe is an in-memory capture source: a bounded blocking frame
// queue that implements both Device and Stream. Host applications push
// pre-encoded frames on one side while the voice engine's capture pump
// reads them on the other. Tests use it in place of a platform
// microphone.
type FramePipe struct {
	mimeType string

	mu         sync.Mutex
	readable   *sync.Cond
	writable   *sync.Cond
	frames     []Frame
	head, tail int
	count      int
	closeWrite bool
	closed     bool
}

// NewFramePipe creates a pipe holding at most size frames of the given
// RTP mime type (e.g. webrtc.MimeTypeOpus). Push blocks when the pipe
// is full.
func NewFramePipe(mimeType string, size int) *FramePipe {
	if size <= 0 {
		size = 64
	}
	p := &FramePipe{
		mimeType: mimeType,
		frames:   make([]Frame, size),
	}
	p.readable = sync.NewCond(&p.mu)
	p.writable = sync.NewCond(&p.mu)
	return p
}

// Open implements Device. The pipe hands itself out; the capture
// config is ignored since frames arrive pre-encoded.
func (p *FramePipe) Open(context.Context, CaptureConfig) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, io.ErrClosedPipe
	}
	return p, nil
}

// Push queues one frame. It blocks while the pipe is full and returns
// io.ErrClosedPipe once the write side or the pipe is closed.
func (p *FramePipe) Push(data []byte, duration time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.count == len(p.frames) && !p.closed && !p.closeWrite {
		p.writable.Wait()
	}
	if p.closed || p.closeWrite {
		return io.ErrClosedPipe
	}

	p.frames[p.tail] = Frame{Data: data, Duration: duration}
	p.tail = (p.tail + 1) % len(p.frames)
	p.count++
	p.readable.Signal()
	return nil
}

// ReadFrame implements Stream. It blocks until a frame is available,
// returning io.EOF once the write side is closed and the queue drains.
func (p *FramePipe) ReadFrame() (Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.count == 0 && !p.closed && !p.closeWrite {
		p.readable.Wait()
	}
	if p.closed {
		return Frame{}, io.ErrClosedPipe
	}
	if p.count == 0 {
		return Frame{}, io.EOF
	}

	frame := p.frames[p.head]
	p.frames[p.head] = Frame{}
	p.head = (p.head + 1) % len(p.frames)
	p.count--
	p.writable.Signal()
	return frame, nil
}

// MimeType implements Stream.
func (p *FramePipe) MimeType() string { return p.mimeType }

// CloseWrite stops further pushes; queued frames remain readable and
// ReadFrame returns io.EOF after the last one.
func (p *FramePipe) CloseWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeWrite = true
	p.readable.Broadcast()
	p.writable.Broadcast()
}

// Close implements Stream. It discards queued frames and unblocks all
// waiters. Idempotent.
func (p *FramePipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.closeWrite = true
	p.count = 0
	p.head = 0
	p.tail = 0
	p.readable.Broadcast()
	p.writable.Broadcast()
	return nil
}
