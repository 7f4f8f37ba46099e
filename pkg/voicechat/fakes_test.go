package voicechat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/voxlink/voxlink/pkg/eventbus"
	"github.com/voxlink/voxlink/pkg/realtime"
	"github.com/voxlink/voxlink/pkg/transport"
)

// fakeAdapter is an in-memory transport.Adapter.
type fakeAdapter struct {
	bus *eventbus.Bus

	mu          sync.Mutex
	state       transport.State
	connectErr  error
	sendErr     error
	sent        []string
	connects    int
	disconnects int

	logged chan transport.LogEntry
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		bus:    eventbus.New(),
		logged: make(chan transport.LogEntry, 64),
	}
}

func (a *fakeAdapter) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if a.connectErr != nil {
		return a.connectErr
	}
	a.state = transport.Connected
	return nil
}

func (a *fakeAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnects++
	a.state = transport.Disconnected
	return nil
}

func (a *fakeAdapter) SendMessage(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.sent = append(a.sent, text)
	return nil
}

func (a *fakeAdapter) State() transport.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *fakeAdapter) Events() *eventbus.Bus { return a.bus }

func (a *fakeAdapter) GetEphemeralKey(context.Context) (*realtime.VoiceGrant, error) {
	return &realtime.VoiceGrant{ClientSecret: "ek_fake", Model: "m"}, nil
}

func (a *fakeAdapter) ProcessToolCall(context.Context, realtime.ToolCall) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (a *fakeAdapter) LogMessage(_ context.Context, entry transport.LogEntry) error {
	a.logged <- entry
	return nil
}

func (a *fakeAdapter) sentTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

func (a *fakeAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

var _ transport.Adapter = (*fakeAdapter)(nil)

// fakeEngine is an in-memory voiceEngine.
type fakeEngine struct {
	mu        sync.Mutex
	initErr   error
	recErr    error
	sendErr   error
	dcOpen    bool
	sessionID string

	inits     int
	closes    int
	recStarts int
	recStops  int
	texts     []string
	greetings []string
}

func (e *fakeEngine) Init(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inits++
	return e.initErr
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

func (e *fakeEngine) SendUserText(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sendErr != nil {
		return e.sendErr
	}
	e.texts = append(e.texts, text)
	return nil
}

func (e *fakeEngine) SendGreeting(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.greetings = append(e.greetings, text)
	return nil
}

func (e *fakeEngine) DataChannelOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dcOpen
}

func (e *fakeEngine) StartRecording(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recStarts++
	return e.recErr
}

func (e *fakeEngine) StopRecording() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recStops++
}

func (e *fakeEngine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

func (e *fakeEngine) greetingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.greetings)
}

var _ voiceEngine = (*fakeEngine)(nil)

// fakeClock drives controller timers manually.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clk      *fakeClock
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clk: c, deadline: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	live := !t.stopped && !t.fired
	t.stopped = true
	return live
}

// Advance moves the clock forward and fires due timers in deadline
// order. Callbacks run unlocked so they may arm new timers.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.deadline.After(c.now) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		if next == nil {
			c.mu.Unlock()
			return
		}
		next.fired = true
		f := next.f
		c.mu.Unlock()
		f()
	}
}

// pending counts timers that are armed and not yet fired or stopped.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// newTestController wires a controller to a fake adapter, engine, and
// clock. cfg gets test defaults for the required fields.
func newTestController(t *testing.T, cfg Config) (*Controller, *fakeAdapter, *fakeEngine, *fakeClock) {
	t.Helper()
	if cfg.Endpoint == "" {
		cfg.Endpoint = "wss://backend.test/chat"
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-1"
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	adapter := newFakeAdapter()
	c := newController(cfg, adapter)
	clk := newFakeClock()
	c.clk = clk
	eng := &fakeEngine{dcOpen: true}
	c.newEngine = func() voiceEngine { return eng }
	return c, adapter, eng, clk
}

// countEvents subscribes a counter to one bus event.
func countEvents(bus *eventbus.Bus, name string) *int {
	n := new(int)
	bus.On(name, func(...any) { *n++ })
	return n
}
