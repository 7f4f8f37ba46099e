// Package voicechat is the embeddable conversation facade: it owns the
// transport adapter and the realtime voice engine, runs the connection
// and session state machines, enforces timeouts, and fans messages out
// to history, persistence, and the application.
package voicechat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxlink/voxlink/pkg/eventbus"
	"github.com/voxlink/voxlink/pkg/jsontime"
	"github.com/voxlink/voxlink/pkg/realtime"
	"github.com/voxlink/voxlink/pkg/transport"
)

// Events emitted on the controller's bus.
const (
	EvInitialized           = "initialized"
	EvStateChange           = "stateChange"
	EvSessionStarted        = "session:started"
	EvSessionEnded          = "session:ended"
	EvSessionTimeoutWarning = "session:timeout-warning"
	EvSessionTimeout        = "session:timeout"
	EvIdleWarning           = "session:idle-warning"
	EvIdleTimeout           = "session:idle-timeout"

	// Forwarded from the voice engine under the same tags.
	EvDataChannelReady = realtime.EvDataChannelReady
	EvTranscription    = realtime.EvTranscription
	EvTextDelta        = realtime.EvTextDelta
	EvAudioDelta       = realtime.EvAudioDelta

	// EvMessage carries a *Message for every history append.
	EvMessage = "message"
	// EvError carries an error.
	EvError = "error"
)

// Sentinel errors.
var (
	ErrNoSession          = errors.New("voicechat: start a session first")
	ErrNotConnected       = errors.New("voicechat: not connected")
	ErrNoChannel          = errors.New("voicechat: no channel available for text send")
	ErrReconnectExhausted = errors.New("voicechat: reconnect attempts exhausted")
	ErrVoiceDisabled      = errors.New("voicechat: voice is not enabled")
)

// idleCheckinText is the synthetic assistant message injected when the
// idle timer fires.
const idleCheckinText = "Are you still there?"

// timer is the controller-facing slice of *time.Timer, so tests can
// drive timers manually.
type timer interface {
	Stop() bool
}

// clock produces time and timers. Tests swap in a fake.
type clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// voiceEngine is what the controller needs from the realtime engine.
type voiceEngine interface {
	Init(ctx context.Context) error
	Close() error
	SendUserText(text string) error
	SendGreeting(text string) error
	DataChannelOpen() bool
	StartRecording(ctx context.Context) error
	StopRecording()
	SessionID() string
}

// Session is one live conversation. At most one is active per
// controller.
type Session struct {
	ID        string
	StartedAt jsontime.Milli
	Active    bool
}

// sendPath is the resolved delivery route for outbound text.
type sendPath int

const (
	pathNone sendPath = iota
	pathVoice
	pathBasic
)

// Controller is the top-level orchestrator. All state transitions are
// serialized behind one mutex; I/O runs on goroutines and timers, each
// guarded by the session epoch so a stale firing never touches a fresh
// session.
type Controller struct {
	cfg       Config
	bus       *eventbus.Bus
	engineBus *eventbus.Bus
	adapter   transport.Adapter
	store     Store

	clk       clock
	newEngine func() voiceEngine

	mu       sync.Mutex
	state    ConnectionState
	session  *Session
	engine   voiceEngine
	history  []*Message
	epoch    uint64
	attempts int
	greeted  bool

	reconnectTimer timer
	warnTimer      timer
	hardTimer      timer
	idleTimer      timer
	graceTimer     timer
}

// New validates cfg, builds the transport for its endpoint scheme, and
// returns a ready controller. With AutoConnect set, connection starts
// in the background; errors surface through OnError and the bus.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	adapter, err := transport.New(transport.Config{
		Endpoint:   cfg.Endpoint,
		WorkerID:   cfg.WorkerID,
		AuthToken:  cfg.AuthToken,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return newController(cfg, adapter), nil
}

func newController(cfg Config, adapter transport.Adapter) *Controller {
	c := &Controller{
		cfg:       cfg,
		bus:       eventbus.New(),
		engineBus: eventbus.New(),
		adapter:   adapter,
		store:     cfg.Store,
		clk:       realClock{},
	}
	c.newEngine = c.buildEngine
	c.bindTransport()
	c.bindEngine()

	if cfg.AutoConnect {
		go func() {
			if err := c.Connect(context.Background()); err != nil {
				slog.Warn("voicechat: auto-connect failed", "worker", cfg.WorkerID, "err", err)
			}
		}()
	}
	c.bus.Emit(EvInitialized)
	return c
}

func (c *Controller) buildEngine() voiceEngine {
	return realtime.New(c.adapter, c.engineBus, realtime.Options{
		URL:          c.cfg.RealtimeURL,
		HTTPClient:   c.cfg.HTTPClient,
		Device:       c.cfg.Device,
		Sink:         c.cfg.Sink,
		DisableTools: !c.cfg.ToolsEnabled,
		Model:        c.cfg.Model,
		Voice:        c.cfg.Voice,
		Instructions: c.cfg.Instructions,
	})
}

// bindTransport subscribes to the adapter's bus. One subscription for
// the controller's lifetime; liveness is checked inside each handler.
func (c *Controller) bindTransport() {
	c.adapter.Events().On(transport.EventMessage, func(args ...any) {
		wm, ok := args[0].(*transport.WireMessage)
		if !ok {
			return
		}
		c.ingestWire(wm)
	})
	c.adapter.Events().On(transport.EventDisconnect, func(args ...any) {
		c.handleReconnect()
	})
	c.adapter.Events().On(transport.EventError, func(args ...any) {
		if err, ok := args[0].(error); ok {
			c.reportError(err)
		}
	})
}

// bindEngine forwards engine events to the application bus and feeds
// the ones that carry controller semantics back into the state
// machine.
func (c *Controller) bindEngine() {
	for _, ev := range []string{
		realtime.EvDataChannelReady,
		realtime.EvSpeechStarted,
		realtime.EvSpeechStopped,
		realtime.EvTranscription,
		realtime.EvTextDelta,
		realtime.EvAudioDelta,
		realtime.EvResponseComplete,
	} {
		c.engineBus.On(ev, func(args ...any) {
			c.bus.Emit(ev, args...)
		})
	}

	c.engineBus.On(realtime.EvSpeechStarted, func(...any) {
		c.touchIdle()
	})
	c.engineBus.On(realtime.EvMessage, func(args ...any) {
		if len(args) < 2 {
			return
		}
		role, _ := args[0].(string)
		text, _ := args[1].(string)
		c.record(newMessage(role, text, SourceVoice))
	})
	c.engineBus.On(realtime.EvError, func(args ...any) {
		if err, ok := args[0].(error); ok {
			c.reportError(err)
		}
	})
}

// Events returns the controller's application bus.
func (c *Controller) Events() *eventbus.Bus { return c.bus }

// WorkerID returns the configured worker id.
func (c *Controller) WorkerID() string { return c.cfg.WorkerID }

// State reports the connection state.
func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the active session id, or "" when no session is
// active. The server-issued id replaces the generated one as soon as
// the engine has it.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionIDLocked()
}

// Session returns a snapshot of the active session, or a zero Session
// when none is active.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || !c.session.Active {
		return Session{}
	}
	s := *c.session
	s.ID = c.sessionIDLocked()
	return s
}

func (c *Controller) sessionIDLocked() string {
	if c.session == nil || !c.session.Active {
		return ""
	}
	if c.engine != nil {
		if sid := c.engine.SessionID(); sid != "" {
			c.session.ID = sid
		}
	}
	return c.session.ID
}

// History returns a snapshot of the retained messages.
func (c *Controller) History() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Message, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Controller) setState(next ConnectionState) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()

	c.bus.Emit(EvStateChange, next)
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(next)
	}
}

func (c *Controller) reportError(err error) {
	slog.Error("voicechat: error", "worker", c.cfg.WorkerID, "err", err)
	c.bus.Emit(EvError, err)
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

// Connect establishes the transport. It is a no-op while already
// connecting or connected, so racing reconnects and manual calls can
// never stack duplicate transports.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connecting || c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.doConnect(ctx)
}

func (c *Controller) doConnect(ctx context.Context) error {
	c.setState(Connecting)
	if err := c.adapter.Connect(ctx); err != nil {
		c.reportError(err)
		c.scheduleReconnect()
		return err
	}
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	c.setState(Connected)
	return nil
}

// Disconnect ends any active session and tears the transport down.
func (c *Controller) Disconnect() error {
	c.EndSession()

	c.mu.Lock()
	stopTimer(c.reconnectTimer)
	c.reconnectTimer = nil
	c.attempts = 0
	c.mu.Unlock()

	err := c.adapter.Disconnect()
	c.setState(Disconnected)
	return err
}

// handleReconnect is the single entry point after transport loss. It
// schedules the next attempt with exponential backoff, or moves to the
// error state once attempts are exhausted.
func (c *Controller) handleReconnect() {
	c.scheduleReconnect()
}

func (c *Controller) scheduleReconnect() {
	c.mu.Lock()
	if c.state == StateError {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.mu.Unlock()
		c.setState(StateError)
		c.reportError(ErrReconnectExhausted)
		return
	}
	delay := reconnectDelay(c.cfg.ReconnectBase, c.attempts)
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	// The state moves before the timer is armed so a firing can never
	// observe anything but Reconnecting.
	c.setState(Reconnecting)
	c.mu.Lock()
	if c.state == Reconnecting {
		stopTimer(c.reconnectTimer)
		c.reconnectTimer = c.clk.AfterFunc(delay, c.reconnectFired)
	}
	c.mu.Unlock()

	slog.Info("voicechat: reconnecting", "worker", c.cfg.WorkerID, "attempt", attempt, "delay", delay)
}

func (c *Controller) reconnectFired() {
	c.mu.Lock()
	if c.state != Reconnecting {
		// Manual Disconnect or a successful connect got here first.
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	if err := c.doConnect(context.Background()); err != nil {
		// doConnect already scheduled the next attempt.
		return
	}
}

// reconnectDelay is min(base·2^attempt, 30s).
func reconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		return maxReconnectDelay
	}
	d := base << uint(attempt)
	if d <= 0 || d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// StartSession connects if needed, marks a session active, starts the
// voice engine (failure is fatal to voice only; text continues), and
// arms the session and idle timers. Starting while a session is active
// is a no-op.
func (c *Controller) StartSession(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.session != nil && c.session.Active {
		c.mu.Unlock()
		return nil
	}
	c.epoch++
	epoch := c.epoch
	c.session = &Session{
		ID:        uuid.New().String(),
		StartedAt: jsontime.Now(),
		Active:    true,
	}
	c.greeted = false
	c.mu.Unlock()

	if c.cfg.VoiceEnabled {
		c.startVoice(ctx, epoch)
	}

	c.armSessionTimers(epoch)
	c.touchIdle()

	c.bus.Emit(EvSessionStarted, c.SessionID())
	return nil
}

// startVoice brings the realtime engine up and starts the microphone.
// Any failure here leaves the text path fully usable.
func (c *Controller) startVoice(ctx context.Context, epoch uint64) {
	eng := c.newEngine()
	if err := eng.Init(ctx); err != nil {
		c.reportError(err)
		return
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		eng.Close()
		return
	}
	c.engine = eng
	c.mu.Unlock()

	if err := eng.StartRecording(ctx); err != nil {
		slog.Warn("voicechat: microphone start failed, continuing without voice input",
			"worker", c.cfg.WorkerID, "err", err)
	}

	if c.cfg.Greeting != "" {
		if eng.DataChannelOpen() {
			c.sendGreeting(epoch)
		} else {
			c.engineBus.Once(realtime.EvDataChannelReady, func(...any) {
				c.sendGreeting(epoch)
			})
		}
	}
}

// sendGreeting delivers the scripted greeting exactly once per
// session: the readiness listener is a Once, and the greeted flag
// covers the already-open path racing it.
func (c *Controller) sendGreeting(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.greeted || c.engine == nil {
		c.mu.Unlock()
		return
	}
	c.greeted = true
	eng := c.engine
	c.mu.Unlock()

	if err := eng.SendGreeting(c.cfg.Greeting); err != nil {
		c.reportError(err)
	}
}

// armSessionTimers arms the timeout warning and the hard end. Both are
// skipped when the session timeout is disabled.
func (c *Controller) armSessionTimers(epoch uint64) {
	if c.cfg.SessionTimeout == NoTimeout {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	if lead := c.cfg.SessionTimeout - sessionWarningLead; lead > 0 {
		c.warnTimer = c.clk.AfterFunc(lead, func() {
			if c.epochAlive(epoch) {
				c.bus.Emit(EvSessionTimeoutWarning)
			}
		})
	}
	c.hardTimer = c.clk.AfterFunc(c.cfg.SessionTimeout, func() {
		if !c.epochAlive(epoch) {
			return
		}
		c.bus.Emit(EvSessionTimeout)
		c.EndSession()
	})
}

// epochAlive reports whether the session that armed a timer is still
// the active one.
func (c *Controller) epochAlive(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch && c.session != nil && c.session.Active
}

// touchIdle (re)arms the idle timer. Any qualifying activity routes
// here; automated messages do not.
func (c *Controller) touchIdle() {
	if c.cfg.IdleTimeout == NoTimeout {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || !c.session.Active {
		return
	}
	epoch := c.epoch
	stopTimer(c.idleTimer)
	stopTimer(c.graceTimer)
	c.graceTimer = nil
	c.idleTimer = c.clk.AfterFunc(c.cfg.IdleTimeout, func() {
		c.idleFired(epoch)
	})
}

// idleFired injects the automated check-in and arms the grace timer.
func (c *Controller) idleFired(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.session == nil || !c.session.Active {
		c.mu.Unlock()
		return
	}
	c.graceTimer = c.clk.AfterFunc(idleGracePeriod, func() {
		c.graceFired(epoch)
	})
	c.mu.Unlock()

	c.bus.Emit(EvIdleWarning)
	checkin := newMessage(RoleAssistant, idleCheckinText, SourceText)
	checkin.Automated = true
	c.record(checkin)
}

// graceFired force-ends the session after the grace period passed with
// no activity.
func (c *Controller) graceFired(epoch uint64) {
	if !c.epochAlive(epoch) {
		return
	}
	c.bus.Emit(EvIdleTimeout)
	c.EndSession()
}

// EndSession is idempotent: with no active session it is a no-op and
// emits nothing. Otherwise it clears every timer, defensively stops
// recording, tears down the voice engine and transport, and clears the
// session identity.
func (c *Controller) EndSession() {
	c.mu.Lock()
	if c.session == nil || !c.session.Active {
		c.mu.Unlock()
		return
	}
	sessionID := c.session.ID
	c.session = nil
	c.epoch++
	eng := c.engine
	c.engine = nil
	c.greeted = false
	for _, t := range []timer{c.warnTimer, c.hardTimer, c.idleTimer, c.graceTimer, c.reconnectTimer} {
		stopTimer(t)
	}
	c.warnTimer, c.hardTimer, c.idleTimer, c.graceTimer, c.reconnectTimer = nil, nil, nil, nil, nil
	c.mu.Unlock()

	if eng != nil {
		eng.StopRecording()
		if err := eng.Close(); err != nil {
			slog.Warn("voicechat: engine close failed", "worker", c.cfg.WorkerID, "err", err)
		}
	}
	if err := c.adapter.Disconnect(); err != nil {
		slog.Warn("voicechat: transport disconnect failed", "worker", c.cfg.WorkerID, "err", err)
	}
	c.setState(Disconnected)
	c.bus.Emit(EvSessionEnded, sessionID)
}

// Close shuts the controller down. The history store, being caller
// supplied, stays open.
func (c *Controller) Close() error {
	return c.Disconnect()
}

// SendMessage appends the user message optimistically, resets idle
// tracking, and delivers it over the voice data channel when open,
// falling back to the transport's text path.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	c.mu.Lock()
	active := c.session != nil && c.session.Active
	state := c.state
	c.mu.Unlock()

	if !active {
		return ErrNoSession
	}
	if state != Connected {
		return ErrNotConnected
	}

	c.record(newMessage(RoleUser, text, SourceText))

	// Path and engine must come from the same snapshot: startVoice can
	// install the engine while record runs, and a route resolved
	// against a newer engine than the one held would dereference nil.
	path, eng := c.sendPath()
	switch path {
	case pathVoice:
		return eng.SendUserText(text)
	case pathBasic:
		return c.adapter.SendMessage(ctx, text)
	default:
		return ErrNoChannel
	}
}

// sendPath resolves the delivery route once per send, returning the
// engine observed in the same critical section.
func (c *Controller) sendPath() (sendPath, voiceEngine) {
	c.mu.Lock()
	eng := c.engine
	state := c.state
	c.mu.Unlock()

	if eng != nil && eng.DataChannelOpen() {
		return pathVoice, eng
	}
	if c.cfg.TextEnabled && state == Connected {
		return pathBasic, nil
	}
	return pathNone, nil
}

// StartVoiceInput starts (or restarts) microphone capture on the
// running engine.
func (c *Controller) StartVoiceInput(ctx context.Context) error {
	c.mu.Lock()
	eng := c.engine
	c.mu.Unlock()
	if eng == nil {
		return ErrVoiceDisabled
	}
	return eng.StartRecording(ctx)
}

// StopVoiceInput stops microphone capture. Safe without a running
// engine.
func (c *Controller) StopVoiceInput() {
	c.mu.Lock()
	eng := c.engine
	c.mu.Unlock()
	if eng != nil {
		eng.StopRecording()
	}
}

// ingestWire normalizes a transport message into history.
func (c *Controller) ingestWire(wm *transport.WireMessage) {
	msg := &Message{
		ID:        wm.ID,
		Role:      wm.Type,
		Content:   wm.Content,
		Timestamp: wm.Timestamp,
		Source:    wm.Source,
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = jsontime.Now()
	}
	if msg.Source == "" {
		msg.Source = SourceText
	}
	c.record(msg)
}

// record appends to the capped history, resets idle tracking for
// non-automated traffic, notifies the application, and fans out to
// persistence and the audit log. Persistence and logging failures are
// swallowed after a notice; they never reach the caller.
func (c *Controller) record(msg *Message) {
	c.mu.Lock()
	c.history = appendCapped(c.history, msg)
	sessionID := c.sessionIDLocked()
	c.mu.Unlock()

	if !msg.Automated && (msg.Role == RoleUser || msg.Role == RoleAssistant) {
		c.touchIdle()
	}

	c.bus.Emit(EvMessage, msg)
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(msg)
	}

	if sessionID == "" {
		return
	}
	if c.store != nil {
		if err := c.store.Append(context.Background(), c.cfg.WorkerID, sessionID, msg); err != nil {
			slog.Warn("voicechat: history persist failed", "worker", c.cfg.WorkerID, "err", err)
		}
	}
	go func() {
		entry := transport.LogEntry{
			WorkerID:  c.cfg.WorkerID,
			SessionID: sessionID,
			Message: transport.WireMessage{
				ID:        msg.ID,
				Type:      msg.Role,
				Content:   msg.Content,
				Timestamp: msg.Timestamp,
				Source:    msg.Source,
			},
		}
		if err := c.adapter.LogMessage(context.Background(), entry); err != nil {
			slog.Debug("voicechat: message log failed", "worker", c.cfg.WorkerID, "err", err)
		}
	}()
}

func stopTimer(t timer) {
	if t != nil {
		t.Stop()
	}
}
