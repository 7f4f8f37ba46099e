package voicechat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/voxlink/voxlink/pkg/realtime"
	"github.com/voxlink/voxlink/pkg/transport"
)

func TestHistoryCapKeepsMostRecent(t *testing.T) {
	c, _, _, _ := newTestController(t, Config{})

	contents := make([]string, 105)
	for i := range contents {
		contents[i] = fmt.Sprintf("note %03d", i)
	}
	for _, content := range contents {
		c.record(newMessage(RoleUser, content, SourceText))
	}

	history := c.History()
	if len(history) != MaxHistory {
		t.Fatalf("history length = %d, want %d", len(history), MaxHistory)
	}
	if got := history[0].Content; got != contents[5] {
		t.Fatalf("oldest retained = %q, want %q (first five evicted)", got, contents[5])
	}
	if got := history[len(history)-1].Content; got != contents[104] {
		t.Fatalf("newest retained = %q, want %q", got, contents[104])
	}
	for _, m := range history {
		if m.Content == contents[4] {
			t.Fatalf("message %q should have been evicted", contents[4])
		}
	}
}

func TestEndSessionWithoutSessionIsNoop(t *testing.T) {
	c, _, _, _ := newTestController(t, Config{})
	ended := countEvents(c.bus, EvSessionEnded)

	c.EndSession() // must not panic, must not emit

	if *ended != 0 {
		t.Fatalf("session:ended emitted %d times, want 0", *ended)
	}
}

func TestSessionLifecycle(t *testing.T) {
	c, _, eng, _ := newTestController(t, Config{VoiceEnabled: true, Greeting: "hello there"})
	started := countEvents(c.bus, EvSessionStarted)
	ended := countEvents(c.bus, EvSessionEnded)

	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if c.State() != Connected {
		t.Fatalf("state = %v, want Connected", c.State())
	}
	if c.SessionID() == "" {
		t.Fatal("active session must have an id")
	}
	if *started != 1 {
		t.Fatalf("session:started emitted %d times, want 1", *started)
	}
	if eng.inits != 1 || eng.recStarts != 1 {
		t.Fatalf("engine inits=%d recStarts=%d, want 1/1", eng.inits, eng.recStarts)
	}
	if got := eng.greetingCount(); got != 1 {
		t.Fatalf("greetings = %d, want 1 (channel already open)", got)
	}

	// Starting again while active is a no-op.
	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if *started != 1 || eng.inits != 1 {
		t.Fatalf("second start must be a no-op: started=%d inits=%d", *started, eng.inits)
	}

	c.EndSession()
	if c.SessionID() != "" {
		t.Fatalf("session id = %q after end, want empty", c.SessionID())
	}
	if c.State() != Disconnected {
		t.Fatalf("state = %v after end, want Disconnected", c.State())
	}
	if eng.closes != 1 || eng.recStops == 0 {
		t.Fatalf("engine closes=%d recStops=%d, want close and defensive stop", eng.closes, eng.recStops)
	}
	if *ended != 1 {
		t.Fatalf("session:ended emitted %d times, want 1", *ended)
	}

	c.EndSession() // idempotent
	if *ended != 1 {
		t.Fatalf("repeated EndSession emitted extra session:ended (%d)", *ended)
	}
}

func TestSessionIDPrefersServerIssued(t *testing.T) {
	c, _, eng, _ := newTestController(t, Config{VoiceEnabled: true})
	eng.sessionID = "sess_server"

	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if got := c.SessionID(); got != "sess_server" {
		t.Fatalf("SessionID = %q, want server-issued sess_server", got)
	}
}

func TestSessionSnapshot(t *testing.T) {
	c, _, _, _ := newTestController(t, Config{TextEnabled: true})
	if s := c.Session(); s.Active {
		t.Fatal("no session should be active before StartSession")
	}

	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	s := c.Session()
	if !s.Active || s.ID == "" || s.StartedAt.IsZero() {
		t.Fatalf("session = %+v, want active with id and start time", s)
	}

	c.EndSession()
	if s := c.Session(); s.Active {
		t.Fatal("session must be inactive after EndSession")
	}
}

func TestGreetingSentExactlyOnce(t *testing.T) {
	c, _, eng, _ := newTestController(t, Config{VoiceEnabled: true, Greeting: "hi"})
	eng.dcOpen = false // force the readiness-listener path

	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if got := eng.greetingCount(); got != 0 {
		t.Fatalf("greeting sent before channel ready (%d)", got)
	}

	eng.dcOpen = true
	c.engineBus.Emit(realtime.EvDataChannelReady)
	c.engineBus.Emit(realtime.EvDataChannelReady)
	c.engineBus.Emit(realtime.EvDataChannelReady)

	if got := eng.greetingCount(); got != 1 {
		t.Fatalf("greetings = %d after repeated readiness, want exactly 1", got)
	}
}

func TestVoiceInitFailureKeepsTextUsable(t *testing.T) {
	var reported []error
	c, adapter, eng, _ := newTestController(t, Config{
		VoiceEnabled: true,
		TextEnabled:  true,
		OnError:      func(err error) { reported = append(reported, err) },
	})
	eng.initErr = errors.New("sdp exchange failed")

	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession must not fail on voice-only errors: %v", err)
	}
	if len(reported) == 0 {
		t.Fatal("voice failure must surface through OnError")
	}
	if c.SessionID() == "" {
		t.Fatal("session must stay active without voice")
	}

	if err := c.SendMessage(context.Background(), "still here"); err != nil {
		t.Fatalf("SendMessage over text path: %v", err)
	}
	if sent := adapter.sentTexts(); len(sent) != 1 || sent[0] != "still here" {
		t.Fatalf("adapter sent = %v, want the fallback text", sent)
	}
}

func TestMicrophoneFailureIsNonFatal(t *testing.T) {
	c, _, eng, _ := newTestController(t, Config{VoiceEnabled: true})
	eng.recErr = errors.New("device busy")

	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if c.SessionID() == "" {
		t.Fatal("session must survive a microphone failure")
	}
}

func TestSendMessageRequiresSessionAndConnection(t *testing.T) {
	c, _, _, _ := newTestController(t, Config{TextEnabled: true})

	if err := c.SendMessage(context.Background(), "x"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}

	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	c.setState(Reconnecting)
	if err := c.SendMessage(context.Background(), "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestSendMessagePicksPath(t *testing.T) {
	// Voice path when the data channel is open.
	c, adapter, eng, _ := newTestController(t, Config{VoiceEnabled: true, TextEnabled: true})
	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := c.SendMessage(context.Background(), "over voice"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(eng.texts) != 1 || eng.texts[0] != "over voice" {
		t.Fatalf("engine texts = %v, want the message", eng.texts)
	}
	if len(adapter.sentTexts()) != 0 {
		t.Fatal("voice path must not also use the transport")
	}

	// Basic path when the channel is closed.
	eng.dcOpen = false
	if err := c.SendMessage(context.Background(), "over text"); err != nil {
		t.Fatalf("SendMessage fallback: %v", err)
	}
	if sent := adapter.sentTexts(); len(sent) != 1 || sent[0] != "over text" {
		t.Fatalf("adapter sent = %v, want the fallback message", sent)
	}

	// Optimistic history got both.
	history := c.History()
	if len(history) != 2 || history[0].Role != RoleUser {
		t.Fatalf("history = %d entries, want 2 optimistic user messages", len(history))
	}
}

func TestSendMessageNoChannel(t *testing.T) {
	c, _, _, _ := newTestController(t, Config{TextEnabled: false})
	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := c.SendMessage(context.Background(), "x"); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("err = %v, want ErrNoChannel", err)
	}
}

func TestSendMessageUsesEngineInstalledMidSend(t *testing.T) {
	// An engine installed after SendMessage records the optimistic
	// message but before it resolves the route must be the engine the
	// message goes through. The OnMessage hook runs in exactly that
	// window.
	lateEng := &fakeEngine{dcOpen: true}
	var c *Controller
	cfg := Config{
		TextEnabled: false,
		OnMessage: func(msg *Message) {
			if c == nil || msg.Role != RoleUser || msg.Automated {
				return
			}
			c.mu.Lock()
			if c.engine == nil {
				c.engine = lateEng
			}
			c.mu.Unlock()
		},
	}
	ctrl, _, _, _ := newTestController(t, cfg)
	c = ctrl
	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := c.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(lateEng.texts) != 1 || lateEng.texts[0] != "hi" {
		t.Fatalf("late engine texts = %v, want the message", lateEng.texts)
	}
}

func TestIdleWarningGraceAndTimeout(t *testing.T) {
	c, _, _, clk := newTestController(t, Config{
		IdleTimeout:    5 * time.Minute,
		SessionTimeout: 15 * time.Minute,
	})
	idleWarnings := countEvents(c.bus, EvIdleWarning)
	idleTimeouts := countEvents(c.bus, EvIdleTimeout)
	ended := countEvents(c.bus, EvSessionEnded)

	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	clk.Advance(5 * time.Minute)
	if *idleWarnings != 1 {
		t.Fatalf("idle warning fired %d times at T, want 1", *idleWarnings)
	}
	history := c.History()
	last := history[len(history)-1]
	if last.Role != RoleAssistant || !last.Automated {
		t.Fatalf("idle check-in = %+v, want automated assistant message", last)
	}

	// The automated check-in must not count as activity: the grace
	// timer runs out and the session ends.
	clk.Advance(time.Minute)
	if *idleTimeouts != 1 || *ended != 1 {
		t.Fatalf("idle timeout=%d ended=%d after grace, want 1/1", *idleTimeouts, *ended)
	}
	if c.SessionID() != "" {
		t.Fatal("session must be force-ended after the grace period")
	}
}

func TestIdleTimerResetsOnActivity(t *testing.T) {
	c, _, _, clk := newTestController(t, Config{
		IdleTimeout:    5 * time.Minute,
		SessionTimeout: NoTimeout,
	})
	idleWarnings := countEvents(c.bus, EvIdleWarning)

	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	clk.Advance(4 * time.Minute)
	if err := c.SendMessage(context.Background(), "still chatting"); err != nil && !errors.Is(err, ErrNoChannel) {
		t.Fatalf("SendMessage: %v", err)
	}

	// 4m59s after the reset: nothing yet.
	clk.Advance(5*time.Minute - time.Second)
	if *idleWarnings != 0 {
		t.Fatal("idle warning fired despite activity reset")
	}
	clk.Advance(time.Second)
	if *idleWarnings != 1 {
		t.Fatalf("idle warning fired %d times at reset+T, want 1", *idleWarnings)
	}
}

func TestGraceCancelledByActivity(t *testing.T) {
	c, _, _, clk := newTestController(t, Config{
		IdleTimeout:    5 * time.Minute,
		SessionTimeout: NoTimeout,
	})
	idleTimeouts := countEvents(c.bus, EvIdleTimeout)

	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	clk.Advance(5 * time.Minute) // warning + grace armed
	c.record(newMessage(RoleUser, "back", SourceText))
	clk.Advance(2 * time.Minute)

	if *idleTimeouts != 0 {
		t.Fatal("grace fired despite fresh activity")
	}
	if c.SessionID() == "" {
		t.Fatal("session ended despite fresh activity")
	}
}

func TestSessionTimeoutWarningAndHardEnd(t *testing.T) {
	c, _, _, clk := newTestController(t, Config{
		SessionTimeout: 15 * time.Minute,
		IdleTimeout:    NoTimeout,
	})
	warnings := countEvents(c.bus, EvSessionTimeoutWarning)
	timeouts := countEvents(c.bus, EvSessionTimeout)

	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	clk.Advance(14 * time.Minute)
	if *warnings != 1 || *timeouts != 0 {
		t.Fatalf("at T-60s: warnings=%d timeouts=%d, want 1/0", *warnings, *timeouts)
	}
	clk.Advance(time.Minute)
	if *timeouts != 1 {
		t.Fatalf("hard timeout fired %d times, want 1", *timeouts)
	}
	if c.SessionID() != "" {
		t.Fatal("session must be force-ended at the hard timeout")
	}
}

func TestNoTimeoutDisablesSessionTimers(t *testing.T) {
	c, _, _, clk := newTestController(t, Config{
		SessionTimeout: NoTimeout,
		IdleTimeout:    NoTimeout,
	})
	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	clk.Advance(24 * time.Hour)
	if c.SessionID() == "" {
		t.Fatal("session ended despite disabled timeouts")
	}
	if clk.pending() != 0 {
		t.Fatalf("%d timers armed, want 0", clk.pending())
	}
}

func TestStaleTimerCannotTouchFreshSession(t *testing.T) {
	c, _, _, clk := newTestController(t, Config{
		IdleTimeout:    5 * time.Minute,
		SessionTimeout: NoTimeout,
	})
	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	clk.Advance(5 * time.Minute) // grace armed for the first session

	c.EndSession()
	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	fresh := c.SessionID()

	clk.Advance(time.Minute) // old grace deadline passes
	if got := c.SessionID(); got != fresh {
		t.Fatalf("session id = %q, want %q untouched by stale timer", got, fresh)
	}
}

func TestReconnectBackoffAndRecovery(t *testing.T) {
	c, adapter, _, clk := newTestController(t, Config{
		ReconnectBase:        time.Second,
		MaxReconnectAttempts: 5,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	adapter.mu.Lock()
	adapter.connectErr = errors.New("backend gone")
	adapter.mu.Unlock()
	adapter.bus.Emit(transport.EventDisconnect, errors.New("read: connection reset"))

	if c.State() != Reconnecting {
		t.Fatalf("state = %v after disconnect, want Reconnecting", c.State())
	}

	// Attempts at 1s, 2s, 4s keep failing.
	before := adapter.connectCount()
	clk.Advance(time.Second)
	clk.Advance(2 * time.Second)
	clk.Advance(4 * time.Second)
	if got := adapter.connectCount() - before; got != 3 {
		t.Fatalf("connect attempts = %d, want 3", got)
	}
	if c.State() != Reconnecting {
		t.Fatalf("state = %v, want still Reconnecting", c.State())
	}

	// Backend comes back on the fourth attempt.
	adapter.mu.Lock()
	adapter.connectErr = nil
	adapter.mu.Unlock()
	clk.Advance(8 * time.Second)

	if c.State() != Connected {
		t.Fatalf("state = %v after recovery, want Connected", c.State())
	}
	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("attempts = %d after recovery, want reset to 0", attempts)
	}
}

func TestReconnectExhaustionEntersErrorState(t *testing.T) {
	var reported []error
	c, adapter, _, clk := newTestController(t, Config{
		ReconnectBase:        time.Second,
		MaxReconnectAttempts: 2,
		OnError:              func(err error) { reported = append(reported, err) },
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	adapter.mu.Lock()
	adapter.connectErr = errors.New("backend gone")
	adapter.mu.Unlock()
	adapter.bus.Emit(transport.EventDisconnect, errors.New("broken"))

	clk.Advance(time.Second)     // attempt 1 fails
	clk.Advance(2 * time.Second) // attempt 2 fails, budget exhausted

	if c.State() != StateError {
		t.Fatalf("state = %v, want StateError after exhaustion", c.State())
	}
	if clk.pending() != 0 {
		t.Fatalf("%d timers still armed, want none", clk.pending())
	}
	found := false
	for _, err := range reported {
		if errors.Is(err, ErrReconnectExhausted) {
			found = true
		}
	}
	if !found {
		t.Fatalf("ErrReconnectExhausted not reported; got %v", reported)
	}
}

func TestManualDisconnectStopsReconnect(t *testing.T) {
	c, adapter, _, clk := newTestController(t, Config{ReconnectBase: time.Second})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	adapter.bus.Emit(transport.EventDisconnect, errors.New("broken"))

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	before := adapter.connectCount()
	clk.Advance(time.Hour)
	if adapter.connectCount() != before {
		t.Fatal("reconnect attempted after manual disconnect")
	}
	if c.State() != Disconnected {
		t.Fatalf("state = %v, want Disconnected", c.State())
	}
}

func TestConnectIsReentrantNoop(t *testing.T) {
	c, adapter, _, _ := newTestController(t, Config{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if got := adapter.connectCount(); got != 1 {
		t.Fatalf("adapter connects = %d, want 1", got)
	}
}

func TestReconnectDelayFormula(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s capped
		{20, 30 * time.Second},
		{63, 30 * time.Second}, // shift overflow guard
	}
	for _, tc := range cases {
		if got := reconnectDelay(time.Second, tc.attempt); got != tc.want {
			t.Errorf("reconnectDelay(1s, %d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestIngestionPersistsAndLogs(t *testing.T) {
	store := NewMemoryStore()
	var received []*Message
	c, adapter, _, _ := newTestController(t, Config{
		Store:     store,
		OnMessage: func(m *Message) { received = append(received, m) },
	})
	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	sessionID := c.SessionID()

	adapter.bus.Emit(transport.EventMessage, &transport.WireMessage{
		ID:      "m1",
		Type:    "assistant",
		Content: "from the backend",
	})

	if len(received) != 1 || received[0].Content != "from the backend" {
		t.Fatalf("OnMessage got %v, want the ingested message", received)
	}
	if received[0].Source != SourceText {
		t.Fatalf("default source = %q, want text", received[0].Source)
	}

	msgs, err := store.Load(context.Background(), "worker-1", sessionID, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("persisted = %v, want the ingested message", msgs)
	}

	select {
	case entry := <-adapter.logged:
		if entry.SessionID != sessionID || entry.Message.ID != "m1" {
			t.Fatalf("log entry = %+v", entry)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("LogMessage RPC never fired")
	}
}

func TestVoiceMessageIngestedFromEngine(t *testing.T) {
	c, _, _, _ := newTestController(t, Config{VoiceEnabled: true})
	if err := c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	c.engineBus.Emit(realtime.EvMessage, RoleAssistant, "spoken reply")

	history := c.History()
	if len(history) != 1 {
		t.Fatalf("history = %d entries, want 1", len(history))
	}
	if history[0].Role != RoleAssistant || history[0].Source != SourceVoice {
		t.Fatalf("ingested = %+v, want assistant/voice", history[0])
	}
}
