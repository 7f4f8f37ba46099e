package realtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/voxlink/voxlink/pkg/audio"
	"github.com/voxlink/voxlink/pkg/eventbus"
)

// Sentinel errors.
var (
	ErrDataChannelClosed = errors.New("realtime: data channel not open")
	ErrConnectTimeout    = errors.New("realtime: connection timed out")
	ErrGrantExpired      = errors.New("realtime: ephemeral credential expired")
)

const (
	dataChannelLabel = "oai-events"

	connectPollInterval = 100 * time.Millisecond
	connectTimeout      = 30 * time.Second

	// cleanupFlushWait lets the remote flush after buffer-clear events.
	cleanupFlushWait = 200 * time.Millisecond

	toolCallTimeout = 30 * time.Second
)

// Options configures an Engine.
type Options struct {
	// URL is the SDP negotiation endpoint. Default: DefaultRealtimeURL.
	URL string

	// HTTPClient is used for the SDP exchange. Default: http.DefaultClient.
	HTTPClient *http.Client

	// ICEServers overrides the default STUN server list.
	ICEServers []string

	// Device opens microphone capture streams. Required for recording;
	// an engine without a device still handles text and playback.
	Device audio.Device

	// Sink receives scheduled playback buffers. Required for audio
	// output; without it decoded chunks are still emitted on the bus.
	Sink audio.Sink

	// DisableTools strips the tool manifest from the session
	// configuration. Tool-call events still get an error reply so the
	// remote side is never left waiting.
	DisableTools bool

	// Model, Voice, and Instructions override the corresponding
	// backend-issued grant fields when non-empty.
	Model        string
	Voice        string
	Instructions string
}

// Stats reports counters for the remote audio media path.
type Stats struct {
	RemotePackets uint64
	RemoteBytes   uint64
}

// Engine owns one peer-to-peer media/data session with the voice API:
// credential exchange, offer/answer negotiation, event-protocol
// translation, microphone lifecycle, and audio-output scheduling. All
// application-facing events are emitted on the bus passed to New.
type Engine struct {
	side       SideChannel
	bus        *eventbus.Bus
	url        string
	httpClient *http.Client
	iceServers []string
	device     audio.Device
	sched      *audio.Scheduler
	noTools    bool
	overrides  Options

	// sendFn overrides the data-channel send path in tests.
	sendFn func([]byte) error

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	sender     *webrtc.RTPSender
	track      *webrtc.TrackLocalStaticSample
	stream     audio.Stream
	recording  bool
	grant      *VoiceGrant
	sessionID  string
	configured bool
	dcOpen     bool

	closing       atomic.Bool
	remotePackets atomic.Uint64
	remoteBytes   atomic.Uint64
}

// New creates an Engine that negotiates credentials and tool calls
// through side and emits events on bus.
func New(side SideChannel, bus *eventbus.Bus, opts Options) *Engine {
	e := &Engine{
		side:       side,
		bus:        bus,
		url:        opts.URL,
		httpClient: opts.HTTPClient,
		iceServers: opts.ICEServers,
		device:     opts.Device,
		noTools:    opts.DisableTools,
		overrides:  opts,
	}
	if e.url == "" {
		e.url = DefaultRealtimeURL
	}
	if e.httpClient == nil {
		e.httpClient = http.DefaultClient
	}
	if len(e.iceServers) == 0 {
		e.iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	if opts.Sink != nil {
		e.sched = audio.NewScheduler(opts.Sink, audio.L16Mono24K)
	}
	return e
}

// overrideGrant applies the caller-supplied model/voice/instructions
// on top of the backend-issued grant.
func (e *Engine) overrideGrant(grant *VoiceGrant) {
	if e.overrides.Model != "" {
		grant.Model = e.overrides.Model
	}
	if e.overrides.Voice != "" {
		grant.Voice = e.overrides.Voice
	}
	if e.overrides.Instructions != "" {
		grant.Instructions = e.overrides.Instructions
	}
}

// Init establishes the voice session. The sequence is strict: any
// failure aborts and tears down whatever partial state exists.
func (e *Engine) Init(ctx context.Context) error {
	// 1. Ephemeral credential from the backend side-channel.
	grant, err := e.side.GetEphemeralKey(ctx)
	if err != nil {
		return fmt.Errorf("realtime: get ephemeral key: %w", err)
	}
	if grant.Expired(time.Now()) {
		return ErrGrantExpired
	}
	e.overrideGrant(grant)

	// 2. Peer connection.
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: e.iceServers}},
	})
	if err != nil {
		return fmt.Errorf("realtime: create peer connection: %w", err)
	}

	fail := func(step string, err error) error {
		pc.Close()
		e.mu.Lock()
		e.pc, e.dc, e.sender, e.grant = nil, nil, nil, nil
		e.mu.Unlock()
		return fmt.Errorf("realtime: %s: %w", step, err)
	}

	e.mu.Lock()
	e.pc = pc
	e.grant = grant
	e.configured = false
	e.mu.Unlock()

	// 3. Ordered, reliable data channel, before any media negotiation.
	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fail("create data channel", err)
	}
	e.mu.Lock()
	e.dc = dc
	e.mu.Unlock()

	dc.OnOpen(func() {
		slog.Debug("realtime: data channel open")
		e.mu.Lock()
		e.dcOpen = true
		e.mu.Unlock()
		e.bus.Emit(EvDataChannelReady)
	})
	dc.OnClose(func() {
		slog.Debug("realtime: data channel closed")
		e.mu.Lock()
		e.dcOpen = false
		e.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ev, err := parseEvent(msg.Data)
		if err != nil {
			slog.Warn("realtime: bad server event", "err", err)
			return
		}
		e.handleServerEvent(ev)
	})

	// 4. Bidirectional audio transceiver, no track yet: microphone
	// acquisition is deferred until StartRecording.
	tr, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return fail("add audio transceiver", err)
	}
	e.mu.Lock()
	e.sender = tr.Sender()
	e.mu.Unlock()

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		slog.Debug("realtime: remote track", "kind", track.Kind(), "codec", track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go e.drainRemote(track)
		}
	})

	// 5. Offer.
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail("create offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail("set local description", err)
	}
	<-webrtc.GatheringCompletePromise(pc)

	// 6. Exchange offer for answer.
	answer, err := e.exchangeSDP(ctx, grant, pc.LocalDescription().SDP)
	if err != nil {
		return fail("exchange sdp", err)
	}

	// 7. Remote description.
	err = pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	})
	if err != nil {
		return fail("set remote description", err)
	}

	// 8. Wait for the connection to come up.
	if err := e.waitForConnection(ctx, pc); err != nil {
		return fail("wait for connection", err)
	}
	return nil
}

// exchangeSDP posts the raw offer and returns the raw answer. The
// ephemeral credential rides as bearer auth; non-2xx is a hard failure.
func (e *Engine) exchangeSDP(ctx context.Context, grant *VoiceGrant, sdp string) (string, error) {
	url := fmt.Sprintf("%s?model=%s", e.url, grant.Model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(sdp)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+grant.ClientSecret)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", &Error{
			Code:       "sdp_exchange_failed",
			Message:    string(body),
			HTTPStatus: resp.StatusCode,
		}
	}
	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(answer), nil
}

func (e *Engine) waitForConnection(ctx context.Context, pc *webrtc.PeerConnection) error {
	deadline := time.NewTimer(connectTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(connectPollInterval)
	defer tick.Stop()

	for {
		switch pc.ConnectionState() {
		case webrtc.PeerConnectionStateConnected:
			return nil
		case webrtc.PeerConnectionStateFailed:
			return errors.New("peer connection failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrConnectTimeout
		case <-tick.C:
		}
	}
}

// parseEvent decodes one server event, retaining the raw message.
func parseEvent(message []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		return nil, fmt.Errorf("realtime: parse event: %w", err)
	}
	ev.Raw = message
	return &ev, nil
}

// handleServerEvent is the dispatch table over the event tag. Unknown
// tags are ignored.
func (e *Engine) handleServerEvent(ev *ServerEvent) {
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		msg := string(ev.Raw)
		if len(msg) > 1000 {
			msg = msg[:1000] + "..."
		}
		slog.Debug("realtime: server event", "type", ev.Type, "content", msg)
	}

	switch ev.Type {
	case EventTypeSessionCreated:
		if ev.Session != nil {
			e.mu.Lock()
			e.sessionID = ev.Session.ID
			e.mu.Unlock()
		}
		e.configureSession()

	case EventTypeSpeechStarted:
		e.bus.Emit(EvSpeechStarted)

	case EventTypeSpeechStopped:
		e.bus.Emit(EvSpeechStopped)

	case EventTypeTranscriptionCompleted:
		e.bus.Emit(EvTranscription, ev.Transcript, true)
		if ev.Transcript != "" {
			e.bus.Emit(EvMessage, "user", ev.Transcript)
		}

	case EventTypeTranscriptionInProgress:
		e.bus.Emit(EvTranscription, ev.Transcript, false)

	case EventTypeResponseTextDelta:
		e.bus.Emit(EvTextDelta, ev.Delta)

	case EventTypeResponseTextDone:
		if ev.Text != "" {
			e.bus.Emit(EvMessage, "assistant", ev.Text)
		}
		e.bus.Emit(EvResponseComplete)

	case EventTypeResponseAudioTranscriptDone:
		if ev.Transcript != "" {
			e.bus.Emit(EvMessage, "assistant", ev.Transcript)
		}
		e.bus.Emit(EvResponseComplete)

	case EventTypeResponseAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			slog.Warn("realtime: bad audio delta", "err", err)
			return
		}
		if e.sched != nil {
			if err := e.sched.Enqueue(pcm); err != nil {
				slog.Warn("realtime: schedule audio", "err", err)
			}
		}
		e.bus.Emit(EvAudioDelta, pcm)

	case EventTypeFunctionCallArgumentsDone:
		go e.handleToolCall(ev.CallID, ev.Name, ev.Arguments)

	case EventTypeError:
		if e.closing.Load() {
			// Expected noise during teardown, e.g. "no active
			// response to cancel".
			slog.Debug("realtime: error during cleanup", "raw", string(ev.Raw))
			return
		}
		var err error = &Error{Code: "server_error", Message: string(ev.Raw)}
		if ev.ErrorDetail != nil {
			err = ev.ErrorDetail.ToError()
		}
		e.bus.Emit(EvError, err)
	}
}

// configureSession sends the session.update exactly once. The remote
// protocol rejects configuration sent before session.created, so this
// is only called from that event's handler.
func (e *Engine) configureSession() {
	e.mu.Lock()
	if e.configured || e.grant == nil {
		e.mu.Unlock()
		return
	}
	e.configured = true
	update := e.grant.sessionUpdate()
	if e.noTools {
		update.Tools = nil
	}
	e.mu.Unlock()

	if err := e.sendEvent(EventTypeSessionUpdate, map[string]any{"session": update}); err != nil {
		slog.Warn("realtime: session.update failed", "err", err)
	}
}

// handleToolCall delegates a model tool call to the backend and returns
// the result (or a structured error payload) as a conversation item. A
// tool failure never stalls the engine.
func (e *Engine) handleToolCall(callID, name, args string) {
	ctx, cancel := context.WithTimeout(context.Background(), toolCallTimeout)
	defer cancel()

	call := ToolCall{CallID: callID, Name: name, Arguments: normalizeArguments(args)}
	var output string
	result, err := e.side.ProcessToolCall(ctx, call)
	if err != nil {
		slog.Warn("realtime: tool call failed", "tool", name, "err", err)
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		output = string(payload)
	} else {
		output = string(result)
	}

	item := map[string]any{
		"type":    "function_call_output",
		"call_id": callID,
		"output":  output,
	}
	if err := e.sendEvent(EventTypeConversationItemCreate, map[string]any{"item": item}); err != nil {
		slog.Warn("realtime: send tool output", "err", err)
		return
	}
	if err := e.sendEvent(EventTypeResponseCreate, nil); err != nil {
		slog.Warn("realtime: response.create after tool output", "err", err)
	}
}

// SendUserText injects a user text message and requests a response.
func (e *Engine) SendUserText(text string) error {
	item := map[string]any{
		"type": "message",
		"role": "user",
		"content": []map[string]any{
			{"type": "input_text", "text": text},
		},
	}
	if err := e.sendEvent(EventTypeConversationItemCreate, map[string]any{"item": item}); err != nil {
		return err
	}
	return e.sendEvent(EventTypeResponseCreate, nil)
}

// SendGreeting asks the model to open the conversation with the
// scripted greeting.
func (e *Engine) SendGreeting(text string) error {
	return e.sendEvent(EventTypeResponseCreate, map[string]any{
		"response": map[string]any{"instructions": text},
	})
}

// DataChannelOpen reports whether the event channel is ready for
// outbound traffic.
func (e *Engine) DataChannelOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sendFn != nil {
		return true
	}
	return e.dc != nil && e.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// SessionID returns the server-assigned session id, if any.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Stats returns counters for the remote media path.
func (e *Engine) Stats() Stats {
	return Stats{
		RemotePackets: e.remotePackets.Load(),
		RemoteBytes:   e.remoteBytes.Load(),
	}
}

// StartRecording acquires the microphone and binds it onto the existing
// sender. Any pre-existing capture stream is torn down first so a
// repeated start can never orphan a capture device.
func (e *Engine) StartRecording(ctx context.Context) error {
	if e.device == nil {
		return errors.New("realtime: no capture device configured")
	}
	e.StopRecording()

	stream, err := e.device.Open(ctx, audio.DefaultCaptureConfig())
	if err != nil {
		return fmt.Errorf("realtime: open capture: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(codecCapability(stream.MimeType()), "audio", "voxlink-mic")
	if err != nil {
		stream.Close()
		return fmt.Errorf("realtime: create local track: %w", err)
	}

	e.mu.Lock()
	sender := e.sender
	if sender == nil {
		e.mu.Unlock()
		stream.Close()
		return errors.New("realtime: engine not initialized")
	}
	e.stream = stream
	e.track = track
	e.recording = true
	e.mu.Unlock()

	// Bind onto the existing (possibly trackless) sender rather than
	// adding a second one.
	if err := sender.ReplaceTrack(track); err != nil {
		e.StopRecording()
		return fmt.Errorf("realtime: bind track: %w", err)
	}

	go e.pumpCapture(stream, track)
	return nil
}

func (e *Engine) pumpCapture(stream audio.Stream, track *webrtc.TrackLocalStaticSample) {
	for {
		frame, err := stream.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("realtime: capture read", "err", err)
			}
			return
		}
		if err := track.WriteSample(media.Sample{Data: frame.Data, Duration: frame.Duration}); err != nil {
			slog.Warn("realtime: write sample", "err", err)
			return
		}
	}
}

// StopRecording releases the capture stream and detaches the sender's
// track. It is unconditional: safe to call regardless of the recording
// flag, and always leaves no capture device held.
func (e *Engine) StopRecording() {
	e.mu.Lock()
	stream := e.stream
	sender := e.sender
	e.stream = nil
	e.track = nil
	e.recording = false
	e.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			slog.Warn("realtime: close capture", "err", err)
		}
	}
	if sender != nil {
		if err := sender.ReplaceTrack(nil); err != nil {
			slog.Warn("realtime: detach track", "err", err)
		}
	}
}

// Close is the ordered teardown. Every step runs regardless of earlier
// failures, and protocol errors arriving while it runs are suppressed.
func (e *Engine) Close() error {
	e.closing.Store(true)
	defer e.closing.Store(false)

	if e.DataChannelOpen() {
		// Tell the remote to drop buffered audio, then give it a moment
		// to flush before the channel goes away.
		if err := e.sendEvent(EventTypeInputAudioBufferClear, nil); err != nil {
			slog.Debug("realtime: input buffer clear", "err", err)
		}
		if err := e.sendEvent(EventTypeOutputAudioBufferClear, nil); err != nil {
			slog.Debug("realtime: output buffer clear", "err", err)
		}
		time.Sleep(cleanupFlushWait)
	}

	e.StopRecording()

	e.mu.Lock()
	pc := e.pc
	track := e.track
	e.pc, e.dc, e.sender = nil, nil, nil
	e.grant = nil
	e.sessionID = ""
	e.configured = false
	e.dcOpen = false
	e.mu.Unlock()

	var firstErr error
	if pc != nil {
		// Sweep for any sender track the engine does not hold a
		// reference to and detach it before closing.
		for _, sender := range pc.GetSenders() {
			if t := sender.Track(); t != nil && t != track {
				if err := sender.ReplaceTrack(nil); err != nil {
					slog.Warn("realtime: sweep sender", "err", err)
				}
			}
		}
		if err := pc.Close(); err != nil {
			firstErr = err
		}
	}
	if e.sched != nil {
		if err := e.sched.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sendEvent marshals and sends one outbound protocol event.
func (e *Engine) sendEvent(typ string, fields map[string]any) error {
	event := map[string]any{
		"event_id": generateEventID(),
		"type":     typ,
	}
	for k, v := range fields {
		event[k] = v
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		msg := string(data)
		if len(msg) > 500 {
			msg = msg[:500] + "..."
		}
		slog.Debug("realtime: sending event", "content", msg)
	}
	return e.send(data)
}

func (e *Engine) send(data []byte) error {
	e.mu.Lock()
	sendFn := e.sendFn
	dc := e.dc
	e.mu.Unlock()

	if sendFn != nil {
		return sendFn(data)
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrDataChannelClosed
	}
	return dc.Send(data)
}

func (e *Engine) drainRemote(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		e.countRemote(pkt)
	}
}

func (e *Engine) countRemote(pkt *rtp.Packet) {
	e.remotePackets.Add(1)
	e.remoteBytes.Add(uint64(len(pkt.Payload)))
}

func codecCapability(mime string) webrtc.RTPCodecCapability {
	if mime == webrtc.MimeTypeOpus {
		return webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 24000, Channels: 1}
}
