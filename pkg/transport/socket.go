package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxlink/voxlink/pkg/eventbus"
	"github.com/voxlink/voxlink/pkg/realtime"
)

const (
	// socketPingInterval is how often the adapter pings on its own to
	// detect half-open sockets, independent of server pings.
	socketPingInterval = 25 * time.Second

	socketHandshakeTimeout = 10 * time.Second
	socketWriteTimeout     = 10 * time.Second
)

// frame is the socket adapter's wire envelope, both directions.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message *WireMessage    `json:"message,omitempty"`

	WorkerID string `json:"workerId,omitempty"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Socket is the websocket transport adapter. It performs a
// connect/connected handshake, answers server pings, pings on its own
// every 25s, and exposes call/result RPC with a per-call timeout.
type Socket struct {
	cfg Config
	bus *eventbus.Bus

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	pending map[string]chan callResult
	closeCh chan struct{}

	writeMu sync.Mutex
}

// NewSocket creates a socket adapter. Use transport.New for
// scheme-based selection.
func NewSocket(cfg Config) *Socket {
	return &Socket{
		cfg:     cfg,
		bus:     eventbus.New(),
		pending: make(map[string]chan callResult),
	}
}

// Events returns the adapter's event bus.
func (s *Socket) Events() *eventbus.Bus { return s.bus }

// State reports the connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Connect dials the websocket endpoint and performs the handshake.
// Calling Connect while already connected is an error; the session
// controller guards reentrancy above this layer.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return fmt.Errorf("transport: connect in state %s", s.state)
	}
	s.state = Connecting
	s.mu.Unlock()

	header := http.Header{}
	if s.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}
	dialer := websocket.Dialer{HandshakeTimeout: socketHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL(s.cfg.Endpoint), header)
	if err != nil {
		s.setState(Disconnected)
		if resp != nil {
			return fmt.Errorf("transport: dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("transport: dial failed: %w", err)
	}

	// Handshake: announce the worker, wait for the ack.
	hello := frame{Type: "connect", WorkerID: s.cfg.WorkerID}
	conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		s.setState(Disconnected)
		return fmt.Errorf("transport: handshake write: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(socketHandshakeTimeout))
	var ack frame
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		s.setState(Disconnected)
		return fmt.Errorf("transport: handshake read: %w", err)
	}
	if ack.Type != "connected" {
		conn.Close()
		s.setState(Disconnected)
		return fmt.Errorf("transport: unexpected handshake reply %q", ack.Type)
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	closeCh := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.closeCh = closeCh
	s.state = Connected
	s.mu.Unlock()

	go s.readLoop(conn, closeCh)
	go s.pingLoop(conn, closeCh)
	return nil
}

// Disconnect is idempotent: closing an already-closed adapter is a
// no-op. Pending calls fail with ErrNotConnected.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	closeCh := s.closeCh
	s.conn = nil
	s.closeCh = nil
	s.state = Disconnected
	pending := s.pending
	s.pending = make(map[string]chan callResult)
	s.mu.Unlock()

	if closeCh != nil {
		close(closeCh)
	}
	for _, ch := range pending {
		ch <- callResult{err: ErrNotConnected}
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// SendMessage always fails: this transport is not the voice data path,
// and failing fast beats silently dropping input.
func (s *Socket) SendMessage(context.Context, string) error {
	return ErrTextUnsupported
}

// Publish sends a fire-and-forget frame.
func (s *Socket) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.write(frame{Type: "publish", Topic: topic, Payload: data})
}

// call performs one call/result RPC round trip.
func (s *Socket) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	ch := make(chan callResult, 1)

	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	closeCh := s.closeCh
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.write(frame{Type: "call", ID: id, Method: method, Params: data}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.cfg.callTimeout())
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrCallTimeout, method)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-closeCh:
		return nil, ErrNotConnected
	}
}

// GetEphemeralKey issues short-lived realtime credentials.
func (s *Socket) GetEphemeralKey(ctx context.Context) (*realtime.VoiceGrant, error) {
	raw, err := s.call(ctx, methodGetEphemeralKey, map[string]string{"workerId": s.cfg.WorkerID})
	if err != nil {
		return nil, err
	}
	return decodeGrant(raw)
}

// ProcessToolCall delegates a model tool call to the backend.
func (s *Socket) ProcessToolCall(ctx context.Context, call realtime.ToolCall) (json.RawMessage, error) {
	return s.call(ctx, methodProcessToolCall, call)
}

// LogMessage records one message in the backend audit log.
func (s *Socket) LogMessage(ctx context.Context, entry LogEntry) error {
	_, err := s.call(ctx, methodLogMessage, entry)
	return err
}

func (s *Socket) write(f frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return conn.WriteJSON(f)
}

// readLoop delivers inbound frames in arrival order. It owns the
// disconnect transition: a read failure on a live adapter emits
// EventDisconnect exactly once.
func (s *Socket) readLoop(conn *websocket.Conn, closeCh chan struct{}) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-closeCh:
				// Orderly Disconnect already ran.
				return
			default:
			}
			s.mu.Lock()
			stale := s.conn != conn
			if !stale {
				s.conn = nil
				s.state = Disconnected
			}
			s.mu.Unlock()
			if !stale {
				s.bus.Emit(EventDisconnect, err)
			}
			return
		}

		switch f.Type {
		case "message":
			if f.Message != nil {
				s.bus.Emit(EventMessage, f.Message)
			}
		case "result":
			s.mu.Lock()
			ch := s.pending[f.ID]
			delete(s.pending, f.ID)
			s.mu.Unlock()
			if ch == nil {
				slog.Debug("transport: result for unknown call", "id", f.ID)
				continue
			}
			if f.Error != "" {
				ch <- callResult{err: errors.New(f.Error)}
			} else {
				ch <- callResult{result: f.Result}
			}
		case "ping":
			// Application-level ping from the server.
			if err := s.write(frame{Type: "pong"}); err != nil {
				slog.Debug("transport: pong failed", "err", err)
			}
		case "error":
			s.bus.Emit(EventError, fmt.Errorf("transport: server error: %s", f.Error))
		default:
			slog.Debug("transport: ignoring frame", "type", f.Type)
		}
	}
}

// pingLoop sends a control ping every 25s so a half-open socket is
// detected by the write failure rather than hanging forever.
func (s *Socket) pingLoop(conn *websocket.Conn, closeCh chan struct{}) {
	ticker := time.NewTicker(socketPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closeCh:
			return
		case <-ticker.C:
			deadline := time.Now().Add(socketWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				slog.Debug("transport: ping failed", "err", err)
				conn.Close() // read loop surfaces the disconnect
				return
			}
		}
	}
}

var _ Adapter = (*Socket)(nil)
