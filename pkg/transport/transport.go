// Package transport provides the adapters that reach the conversation
// backend. Two variants exist: a websocket adapter with call/result
// RPC, and a polling adapter for environments where sockets are not
// available. Neither carries outbound chat text; that is the voice data
// path's job, and both fail fast instead of silently dropping input.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxlink/voxlink/pkg/eventbus"
	"github.com/voxlink/voxlink/pkg/jsontime"
	"github.com/voxlink/voxlink/pkg/realtime"
)

// Events emitted on an adapter's bus.
const (
	// EventMessage carries a *WireMessage.
	EventMessage = "message"
	// EventError carries an error.
	EventError = "error"
	// EventDisconnect carries the error that broke the connection,
	// or nil for an orderly shutdown initiated remotely.
	EventDisconnect = "disconnect"
)

// Sentinel errors.
var (
	// ErrTextUnsupported is returned by SendMessage on both adapters:
	// they are control transports, not the voice data path.
	ErrTextUnsupported = errors.New("transport: text messaging not supported on this transport")

	ErrNotConnected = errors.New("transport: not connected")
	ErrCallTimeout  = errors.New("transport: call timed out")
)

// State is the adapter's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// WireMessage is the normalized chat message shape exchanged with the
// backend. The role rides in the "type" field on the wire.
type WireMessage struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"` // user | assistant | system
	Content   string         `json:"content"`
	Timestamp jsontime.Milli `json:"timestamp"`
	Source    string         `json:"source,omitempty"` // voice | text
}

// LogEntry is the payload of the best-effort conversation audit log.
type LogEntry struct {
	WorkerID  string      `json:"workerId"`
	SessionID string      `json:"sessionId"`
	Message   WireMessage `json:"message"`
}

// Adapter is the contract both transport variants satisfy. Adapters
// emit EventMessage/EventError/EventDisconnect on Events().
type Adapter interface {
	// Connect establishes the logical connection. It returns once the
	// connection is confirmed, or an error with the cause.
	Connect(ctx context.Context) error

	// Disconnect is idempotent and releases all adapter resources.
	Disconnect() error

	// SendMessage sends chat text where a text-send path exists.
	SendMessage(ctx context.Context, text string) error

	// State reports the adapter's connection state.
	State() State

	// Events is the adapter's event bus.
	Events() *eventbus.Bus

	// Side-channel RPCs.
	realtime.SideChannel

	// LogMessage records one message in the backend audit log.
	LogMessage(ctx context.Context, entry LogEntry) error
}

// Config configures an adapter.
type Config struct {
	// Endpoint is the backend URI. The scheme selects the adapter in
	// New: ws(s) for the socket variant, http(s) for polling.
	Endpoint string

	// WorkerID identifies the agent the conversation belongs to.
	WorkerID string

	// AuthToken, when set, rides as bearer auth on every request.
	AuthToken string

	// HTTPClient is used by the polling adapter and the socket
	// handshake. Default: http.DefaultClient.
	HTTPClient *http.Client

	// PollInterval is the polling adapter's cadence. Default 2s.
	PollInterval time.Duration

	// CallTimeout bounds each RPC round trip. Default 30s.
	CallTimeout time.Duration
}

func (c *Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 2 * time.Second
}

func (c *Config) callTimeout() time.Duration {
	if c.CallTimeout > 0 {
		return c.CallTimeout
	}
	return 30 * time.Second
}

func (c *Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// New selects an adapter by endpoint scheme.
func New(cfg Config) (Adapter, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return NewSocket(cfg), nil
	case "http", "https":
		return NewPolling(cfg), nil
	default:
		return nil, fmt.Errorf("transport: unsupported endpoint scheme %q", u.Scheme)
	}
}

// wsURL upgrades an http(s) endpoint to ws(s); ws(s) passes through.
func wsURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}

// httpURL converts a ws(s) endpoint to http(s); http(s) passes through.
func httpURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "wss://"):
		return "https://" + strings.TrimPrefix(endpoint, "wss://")
	case strings.HasPrefix(endpoint, "ws://"):
		return "http://" + strings.TrimPrefix(endpoint, "ws://")
	}
	return endpoint
}

// RPC method names served by the backend side-channel.
const (
	methodGetEphemeralKey = "getEphemeralKey"
	methodProcessToolCall = "processRealtimeToolCall"
	methodLogMessage      = "logConversationMessage"
)

// decodeGrant decodes a side-channel credential response.
func decodeGrant(raw json.RawMessage) (*realtime.VoiceGrant, error) {
	var grant realtime.VoiceGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return nil, fmt.Errorf("transport: decode ephemeral key: %w", err)
	}
	if grant.ClientSecret == "" {
		return nil, errors.New("transport: ephemeral key response missing client_secret")
	}
	return &grant, nil
}
