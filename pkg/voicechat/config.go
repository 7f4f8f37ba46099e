package voicechat

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxlink/voxlink/pkg/audio"
)

// NoTimeout disables a timeout that would otherwise default.
const NoTimeout = time.Duration(-1)

// Defaults applied by Validate for zero-valued fields.
const (
	DefaultSessionTimeout       = 15 * time.Minute
	DefaultIdleTimeout          = 5 * time.Minute
	DefaultReconnectBase        = time.Second
	DefaultMaxReconnectAttempts = 5
)

const (
	// sessionWarningLead is how long before the session hard timeout
	// the warning event fires.
	sessionWarningLead = time.Minute

	// idleGracePeriod is how long after the idle check-in the session
	// stays alive waiting for activity.
	idleGracePeriod = time.Minute

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 30 * time.Second
)

// Config errors.
var (
	ErrNoEndpoint = errors.New("voicechat: endpoint is required")
	ErrNoWorkerID = errors.New("voicechat: worker id is required")
)

// Config configures a Controller. It is validated once by New and
// immutable afterwards.
type Config struct {
	// Endpoint is the backend URI; its scheme selects the transport
	// (ws/wss → socket, http/https → polling). Required.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// WorkerID identifies the agent this conversation belongs to.
	// Required.
	WorkerID string `json:"workerId" yaml:"workerId"`

	// AuthToken rides as bearer auth on backend requests.
	AuthToken string `json:"authToken,omitempty" yaml:"authToken,omitempty"`

	// Feature flags.
	VoiceEnabled bool `json:"voiceEnabled" yaml:"voiceEnabled"`
	TextEnabled  bool `json:"textEnabled" yaml:"textEnabled"`
	ToolsEnabled bool `json:"toolsEnabled" yaml:"toolsEnabled"`
	AutoConnect  bool `json:"autoConnect" yaml:"autoConnect"`

	// Model, Voice, Instructions override the backend-issued realtime
	// grant when non-empty.
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	Voice        string `json:"voice,omitempty" yaml:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`

	// Greeting, when set, is spoken once as soon as the voice data
	// channel is ready.
	Greeting string `json:"greeting,omitempty" yaml:"greeting,omitempty"`

	// RealtimeURL overrides the voice API negotiation endpoint.
	RealtimeURL string `json:"realtimeUrl,omitempty" yaml:"realtimeUrl,omitempty"`

	// SessionTimeout bounds one session; a warning fires one minute
	// before the hard end. Zero means DefaultSessionTimeout; NoTimeout
	// disables both timers.
	SessionTimeout time.Duration `json:"sessionTimeout,omitempty" yaml:"sessionTimeout,omitempty"`

	// IdleTimeout is the inactivity window before the idle check-in.
	// Values at or above 80% of SessionTimeout are clamped to 80%.
	// Zero means DefaultIdleTimeout; NoTimeout disables idle tracking.
	IdleTimeout time.Duration `json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty"`

	// ReconnectBase is the first reconnect delay; each attempt doubles
	// it, capped at 30s.
	ReconnectBase time.Duration `json:"reconnectBase,omitempty" yaml:"reconnectBase,omitempty"`

	// MaxReconnectAttempts bounds reconnection; exceeding it moves the
	// controller to the error state.
	MaxReconnectAttempts int `json:"maxReconnectAttempts,omitempty" yaml:"maxReconnectAttempts,omitempty"`

	// HTTPClient serves the polling transport and the SDP exchange.
	HTTPClient *http.Client `json:"-" yaml:"-"`

	// Device opens microphone capture streams. Optional; without it
	// voice input is unavailable.
	Device audio.Device `json:"-" yaml:"-"`

	// Sink receives scheduled playback audio. Optional; without it
	// decoded audio is only emitted on the bus.
	Sink audio.Sink `json:"-" yaml:"-"`

	// Store persists conversation history. Optional.
	Store Store `json:"-" yaml:"-"`

	// Callbacks. All optional; the same notifications are also emitted
	// on the controller's event bus.
	OnError       func(error)           `json:"-" yaml:"-"`
	OnMessage     func(*Message)        `json:"-" yaml:"-"`
	OnStateChange func(ConnectionState) `json:"-" yaml:"-"`
}

// Validate checks required fields, fills defaults, and clamps idle
// timeouts at or above 80% of the session timeout down to 80%.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}
	if c.WorkerID == "" {
		return ErrNoWorkerID
	}

	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	// The idle warning plus its grace period must finish before the
	// session hard end, so anything at or above 80% of the session
	// timeout is pulled back to 80%.
	if c.SessionTimeout != NoTimeout && c.IdleTimeout != NoTimeout {
		if clamped := c.SessionTimeout * 8 / 10; c.IdleTimeout >= clamped {
			slog.Warn("voicechat: idle timeout too close to session timeout, clamping",
				"idle", c.IdleTimeout, "session", c.SessionTimeout, "clamped", clamped)
			c.IdleTimeout = clamped
		}
	}
	return nil
}
