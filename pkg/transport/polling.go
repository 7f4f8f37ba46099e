package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/voxlink/voxlink/pkg/eventbus"
	"github.com/voxlink/voxlink/pkg/realtime"
)

// pollFailureLimit is how many consecutive poll failures count as a
// lost connection.
const pollFailureLimit = 3

// Polling is the HTTP long-poll transport adapter. It probes the
// backend's health endpoint on Connect, then reads an append-only
// message log with a cursor so no message is delivered twice.
type Polling struct {
	cfg  Config
	base string
	bus  *eventbus.Bus

	mu     sync.Mutex
	state  State
	lastID string
	cancel context.CancelFunc
}

// NewPolling creates a polling adapter. Use transport.New for
// scheme-based selection.
func NewPolling(cfg Config) *Polling {
	return &Polling{
		cfg:  cfg,
		base: httpURL(cfg.Endpoint),
		bus:  eventbus.New(),
	}
}

// Events returns the adapter's event bus.
func (p *Polling) Events() *eventbus.Bus { return p.bus }

// State reports the connection state.
func (p *Polling) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Connect probes the health endpoint, then starts the poll loop. The
// loop runs until Disconnect; it does not start before Connect so the
// adapter never polls without an execution context.
func (p *Polling) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.state != Disconnected {
		p.mu.Unlock()
		return fmt.Errorf("transport: connect in state %s", p.state)
	}
	p.state = Connecting
	p.mu.Unlock()

	if err := p.probe(ctx); err != nil {
		p.mu.Lock()
		p.state = Disconnected
		p.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.state = Connected
	p.mu.Unlock()

	go p.pollLoop(loopCtx)
	return nil
}

// Disconnect is idempotent and stops the poll loop.
func (p *Polling) Disconnect() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.state = Disconnected
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// SendMessage always fails: this transport is not the voice data path,
// and failing fast beats silently dropping input.
func (p *Polling) SendMessage(context.Context, string) error {
	return ErrTextUnsupported
}

// GetEphemeralKey issues short-lived realtime credentials.
func (p *Polling) GetEphemeralKey(ctx context.Context) (*realtime.VoiceGrant, error) {
	raw, err := p.rpc(ctx, methodGetEphemeralKey, map[string]string{"workerId": p.cfg.WorkerID})
	if err != nil {
		return nil, err
	}
	return decodeGrant(raw)
}

// ProcessToolCall delegates a model tool call to the backend.
func (p *Polling) ProcessToolCall(ctx context.Context, call realtime.ToolCall) (json.RawMessage, error) {
	return p.rpc(ctx, methodProcessToolCall, call)
}

// LogMessage records one message in the backend audit log.
func (p *Polling) LogMessage(ctx context.Context, entry LogEntry) error {
	_, err := p.rpc(ctx, methodLogMessage, entry)
	return err
}

func (p *Polling) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/health", nil)
	if err != nil {
		return err
	}
	p.auth(req)
	resp, err := p.cfg.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("transport: health probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transport: health probe returned %d", resp.StatusCode)
	}
	return nil
}

// pollLoop reads the append-only log every PollInterval, advancing the
// cursor past delivered messages. Too many consecutive failures count
// as a lost connection.
func (p *Polling) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.pollInterval())
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := p.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			slog.Debug("transport: poll failed", "err", err, "failures", failures)
			if failures >= pollFailureLimit {
				p.mu.Lock()
				cancel := p.cancel
				p.cancel = nil
				p.state = Disconnected
				p.mu.Unlock()
				if cancel != nil {
					cancel()
				}
				p.bus.Emit(EventDisconnect, err)
				return
			}
			continue
		}
		failures = 0
	}
}

func (p *Polling) pollOnce(ctx context.Context) error {
	q := url.Values{}
	q.Set("workerId", p.cfg.WorkerID)
	p.mu.Lock()
	if p.lastID != "" {
		q.Set("after", p.lastID)
	}
	p.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/messages?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	p.auth(req)
	resp, err := p.cfg.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("transport: poll returned %d", resp.StatusCode)
	}

	var body struct {
		Messages []*WireMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("transport: decode poll response: %w", err)
	}
	for _, msg := range body.Messages {
		p.mu.Lock()
		p.lastID = msg.ID
		p.mu.Unlock()
		p.bus.Emit(EventMessage, msg)
	}
	return nil
}

// rpc performs one side-channel call as a plain POST.
func (p *Polling) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.callTimeout())
	defer cancel()

	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/rpc/"+method, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	p.auth(req)

	resp, err := p.cfg.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("transport: rpc %s returned %d: %s", method, resp.StatusCode, body)
	}
	return body, nil
}

func (p *Polling) auth(req *http.Request) {
	if p.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.AuthToken)
	}
}

var _ Adapter = (*Polling)(nil)
