package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// DefaultRealtimeURL is the default SDP negotiation endpoint.
const DefaultRealtimeURL = "https://api.openai.com/v1/realtime"

// Fixed protocol constants. These are not user-tunable: the wire format
// and voice-activity detection parameters are part of the engine's
// contract with the remote service.
const (
	AudioFormatPCM16 = "pcm16"

	vadThreshold         = 0.5
	vadPrefixPaddingMs   = 300
	vadSilenceDurationMs = 500

	transcriptionModel = "whisper-1"
)

// VoiceGrant is the ephemeral credential bundle issued by the backend
// for one realtime voice session. It is never persisted and is
// discarded on engine cleanup.
type VoiceGrant struct {
	ClientSecret string `json:"client_secret"`
	ExpiresAt    int64  `json:"expires_at"` // unix seconds
	Model        string `json:"model"`
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Tools        []Tool `json:"tools,omitempty"`
}

// Expired reports whether the grant's credential is already past its
// expiry at time now.
func (g *VoiceGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != 0 && now.Unix() >= g.ExpiresAt
}

// Tool describes one function the model may call.
type Tool struct {
	Type        string             `json:"type"` // always "function"
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// NewTool builds a function tool whose parameter schema is derived from
// the argument type T.
func NewTool[T any](name, description string) (Tool, error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return Tool{}, fmt.Errorf("realtime: tool %q schema: %w", name, err)
	}
	return Tool{
		Type:        "function",
		Name:        name,
		Description: description,
		Parameters:  schema,
	}, nil
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// SideChannel is the backend RPC surface the engine depends on. The
// transport adapters implement it.
type SideChannel interface {
	// GetEphemeralKey issues short-lived realtime credentials.
	GetEphemeralKey(ctx context.Context) (*VoiceGrant, error)

	// ProcessToolCall executes a tool server-side and returns its
	// result payload.
	ProcessToolCall(ctx context.Context, call ToolCall) (json.RawMessage, error)
}

// sessionUpdate is the configuration sent once after session.created.
type sessionUpdate struct {
	Modalities              []string             `json:"modalities"`
	Model                   string               `json:"model,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription"`
	TurnDetection           *turnDetection       `json:"turn_detection"`
	Tools                   []Tool               `json:"tools,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

func (g *VoiceGrant) sessionUpdate() *sessionUpdate {
	return &sessionUpdate{
		Modalities:              []string{"text", "audio"},
		Model:                   g.Model,
		Voice:                   g.Voice,
		Instructions:            g.Instructions,
		InputAudioFormat:        AudioFormatPCM16,
		OutputAudioFormat:       AudioFormatPCM16,
		InputAudioTranscription: &transcriptionConfig{Model: transcriptionModel},
		TurnDetection: &turnDetection{
			Type:              "server_vad",
			Threshold:         vadThreshold,
			PrefixPaddingMs:   vadPrefixPaddingMs,
			SilenceDurationMs: vadSilenceDurationMs,
		},
		Tools: g.Tools,
	}
}
