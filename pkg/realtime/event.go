package realtime

// Client event types (sent to the voice API over the data channel).
const (
	EventTypeSessionUpdate          = "session.update"
	EventTypeConversationItemCreate = "conversation.item.create"
	EventTypeResponseCreate         = "response.create"
	EventTypeInputAudioBufferClear  = "input_audio_buffer.clear"
	EventTypeOutputAudioBufferClear = "output_audio_buffer.clear"
)

// Server event types (received over the data channel).
const (
	EventTypeError          = "error"
	EventTypeSessionCreated = "session.created"
	EventTypeSessionUpdated = "session.updated"

	EventTypeSpeechStarted = "input_audio_buffer.speech_started"
	EventTypeSpeechStopped = "input_audio_buffer.speech_stopped"

	EventTypeTranscriptionCompleted  = "conversation.item.input_audio_transcription.completed"
	EventTypeTranscriptionInProgress = "conversation.item.input_audio_transcription.in_progress"

	EventTypeResponseTextDelta           = "response.text.delta"
	EventTypeResponseTextDone            = "response.text.done"
	EventTypeResponseAudioDelta          = "response.audio.delta"
	EventTypeResponseAudioTranscriptDone = "response.audio_transcript.done"
	EventTypeFunctionCallArgumentsDone   = "response.function_call_arguments.done"
)

// Events the engine emits on the application bus.
const (
	EvDataChannelReady = "dataChannel:ready"
	EvSpeechStarted    = "speech:started"
	EvSpeechStopped    = "speech:stopped"
	// EvTranscription carries (text string, final bool).
	EvTranscription = "transcription"
	// EvTextDelta carries the incremental assistant text (string).
	EvTextDelta = "response:text-delta"
	// EvAudioDelta carries one decoded PCM16 chunk ([]byte).
	EvAudioDelta = "response:audio"
	// EvResponseComplete marks the end of one assistant response.
	EvResponseComplete = "response:complete"
	// EvMessage carries (role string, text string) for a completed
	// user or assistant utterance.
	EvMessage = "message"
	// EvError carries an error.
	EvError = "error"
)

// ServerEvent is the open tagged union received from the voice API.
// The engine dispatches on Type; unrecognized types are ignored. Only
// the fields the dispatch table reads are declared; Raw retains the
// full message for external consumers.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// session.created / session.updated
	Session *SessionResource `json:"session,omitempty"`

	// transcription and delta events
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Text       string `json:"text,omitempty"`

	// function call events
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// error events
	ErrorDetail *EventError `json:"error,omitempty"`

	// Raw is the original JSON message.
	Raw []byte `json:"-"`
}

// SessionResource is the session state echoed by the server.
type SessionResource struct {
	ID    string `json:"id,omitempty"`
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`
}
