package voicechat

import (
	"github.com/google/uuid"

	"github.com/voxlink/voxlink/pkg/jsontime"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message sources.
const (
	SourceVoice = "voice"
	SourceText  = "text"
)

// MaxHistory is the hard cap on retained messages. Every append
// enforces it, evicting the oldest entries first.
const MaxHistory = 100

// Message is one conversation entry. Automated marks messages the
// controller injected itself (idle check-ins); they do not count as
// activity for idle tracking.
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"type"`
	Content   string         `json:"content"`
	Timestamp jsontime.Milli `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	Automated bool           `json:"automated,omitempty"`
}

func newMessage(role, content, source string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: jsontime.Now(),
		Source:    source,
	}
}

// appendCapped appends msg and evicts the oldest entries beyond
// MaxHistory. The returned slice is the new history.
func appendCapped(history []*Message, msg *Message) []*Message {
	history = append(history, msg)
	if over := len(history) - MaxHistory; over > 0 {
		history = append(history[:0], history[over:]...)
	}
	return history
}
