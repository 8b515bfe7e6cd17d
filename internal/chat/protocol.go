package chat

import (
	"github.com/lexiqai/gpplus-voice/internal/conversation"
	"github.com/lexiqai/gpplus-voice/internal/speech/relay"
	"github.com/lexiqai/gpplus-voice/internal/voice"
)

// Client frame types
const (
	TypeMicTap      = "mic_tap"
	TypeStop        = "stop"
	TypeCancel      = "cancel"
	TypeText        = "text"
	TypePermission  = "permission"
	TypeRecognition = "recognition"
)

// Server frame types
const (
	TypeSnapshot          = "snapshot"
	TypeMessages          = "messages"
	TypePermissionRequest = "permission_request"
	TypeRecognizer        = "recognizer"
	TypeError             = "error"
)

// Inbound is a JSON text frame sent by the client
type Inbound struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Granted *bool  `json:"granted,omitempty"`

	// recognition frames
	Event  string  `json:"event,omitempty"`
	Reason string  `json:"reason,omitempty"`
	Code   *int    `json:"code,omitempty"`
	Level  float64 `json:"level,omitempty"`
}

// Report converts a recognition frame into a relay report
func (in Inbound) Report() relay.Report {
	return relay.Report{
		Event:  in.Event,
		Text:   in.Text,
		Reason: in.Reason,
		Code:   in.Code,
		Level:  in.Level,
	}
}

// Outbound is a JSON text frame sent to the client
type Outbound struct {
	Type     string                 `json:"type"`
	Snapshot *voice.Snapshot        `json:"snapshot,omitempty"`
	Messages []conversation.Message `json:"messages,omitempty"`
	Command  relay.Command          `json:"command,omitempty"`
	Message  string                 `json:"message,omitempty"`
}
