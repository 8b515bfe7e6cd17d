package voice

import (
	"fmt"
	"strings"

	"github.com/lexiqai/gpplus-voice/internal/speech"
)

// State is the voice input state shown to the user
type State int

const (
	Idle State = iota
	Listening
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = Idle
	case "listening":
		*s = Listening
	case "processing":
		*s = Processing
	default:
		return fmt.Errorf("unknown voice state %q", text)
	}
	return nil
}

// Mic bar helper texts
const (
	LabelIdle        = "Describe your symptoms or tap the mic…"
	LabelListening   = "Listening…"
	LabelProcessing  = "Processing…"
	PermissionDenied = "Microphone permission denied"
)

// Snapshot is the read-only view published after every transition
type Snapshot struct {
	State              State   `json:"state"`
	LiveTranscript     string  `json:"live_transcript"`
	ErrorMessage       string  `json:"error_message,omitempty"`
	VolumeLevel        float64 `json:"volume_level"`
	PermissionRequired bool    `json:"permission_required"`
	Label              string  `json:"label"`
}

type phase int

const (
	phaseIdle phase = iota
	phaseListening
	phaseStopping // stop requested, waiting for the final transcript
	phaseProcessing
)

// Model is the complete machine state. The zero value is Idle.
type Model struct {
	phase              phase
	transcript         string
	errorMessage       string
	volume             float64
	permissionRequired bool
	awaitingPermission bool
	rearmPending       bool
	turn               uint64 // number of the last finalized utterance
}

// State maps the internal phase onto the public state
func (m Model) State() State {
	switch m.phase {
	case phaseListening:
		return Listening
	case phaseStopping, phaseProcessing:
		return Processing
	default:
		return Idle
	}
}

// Snapshot projects the model for presentation
func (m Model) Snapshot() Snapshot {
	s := Snapshot{
		State:              m.State(),
		LiveTranscript:     m.transcript,
		ErrorMessage:       m.errorMessage,
		VolumeLevel:        m.volume,
		PermissionRequired: m.permissionRequired,
	}
	switch s.State {
	case Listening:
		s.Label = LabelListening
		if strings.TrimSpace(m.transcript) != "" {
			s.Label = m.transcript
		}
	case Processing:
		s.Label = LabelProcessing
	default:
		s.Label = LabelIdle
	}
	return s
}

// Source tells where an utterance came from
type Source int

const (
	SourceSpeech Source = iota
	SourceText
)

func (s Source) String() string {
	if s == SourceText {
		return "text"
	}
	return "speech"
}

// Utterance is a completed user turn handed to the conversation
type Utterance struct {
	Text   string
	Source Source
	// Turn numbers utterances within a session, starting at 1
	Turn uint64
}

// Input is anything that drives a transition
type Input interface {
	isInput()
}

// MicTapped is a press of the microphone button. Granted is the current
// microphone permission.
type MicTapped struct{ Granted bool }

// StopRequested asks to end listening and keep what was heard
type StopRequested struct{}

// CancelRequested abandons the current recognition
type CancelRequested struct{}

// TextSubmitted is a typed message
type TextSubmitted struct{ Text string }

// PermissionResolved is the answer to a permission request
type PermissionResolved struct{ Granted bool }

// Recognition wraps an event from the speech adapter
type Recognition struct{ Event speech.Event }

// TurnCompleted reports that the assistant has answered utterance Turn.
// Completions for any turn but the latest are ignored.
type TurnCompleted struct {
	Turn    uint64
	Rearm   bool
	Granted bool
}

func (MicTapped) isInput()          {}
func (StopRequested) isInput()      {}
func (CancelRequested) isInput()    {}
func (TextSubmitted) isInput()      {}
func (PermissionResolved) isInput() {}
func (Recognition) isInput()        {}
func (TurnCompleted) isInput()      {}

// EffectKind names a side effect requested by a transition
type EffectKind int

const (
	EffectBegin EffectKind = iota
	EffectEnd
	EffectCancel
	EffectFinalize
	EffectRequestPermission
	EffectDiscard // an empty utterance was dropped
)

func (k EffectKind) String() string {
	switch k {
	case EffectBegin:
		return "begin"
	case EffectEnd:
		return "end"
	case EffectCancel:
		return "cancel"
	case EffectFinalize:
		return "finalize"
	case EffectRequestPermission:
		return "request_permission"
	case EffectDiscard:
		return "discard"
	default:
		return fmt.Sprintf("effect(%d)", int(k))
	}
}

// Effect is a side effect for the runtime to execute, in order
type Effect struct {
	Kind      EffectKind
	Utterance Utterance // set for EffectFinalize
}
