package speech

import (
	"context"
	"fmt"
)

// Kind discriminates recognition events
type Kind int

const (
	KindReady   Kind = iota // provider is capturing
	KindPartial             // interim transcript, superseded by later ones
	KindFinal               // terminal transcript, possibly empty
	KindError               // terminal failure with an opaque reason
	KindVolume              // input level in [0,1]
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	case KindError:
		return "error"
	case KindVolume:
		return "volume"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one notification from a recognition session.
// Gen identifies the session that produced it and is stamped by the Adapter.
type Event struct {
	Kind   Kind
	Text   string
	Reason string
	Level  float64
	Gen    uint64
}

func Ready() Event                { return Event{Kind: KindReady} }
func Partial(text string) Event   { return Event{Kind: KindPartial, Text: text} }
func Final(text string) Event     { return Event{Kind: KindFinal, Text: text} }
func Failure(reason string) Event { return Event{Kind: KindError, Reason: reason} }
func Volume(level float64) Event  { return Event{Kind: KindVolume, Level: level} }

// Terminal reports whether the event ends its session
func (e Event) Terminal() bool {
	return e.Kind == KindFinal || e.Kind == KindError
}

func (e Event) String() string {
	switch e.Kind {
	case KindPartial, KindFinal:
		return fmt.Sprintf("%s(%q)", e.Kind, e.Text)
	case KindError:
		return fmt.Sprintf("%s(%q)", e.Kind, e.Reason)
	case KindVolume:
		return fmt.Sprintf("%s(%.2f)", e.Kind, e.Level)
	default:
		return e.Kind.String()
	}
}

// Sink receives events from one provider session. Calls for a session are
// made sequentially, in the order the provider observed them.
type Sink func(Event)

// Provider opens recognition sessions
type Provider interface {
	Name() string

	// Open starts capturing and returns the live session. Events for the
	// session, including any emitted before Open returns, go to sink.
	Open(ctx context.Context, sink Sink) (Handle, error)
}

// Handle is one live provider session
type Handle interface {
	// Stop asks the provider to finish; it answers with exactly one Final
	// (possibly empty) or an Error.
	Stop() error

	// Close releases the session immediately. It must be idempotent.
	Close() error
}

// AudioWriter is implemented by handles that consume client audio
type AudioWriter interface {
	WriteAudio(chunk []byte) error
}
