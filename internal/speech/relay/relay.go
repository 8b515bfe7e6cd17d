// Package relay runs recognition on the client device. The server sends
// start, stop and cancel commands and the client reports recognizer
// callbacks back, which are translated into speech events.
package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/gpplus-voice/internal/audio"
	"github.com/lexiqai/gpplus-voice/internal/speech"
)

// Name identifies this provider in logs and metrics
const Name = "relay"

// Command is an instruction for the client recognizer
type Command string

const (
	CommandStart  Command = "start"
	CommandStop   Command = "stop"
	CommandCancel Command = "cancel"
)

// Commander delivers a command to the client
type Commander func(Command) error

// Report is a recognizer callback as sent by the client
type Report struct {
	Event  string  `json:"event"`
	Text   string  `json:"text,omitempty"`
	Reason string  `json:"reason,omitempty"`
	Code   *int    `json:"code,omitempty"`
	Level  float64 `json:"level,omitempty"` // raw rmsdB
}

// maxRMSdB is the loudness treated as full scale for rmsdB readings
const maxRMSdB = 10.0

// Provider relays one client's on-device recognizer
type Provider struct {
	send   Commander
	logger zerolog.Logger

	mu      sync.Mutex
	current *handle
}

// New creates a relay provider that sends commands through send
func New(send Commander, logger zerolog.Logger) *Provider {
	return &Provider{
		send:   send,
		logger: logger.With().Str("provider", Name).Logger(),
	}
}

// Name implements speech.Provider
func (p *Provider) Name() string {
	return Name
}

// Open tells the client to start listening
func (p *Provider) Open(ctx context.Context, sink speech.Sink) (speech.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := &handle{provider: p, sink: sink}
	p.mu.Lock()
	p.current = h
	p.mu.Unlock()

	if err := p.send(CommandStart); err != nil {
		p.detach(h)
		return nil, fmt.Errorf("send start command: %w", err)
	}
	return h, nil
}

// Push delivers a client report to the live session. Reports that arrive
// with no live session are dropped.
func (p *Provider) Push(r Report) {
	p.mu.Lock()
	h := p.current
	p.mu.Unlock()

	if h == nil {
		p.logger.Debug().Str("event", r.Event).Msg("Dropping recognizer report without a live session")
		return
	}

	ev, ok := Translate(r)
	if !ok {
		return
	}
	h.deliver(ev)
}

func (p *Provider) detach(h *handle) {
	p.mu.Lock()
	if p.current == h {
		p.current = nil
	}
	p.mu.Unlock()
}

// Translate converts a client report into a speech event. Reports that carry
// nothing for the state machine, such as blank partials, yield false.
func Translate(r Report) (speech.Event, bool) {
	switch strings.ToLower(r.Event) {
	case "ready":
		return speech.Ready(), true
	case "partial":
		if strings.TrimSpace(r.Text) == "" {
			return speech.Event{}, false
		}
		return speech.Partial(r.Text), true
	case "final":
		return speech.Final(r.Text), true
	case "error":
		return speech.Failure(errorReason(r)), true
	case "volume":
		return speech.Volume(audio.Normalize(r.Level, 0, maxRMSdB)), true
	default:
		return speech.Event{}, false
	}
}

func errorReason(r Report) string {
	if r.Reason != "" {
		return r.Reason
	}
	if r.Code != nil {
		return fmt.Sprintf("ASR error: %d", *r.Code)
	}
	return "ASR error: unknown"
}

type handle struct {
	provider *Provider
	sink     speech.Sink

	// order serializes sink calls; mu guards the flags and is never held
	// while the sink runs, so Stop and Close cannot wait on a slow consumer
	order    sync.Mutex
	mu       sync.Mutex
	terminal bool
	closed   bool
}

func (h *handle) deliver(ev speech.Event) {
	h.order.Lock()
	defer h.order.Unlock()

	h.mu.Lock()
	if h.terminal || h.closed {
		h.mu.Unlock()
		return
	}
	if ev.Terminal() {
		h.terminal = true
	}
	h.mu.Unlock()

	h.sink(ev)

	if ev.Terminal() {
		h.provider.detach(h)
	}
}

// Stop asks the client recognizer to finish and report its result
func (h *handle) Stop() error {
	h.mu.Lock()
	done := h.terminal || h.closed
	h.mu.Unlock()
	if done {
		return nil
	}
	return h.provider.send(CommandStop)
}

// Close stops delivery and cancels the client recognizer if it is still running
func (h *handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	running := !h.terminal
	h.mu.Unlock()

	h.provider.detach(h)
	if running {
		return h.provider.send(CommandCancel)
	}
	return nil
}
