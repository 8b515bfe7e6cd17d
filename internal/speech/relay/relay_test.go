package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lexiqai/gpplus-voice/internal/speech"
)

type commandLog struct {
	mu       sync.Mutex
	commands []Command
	err      error
}

func (c *commandLog) send(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.commands = append(c.commands, cmd)
	return nil
}

func (c *commandLog) list() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Command(nil), c.commands...)
}

func intPtr(v int) *int { return &v }

func TestTranslate(t *testing.T) {
	tests := []struct {
		name   string
		report Report
		want   speech.Event
		ok     bool
	}{
		{"ready", Report{Event: "ready"}, speech.Ready(), true},
		{"partial", Report{Event: "partial", Text: "I have"}, speech.Partial("I have"), true},
		{"blank partial ignored", Report{Event: "partial", Text: "   "}, speech.Event{}, false},
		{"final", Report{Event: "final", Text: "I have a cough"}, speech.Final("I have a cough"), true},
		{"empty final kept", Report{Event: "final"}, speech.Final(""), true},
		{"error reason", Report{Event: "error", Reason: "network"}, speech.Failure("network"), true},
		{"error code", Report{Event: "error", Code: intPtr(7)}, speech.Failure("ASR error: 7"), true},
		{"error unknown", Report{Event: "error"}, speech.Failure("ASR error: unknown"), true},
		{"volume scaled", Report{Event: "volume", Level: 5}, speech.Volume(0.5), true},
		{"volume clamped high", Report{Event: "volume", Level: 12}, speech.Volume(1), true},
		{"volume clamped low", Report{Event: "volume", Level: -2}, speech.Volume(0), true},
		{"case insensitive", Report{Event: "FINAL", Text: "ok"}, speech.Final("ok"), true},
		{"unknown event", Report{Event: "end_of_speech"}, speech.Event{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Translate(tt.report)
			if ok != tt.ok {
				t.Fatalf("Expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestProvider_Lifecycle(t *testing.T) {
	cmds := &commandLog{}
	p := New(cmds.send, zerolog.Nop())

	var events []speech.Event
	h, err := p.Open(context.Background(), func(ev speech.Event) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	p.Push(Report{Event: "ready"})
	p.Push(Report{Event: "partial", Text: "sore"})
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	p.Push(Report{Event: "final", Text: "sore throat"})
	p.Push(Report{Event: "partial", Text: "late"})

	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	want := []speech.Event{speech.Ready(), speech.Partial("sore"), speech.Final("sore throat")}
	if len(events) != len(want) {
		t.Fatalf("Expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Event %d: expected %v, got %v", i, want[i], events[i])
		}
	}

	got := cmds.list()
	if len(got) != 2 || got[0] != CommandStart || got[1] != CommandStop {
		t.Errorf("Expected [start stop] and no cancel after a final, got %v", got)
	}
}

func TestProvider_CloseCancelsRunningRecognizer(t *testing.T) {
	cmds := &commandLog{}
	p := New(cmds.send, zerolog.Nop())

	var delivered int
	h, err := p.Open(context.Background(), func(speech.Event) { delivered++ })
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	h.Close()
	h.Close()
	p.Push(Report{Event: "final", Text: "ignored"})

	if delivered != 0 {
		t.Errorf("Expected no events after Close, got %d", delivered)
	}
	got := cmds.list()
	if len(got) != 2 || got[1] != CommandCancel {
		t.Errorf("Expected [start cancel], got %v", got)
	}
}

func TestProvider_PushWithoutSession(t *testing.T) {
	p := New((&commandLog{}).send, zerolog.Nop())
	p.Push(Report{Event: "final", Text: "nobody listening"})
}

func TestProvider_OpenFailsWhenCommandFails(t *testing.T) {
	cmds := &commandLog{err: errors.New("socket closed")}
	p := New(cmds.send, zerolog.Nop())

	if _, err := p.Open(context.Background(), func(speech.Event) {}); err == nil {
		t.Fatal("Expected Open to fail")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		t.Error("Expected no live handle after a failed Open")
	}
}
