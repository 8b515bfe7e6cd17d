package chat

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/gpplus-voice/internal/config"
	"github.com/lexiqai/gpplus-voice/internal/conversation"
	"github.com/lexiqai/gpplus-voice/internal/responder"
	"github.com/lexiqai/gpplus-voice/internal/speech/relay"
	"github.com/lexiqai/gpplus-voice/internal/voice"
)

func testConfig() *config.Config {
	return &config.Config{
		SpeechProvider:  config.SpeechProviderRelay,
		ResponderMode:   config.ResponderModeRules,
		AudioEncoding:   "linear16",
		AudioBufferSize: 65536,
		ReplyDelayMs:    10,
	}
}

func dial(t *testing.T, cfg *config.Config) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(NewHandler(ctx, cfg, responder.Rules{}, nil, zerolog.Nop()))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame map[string]interface{}) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

// readUntil reads frames until match returns true
func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(Outbound) bool) Outbound {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var frame Outbound
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("Timed out waiting for %s: %v", what, err)
		}
		if match(frame) {
			return frame
		}
	}
}

func snapshotIn(state voice.State) func(Outbound) bool {
	return func(f Outbound) bool {
		return f.Type == TypeSnapshot && f.Snapshot != nil && f.Snapshot.State == state
	}
}

func command(cmd relay.Command) func(Outbound) bool {
	return func(f Outbound) bool {
		return f.Type == TypeRecognizer && f.Command == cmd
	}
}

func TestSession_InitialSnapshot(t *testing.T) {
	conn := dial(t, testConfig())

	frame := readUntil(t, conn, "initial snapshot", snapshotIn(voice.Idle))
	if frame.Snapshot.Label != voice.LabelIdle {
		t.Errorf("Expected idle label %q, got %q", voice.LabelIdle, frame.Snapshot.Label)
	}
}

func TestSession_SpokenTurn(t *testing.T) {
	conn := dial(t, testConfig())
	readUntil(t, conn, "initial snapshot", snapshotIn(voice.Idle))

	// The first tap asks for the microphone
	send(t, conn, map[string]interface{}{"type": TypeMicTap})
	readUntil(t, conn, "permission request", func(f Outbound) bool { return f.Type == TypePermissionRequest })

	send(t, conn, map[string]interface{}{"type": TypePermission, "granted": true})
	readUntil(t, conn, "start command", command(relay.CommandStart))
	readUntil(t, conn, "listening snapshot", snapshotIn(voice.Listening))

	send(t, conn, map[string]interface{}{"type": TypeRecognition, "event": "partial", "text": "sore"})
	frame := readUntil(t, conn, "partial transcript", func(f Outbound) bool {
		return f.Type == TypeSnapshot && f.Snapshot.LiveTranscript == "sore"
	})
	if frame.Snapshot.Label != "sore" {
		t.Errorf("Expected label to show transcript, got %q", frame.Snapshot.Label)
	}

	send(t, conn, map[string]interface{}{"type": TypeRecognition, "event": "final", "text": "I have a sore throat"})

	frame = readUntil(t, conn, "reply", func(f Outbound) bool {
		return f.Type == TypeMessages && len(f.Messages) == 2
	})
	if frame.Messages[0].Author != conversation.AuthorUser || frame.Messages[0].Text != "I have a sore throat" {
		t.Errorf("Expected user message first, got %+v", frame.Messages[0])
	}
	if frame.Messages[1].Author != conversation.AuthorAssistant || frame.Messages[1].Text != responder.ThroatReply {
		t.Errorf("Expected throat reply, got %+v", frame.Messages[1])
	}

	readUntil(t, conn, "idle after reply", snapshotIn(voice.Idle))
}

func TestSession_TypedTurn(t *testing.T) {
	conn := dial(t, testConfig())
	readUntil(t, conn, "initial snapshot", snapshotIn(voice.Idle))

	send(t, conn, map[string]interface{}{"type": TypeText, "text": "chest pain"})

	frame := readUntil(t, conn, "reply", func(f Outbound) bool {
		return f.Type == TypeMessages && len(f.Messages) == 2
	})
	if frame.Messages[1].Text != responder.EmergencyReply {
		t.Errorf("Expected emergency reply, got %q", frame.Messages[1].Text)
	}
}

func TestSession_SeedDemo(t *testing.T) {
	cfg := testConfig()
	cfg.SeedDemo = true
	conn := dial(t, cfg)

	frame := readUntil(t, conn, "seeded transcript", func(f Outbound) bool {
		return f.Type == TypeMessages && len(f.Messages) == 2
	})
	if frame.Messages[0].Author != conversation.AuthorUser || frame.Messages[0].Text != conversation.DemoSeed[0].Text {
		t.Errorf("Expected seeded user message, got %+v", frame.Messages[0])
	}

	// the seed does not start a turn, so a typed message still gets its reply
	send(t, conn, map[string]interface{}{"type": TypeText, "text": "chest pain"})
	frame = readUntil(t, conn, "reply", func(f Outbound) bool {
		return f.Type == TypeMessages && len(f.Messages) == 4
	})
	if frame.Messages[3].Text != responder.EmergencyReply {
		t.Errorf("Expected emergency reply, got %q", frame.Messages[3].Text)
	}
	readUntil(t, conn, "idle after reply", snapshotIn(voice.Idle))
}

func TestSession_CancelSendsCancelCommand(t *testing.T) {
	conn := dial(t, testConfig())
	readUntil(t, conn, "initial snapshot", snapshotIn(voice.Idle))

	send(t, conn, map[string]interface{}{"type": TypePermission, "granted": true})
	send(t, conn, map[string]interface{}{"type": TypeMicTap})
	readUntil(t, conn, "listening snapshot", snapshotIn(voice.Listening))

	send(t, conn, map[string]interface{}{"type": TypeCancel})
	readUntil(t, conn, "cancel command", command(relay.CommandCancel))
	readUntil(t, conn, "idle snapshot", snapshotIn(voice.Idle))
}

func TestSession_RecognitionErrorReturnsToIdle(t *testing.T) {
	conn := dial(t, testConfig())
	readUntil(t, conn, "initial snapshot", snapshotIn(voice.Idle))

	send(t, conn, map[string]interface{}{"type": TypePermission, "granted": true})
	send(t, conn, map[string]interface{}{"type": TypeMicTap})
	readUntil(t, conn, "listening snapshot", snapshotIn(voice.Listening))

	send(t, conn, map[string]interface{}{"type": TypeRecognition, "event": "error", "reason": "no-speech"})
	frame := readUntil(t, conn, "idle snapshot", snapshotIn(voice.Idle))
	if frame.Snapshot.ErrorMessage != "no-speech" {
		t.Errorf("Expected error message 'no-speech', got %q", frame.Snapshot.ErrorMessage)
	}
}

func TestSession_MalformedFrames(t *testing.T) {
	conn := dial(t, testConfig())
	readUntil(t, conn, "initial snapshot", snapshotIn(voice.Idle))

	tests := []struct {
		name  string
		frame string
	}{
		{"not json", "{nope"},
		{"unknown type", `{"type":"dance"}`},
		{"permission without value", `{"type":"permission"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)); err != nil {
				t.Fatalf("WriteMessage failed: %v", err)
			}
			frame := readUntil(t, conn, "error frame", func(f Outbound) bool { return f.Type == TypeError })
			if frame.Message == "" {
				t.Error("Expected error message")
			}
		})
	}
}

func TestSession_AudioRejectedByRelay(t *testing.T) {
	conn := dial(t, testConfig())
	readUntil(t, conn, "initial snapshot", snapshotIn(voice.Idle))

	send(t, conn, map[string]interface{}{"type": TypePermission, "granted": true})
	send(t, conn, map[string]interface{}{"type": TypeMicTap})
	readUntil(t, conn, "listening snapshot", snapshotIn(voice.Listening))

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	readUntil(t, conn, "error frame", func(f Outbound) bool {
		return f.Type == TypeError && strings.Contains(f.Message, "audio")
	})
}
