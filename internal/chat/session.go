// Package chat serves the voice chat WebSocket. Each connection gets its own
// speech adapter, voice machine and conversation coordinator.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/gpplus-voice/internal/config"
	"github.com/lexiqai/gpplus-voice/internal/conversation"
	"github.com/lexiqai/gpplus-voice/internal/observability"
	"github.com/lexiqai/gpplus-voice/internal/resilience"
	"github.com/lexiqai/gpplus-voice/internal/responder"
	"github.com/lexiqai/gpplus-voice/internal/speech"
	"github.com/lexiqai/gpplus-voice/internal/speech/deepgram"
	"github.com/lexiqai/gpplus-voice/internal/speech/relay"
	"github.com/lexiqai/gpplus-voice/internal/voice"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	outboundBuffer = 64
)

var errSessionClosed = errors.New("chat session closed")

// Session is one connected chat client
type Session struct {
	id   string
	conn *websocket.Conn
	cfg  *config.Config

	adapter     *speech.Adapter
	relay       *relay.Provider // nil unless the relay provider is in use
	machine     *voice.Machine
	coordinator *conversation.Coordinator
	permission  *permissionGate

	out     chan Outbound
	metrics *observability.SessionMetrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession wires a session for conn. speechBreaker guards Deepgram
// connections and may be shared between sessions. An empty correlationID
// gets a generated one.
func NewSession(ctx context.Context, conn *websocket.Conn, cfg *config.Config, r responder.Responder, speechBreaker *resilience.CircuitBreaker, correlationID string) *Session {
	ctx, cancel := context.WithCancel(ctx)

	id := uuid.New().String()
	logger := observability.WithCorrelationID(correlationID).
		With().
		Str("session_id", id).
		Logger()

	s := &Session{
		id:         id,
		conn:       conn,
		cfg:        cfg,
		permission: &permissionGate{},
		out:        make(chan Outbound, outboundBuffer),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	var provider speech.Provider
	switch cfg.SpeechProvider {
	case config.SpeechProviderDeepgram:
		provider = deepgram.New(deepgram.Config{
			APIKey:     cfg.DeepgramAPIKey,
			Model:      cfg.DeepgramModel,
			Language:   cfg.DeepgramLanguage,
			Encoding:   cfg.AudioEncoding,
			SampleRate: cfg.AudioSampleRate,
			BufferSize: cfg.AudioBufferSize,
			StopGrace:  cfg.StopGrace(),
		}, speechBreaker, logger)
	default:
		s.relay = relay.New(s.sendCommand, logger)
		provider = s.relay
	}

	s.metrics = observability.NewSessionMetrics(id, provider.Name())
	s.adapter = speech.NewAdapter(provider, logger)

	var seed []conversation.Seed
	if cfg.SeedDemo {
		seed = conversation.DemoSeed
	}

	s.coordinator = conversation.New(conversation.Options{
		Seed:       seed,
		Responder:  r,
		ReplyDelay: cfg.ReplyDelay(),
		Rearm:      cfg.RearmAfterReply,
		Greeting:   cfg.Greeting,
		OnMessages: func(m []conversation.Message) {
			_ = s.enqueue(Outbound{Type: TypeMessages, Messages: m})
		},
		OnTurnCompleted: func(ctx context.Context, turn uint64, rearm bool) {
			if err := s.machine.CompleteTurn(ctx, turn, rearm); err != nil && !errors.Is(err, voice.ErrStopped) {
				s.logger.Debug().Err(err).Msg("Turn completion not delivered")
			}
		},
		Metrics: s.metrics,
		Logger:  logger,
	})

	s.machine = voice.NewMachine(voice.Options{
		Recognizer: s.adapter,
		Sink:       s.coordinator,
		Permission: s.permission,
		OnSnapshot: func(snap voice.Snapshot) {
			_ = s.enqueue(Outbound{Type: TypeSnapshot, Snapshot: &snap})
		},
		OnPermissionRequest: func() {
			_ = s.enqueue(Outbound{Type: TypePermissionRequest})
		},
		Metrics: s.metrics,
		Logger:  logger,
	})

	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Run serves the connection until the client disconnects or ctx is done
func (s *Session) Run() {
	s.metrics.RecordSessionStart()
	defer s.metrics.RecordSessionEnd()

	s.logger.Info().Str("provider", s.adapter.Provider().Name()).Msg("Chat session started")

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer s.cancel()
		if err := s.machine.Run(s.ctx); err != nil {
			s.logger.Error().Err(err).Msg("Voice machine failed")
		}
	}()

	go func() {
		defer wg.Done()
		defer s.cancel()
		if err := s.coordinator.Run(s.ctx); err != nil && !errors.Is(err, conversation.ErrClosed) {
			s.logger.Error().Err(err).Msg("Conversation failed")
		}
	}()

	go func() {
		defer wg.Done()
		s.writeLoop()
	}()

	s.readLoop()

	s.coordinator.Close()
	s.cancel()
	wg.Wait()

	s.logger.Info().Int("messages", len(s.coordinator.Messages())).Msg("Chat session ended")
}

func (s *Session) readLoop() {
	defer s.cancel()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.handleAudio(data)
		case websocket.TextMessage:
			s.handleFrame(data)
		}

		if s.ctx.Err() != nil {
			return
		}
	}
}

func (s *Session) handleAudio(chunk []byte) {
	s.metrics.RecordAudioBytes(int64(len(chunk)))

	err := s.adapter.WriteAudio(chunk)
	switch {
	case err == nil:
	case errors.Is(err, speech.ErrNoSession):
		// audio between listening cycles
	case errors.Is(err, speech.ErrAudioUnsupported):
		s.sendError("audio frames are not accepted by the " + s.adapter.Provider().Name() + " provider")
	default:
		s.logger.Warn().Err(err).Msg("Failed to forward audio")
		s.metrics.RecordError("audio_write", "speech")
	}
}

func (s *Session) handleFrame(data []byte) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		s.logger.Debug().Err(err).Msg("Malformed client frame")
		s.sendError("malformed frame")
		return
	}

	ctx := s.ctx
	var err error

	switch in.Type {
	case TypeMicTap:
		err = s.machine.TapMic(ctx)
	case TypeStop:
		err = s.machine.Stop(ctx)
	case TypeCancel:
		err = s.machine.Cancel(ctx)
	case TypeText:
		err = s.machine.SubmitText(ctx, in.Text)
	case TypePermission:
		if in.Granted == nil {
			s.sendError("permission frame needs a granted field")
			return
		}
		s.permission.set(*in.Granted)
		err = s.machine.ResolvePermission(ctx, *in.Granted)
	case TypeRecognition:
		if s.relay == nil {
			s.sendError("recognition frames are not accepted by the " + s.adapter.Provider().Name() + " provider")
			return
		}
		s.relay.Push(in.Report())
	default:
		s.sendError("unknown frame type " + in.Type)
		return
	}

	if err != nil && !errors.Is(err, voice.ErrStopped) && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Str("type", in.Type).Msg("Failed to submit client input")
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return

		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Warn().Err(err).Str("type", frame.Type).Msg("WebSocket write failed")
				s.metrics.RecordError("ws_write", "chat")
				s.cancel()
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (s *Session) enqueue(frame Outbound) error {
	select {
	case <-s.ctx.Done():
		return errSessionClosed
	default:
	}

	select {
	case s.out <- frame:
		return nil
	case <-s.ctx.Done():
		return errSessionClosed
	}
}

func (s *Session) sendCommand(cmd relay.Command) error {
	return s.enqueue(Outbound{Type: TypeRecognizer, Command: cmd})
}

func (s *Session) sendError(message string) {
	_ = s.enqueue(Outbound{Type: TypeError, Message: message})
}
