package deepgram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/gpplus-voice/internal/audio"
	"github.com/lexiqai/gpplus-voice/internal/resilience"
	"github.com/lexiqai/gpplus-voice/internal/speech"
)

// Name identifies this provider in logs and metrics
const Name = "deepgram"

var (
	errConnect = errors.New("deepgram connection failed")
	errStopped = errors.New("recognition session is stopping")
)

// Config configures live transcription
type Config struct {
	APIKey     string
	Model      string
	Language   string
	Encoding   string // linear16 or mulaw
	SampleRate int
	BufferSize int           // bytes of audio queued ahead of the socket
	StopGrace  time.Duration // wait for the stream to close after Stop
}

// stream is the part of the Deepgram websocket client a session uses
type stream interface {
	Connect() bool
	Write(p []byte) (int, error)
	Finish()
}

type dialFunc func(ctx context.Context, cb msginterfaces.LiveMessageCallback) (stream, error)

// Provider streams client audio to Deepgram live transcription
type Provider struct {
	cfg     Config
	breaker *resilience.CircuitBreaker
	dial    dialFunc
	logger  zerolog.Logger
}

// New creates a Deepgram provider. Connection attempts go through breaker.
func New(cfg Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *Provider {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64 * 1024
	}
	return &Provider{
		cfg:     cfg,
		breaker: breaker,
		dial:    dialer(cfg),
		logger:  logger.With().Str("provider", Name).Logger(),
	}
}

func dialer(cfg Config) dialFunc {
	return func(ctx context.Context, cb msginterfaces.LiveMessageCallback) (stream, error) {
		tOptions := &interfaces.LiveTranscriptionOptions{
			Model:          cfg.Model,
			Language:       cfg.Language,
			Punctuate:      true,
			InterimResults: true,
			Encoding:       cfg.Encoding,
			Channels:       1,
			SampleRate:     cfg.SampleRate,
		}
		cOptions := &interfaces.ClientOptions{
			EnableKeepAlive: true,
		}

		client, err := listenClient.NewWSUsingCallback(ctx, cfg.APIKey, cOptions, tOptions, cb)
		if err != nil {
			return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		return client, nil
	}
}

// Name implements speech.Provider
func (p *Provider) Name() string {
	return Name
}

// Healthy reports whether new sessions can currently be opened
func (p *Provider) Healthy(ctx context.Context) (bool, error) {
	if p.cfg.APIKey == "" {
		return false, errors.New("DEEPGRAM_API_KEY not configured")
	}
	if p.breaker != nil && p.breaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

// Open connects a live transcription stream and emits Ready once it is up.
// Cancelling ctx aborts a connect in progress; once connected the stream
// lives until Stop or Close.
func (p *Provider) Open(ctx context.Context, sink speech.Sink) (speech.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopWatch := context.AfterFunc(ctx, cancel)
	s := newSession(p.cfg, sink, cancel, p.logger)

	connect := func() error {
		conn, err := p.dial(sctx, &callback{
			DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
			session:                s,
		})
		if err != nil {
			return err
		}
		if !conn.Connect() {
			// teardown is not a provider failure
			if sctx.Err() != nil {
				return nil
			}
			return errConnect
		}
		s.conn = conn
		return nil
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Call(connect)
	} else {
		err = connect()
	}

	if !stopWatch() {
		// ctx ended while connecting
		if s.conn != nil {
			s.conn.Finish()
		}
		cancel()
		return nil, fmt.Errorf("open Deepgram stream: %w", ctx.Err())
	}
	if err != nil {
		cancel()
		p.logger.Error().Err(err).Msg("Failed to open Deepgram stream")
		return nil, err
	}

	go s.pump()
	s.emit(speech.Ready())

	p.logger.Info().
		Str("model", p.cfg.Model).
		Str("language", p.cfg.Language).
		Msg("Deepgram stream opened")
	return s, nil
}

// callback adapts SDK callbacks onto a session. Other callbacks keep the
// default handler's behaviour.
type callback struct {
	*websocketv1api.DefaultCallbackHandler
	session *session
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	c.session.onResult(mr.Channel.Alternatives[0].Transcript, mr.IsFinal)
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.session.onClose()
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	reason := "Deepgram error"
	if er != nil {
		switch {
		case er.Description != "":
			reason = "Deepgram error: " + er.Description
		case er.ErrMsg != "":
			reason = "Deepgram error: " + er.ErrMsg
		}
	}
	c.session.onError(reason)
	return nil
}

// session is one live stream. It implements speech.Handle and speech.AudioWriter.
type session struct {
	cfg    Config
	sink   speech.Sink
	cancel context.CancelFunc
	logger zerolog.Logger
	conn   stream

	queue *audio.RingBuffer
	meter *audio.Meter

	// emitMu keeps sink calls sequential across the SDK and writer goroutines
	emitMu sync.Mutex

	mu         sync.Mutex
	transcript transcript
	stopping   bool
	finished   bool
	closed     bool
	grace      *time.Timer

	stopCh     chan struct{}
	quit       chan struct{}
	finishOnce sync.Once
}

func newSession(cfg Config, sink speech.Sink, cancel context.CancelFunc, logger zerolog.Logger) *session {
	meterCfg := audio.DefaultMeterConfig()
	meterCfg.Encoding = cfg.Encoding
	return &session{
		cfg:    cfg,
		sink:   sink,
		cancel: cancel,
		logger: logger,
		queue:  audio.NewRingBuffer(cfg.BufferSize),
		meter:  audio.NewMeter(meterCfg),
		stopCh: make(chan struct{}),
		quit:   make(chan struct{}),
	}
}

func (s *session) emit(ev speech.Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.sink(ev)
}

// WriteAudio queues a chunk for the stream and reports its level
func (s *session) WriteAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed || s.finished {
		s.mu.Unlock()
		return speech.ErrNoSession
	}
	if s.stopping {
		s.mu.Unlock()
		return errStopped
	}
	level := s.meter.Measure(chunk)
	s.mu.Unlock()

	if n := s.queue.Write(chunk); n < len(chunk) {
		s.logger.Warn().Int("dropped_bytes", len(chunk)-n).Msg("Audio queue full, dropping audio")
	}
	s.emit(speech.Volume(level))
	return nil
}

// pump forwards queued audio to Deepgram until the session stops or closes
func (s *session) pump() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.quit:
			return
		case <-s.queue.Ready():
			if !s.drain(buf) {
				return
			}
		case <-s.stopCh:
			if s.drain(buf) {
				s.finishStream()
			}
			return
		}
	}
}

func (s *session) drain(buf []byte) bool {
	for {
		n := s.queue.Read(buf)
		if n == 0 {
			return true
		}
		if _, err := s.conn.Write(buf[:n]); err != nil {
			s.onError(fmt.Sprintf("Deepgram audio write failed: %v", err))
			return false
		}
	}
}

func (s *session) finishStream() {
	s.finishOnce.Do(func() {
		if s.conn != nil {
			s.conn.Finish()
		}
	})
}

func (s *session) onResult(text string, isFinal bool) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	var current string
	if isFinal {
		s.transcript.commit(text)
		current = s.transcript.text()
	} else {
		current = s.transcript.with(text)
	}
	s.mu.Unlock()

	if current == "" {
		return
	}
	s.emit(speech.Partial(current))
}

// onClose fires when the stream is closed by Deepgram, normally in answer to Finish
func (s *session) onClose() {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()

	if !stopping {
		s.onError("Deepgram stream closed unexpectedly")
		return
	}
	s.complete()
}

func (s *session) onError(reason string) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.stopGraceLocked()
	s.mu.Unlock()

	s.logger.Warn().Str("reason", reason).Msg("Deepgram session failed")
	s.emit(speech.Failure(reason))
}

// complete emits the single Final for the accumulated transcript
func (s *session) complete() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.stopGraceLocked()
	text := s.transcript.text()
	s.mu.Unlock()

	s.emit(speech.Final(text))
}

func (s *session) stopGraceLocked() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
}

// Stop flushes queued audio, finishes the stream and emits Final when
// Deepgram closes it, or after the grace period at the latest
func (s *session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping || s.finished || s.closed {
		return nil
	}
	s.stopping = true
	s.grace = time.AfterFunc(s.cfg.StopGrace, s.complete)
	close(s.stopCh)
	return nil
}

// Close releases the stream immediately. No events are emitted afterwards.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.finished = true
	s.stopGraceLocked()
	s.mu.Unlock()

	close(s.quit)
	s.finishStream()
	s.cancel()
	return nil
}
