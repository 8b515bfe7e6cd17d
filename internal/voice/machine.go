package voice

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/gpplus-voice/internal/observability"
	"github.com/lexiqai/gpplus-voice/internal/speech"
)

// ErrStopped is returned when submitting to a machine that is no longer running
var ErrStopped = errors.New("voice machine stopped")

const (
	inputBuffer = 16
	eventBuffer = 64
)

// Recognizer is the speech session control the machine drives
type Recognizer interface {
	Begin(ctx context.Context) error
	End() error
	Cancel() error
	Dispose()
	Subscribe(buffer int) *speech.Subscription
	IsCurrent(ev speech.Event) bool
}

// UtteranceSink receives completed utterances. Calls are made from the
// machine goroutine, so implementations must not block for long.
type UtteranceSink interface {
	// ListeningStarted is called each time a new recognition cycle begins
	ListeningStarted()

	// UtteranceFinalized is called exactly once per completed utterance
	UtteranceFinalized(u Utterance)
}

// PermissionGate reports whether the microphone may be used
type PermissionGate interface {
	Granted() bool
}

// Options wires a Machine
type Options struct {
	Recognizer Recognizer
	Sink       UtteranceSink
	Permission PermissionGate

	// OnSnapshot is called after every transition that changed the snapshot
	OnSnapshot func(Snapshot)

	// OnPermissionRequest is called when the user must grant microphone access
	OnPermissionRequest func()

	Metrics *observability.SessionMetrics
	Logger  zerolog.Logger
}

// Machine runs Transition on a single goroutine, executing effects against
// the recognizer and the utterance sink.
type Machine struct {
	opts   Options
	model  Model
	inputs chan Input

	done  chan struct{}
	start sync.Once

	mu       sync.Mutex
	snapshot Snapshot
}

// NewMachine creates an idle machine. Call Run to start it.
func NewMachine(opts Options) *Machine {
	if opts.Permission == nil {
		opts.Permission = AlwaysGranted{}
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewSessionMetrics("", "unknown")
	}
	m := &Machine{
		opts:   opts,
		inputs: make(chan Input, inputBuffer),
		done:   make(chan struct{}),
	}
	m.snapshot = m.model.Snapshot()
	return m
}

// Run processes inputs and recognition events until ctx is done. The
// recognizer is disposed on return.
func (m *Machine) Run(ctx context.Context) error {
	started := false
	m.start.Do(func() { started = true })
	if !started {
		return errors.New("voice machine already started")
	}

	sub := m.opts.Recognizer.Subscribe(eventBuffer)
	defer close(m.done)
	defer m.opts.Recognizer.Dispose()

	m.publish(true)

	for {
		select {
		case <-ctx.Done():
			m.opts.Logger.Debug().Msg("Voice machine stopped")
			return nil

		case in := <-m.inputs:
			if ctx.Err() != nil {
				return nil
			}
			m.apply(ctx, in)

		case ev := <-sub.Events():
			// select picks at random when ctx is also done
			if ctx.Err() != nil {
				return nil
			}
			if !m.opts.Recognizer.IsCurrent(ev) {
				continue
			}
			m.apply(ctx, Recognition{Event: ev})

		case <-sub.Done():
			m.opts.Logger.Warn().Msg("Recognition subscription ended, stopping voice machine")
			return nil
		}
	}
}

// Submit queues an input for the machine goroutine
func (m *Machine) Submit(ctx context.Context, in Input) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}

	select {
	case m.inputs <- in:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TapMic toggles listening
func (m *Machine) TapMic(ctx context.Context) error {
	return m.Submit(ctx, MicTapped{})
}

// Stop ends listening and keeps the transcript
func (m *Machine) Stop(ctx context.Context) error {
	return m.Submit(ctx, StopRequested{})
}

// Cancel abandons listening
func (m *Machine) Cancel(ctx context.Context) error {
	return m.Submit(ctx, CancelRequested{})
}

// SubmitText sends a typed message
func (m *Machine) SubmitText(ctx context.Context, text string) error {
	return m.Submit(ctx, TextSubmitted{Text: text})
}

// ResolvePermission reports the user's answer to a permission request
func (m *Machine) ResolvePermission(ctx context.Context, granted bool) error {
	return m.Submit(ctx, PermissionResolved{Granted: granted})
}

// CompleteTurn reports that the reply to utterance turn has been posted
func (m *Machine) CompleteTurn(ctx context.Context, turn uint64, rearm bool) error {
	return m.Submit(ctx, TurnCompleted{Turn: turn, Rearm: rearm})
}

// Snapshot returns the latest published snapshot
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Done is closed when Run has returned
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

func (m *Machine) apply(ctx context.Context, in Input) {
	// nothing changes once the machine is torn down
	if ctx.Err() != nil {
		return
	}

	// permission is sampled when the input is processed, not when it was sent
	switch v := in.(type) {
	case MicTapped:
		v.Granted = m.opts.Permission.Granted()
		in = v
	case TurnCompleted:
		v.Granted = m.opts.Permission.Granted()
		in = v
	}

	from := m.model.State()
	next, effects := Transition(m.model, in)
	m.model = next

	if r, ok := in.(Recognition); ok && r.Event.Kind == speech.KindError && from != Idle {
		m.opts.Metrics.RecordRecognitionError()
		m.opts.Logger.Warn().Str("reason", r.Event.Reason).Msg("Recognition failed")
	}

	var followUp Input
	for _, eff := range effects {
		if ctx.Err() != nil && eff.Kind != EffectCancel {
			continue
		}
		if f := m.execute(ctx, eff); f != nil && followUp == nil {
			followUp = f
		}
	}

	if ctx.Err() != nil {
		return
	}

	m.opts.Metrics.RecordTransition(from.String(), m.model.State().String())
	m.publish(false)

	if followUp != nil {
		m.apply(ctx, followUp)
	}
}

// execute runs one effect. A failure to begin comes back as a recognition
// error so that it is handled like any other provider failure.
func (m *Machine) execute(ctx context.Context, eff Effect) Input {
	log := m.opts.Logger

	switch eff.Kind {
	case EffectBegin:
		m.opts.Sink.ListeningStarted()
		m.opts.Metrics.RecordListeningStart()
		if err := m.opts.Recognizer.Begin(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start recognition")
			return Recognition{Event: speech.Failure(err.Error())}
		}

	case EffectEnd:
		if err := m.opts.Recognizer.End(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop recognition, cancelling")
			return Recognition{Event: speech.Failure(err.Error())}
		}

	case EffectCancel:
		if err := m.opts.Recognizer.Cancel(); err != nil {
			log.Warn().Err(err).Msg("Failed to cancel recognition")
		}

	case EffectFinalize:
		m.opts.Metrics.RecordUtterance(eff.Utterance.Source.String())
		log.Debug().
			Str("source", eff.Utterance.Source.String()).
			Int("length", len(eff.Utterance.Text)).
			Msg("Utterance finalized")
		m.opts.Sink.UtteranceFinalized(eff.Utterance)

	case EffectRequestPermission:
		if m.opts.OnPermissionRequest != nil {
			m.opts.OnPermissionRequest()
		}

	case EffectDiscard:
		m.opts.Metrics.RecordDiscarded("empty")
		log.Debug().Msg("Discarding empty utterance")
	}
	return nil
}

func (m *Machine) publish(force bool) {
	snap := m.model.Snapshot()

	m.mu.Lock()
	changed := snap != m.snapshot
	m.snapshot = snap
	m.mu.Unlock()

	if (changed || force) && m.opts.OnSnapshot != nil {
		m.opts.OnSnapshot(snap)
	}
}

// AlwaysGranted is a PermissionGate for clients that need no microphone permission
type AlwaysGranted struct{}

func (AlwaysGranted) Granted() bool { return true }
