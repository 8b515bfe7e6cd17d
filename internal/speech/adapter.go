package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrDisposed is returned once the adapter has been disposed
	ErrDisposed = errors.New("speech adapter disposed")

	// ErrNoSession is returned by operations that need a live session
	ErrNoSession = errors.New("no live recognition session")

	// ErrAudioUnsupported is returned when the provider does not take audio
	ErrAudioUnsupported = errors.New("speech provider does not accept audio")
)

// Adapter owns at most one live provider session and forwards its events to
// a single subscriber. It is the only holder of provider handles.
type Adapter struct {
	provider Provider
	logger   zerolog.Logger

	mu        sync.Mutex
	gen       uint64
	cancelled uint64
	live      *live
	opening   bool
	released  chan struct{}
	sub       *Subscription
	disposed  bool
}

type live struct {
	gen         uint64
	handle      Handle
	stopPending bool

	done     chan struct{}
	doneOnce sync.Once
	released chan struct{}
	relOnce  sync.Once
}

func (l *live) stop() {
	l.doneOnce.Do(func() { close(l.done) })
}

// NewAdapter creates an adapter for provider
func NewAdapter(provider Provider, logger zerolog.Logger) *Adapter {
	return &Adapter{
		provider: provider,
		logger:   logger.With().Str("component", "speech").Str("provider", provider.Name()).Logger(),
	}
}

// Provider returns the wrapped provider
func (a *Adapter) Provider() Provider {
	return a.provider
}

// Begin opens a new session unless one is already live. It first waits for
// the previous session to be fully released.
func (a *Adapter) Begin(ctx context.Context) error {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return ErrDisposed
	}
	if a.live != nil || a.opening {
		a.mu.Unlock()
		return nil
	}
	a.opening = true
	prev := a.released
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.opening = false
		a.mu.Unlock()
	}()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return ErrDisposed
	}
	a.gen++
	l := &live{
		gen:      a.gen,
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
	a.live = l
	a.released = l.released
	a.mu.Unlock()

	handle, err := a.provider.Open(ctx, func(ev Event) { a.deliver(l, ev) })
	if err != nil {
		a.mu.Lock()
		if a.live == l {
			a.live = nil
		}
		a.mu.Unlock()
		l.stop()
		l.relOnce.Do(func() { close(l.released) })
		return fmt.Errorf("open %s session: %w", a.provider.Name(), err)
	}

	a.mu.Lock()
	l.handle = handle
	detached := a.live != l
	stopPending := l.stopPending
	disposed := a.disposed
	a.mu.Unlock()

	if detached {
		// cancelled, disposed or finished while the provider was opening
		a.release(l)
		if disposed {
			return ErrDisposed
		}
		return nil
	}

	a.logger.Debug().Uint64("gen", l.gen).Msg("Recognition session opened")

	if stopPending {
		return a.End()
	}
	return nil
}

// End asks the live session to finish gracefully. It is a no-op when nothing is live.
func (a *Adapter) End() error {
	a.mu.Lock()
	l := a.live
	if l == nil {
		a.mu.Unlock()
		return nil
	}
	if l.handle == nil {
		l.stopPending = true
		a.mu.Unlock()
		return nil
	}
	h := l.handle
	a.mu.Unlock()

	if err := h.Stop(); err != nil {
		return fmt.Errorf("stop %s session: %w", a.provider.Name(), err)
	}
	return nil
}

// Cancel releases the live session without waiting for a result. No event of
// that session is accepted afterwards.
func (a *Adapter) Cancel() error {
	a.mu.Lock()
	l := a.live
	if l == nil {
		a.mu.Unlock()
		return nil
	}
	a.live = nil
	a.cancelled = l.gen
	opened := l.handle != nil
	a.mu.Unlock()

	l.stop()
	if !opened {
		// Begin releases it once Open returns
		return nil
	}
	return a.release(l)
}

// Dispose cancels any live session and ends the subscription. Safe to call more than once.
func (a *Adapter) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()

	if err := a.Cancel(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to release recognition session on dispose")
	}
	if sub != nil {
		sub.end()
	}
}

// Subscribe registers the single event consumer. A later registration ends
// the previous one, which then receives nothing more.
func (a *Adapter) Subscribe(buffer int) *Subscription {
	sub := &Subscription{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}

	a.mu.Lock()
	old := a.sub
	if a.disposed {
		a.mu.Unlock()
		sub.end()
		return sub
	}
	a.sub = sub
	a.mu.Unlock()

	if old != nil {
		old.end()
	}
	return sub
}

// IsCurrent reports whether ev belongs to the live session, or to the session
// that has just finished and has not been superseded or cancelled.
func (a *Adapter) IsCurrent(ev Event) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.disposed && ev.Gen == a.gen && ev.Gen > a.cancelled
}

// Active reports whether a session is live
func (a *Adapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live != nil
}

// WriteAudio forwards a chunk of client audio to the live session
func (a *Adapter) WriteAudio(chunk []byte) error {
	a.mu.Lock()
	var h Handle
	if a.live != nil {
		h = a.live.handle
	}
	a.mu.Unlock()

	if h == nil {
		return ErrNoSession
	}
	w, ok := h.(AudioWriter)
	if !ok {
		return ErrAudioUnsupported
	}
	return w.WriteAudio(chunk)
}

func (a *Adapter) deliver(l *live, ev Event) {
	ev.Gen = l.gen

	a.mu.Lock()
	if a.live != l {
		a.mu.Unlock()
		return
	}
	sub := a.sub
	terminal := ev.Terminal()
	if terminal {
		a.live = nil
	}
	opened := l.handle != nil
	a.mu.Unlock()

	if sub != nil {
		if ev.Kind == KindVolume {
			sub.offer(ev)
		} else {
			sub.send(ev, l.done)
		}
	}

	if terminal {
		l.stop()
		if opened {
			go a.release(l)
		}
	}
}

func (a *Adapter) release(l *live) error {
	var err error
	l.relOnce.Do(func() {
		if l.handle != nil {
			if err = l.handle.Close(); err != nil {
				a.logger.Warn().Err(err).Uint64("gen", l.gen).Msg("Failed to close recognition session")
			}
		}
		close(l.released)
		a.logger.Debug().Uint64("gen", l.gen).Msg("Recognition session released")
	})
	return err
}

// Subscription is the receiving end of an adapter's events
type Subscription struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Events yields events in provider order. It is never closed; watch Done.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Done is closed when the subscription is replaced or the adapter disposed
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) end() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) send(ev Event, abandon <-chan struct{}) {
	select {
	case s.ch <- ev:
	case <-s.done:
	case <-abandon:
	}
}

// offer drops the event if the subscriber is behind
func (s *Subscription) offer(ev Event) {
	select {
	case <-s.done:
	case s.ch <- ev:
	default:
	}
}
