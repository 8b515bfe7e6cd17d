// Package conversation owns the chat transcript: it records user utterances
// and posts the assistant's replies in order.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/gpplus-voice/internal/observability"
	"github.com/lexiqai/gpplus-voice/internal/responder"
	"github.com/lexiqai/gpplus-voice/internal/voice"
)

// ErrClosed is returned by Run after the coordinator was closed
var ErrClosed = errors.New("conversation closed")

// Options configures a Coordinator
type Options struct {
	Responder  responder.Responder
	ReplyDelay time.Duration
	// Rearm is passed to OnTurnCompleted after every reply
	Rearm    bool
	Greeting string
	// Seed is posted before the greeting when the session starts
	Seed []Seed

	// OnMessages receives the full ordered transcript after every append
	OnMessages func([]Message)
	// OnTurnCompleted is called once the reply to utterance turn has been
	// appended, or straight away when a duplicate utterance gets no reply
	OnTurnCompleted func(ctx context.Context, turn uint64, rearm bool)

	Metrics *observability.SessionMetrics
	Logger  zerolog.Logger
}

type job struct {
	text     string
	turn     uint64
	queuedAt time.Time
	// duplicate jobs only complete the turn
	duplicate bool
}

// Coordinator receives finalized utterances from the voice machine and
// appends user and assistant messages. It implements voice.UtteranceSink.
type Coordinator struct {
	opts Options

	mu       sync.Mutex
	messages []Message
	// last speech utterance since the previous ListeningStarted
	lastSpeech string
	queue      []job
	closed     bool
	cancel     context.CancelFunc
	runCtx     context.Context

	// notifyMu orders observer calls; notified is the longest transcript sent
	notifyMu sync.Mutex
	notified int

	wake chan struct{}
	done chan struct{}
}

var _ voice.UtteranceSink = (*Coordinator)(nil)

// New creates a coordinator. Replies are produced once Run is started.
func New(opts Options) *Coordinator {
	if opts.Responder == nil {
		opts.Responder = responder.Rules{}
	}
	if opts.ReplyDelay < 0 {
		opts.ReplyDelay = 0
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewSessionMetrics("", "unknown")
	}
	return &Coordinator{
		opts: opts,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Run posts the greeting, if any, then answers queued utterances one at a
// time until ctx is done or Close is called
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("conversation already running")
	}
	c.cancel = cancel
	c.runCtx = ctx
	closed := c.closed
	c.mu.Unlock()

	defer close(c.done)
	defer c.shutdown()

	if closed {
		return ErrClosed
	}

	var opening []Message
	for _, seed := range c.opts.Seed {
		if text := strings.TrimSpace(seed.Text); text != "" {
			opening = append(opening, newMessage(seed.Author, text))
		}
	}
	if greeting := strings.TrimSpace(c.opts.Greeting); greeting != "" {
		opening = append(opening, newMessage(AuthorAssistant, greeting))
	}
	if len(opening) > 0 {
		c.append(ctx, opening...)
	}

	for {
		j, ok := c.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-c.wake:
			}
			continue
		}

		if err := c.answer(ctx, j); err != nil {
			return nil
		}
	}
}

// ListeningStarted resets duplicate detection
func (c *Coordinator) ListeningStarted() {
	c.mu.Lock()
	c.lastSpeech = ""
	c.mu.Unlock()
}

// UtteranceFinalized appends the user message and queues the reply. It never
// blocks on the responder.
func (c *Coordinator) UtteranceFinalized(u voice.Utterance) {
	text := strings.TrimSpace(u.Text)
	if text == "" {
		return
	}

	c.mu.Lock()
	if c.closed || (c.runCtx != nil && c.runCtx.Err() != nil) {
		c.mu.Unlock()
		return
	}

	if u.Source == voice.SourceSpeech && text == c.lastSpeech {
		// the machine still waits for this turn to complete
		c.queue = append(c.queue, job{turn: u.Turn, duplicate: true})
		c.mu.Unlock()

		c.opts.Metrics.RecordDiscarded("duplicate")
		c.opts.Logger.Debug().Str("text", text).Msg("Duplicate utterance ignored")
		c.wakeWorker()
		return
	}

	if u.Source == voice.SourceSpeech {
		c.lastSpeech = text
	} else {
		c.lastSpeech = ""
	}

	c.messages = append(c.messages, newMessage(AuthorUser, text))
	snapshot := c.copyLocked()
	c.queue = append(c.queue, job{text: text, turn: u.Turn, queuedAt: time.Now()})
	c.mu.Unlock()

	c.notify(snapshot)
	c.wakeWorker()
}

func (c *Coordinator) wakeWorker() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Messages returns a copy of the transcript
func (c *Coordinator) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyLocked()
}

// Close cancels any pending reply. Nothing is appended afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Done is closed when Run has returned
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) answer(ctx context.Context, j job) error {
	if j.duplicate {
		c.completeTurn(ctx, j.turn, false)
		return nil
	}

	if c.opts.ReplyDelay > 0 {
		timer := time.NewTimer(c.opts.ReplyDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	reply, err := c.opts.Responder.Reply(ctx, j.text)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil || strings.TrimSpace(reply) == "" {
		c.opts.Logger.Warn().Err(err).Msg("Responder failed, using default reply")
		c.opts.Metrics.RecordError("responder", "conversation")
		reply = responder.DefaultReply
	}

	if !c.append(ctx, newMessage(AuthorAssistant, reply)) {
		return ErrClosed
	}
	observability.RecordReply(time.Since(j.queuedAt))

	c.completeTurn(ctx, j.turn, c.opts.Rearm)
	return nil
}

func (c *Coordinator) completeTurn(ctx context.Context, turn uint64, rearm bool) {
	if c.opts.OnTurnCompleted != nil && ctx.Err() == nil {
		c.opts.OnTurnCompleted(ctx, turn, rearm)
	}
}

func (c *Coordinator) append(ctx context.Context, msgs ...Message) bool {
	c.mu.Lock()
	if c.closed || ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.messages = append(c.messages, msgs...)
	snapshot := c.copyLocked()
	c.mu.Unlock()

	c.notify(snapshot)
	return true
}

func (c *Coordinator) next() (job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return job{}, false
	}
	j := c.queue[0]
	c.queue = c.queue[1:]
	return j, true
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	c.closed = true
	dropped := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	if dropped > 0 {
		c.opts.Logger.Debug().Int("dropped", dropped).Msg("Pending replies dropped on close")
	}
}

func (c *Coordinator) copyLocked() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Coordinator) notify(messages []Message) {
	if c.opts.OnMessages == nil {
		return
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	// A longer transcript was already delivered
	if len(messages) <= c.notified {
		return
	}
	c.notified = len(messages)
	c.opts.OnMessages(messages)
}
