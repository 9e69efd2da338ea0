// Package responder computes the bot's automated reply to each newly
// admitted message and marks the message processed.
package responder

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/botpanel/internal/clock"
	"github.com/you/botpanel/internal/core"
	"github.com/you/botpanel/internal/feed"
	"github.com/you/botpanel/internal/ingest"
	"github.com/you/botpanel/internal/ingesttrace"
)

// Status is the slice of the lifecycle controller the responder reads and
// reports into.
type Status interface {
	Uptime(now time.Time) (time.Duration, error)
	RecordError()
}

// Asker answers free-form questions for !ask. Nil disables the command.
type Asker interface {
	Ask(ctx context.Context, question string) (string, error)
}

type Config struct {
	Workers int
	// Buffer is the size of each worker's queue.
	Buffer int
	// GlobalInterval is the minimum gap between any two command replies.
	GlobalInterval time.Duration
	// UserInterval is the per-user command cooldown.
	UserInterval    time.Duration
	Welcome         bool
	WelcomeCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.GlobalInterval <= 0 {
		c.GlobalInterval = time.Second
	}
	if c.UserInterval <= 0 {
		c.UserInterval = 30 * time.Second
	}
	if c.WelcomeCooldown <= 0 {
		c.WelcomeCooldown = 3 * time.Minute
	}
	return c
}

type Responder struct {
	feed   *feed.Feed
	status Status
	sender ingest.Sender
	asker  Asker
	clock  clock.Clock
	log    *slog.Logger
	trace  *ingesttrace.Counters
	cfg    Config

	mu          sync.Mutex
	global      *rate.Limiter
	users       map[string]*rate.Limiter
	welcomed    map[string]struct{}
	lastWelcome time.Time
	focus       map[string]time.Time
	quiz        *quizState
	quizNext    int
	quizWins    map[string]int
}

type Option func(*Responder)

func WithSender(s ingest.Sender) Option { return func(r *Responder) { r.sender = s } }
func WithAsker(a Asker) Option          { return func(r *Responder) { r.asker = a } }
func WithClock(c clock.Clock) Option    { return func(r *Responder) { r.clock = c } }
func WithLogger(l *slog.Logger) Option  { return func(r *Responder) { r.log = l } }
func WithTrace(t *ingesttrace.Counters) Option {
	return func(r *Responder) { r.trace = t }
}

func New(f *feed.Feed, status Status, cfg Config, opts ...Option) *Responder {
	r := &Responder{
		feed:   f,
		status: status,
		cfg:    cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.clock = clock.OrReal(r.clock)
	if r.log == nil {
		r.log = slog.Default()
	}
	r.resetState()
	return r
}

func (r *Responder) resetState() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = rate.NewLimiter(rate.Every(r.cfg.GlobalInterval), 1)
	r.users = make(map[string]*rate.Limiter)
	r.welcomed = make(map[string]struct{})
	r.lastWelcome = time.Time{}
	r.focus = make(map[string]time.Time)
	r.quiz = nil
	r.quizWins = make(map[string]int)
}

// Run consumes feed events until ctx is done. Messages from one user are
// always handled by the same worker, in admission order.
func (r *Responder) Run(ctx context.Context) error {
	events, cancel := r.feed.SubscribeLossless()
	defer cancel()

	queues := make([]chan core.ChatMessage, r.cfg.Workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan core.ChatMessage, r.cfg.Buffer)
		wg.Add(1)
		go func(q <-chan core.ChatMessage) {
			defer wg.Done()
			for msg := range q {
				if err := r.Handle(ctx, msg); err != nil {
					r.log.Warn("responder: handle failed", "id", msg.ID, "err", err)
				}
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case feed.EventReset:
				r.resetState()
			case feed.EventAppended:
				if ev.Message.Processed {
					continue
				}
				q := queues[shard(ev.Message.UserID, len(queues))]
				select {
				case q <- ev.Message:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func shard(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Handle computes the reply for msg, marks it processed and relays the reply.
// A message that was reset away or already processed is skipped.
func (r *Responder) Handle(ctx context.Context, msg core.ChatMessage) error {
	if msg.Processed {
		return nil
	}
	if msg.SourceID != r.feed.SourceID() {
		r.log.Debug("responder: skipped message from an earlier session", "id", msg.ID, "source", msg.SourceID)
		return nil
	}
	reply := r.Reply(ctx, msg)
	if err := r.feed.MarkProcessedIn(msg.SourceID, msg.ID, reply); err != nil {
		if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrAlreadyProcessed) {
			r.log.Debug("responder: skipped", "id", msg.ID, "err", err)
			return nil
		}
		r.status.RecordError()
		return err
	}
	r.trace.Inc(ingesttrace.StageProcessed)

	if reply == nil || r.sender == nil {
		return nil
	}
	if err := r.sender.Say(ctx, msg.SourceID, *reply); err != nil {
		r.status.RecordError()
		return err
	}
	return nil
}
