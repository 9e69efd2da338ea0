// Package session wires the lifecycle controller to the feed for the single
// shared control session and gates live input on the bot's run state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/botpanel/internal/clock"
	"github.com/you/botpanel/internal/core"
	"github.com/you/botpanel/internal/feed"
	"github.com/you/botpanel/internal/ingest"
	"github.com/you/botpanel/internal/ingesttrace"
	"github.com/you/botpanel/internal/lifecycle"
)

var (
	ErrSourceMismatch = errors.New("session: message from a source that is not bound")
	ErrEmptyMessage   = errors.New("session: empty message")
)

const (
	DefaultOperator = "admin"
	operatorUserID  = "operator"
	snippetMaxLen   = 64
)

type Options struct {
	SourceID    string
	SettleDelay time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
	// Sender relays operator messages. Nil keeps them local to the feed.
	Sender ingest.Sender
	// Operator is the username shown on manual messages.
	Operator          string
	DisableAutoFollow bool

	Tokens        *ingest.TokenFile
	Conn          ingest.Reconnector
	TokenDebounce time.Duration

	DropSummaryInterval time.Duration
}

type Session struct {
	Feed  *feed.Feed
	Bot   *lifecycle.Controller
	Trace *ingesttrace.Counters

	clock    clock.Clock
	log      *slog.Logger
	sender   ingest.Sender
	operator string
	debounce time.Duration
	drops    *dropLogger

	// gate orders ingestion against Stop: no message is admitted once Stop
	// has returned.
	gate sync.RWMutex

	mu         sync.Mutex
	tokens     *ingest.TokenFile
	conn       ingest.Reconnector
	statusSubs map[chan core.BotStatus]struct{}
}

func New(opts Options) *Session {
	clk := clock.OrReal(opts.Clock)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = DefaultOperator
	}
	settle := opts.SettleDelay
	if settle <= 0 {
		settle = lifecycle.DefaultSettleDelay
	}
	debounce := opts.TokenDebounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	s := &Session{
		Trace:      &ingesttrace.Counters{},
		clock:      clk,
		log:        logger,
		sender:     opts.Sender,
		operator:   operator,
		debounce:   debounce,
		drops:      newDropLogger(clk.Now(), logger, opts.DropSummaryInterval),
		tokens:     opts.Tokens,
		conn:       opts.Conn,
		statusSubs: make(map[chan core.BotStatus]struct{}),
	}
	s.Bot = lifecycle.New(
		lifecycle.WithClock(clk),
		lifecycle.WithSettleDelay(settle),
		lifecycle.WithSource(opts.SourceID),
		lifecycle.WithListener(s.onStatus),
	)
	s.Feed = feed.New(opts.SourceID,
		feed.WithClock(clk),
		feed.WithActivity(s.Bot),
		feed.WithAutoFollow(!opts.DisableAutoFollow),
	)
	return s
}

// onStatus runs after every lifecycle transition. A new source id starts a
// fresh feed session.
func (s *Session) onStatus(st core.BotStatus) {
	if st.SourceID != "" && st.SourceID != s.Feed.SourceID() {
		prev := s.Feed.SourceID()
		s.Feed.Reset(st.SourceID)
		s.log.Info("session: feed reset", "from", prev, "to", st.SourceID)
	}
	s.log.Info("session: bot state", "state", st.State.String(), "source", st.SourceID)

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.statusSubs {
		select {
		case ch <- st:
		default:
		}
	}
}

func (s *Session) Start(sourceID string) error {
	return s.Bot.Start(sourceID)
}

// Stop waits for in-flight ingestion before stopping the bot.
func (s *Session) Stop() error {
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.Bot.Stop()
}

func (s *Session) Restart(sourceID string) error {
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.Bot.Restart(sourceID)
}

func (s *Session) Bind(sourceID string) error {
	return s.Bot.Bind(sourceID)
}

// Reinitialize clears the bot's counters. The bot must be stopped.
func (s *Session) Reinitialize() error {
	return s.Bot.Reinitialize()
}

func (s *Session) LiveFeed() *feed.Feed { return s.Feed }

// Stages returns the ingest stage counters.
func (s *Session) Stages() map[ingesttrace.Stage]int64 {
	return s.Trace.Snapshot()
}

// Accepting reports whether live input reaches the feed.
func (s *Session) Accepting() bool {
	return s.Bot.Accepting()
}

// Handler adapts Ingest for a source pump. Rejections are already counted
// and logged by Ingest.
func (s *Session) Handler(origin string) ingest.Handler {
	return func(sourceID string, msg core.ChatMessage) {
		_ = s.ingest(origin, sourceID, msg)
	}
}

// Ingest admits a message from a push source. Messages are dropped while the
// bot is not Running and when sourceID is not the bound source.
func (s *Session) Ingest(sourceID string, msg core.ChatMessage) error {
	return s.ingest("http", sourceID, msg)
}

func (s *Session) ingest(origin, sourceID string, msg core.ChatMessage) error {
	trace := ingesttrace.NewTrace(s.Trace, origin, sourceID, msg.Username, truncate(msg.Body, snippetMaxLen))
	now := s.clock.Now()

	s.gate.RLock()
	defer s.gate.RUnlock()

	st := s.Bot.Status()
	if st.State != core.Running {
		trace.Drop(ingesttrace.ReasonNotRunning)
		s.drops.note(now, ingesttrace.ReasonNotRunning, sourceID, msg.Body)
		return core.ErrNotRunning
	}
	if sourceID != st.SourceID || s.Feed.SourceID() != st.SourceID {
		trace.Drop(ingesttrace.ReasonSourceMismatch)
		s.drops.note(now, ingesttrace.ReasonSourceMismatch, sourceID, msg.Body)
		return fmt.Errorf("%w: got %q, bound %q", ErrSourceMismatch, sourceID, st.SourceID)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Ts.IsZero() {
		msg.Ts = now
	}
	err := s.Feed.Append(msg)
	switch {
	case err == nil:
		trace.IncCounter(ingesttrace.StageAdmitted)
		trace.LogTrace(s.log, "session: admitted")
		return nil
	case errors.Is(err, core.ErrDuplicateID):
		trace.Drop(ingesttrace.ReasonDuplicate)
		s.log.Debug("session: duplicate message ignored", "id", msg.ID, "source", sourceID)
		return err
	default:
		trace.Drop(ingesttrace.ReasonInvalid)
		s.Bot.RecordError()
		s.log.Warn("session: append failed", "id", msg.ID, "source", sourceID, "err", err)
		return err
	}
}

// SendManual posts an operator message to the bound chat and records it in
// the feed as an already-processed staff message with no automated response.
func (s *Session) SendManual(ctx context.Context, text string) (core.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return core.ChatMessage{}, ErrEmptyMessage
	}

	st := s.Bot.Status()
	if st.State != core.Running {
		return core.ChatMessage{}, core.ErrNotRunning
	}
	// The relay runs outside the gate so a slow chat connection never holds
	// up Stop or ingestion.
	if s.sender != nil {
		if err := s.sender.Say(ctx, st.SourceID, text); err != nil {
			s.Bot.RecordError()
			return core.ChatMessage{}, fmt.Errorf("send: %w", err)
		}
	}

	s.gate.RLock()
	defer s.gate.RUnlock()
	if now := s.Bot.Status(); now.State != core.Running || now.SourceID != st.SourceID {
		s.log.Warn("session: manual message sent but bot stopped before it was recorded", "source", st.SourceID)
		return core.ChatMessage{}, fmt.Errorf("sent but not recorded: %w", core.ErrNotRunning)
	}

	msg := core.ChatMessage{
		ID:        uuid.NewString(),
		SourceID:  st.SourceID,
		UserID:    operatorUserID,
		Username:  s.operator,
		Body:      text,
		Roles:     core.NewRoles(core.RoleAdmin, core.RoleOwner),
		Ts:        s.clock.Now(),
		Processed: true,
	}
	if err := s.Feed.Append(msg); err != nil {
		s.Bot.RecordError()
		return core.ChatMessage{}, err
	}
	stored, _ := s.Feed.Get(msg.ID)
	return stored, nil
}

// Snapshot is the status view served to the display boundary.
type Snapshot struct {
	Status     core.BotStatus
	Uptime     time.Duration
	UptimeText string
	ClockSkew  bool
}

func (s *Session) Snapshot() Snapshot {
	snap, err := SnapshotAt(s.Bot.Status(), s.clock.Now())
	if err != nil {
		s.log.Warn("session: clock skew", "err", err)
	}
	return snap
}

// SnapshotAt derives the display snapshot of st as of now. A clock skew error
// is returned alongside a snapshot with zero uptime.
func SnapshotAt(st core.BotStatus, now time.Time) (Snapshot, error) {
	up, err := lifecycle.Uptime(st.State, st.StartedAt, now)
	return Snapshot{
		Status:     st,
		Uptime:     up,
		UptimeText: core.FormatUptime(up),
		ClockSkew:  errors.Is(err, core.ErrClockSkew),
	}, err
}

// SubscribeStatus delivers every lifecycle transition. Slow subscribers miss
// transitions rather than block the controller.
func (s *Session) SubscribeStatus(buffer int) (<-chan core.BotStatus, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan core.BotStatus, buffer)
	s.mu.Lock()
	s.statusSubs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.statusSubs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Close flushes pending drop summaries.
func (s *Session) Close() {
	s.drops.flush(s.clock.Now())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
