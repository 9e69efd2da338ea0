// Package feed holds the ordered, append-only message log for the active
// chat source.
//
// Order is admission order: the order in which Append calls acquire the
// feed's lock. Embedded message timestamps are descriptive only and are never
// used to sort. Reads through View are snapshots taken at call time.
package feed

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/botpanel/internal/clock"
	"github.com/you/botpanel/internal/core"
)

// Activity receives the side effects of a successful Append. The lifecycle
// controller implements it.
type Activity interface {
	RecordActivity(at time.Time)
	RecordMessage()
}

type Feed struct {
	clock clock.Clock

	mu         sync.RWMutex
	sourceID   string
	msgs       []core.ChatMessage
	index      map[string]int
	autoFollow bool
	activity   Activity
	seq        uint64
	subs       map[*subscriber]struct{}

	dropped atomic.Int64
}

type Option func(*Feed)

func WithClock(c clock.Clock) Option {
	return func(f *Feed) { f.clock = c }
}

// WithActivity binds the feed to the owner of a BotStatus.
func WithActivity(a Activity) Option {
	return func(f *Feed) { f.activity = a }
}

func WithAutoFollow(on bool) Option {
	return func(f *Feed) { f.autoFollow = on }
}

func New(sourceID string, opts ...Option) *Feed {
	f := &Feed{
		sourceID:   strings.TrimSpace(sourceID),
		index:      make(map[string]int),
		autoFollow: true,
		subs:       make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.clock = clock.OrReal(f.clock)
	return f
}

// Bind attaches (or detaches, with nil) the activity recorder.
func (f *Feed) Bind(a Activity) {
	f.mu.Lock()
	f.activity = a
	f.mu.Unlock()
}

// Append admits msg at the end of the feed. A redelivered id fails with
// *core.DuplicateIDError and leaves the feed unchanged.
func (f *Feed) Append(msg core.ChatMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msg = msg.Clone()

	f.mu.Lock()
	if _, exists := f.index[msg.ID]; exists {
		src := f.sourceID
		f.mu.Unlock()
		return &core.DuplicateIDError{ID: msg.ID, SourceID: src}
	}
	msg.SourceID = f.sourceID
	f.index[msg.ID] = len(f.msgs)
	f.msgs = append(f.msgs, msg)
	f.publishLocked(Event{Kind: EventAppended, Message: msg.Clone(), Follow: f.autoFollow})
	activity := f.activity
	f.mu.Unlock()

	if activity != nil {
		activity.RecordActivity(f.clock.Now())
		activity.RecordMessage()
	}
	return nil
}

// MarkProcessed moves a message from pending to processed, optionally
// attaching a response. Processing is one-way: a second call fails with
// *core.AlreadyProcessedError and the stored response is left untouched.
func (f *Feed) MarkProcessed(id string, response *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markProcessedLocked(id, response)
}

// MarkProcessedIn is MarkProcessed scoped to the session of sourceID. After a
// Reset the new session may reuse ids, so a consumer holding a message from
// an earlier session gets *core.NotFoundError instead of touching whatever
// now carries that id.
func (f *Feed) MarkProcessedIn(sourceID, id string, response *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(sourceID) != f.sourceID {
		return &core.NotFoundError{ID: id, SourceID: sourceID}
	}
	return f.markProcessedLocked(id, response)
}

func (f *Feed) markProcessedLocked(id string, response *string) error {
	i, ok := f.index[id]
	if !ok {
		return &core.NotFoundError{ID: id, SourceID: f.sourceID}
	}
	msg := &f.msgs[i]
	if msg.Processed {
		return &core.AlreadyProcessedError{ID: id}
	}
	msg.Processed = true
	if response != nil {
		text := *response
		at := f.clock.Now()
		msg.Response = &text
		msg.RespondedAt = &at
	}
	f.publishLocked(Event{Kind: EventProcessed, Message: msg.Clone()})
	return nil
}

// Reset discards every message and starts a fresh session for sourceID,
// including fresh id-uniqueness tracking.
func (f *Feed) Reset(sourceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sourceID = strings.TrimSpace(sourceID)
	f.msgs = nil
	f.index = make(map[string]int)
	f.publishLocked(Event{Kind: EventReset})
}

func (f *Feed) SourceID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sourceID
}

func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.msgs)
}

// Get returns a copy of the message with the given id.
func (f *Feed) Get(id string) (core.ChatMessage, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	i, ok := f.index[id]
	if !ok {
		return core.ChatMessage{}, false
	}
	return f.msgs[i].Clone(), true
}

func (f *Feed) AutoFollow() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.autoFollow
}

func (f *Feed) SetAutoFollow(on bool) {
	f.mu.Lock()
	f.autoFollow = on
	f.mu.Unlock()
}

// View returns the messages matching filter as they are right now.
func (f *Feed) View(filter Filter) View {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.ChatMessage, 0, len(f.msgs))
	for _, m := range f.msgs {
		if filter.Match(m) {
			out = append(out, m.Clone())
		}
	}
	return View{sourceID: f.sourceID, filter: filter, msgs: out}
}

// DroppedEvents is the number of events discarded because a subscriber's
// buffer was full.
func (f *Feed) DroppedEvents() int64 { return f.dropped.Load() }
