package feed

import (
	"sync"

	"github.com/you/botpanel/internal/core"
)

type EventKind int

const (
	EventAppended EventKind = iota + 1
	EventProcessed
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventAppended:
		return "appended"
	case EventProcessed:
		return "processed"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after each successful mutation. Follow
// is the auto-follow signal: the display boundary should scroll to the
// newest message. The feed never scrolls anything itself.
type Event struct {
	Seq      uint64
	Kind     EventKind
	SourceID string
	Message  core.ChatMessage
	Follow   bool
}

type subscriber struct {
	ch chan Event
	// queue is set for lossless subscriptions; ch is then fed by queue.run.
	queue *eventQueue
}

// Subscribe registers a listener with the given buffer size. Delivery never
// blocks the feed: when the buffer is full the event is dropped and counted.
// The returned cancel func closes the channel.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	return f.register(&subscriber{ch: make(chan Event, buffer)})
}

// SubscribeLossless registers a listener that receives every event in
// order. Events wait in an unbounded queue until the listener reads them, so
// the feed is never blocked and nothing is dropped. It is meant for internal
// consumers that must see each message, such as the responder and the
// archive; display clients use Subscribe.
func (f *Feed) SubscribeLossless() (<-chan Event, func()) {
	q := &eventQueue{wake: make(chan struct{}, 1), done: make(chan struct{})}
	sub := &subscriber{ch: make(chan Event), queue: q}
	go q.run(sub.ch)
	return f.register(sub)
}

func (f *Feed) register(sub *subscriber) (<-chan Event, func()) {
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[sub]; !ok {
			return
		}
		delete(f.subs, sub)
		if sub.queue != nil {
			close(sub.queue.done)
			return
		}
		close(sub.ch)
	}
	return sub.ch, cancel
}

// publishLocked must be called with f.mu held so events leave in the same
// order mutations were admitted.
func (f *Feed) publishLocked(ev Event) {
	f.seq++
	ev.Seq = f.seq
	ev.SourceID = f.sourceID
	for sub := range f.subs {
		if sub.queue != nil {
			sub.queue.push(ev)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			f.dropped.Add(1)
		}
	}
}

type eventQueue struct {
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	done    chan struct{}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run forwards queued events to out until the subscription is cancelled,
// then closes out.
func (q *eventQueue) run(out chan<- Event) {
	defer close(out)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, ev := range batch {
			select {
			case out <- ev:
			case <-q.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
