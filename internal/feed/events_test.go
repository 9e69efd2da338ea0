package feed

import (
	"fmt"
	"testing"
	"time"
)

func TestSubscribeReceivesEventsInOrder(t *testing.T) {
	f := New("video-1")
	events, cancel := f.Subscribe(8)
	defer cancel()

	_ = f.Append(msg("m1", time.Now()))
	_ = f.MarkProcessed("m1", nil)
	f.Reset("video-2")

	want := []EventKind{EventAppended, EventProcessed, EventReset}
	for i, kind := range want {
		select {
		case ev := <-events:
			if ev.Kind != kind {
				t.Fatalf("event %d kind = %s, want %s", i, ev.Kind, kind)
			}
			if ev.Seq != uint64(i+1) {
				t.Fatalf("event %d seq = %d", i, ev.Seq)
			}
		default:
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestAutoFollowSignal(t *testing.T) {
	f := New("video-1")
	events, cancel := f.Subscribe(4)
	defer cancel()

	_ = f.Append(msg("m1", time.Now()))
	f.SetAutoFollow(false)
	_ = f.Append(msg("m2", time.Now()))

	first := <-events
	second := <-events
	if !first.Follow {
		t.Fatalf("expected follow signal while auto-follow is on")
	}
	if second.Follow {
		t.Fatalf("unexpected follow signal after auto-follow disabled")
	}
	if f.AutoFollow() {
		t.Fatalf("AutoFollow should report false")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	f := New("video-1")
	_, cancel := f.Subscribe(1)
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		if err := f.Append(msg(id, time.Now())); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if f.DroppedEvents() != 2 {
		t.Fatalf("dropped = %d, want 2", f.DroppedEvents())
	}
}

func TestCancelClosesChannel(t *testing.T) {
	f := New("video-1")
	events, cancel := f.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-events; ok {
		t.Fatalf("expected closed channel")
	}
	if err := f.Append(msg("m1", time.Now())); err != nil {
		t.Fatalf("append after cancel: %v", err)
	}
}

func TestLosslessSubscriberSeesEveryEvent(t *testing.T) {
	f := New("video-1")
	events, cancel := f.SubscribeLossless()
	defer cancel()
	_, dropCancel := f.Subscribe(1)
	defer dropCancel()

	const n = 500
	for i := 0; i < n; i++ {
		if err := f.Append(msg(fmt.Sprintf("m%d", i), time.Now())); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if f.DroppedEvents() != n-1 {
		t.Fatalf("lossy subscriber dropped %d, want %d", f.DroppedEvents(), n-1)
	}

	timeout := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case ev := <-events:
			if want := fmt.Sprintf("m%d", i); ev.Message.ID != want || ev.Seq != uint64(i+1) {
				t.Fatalf("event %d = %s seq %d, want %s", i, ev.Message.ID, ev.Seq, want)
			}
		case <-timeout:
			t.Fatalf("only %d of %d events delivered", i, n)
		}
	}
}

func TestLosslessCancelClosesChannel(t *testing.T) {
	f := New("video-1")
	events, cancel := f.SubscribeLossless()
	_ = f.Append(msg("m1", time.Now()))
	cancel()
	cancel()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				if f.Subscribers() != 0 {
					t.Fatalf("subscribers = %d", f.Subscribers())
				}
				return
			}
		case <-timeout:
			t.Fatalf("channel not closed after cancel")
		}
	}
}
