package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/you/botpanel/internal/core"
	"github.com/you/botpanel/internal/feed"
	"github.com/you/botpanel/internal/ingesttrace"
)

type failingWriter struct{}

func (failingWriter) Write(core.ChatMessage) error { return errors.New("disk full") }

func startRecorder(t *testing.T, r *Recorder) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for r.Feed.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("recorder never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	return func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRecorderArchivesAppendsAndReplies(t *testing.T) {
	f := feed.New("video-1")
	w := &recordingWriter{}
	var trace ingesttrace.Counters
	stop := startRecorder(t, &Recorder{Feed: f, Writer: w, Trace: &trace})
	defer stop()

	if err := f.Append(core.ChatMessage{ID: "m1", Username: "alice", Body: "!uptime", Ts: base}); err != nil {
		t.Fatalf("append: %v", err)
	}
	reply := "up"
	if err := f.MarkProcessed("m1", &reply); err != nil {
		t.Fatalf("mark: %v", err)
	}
	f.Reset("video-2")

	waitFor(t, func() bool { return w.Count() == 2 })
	w.mu.Lock()
	first, second := w.messages[0], w.messages[1]
	w.mu.Unlock()
	if first.Processed || first.SourceID != "video-1" {
		t.Fatalf("first write = %+v", first)
	}
	if !second.Processed || second.Response == nil || *second.Response != reply {
		t.Fatalf("second write = %+v", second)
	}
	if got := trace.Get(ingesttrace.StageArchived); got != 1 {
		t.Fatalf("archived = %d", got)
	}
}

func TestRecorderReportsWriteErrors(t *testing.T) {
	f := feed.New("video-1")
	var (
		mu   sync.Mutex
		errs int
	)
	stop := startRecorder(t, &Recorder{Feed: f, Writer: failingWriter{}, OnError: func(error) {
		mu.Lock()
		errs++
		mu.Unlock()
	}})
	defer stop()

	if err := f.Append(core.ChatMessage{ID: "m1", Body: "hi", Ts: base}); err != nil {
		t.Fatalf("append: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errs == 1
	})
	if f.Len() != 1 {
		t.Fatalf("archive failure must not touch the feed")
	}
}

type stallingWriter struct {
	recordingWriter
	entered chan struct{}
	release chan struct{}
}

func (s *stallingWriter) Write(msg core.ChatMessage) error {
	select {
	case s.entered <- struct{}{}:
		<-s.release
	default:
	}
	return s.recordingWriter.Write(msg)
}

func TestRecorderKeepsEveryMessageWhenWriterStalls(t *testing.T) {
	f := feed.New("video-1")
	w := &stallingWriter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	stop := startRecorder(t, &Recorder{Feed: f, Writer: w})
	defer stop()

	const n = 300
	for i := 0; i < n; i++ {
		if err := f.Append(core.ChatMessage{ID: fmt.Sprintf("m%d", i), Body: "hi", Ts: base}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if i == 0 {
			<-w.entered
		}
	}
	close(w.release)

	waitFor(t, func() bool { return w.Count() == n })
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, m := range w.messages {
		if want := fmt.Sprintf("m%d", i); m.ID != want {
			t.Fatalf("write %d = %s, want %s", i, m.ID, want)
		}
	}
}
