package ingesttrace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Stage names a step a chat message passes through between the source and
// the feed.
type Stage string

const (
	StageReceived  Stage = "received"
	StageAdmitted  Stage = "admitted"
	StageProcessed Stage = "processed"
	StageArchived  Stage = "archived"

	StageDroppedPrefix = "dropped_"
)

// Drop reasons used by the session gate.
const (
	ReasonNotRunning     = "not_running"
	ReasonSourceMismatch = "source_mismatch"
	ReasonDuplicate      = "duplicate"
	ReasonInvalid        = "invalid"
)

// StageDropped creates a Stage for a dropped message with the given reason.
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

// Counters aggregates stage counts across every message of a session.
// The zero value is ready to use and a nil *Counters ignores updates.
type Counters struct {
	mu     sync.Mutex
	counts map[Stage]int64
}

func (c *Counters) Inc(stage Stage) int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[Stage]int64)
	}
	c.counts[stage]++
	return c.counts[stage]
}

func (c *Counters) Get(stage Stage) int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[stage]
}

// Snapshot returns a copy of the counters.
func (c *Counters) Snapshot() map[Stage]int64 {
	out := make(map[Stage]int64)
	if c == nil {
		return out
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for stage, n := range c.counts {
		out[stage] = n
	}
	return out
}

// Stages lists the recorded stages in name order.
func (c *Counters) Stages() []Stage {
	snap := c.Snapshot()
	out := make([]Stage, 0, len(snap))
	for stage := range snap {
		out = append(out, stage)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MessageTrace follows one message through the gate. Stage increments are
// mirrored into the session-wide Counters when one is attached.
type MessageTrace struct {
	Source   string
	SourceID string
	User     string
	Snippet  string
	TraceID  string

	mu       sync.Mutex
	counters map[Stage]int64
	agg      *Counters
}

// NewTrace seeds the received counter for a message arriving from source.
func NewTrace(agg *Counters, source, sourceID, user, snippet string) *MessageTrace {
	trace := &MessageTrace{
		Source:   source,
		SourceID: sourceID,
		User:     user,
		Snippet:  snippet,
		TraceID:  computeTraceID(source, sourceID, user, snippet),
		counters: make(map[Stage]int64),
		agg:      agg,
	}
	trace.counters[StageReceived] = 1
	agg.Inc(StageReceived)
	return trace
}

// IncCounter increments the counter for the provided stage and returns the updated value.
func (t *MessageTrace) IncCounter(stage Stage) int64 {
	t.agg.Inc(stage)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters[stage]++
	return t.counters[stage]
}

func (t *MessageTrace) Drop(reason string) int64 {
	return t.IncCounter(StageDropped(reason))
}

// LogTrace logs the trace metadata and counters at debug level.
func (t *MessageTrace) LogTrace(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug(msg,
		"trace_id", t.TraceID,
		"source", t.Source,
		"source_id", t.SourceID,
		"user", t.User,
		"snippet", t.Snippet,
		"counters", t.snapshotCounters(),
	)
}

func (t *MessageTrace) snapshotCounters() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		out[stage] = count
	}
	return out
}

func computeTraceID(source, sourceID, user, snippet string) string {
	digest := sha256.Sum256([]byte(source + "\x1f" + sourceID + "\x1f" + user + "\x1f" + snippet))
	return hex.EncodeToString(digest[:16])
}
