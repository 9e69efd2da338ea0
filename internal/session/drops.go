package session

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	dropSummaryInterval = 5 * time.Second
	dropSampleMaxLen    = 96
	dropSourceMaxLen    = 32
)

var (
	oauthTokenRe = regexp.MustCompile(`(?i)oauth:[^\s;]+`)
	longTokenRe  = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{24,}`)
)

type dropReasonSummary struct {
	total    int
	bySource map[string]int
	sample   map[string]string
}

// dropLogger rolls gated messages up into one log line per reason per
// interval.
type dropLogger struct {
	log      *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	nextEmit time.Time
	reasons  map[string]*dropReasonSummary
}

func newDropLogger(now time.Time, logger *slog.Logger, interval time.Duration) *dropLogger {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	return &dropLogger{
		log:      logger,
		interval: interval,
		nextEmit: now.Add(interval),
		reasons:  make(map[string]*dropReasonSummary),
	}
}

func (d *dropLogger) note(now time.Time, reason, sourceID, body string) {
	if d == nil {
		return
	}
	source := sanitizeAndTruncate(sourceID, dropSourceMaxLen)
	if source == "" {
		source = "-"
	}
	d.log.Debug("session: dropped message", "reason", reason, "source", source)

	d.mu.Lock()
	entry := d.reasons[reason]
	if entry == nil {
		entry = &dropReasonSummary{
			bySource: make(map[string]int),
			sample:   make(map[string]string),
		}
		d.reasons[reason] = entry
	}
	entry.total++
	entry.bySource[source]++
	if _, ok := entry.sample[source]; !ok {
		entry.sample[source] = sanitizeAndTruncate(body, dropSampleMaxLen)
	}
	due := !now.Before(d.nextEmit)
	d.mu.Unlock()

	if due {
		d.flush(now)
	}
}

func (d *dropLogger) flush(now time.Time) {
	if d == nil {
		return
	}
	d.mu.Lock()
	reasons := d.reasons
	d.reasons = make(map[string]*dropReasonSummary)
	d.nextEmit = now.Add(d.interval)
	d.mu.Unlock()

	for _, reason := range sortedKeys(reasons) {
		rs := reasons[reason]
		if rs == nil || rs.total == 0 {
			continue
		}
		d.log.Info("session: dropped_"+reason,
			"total", rs.total,
			"sources", formatSourceCounts(rs.bySource),
			"samples", formatSourceSamples(rs.sample),
		)
	}
}

func sanitizeAndTruncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.Join(strings.Fields(s), " ")

	s = oauthTokenRe.ReplaceAllString(s, "oauth:[REDACTED]")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")

	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatSourceCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(counts))
	for _, src := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", src, counts[src]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func formatSourceSamples(samples map[string]string) string {
	if len(samples) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(samples))
	for _, src := range sortedKeys(samples) {
		parts = append(parts, src+":'"+samples[src]+"'")
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
