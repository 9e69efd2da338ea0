package sink

import (
	"context"
	"log/slog"

	"github.com/you/botpanel/internal/feed"
	"github.com/you/botpanel/internal/ingesttrace"
)

// Recorder mirrors feed mutations into a Writer. The archive is a copy: a
// failed write never affects the feed, it is logged and reported.
type Recorder struct {
	Feed   *feed.Feed
	Writer Writer
	Trace  *ingesttrace.Counters
	// OnError is called once per failed write, typically to bump the bot's
	// error counter and a metric.
	OnError func(error)
	Logger  *slog.Logger
}

// Run consumes feed events until ctx is done or the subscription closes.
func (r *Recorder) Run(ctx context.Context) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events, cancel := r.Feed.SubscribeLossless()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.record(logger, ev)
		}
	}
}

func (r *Recorder) record(logger *slog.Logger, ev feed.Event) {
	switch ev.Kind {
	case feed.EventAppended, feed.EventProcessed:
	default:
		return
	}
	if err := r.Writer.Write(ev.Message); err != nil {
		logger.Warn("sink: archive write failed", "id", ev.Message.ID, "source_id", ev.SourceID, "kind", ev.Kind.String(), "err", err)
		if r.OnError != nil {
			r.OnError(err)
		}
		return
	}
	if ev.Kind == feed.EventAppended {
		r.Trace.Inc(ingesttrace.StageArchived)
	}
}
