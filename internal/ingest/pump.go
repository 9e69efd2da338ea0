package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/you/botpanel/internal/clock"
)

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 60 * time.Second
)

// Pump keeps a source running, reconnecting with exponential backoff after
// failures. A source that returns nil has finished and is not restarted.
type Pump struct {
	Source     Source
	Handler    Handler
	Clock      clock.Clock
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// OnError is called for every failed run before the backoff wait.
	OnError func(error)
	Logger  *slog.Logger
}

func (p *Pump) Run(ctx context.Context) error {
	if p.Source == nil || p.Handler == nil {
		return errors.New("ingest: pump needs a source and a handler")
	}
	minBackoff, maxBackoff := p.MinBackoff, p.MaxBackoff
	if minBackoff <= 0 {
		minBackoff = DefaultMinBackoff
	}
	if maxBackoff < minBackoff {
		maxBackoff = max(DefaultMaxBackoff, minBackoff)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := clock.OrReal(p.Clock)

	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		started := clk.Now()
		err := p.Source.Run(ctx, p.Handler)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		if err == nil {
			logger.Info("ingest: source finished", "source", p.Source.Name())
			return nil
		}
		if p.OnError != nil {
			p.OnError(err)
		}
		// A connection that stayed up for a while earns a fresh backoff.
		if clk.Now().Sub(started) > maxBackoff {
			backoff = minBackoff
		}
		logger.Warn("ingest: source disconnected", "source", p.Source.Name(), "err", err, "retry_in", backoff)

		if !sleep(ctx, clk, backoff) {
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	done := make(chan struct{})
	timer := clk.AfterFunc(d, func() { close(done) })
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-done:
		return true
	}
}
