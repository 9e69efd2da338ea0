package ingest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/botpanel/internal/clock"
	"github.com/you/botpanel/internal/core"
)

const DefaultSimulatedInterval = 5 * time.Second

// Simulated emits a viewer message on every tick. It stands in for a real
// chat connection in demos and local development.
type Simulated struct {
	SourceID string
	Interval time.Duration
	Clock    clock.Clock
	// Rand drives the generated user and body numbers. Nil seeds from the
	// clock.
	Rand *rand.Rand

	mu sync.Mutex
}

func (s *Simulated) Name() string { return "simulated" }

func (s *Simulated) Run(ctx context.Context, h Handler) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSimulatedInterval
	}
	clk := clock.OrReal(s.Clock)
	s.mu.Lock()
	if s.Rand == nil {
		seed := uint64(clk.Now().UnixNano())
		s.Rand = rand.New(rand.NewPCG(seed, seed>>1))
	}
	s.mu.Unlock()

	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			h(s.SourceID, s.next(now))
		}
	}
}

func (s *Simulated) next(now time.Time) core.ChatMessage {
	s.mu.Lock()
	user, word := s.Rand.IntN(1000), s.Rand.IntN(1000)
	s.mu.Unlock()
	return core.ChatMessage{
		ID:       uuid.NewString(),
		SourceID: s.SourceID,
		UserID:   fmt.Sprintf("user%d", user),
		Username: fmt.Sprintf("Viewer%d", user),
		Body:     fmt.Sprintf("Random message %d", word),
		Ts:       now,
	}
}
