// Package lifecycle owns the run state of the single bot instance and
// serializes start, stop and restart.
//
// Restart is two-phase: the bot passes through Transitioning for a fixed
// settle delay and then resolves to Running from the timer alone. While
// Transitioning every command fails fast with *core.BusyError; nothing is
// queued and the pending restart cannot be aborted.
package lifecycle

import (
	"strings"
	"sync"
	"time"

	"github.com/you/botpanel/internal/clock"
	"github.com/you/botpanel/internal/core"
)

const DefaultSettleDelay = 2 * time.Second

// Listener observes state transitions. Calls are made without the
// controller's lock held and in transition order.
type Listener func(core.BotStatus)

type Controller struct {
	clock  clock.Clock
	settle time.Duration

	mu          sync.Mutex
	st          core.BotStatus
	settleUntil time.Time
	listeners   []Listener
	queue       []core.BotStatus
	flushing    bool
}

type Option func(*Controller)

func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

func WithSettleDelay(d time.Duration) Option {
	return func(ctl *Controller) {
		if d >= 0 {
			ctl.settle = d
		}
	}
}

func WithListener(l Listener) Option {
	return func(ctl *Controller) {
		if l != nil {
			ctl.listeners = append(ctl.listeners, l)
		}
	}
}

// WithSource binds the initial source id.
func WithSource(sourceID string) Option {
	return func(ctl *Controller) { ctl.st.SourceID = strings.TrimSpace(sourceID) }
}

// New returns a controller in the Stopped state.
func New(opts ...Option) *Controller {
	c := &Controller{settle: DefaultSettleDelay}
	for _, opt := range opts {
		opt(c)
	}
	c.clock = clock.OrReal(c.clock)
	c.st.State = core.Stopped
	c.st.SettleDelay = c.settle
	return c
}

// AddListener registers l for subsequent transitions.
func (c *Controller) AddListener(l Listener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Start moves Stopped to Running. An empty sourceID keeps the bound source.
func (c *Controller) Start(sourceID string) error {
	c.mu.Lock()
	if err := c.busyLocked("start"); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.st.State == core.Running {
		c.mu.Unlock()
		return core.ErrAlreadyRunning
	}
	if err := c.bindLocked(sourceID); err != nil {
		c.mu.Unlock()
		return err
	}
	now := c.clock.Now()
	c.st.State = core.Running
	c.st.StartedAt = &now
	c.enqueueLocked()
	c.mu.Unlock()

	c.flush()
	return nil
}

// Stop moves Running to Stopped and clears StartedAt.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if err := c.busyLocked("stop"); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.st.State != core.Running {
		c.mu.Unlock()
		return core.ErrNotRunning
	}
	c.st.State = core.Stopped
	c.st.StartedAt = nil
	c.enqueueLocked()
	c.mu.Unlock()

	c.flush()
	return nil
}

// Restart enters Transitioning and resolves to Running after the settle
// delay. From Stopped it behaves like a delayed Start and may bind a new
// source; from Running the source is locked.
func (c *Controller) Restart(sourceID string) error {
	c.mu.Lock()
	if err := c.busyLocked("restart"); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.st.State == core.Stopped {
		if err := c.bindLocked(sourceID); err != nil {
			c.mu.Unlock()
			return err
		}
	} else if id := strings.TrimSpace(sourceID); id != "" && id != c.st.SourceID {
		c.mu.Unlock()
		return core.ErrSourceLocked
	}

	now := c.clock.Now()
	c.st.State = core.Transitioning
	c.st.StartedAt = nil
	c.settleUntil = now.Add(c.settle)
	c.enqueueLocked()
	c.mu.Unlock()

	c.flush()
	c.clock.AfterFunc(c.settle, c.resolveRestart)
	return nil
}

func (c *Controller) resolveRestart() {
	c.mu.Lock()
	if c.st.State != core.Transitioning {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	c.st.State = core.Running
	c.st.StartedAt = &now
	c.settleUntil = time.Time{}
	c.enqueueLocked()
	c.mu.Unlock()

	c.flush()
}

// Bind changes the source while Stopped.
func (c *Controller) Bind(sourceID string) error {
	c.mu.Lock()
	if c.st.State != core.Stopped {
		c.mu.Unlock()
		return core.ErrSourceLocked
	}
	id := strings.TrimSpace(sourceID)
	if id == "" {
		c.mu.Unlock()
		return core.ErrNoSource
	}
	changed := id != c.st.SourceID
	c.st.SourceID = id
	if changed {
		c.enqueueLocked()
	}
	c.mu.Unlock()

	c.flush()
	return nil
}

// Reinitialize clears the counters and last activity. Counters survive
// restarts; this is the only reset.
func (c *Controller) Reinitialize() error {
	c.mu.Lock()
	if c.st.State != core.Stopped {
		c.mu.Unlock()
		return core.ErrNotStopped
	}
	c.st.MessageCount = 0
	c.st.ErrorCount = 0
	c.st.LastActivityAt = nil
	c.enqueueLocked()
	c.mu.Unlock()

	c.flush()
	return nil
}

// Uptime is now-StartedAt while Running and zero otherwise. When now precedes
// StartedAt the result is clamped to zero and a *core.ClockSkewError is
// returned alongside it.
func (c *Controller) Uptime(now time.Time) (time.Duration, error) {
	c.mu.Lock()
	st, started := c.st.State, c.st.StartedAt
	c.mu.Unlock()
	return Uptime(st, started, now)
}

// Uptime is the pure derivation used by Controller.Uptime.
func Uptime(state core.BotState, startedAt *time.Time, now time.Time) (time.Duration, error) {
	if state != core.Running || startedAt == nil {
		return 0, nil
	}
	if now.Before(*startedAt) {
		return 0, &core.ClockSkewError{Now: now, StartedAt: *startedAt}
	}
	return now.Sub(*startedAt), nil
}

func (c *Controller) State() core.BotState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.State
}

// Status returns a snapshot that shares nothing with the controller.
func (c *Controller) Status() core.BotStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.Clone()
}

// Accepting reports whether live input should reach the feed.
func (c *Controller) Accepting() bool {
	return c.State() == core.Running
}

func (c *Controller) SettleDelay() time.Duration { return c.settle }

// RecordActivity updates LastActivityAt while Running.
func (c *Controller) RecordActivity(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.State != core.Running {
		return
	}
	c.st.LastActivityAt = &at
}

func (c *Controller) RecordMessage() {
	c.mu.Lock()
	c.st.MessageCount++
	c.mu.Unlock()
}

func (c *Controller) RecordError() {
	c.mu.Lock()
	c.st.ErrorCount++
	c.mu.Unlock()
}

func (c *Controller) busyLocked(cmd string) error {
	if c.st.State == core.Transitioning {
		return &core.BusyError{Command: cmd, Until: c.settleUntil}
	}
	return nil
}

func (c *Controller) bindLocked(sourceID string) error {
	if id := strings.TrimSpace(sourceID); id != "" {
		c.st.SourceID = id
	}
	if c.st.SourceID == "" {
		return core.ErrNoSource
	}
	return nil
}

func (c *Controller) enqueueLocked() {
	if len(c.listeners) == 0 {
		return
	}
	c.queue = append(c.queue, c.st.Clone())
}

// flush delivers queued snapshots. A listener that issues another command
// only enqueues; the goroutine already flushing delivers it.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		listeners := append([]Listener(nil), c.listeners...)
		c.mu.Unlock()
		for _, l := range listeners {
			l(next.Clone())
		}
		c.mu.Lock()
	}
	c.flushing = false
	c.mu.Unlock()
}
