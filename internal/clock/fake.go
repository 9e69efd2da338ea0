package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Timers and tickers fire synchronously
// from Advance/Set, in deadline order, on the caller's goroutine.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	f       *Fake
	id      int
	at      time.Time
	period  time.Duration
	fn      func()
	ch      chan time.Time
	stopped bool
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.addLocked(d, 0)
	w.fn = fn
	return w
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.addLocked(d, d)
	w.ch = make(chan time.Time, 1)
	return fakeTicker{w}
}

// Pending returns the number of armed timers and tickers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing everything that falls due.
func (f *Fake) Advance(d time.Duration) {
	f.Set(f.Now().Add(d))
}

// Set moves the clock to t. Moving backwards is allowed and fires nothing;
// tests use it to simulate clock skew.
func (f *Fake) Set(t time.Time) {
	for {
		f.mu.Lock()
		w := f.nextDueLocked(t)
		if w == nil {
			f.now = t
			f.mu.Unlock()
			return
		}
		if w.at.After(f.now) {
			f.now = w.at
		}
		fireAt := f.now
		fn, ch := w.fn, w.ch
		if w.period > 0 {
			w.at = w.at.Add(w.period)
		} else {
			w.stopped = true
			f.removeLocked(w)
		}
		f.mu.Unlock()

		if fn != nil {
			fn()
		}
		if ch != nil {
			select {
			case ch <- fireAt:
			default:
			}
		}
	}
}

func (f *Fake) addLocked(d, period time.Duration) *fakeWaiter {
	f.seq++
	w := &fakeWaiter{f: f, id: f.seq, at: f.now.Add(d), period: period}
	f.waiters = append(f.waiters, w)
	return w
}

func (f *Fake) nextDueLocked(limit time.Time) *fakeWaiter {
	sort.SliceStable(f.waiters, func(i, j int) bool {
		if f.waiters[i].at.Equal(f.waiters[j].at) {
			return f.waiters[i].id < f.waiters[j].id
		}
		return f.waiters[i].at.Before(f.waiters[j].at)
	})
	for _, w := range f.waiters {
		if w.stopped {
			continue
		}
		if w.at.After(limit) {
			return nil
		}
		return w
	}
	return nil
}

func (f *Fake) removeLocked(target *fakeWaiter) {
	out := f.waiters[:0]
	for _, w := range f.waiters {
		if w != target && !w.stopped {
			out = append(out, w)
		}
	}
	f.waiters = out
}

func (w *fakeWaiter) Stop() bool {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	if w.stopped {
		return false
	}
	w.stopped = true
	w.f.removeLocked(w)
	return true
}

type fakeTicker struct{ w *fakeWaiter }

func (t fakeTicker) C() <-chan time.Time { return t.w.ch }
func (t fakeTicker) Stop()               { t.w.Stop() }
