package timeutil

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Advance delivers every tick that
// became due, one at a time, waiting for each to be received unless the
// ticker is stopped.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	c      chan time.Time
	period time.Duration
	next   time.Time
	done   chan struct{}
	once   sync.Once
}

func (t *fakeTicker) Chan() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.once.Do(func() { close(t.done) })
}

func (t *fakeTicker) stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// NewFake returns a fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now implements Clock.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTicker implements Clock.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{
		c:      make(chan time.Time),
		period: d,
		next:   f.now.Add(d),
		done:   make(chan struct{}),
	}
	f.tickers = append(f.tickers, t)
	return t
}

// Tickers reports how many tickers are still running.
func (f *Fake) Tickers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tickers {
		if !t.stopped() {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		var due *fakeTicker
		for _, t := range f.tickers {
			if t.stopped() || t.next.After(target) {
				continue
			}
			if due == nil || t.next.Before(due.next) {
				due = t
			}
		}
		if due == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		at := due.next
		due.next = due.next.Add(due.period)
		f.now = at
		f.mu.Unlock()

		select {
		case due.c <- at:
		case <-due.done:
		}
	}
}
