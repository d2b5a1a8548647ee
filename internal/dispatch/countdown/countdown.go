package countdown

import (
	"sync"
	"time"

	"resqBack/internal/dispatch/timeutil"
)

// DefaultWindow is the response window for a presented candidate.
const DefaultWindow = 15

// State of the countdown.
type State string

const (
	StateIdle     State = "idle"
	StateCounting State = "counting"
	StateTimedOut State = "timed_out"
)

// Countdown ticks once per second from the window down to zero and fires
// its expiry callback exactly once. Stop invalidates the running generation,
// so a tick that races with Stop never reaches the callbacks.
type Countdown struct {
	clock  timeutil.Clock
	window int

	mu        sync.Mutex
	gen       uint64
	state     State
	remaining int
	ticker    timeutil.Ticker
	done      chan struct{}
}

// New constructs a Countdown. A non-positive window falls back to DefaultWindow.
func New(clock timeutil.Clock, windowSeconds int) *Countdown {
	if clock == nil {
		clock = timeutil.System()
	}
	if windowSeconds <= 0 {
		windowSeconds = DefaultWindow
	}
	return &Countdown{clock: clock, window: windowSeconds, state: StateIdle}
}

// Window returns the configured window in seconds.
func (c *Countdown) Window() int {
	return c.window
}

// Start resets the countdown to the full window. Any running countdown is
// stopped first. onTick receives the remaining seconds after every tick;
// onExpire runs once when zero is reached.
func (c *Countdown) Start(onTick func(remaining int), onExpire func()) {
	c.mu.Lock()
	c.stopLocked()
	c.gen++
	gen := c.gen
	c.state = StateCounting
	c.remaining = c.window
	ticker := c.clock.NewTicker(time.Second)
	done := make(chan struct{})
	c.ticker = ticker
	c.done = done
	c.mu.Unlock()

	go c.run(gen, ticker, done, onTick, onExpire)
}

func (c *Countdown) run(gen uint64, ticker timeutil.Ticker, done <-chan struct{}, onTick func(int), onExpire func()) {
	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
		}
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.remaining--
		remaining := c.remaining
		expired := remaining <= 0
		if expired {
			c.state = StateTimedOut
			c.remaining = 0
			c.stopLocked()
		}
		c.mu.Unlock()

		if onTick != nil {
			onTick(remaining)
		}
		if expired {
			if onExpire != nil {
				onExpire()
			}
			return
		}
	}
}

// Stop cancels a running countdown and reports whether one was running.
// It must be called before any accept or decline side effect.
func (c *Countdown) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	running := c.state == StateCounting
	c.stopLocked()
	c.state = StateIdle
	c.remaining = 0
	return running
}

func (c *Countdown) stopLocked() {
	c.gen++
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
}

// Remaining returns the seconds left in the current window.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// State returns the current state.
func (c *Countdown) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
