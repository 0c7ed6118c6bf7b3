// Package idle infers whether a pane is producing output ("busy") or has
// gone quiet ("idle") from the timing of output and keystrokes alone.
//
// Output seen during a grace window after (re)connecting is treated as
// buffer replay and ignored. After the grace window, output marks the pane
// busy and (re)arms an idle timer; the timer's expiry marks it idle. A
// keystroke marks the pane busy without arming the timer: the next output
// burst decides when idleness resumes.
package idle

import (
	"sync"
	"time"

	"github.com/choonkeat/termbridge/internal/clock"
)

// State is the liveness classification of a pane.
type State string

const (
	Initializing State = "initializing"
	Busy         State = "busy"
	Idle         State = "idle"
)

const (
	DefaultIdleTimeout = 1500 * time.Millisecond
	DefaultGrace       = 3 * time.Second
)

// Config holds the classifier timings.
type Config struct {
	IdleTimeout time.Duration
	Grace       time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	return c
}

// Classifier is the per-pane liveness state machine. It is safe for
// concurrent use; onChange is invoked outside the internal lock, once per
// transition.
type Classifier struct {
	cfg      Config
	clock    clock.Clock
	onChange func(State)

	mu         sync.Mutex
	state      State
	connected  bool
	inGrace    bool
	graceTimer *clock.Timer
	idleTimer  *clock.Timer
	// generation invalidates callbacks of timers that were stopped too
	// late to prevent them from running.
	generation uint64

	// emitMu keeps onChange calls in transition order.
	emitMu sync.Mutex
}

// New returns a classifier in the initializing state with no timers
// running. onChange may be nil.
func New(cfg Config, clk clock.Clock, onChange func(State)) *Classifier {
	if clk == nil {
		clk = clock.Real()
	}
	return &Classifier{
		cfg:      cfg.withDefaults(),
		clock:    clk,
		onChange: onChange,
		state:    Initializing,
	}
}

// State returns the current classification.
func (c *Classifier) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect (re)starts classification: state returns to initializing and a
// new grace window begins. Initializing is always reported, so observers
// learn of a pane as soon as it connects.
func (c *Classifier) Connect() {
	c.mu.Lock()
	c.cancelTimersLocked()
	c.connected = true
	c.inGrace = true
	gen := c.generation
	c.graceTimer = c.clock.AfterFunc(c.cfg.Grace, func() { c.graceExpired(gen) })
	c.state = Initializing
	c.emitUnlock(Initializing)
}

// Output records an output chunk from the pane.
func (c *Classifier) Output() {
	c.mu.Lock()
	if !c.connected || c.inGrace {
		// Replay during grace, or no connection.
		c.mu.Unlock()
		return
	}
	c.armIdleLocked()
	c.emitUnlock(c.setLocked(Busy))
}

// Keystroke records user input sent to the pane.
func (c *Classifier) Keystroke() {
	c.mu.Lock()
	if !c.connected || c.inGrace {
		c.mu.Unlock()
		return
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
		c.generation++
	}
	c.emitUnlock(c.setLocked(Busy))
}

// Disconnect cancels all timers and resets to initializing.
func (c *Classifier) Disconnect() {
	c.mu.Lock()
	c.cancelTimersLocked()
	c.graceTimer = nil
	c.connected = false
	c.inGrace = false
	c.emitUnlock(c.setLocked(Initializing))
}

func (c *Classifier) graceExpired(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || !c.inGrace {
		c.mu.Unlock()
		return
	}
	c.inGrace = false
	if c.state == Initializing {
		// Nothing fresh arrived: start counting silence right away.
		c.armIdleLocked()
	}
	c.mu.Unlock()
}

func (c *Classifier) idleExpired(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.idleTimer = nil
	c.emitUnlock(c.setLocked(Idle))
}

func (c *Classifier) armIdleLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.generation++
	gen := c.generation
	c.idleTimer = c.clock.AfterFunc(c.cfg.IdleTimeout, func() { c.idleExpired(gen) })
}

func (c *Classifier) cancelTimersLocked() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.generation++
}

func (c *Classifier) setLocked(s State) (changed State) {
	if c.state == s {
		return ""
	}
	c.state = s
	return s
}

// emitUnlock releases c.mu and reports the transition s, if any. emitMu
// is taken before c.mu is released so concurrent transitions are reported
// in the order they happened.
func (c *Classifier) emitUnlock(s State) {
	if s == "" || c.onChange == nil {
		c.mu.Unlock()
		return
	}
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()
	c.onChange(s)
}
