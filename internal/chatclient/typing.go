package chatclient

import (
	"sync"
	"time"
)

// TypingConfig holds the typing indicator timing parameters. All three are
// configurable so tests can run with tight intervals.
type TypingConfig struct {
	// ThrottleInterval is the minimum gap between outbound typing=true
	// emissions while the user keeps typing.
	ThrottleInterval time.Duration

	// IdleTimeout is how long after the last keystroke a single
	// typing=false is emitted.
	IdleTimeout time.Duration

	// PeerExpiry is how long an inbound typing=true stays visible without
	// reinforcement before the indicator self-heals to false. The peer's
	// stop signal can be lost (app backgrounded, connection drop), so the
	// flag must clear on its own rather than stick forever.
	PeerExpiry time.Duration
}

// DefaultTypingConfig returns the production intervals.
func DefaultTypingConfig() TypingConfig {
	return TypingConfig{
		ThrottleInterval: 1000 * time.Millisecond,
		IdleTimeout:      2000 * time.Millisecond,
		PeerExpiry:       5000 * time.Millisecond,
	}
}

// TypingIndicatorController converts noisy, frequent typing signals into a
// stable low-churn presentation flag, and throttles outbound signals.
//
// Outbound: a keystroke emits typing=true at most once per ThrottleInterval;
// independently, an IdleTimeout single-shot timer is re-armed per keystroke
// and emits typing=false exactly once when it fires. Emission frequency
// (rate-limited) is decoupled from intent detection (debounced).
//
// Inbound: typing=true sets the peer flag and arms a PeerExpiry timer;
// another typing=true resets the timer; typing=false or expiry clears the
// flag.
//
// Stop invalidates all timers synchronously; no emission or flag change
// happens afterwards.
type TypingIndicatorController struct {
	cfg TypingConfig

	// emit sends an outbound typing signal over the live channel. Best
	// effort: the controller ignores transmission failures.
	emit func(isTyping bool)

	// onPeerChange is invoked when the derived peer-typing flag flips.
	onPeerChange func(typing bool)

	mu          sync.Mutex
	stopped     bool
	lastEmit    time.Time
	localActive bool
	idleTimer   *time.Timer
	peerTyping  bool
	peerTimer   *time.Timer
}

// NewTypingIndicatorController creates a controller with the given timing
// config and callbacks. Either callback may be nil.
func NewTypingIndicatorController(cfg TypingConfig, emit func(bool), onPeerChange func(bool)) *TypingIndicatorController {
	return &TypingIndicatorController{
		cfg:          cfg,
		emit:         emit,
		onPeerChange: onPeerChange,
	}
}

// Keystroke records a local keystroke-equivalent input change. It emits
// typing=true if the throttle interval has elapsed since the last emission,
// and re-arms the idle timer that will emit typing=false.
func (c *TypingIndicatorController) Keystroke() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	now := time.Now()
	emitTrue := !c.localActive || now.Sub(c.lastEmit) >= c.cfg.ThrottleInterval
	if emitTrue {
		c.lastEmit = now
		c.localActive = true
	}

	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, c.idleFired)

	emit := c.emit
	c.mu.Unlock()

	if emitTrue && emit != nil {
		emit(true)
	}
}

// idleFired runs when IdleTimeout elapses with no further keystrokes. It
// emits typing=false exactly once and clears local typing state.
func (c *TypingIndicatorController) idleFired() {
	c.mu.Lock()
	if c.stopped || !c.localActive {
		c.mu.Unlock()
		return
	}
	c.localActive = false
	c.lastEmit = time.Time{}
	c.idleTimer = nil
	emit := c.emit
	c.mu.Unlock()

	if emit != nil {
		emit(false)
	}
}

// HandlePeerTyping processes an inbound typing signal for the peer.
func (c *TypingIndicatorController) HandlePeerTyping(isTyping bool) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	changed := c.peerTyping != isTyping
	c.peerTyping = isTyping

	if c.peerTimer != nil {
		c.peerTimer.Stop()
		c.peerTimer = nil
	}
	if isTyping {
		c.peerTimer = time.AfterFunc(c.cfg.PeerExpiry, c.peerExpired)
	}

	cb := c.onPeerChange
	c.mu.Unlock()

	if changed && cb != nil {
		cb(isTyping)
	}
}

// peerExpired self-heals the peer flag when no terminating signal arrived.
func (c *TypingIndicatorController) peerExpired() {
	c.mu.Lock()
	if c.stopped || !c.peerTyping {
		c.mu.Unlock()
		return
	}
	c.peerTyping = false
	c.peerTimer = nil
	cb := c.onPeerChange
	c.mu.Unlock()

	if cb != nil {
		cb(false)
	}
}

// PeerIsTyping returns the current derived peer-typing flag.
func (c *TypingIndicatorController) PeerIsTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping
}

// Stop tears the controller down. Outstanding timers are invalidated
// synchronously: a timer callback that has already fired and is waiting on
// the lock observes the stopped flag and does nothing. Safe to call more
// than once.
func (c *TypingIndicatorController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.peerTimer != nil {
		c.peerTimer.Stop()
		c.peerTimer = nil
	}
	c.localActive = false
	c.peerTyping = false
}
