// Package reconnect decides when a connection-oriented client should
// connect, probe its peer, and give up, without performing any I/O itself.
//
// The caller owns the actual connection. It feeds the controller events
// (Connecting, Connected, Received, Disconnected, ...) with an explicit
// current time, polls Run for the next command, and registers the
// controller's timers with Wait. The explicit clock keeps the state machine
// fully deterministic under test.
package reconnect

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pkarhunen/wireline/internal/poll"
)

// Command tells the caller what to do next.
type Command int

const (
	// None: nothing to do right now.
	None Command = iota
	// Connect: initiate a connection attempt.
	Connect
	// Disconnect: tear the current connection down.
	Disconnect
	// Probe: the peer has been silent; transmit a liveness probe.
	Probe
)

func (c Command) String() string {
	switch c {
	case None:
		return "none"
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	case Probe:
		return "probe"
	}
	return "invalid"
}

type state int

const (
	stateVoid       state = iota // created, not yet enabled
	stateBackoff                 // waiting out the retry interval
	stateConnecting              // caller is dialing
	stateActive                  // connected, traffic seen recently
	stateIdle                    // probe sent, awaiting evidence of life
	stateReconnect               // forced reconnect requested
)

const (
	minBackoff           = 1 * time.Second
	maxBackoff           = 8 * time.Second
	defaultProbeInterval = 5 * time.Second
)

// Controller is the reconnect state machine. Unlimited retries by default;
// SetMaxTries(0) turns the session unreliable: after the next failure it
// stays down.
type Controller struct {
	name          string
	maxTries      int // -1 = unlimited
	probeInterval time.Duration

	state        state
	deadline     time.Time // when the current state wants attention
	hasDeadline  bool
	lastReceived time.Time
	backoff      *backoff.ExponentialBackOff
}

// New returns a controller in the not-yet-enabled state.
func New(now time.Time) *Controller {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minBackoff
	b.MaxInterval = maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // interval schedule only; we decide when to stop
	b.Reset()
	return &Controller{
		maxTries:      -1,
		probeInterval: defaultProbeInterval,
		lastReceived:  now,
		backoff:       b,
	}
}

// SetName records the target this controller reconnects to.
func (c *Controller) SetName(name string) { c.name = name }

// Name returns the target recorded with SetName.
func (c *Controller) Name() string { return c.name }

// SetMaxTries bounds the remaining connection attempts. 0 means never
// connect (again); a negative value means unlimited.
func (c *Controller) SetMaxTries(n int) { c.maxTries = n }

// MaxTries returns the remaining connection attempts, or a negative value
// for unlimited.
func (c *Controller) MaxTries() int { return c.maxTries }

// SetProbeInterval adjusts how long the peer may stay silent before a probe
// is commanded. Zero disables probing.
func (c *Controller) SetProbeInterval(d time.Duration) { c.probeInterval = d }

// Enable permits the controller to issue connect commands; the first one is
// immediate.
func (c *Controller) Enable(now time.Time) {
	if c.state == stateVoid {
		c.enterBackoff(now, 0)
	}
}

// Connecting records that the caller has initiated a connection attempt.
func (c *Controller) Connecting(now time.Time) {
	if c.maxTries > 0 {
		c.maxTries--
	}
	c.state = stateConnecting
	c.deadline = now.Add(maxBackoff)
	c.hasDeadline = true
}

// Connected records a successful connection. The backoff schedule resets.
func (c *Controller) Connected(now time.Time) {
	c.backoff.Reset()
	c.state = stateActive
	c.lastReceived = now
	c.hasDeadline = false
}

// ConnectFailed records a failed connection attempt.
func (c *Controller) ConnectFailed(now time.Time, err error) {
	c.enterBackoff(now, c.backoff.NextBackOff())
}

// Disconnected records the loss of an established connection. After a
// forced reconnect the immediate schedule already in place wins over the
// backoff interval.
func (c *Controller) Disconnected(now time.Time, err error) {
	if c.state == stateBackoff {
		return
	}
	c.enterBackoff(now, c.backoff.NextBackOff())
}

// Received records evidence that the peer is alive.
func (c *Controller) Received(now time.Time) {
	c.lastReceived = now
	if c.state == stateIdle {
		c.state = stateActive
		c.hasDeadline = false
	}
}

// ForceReconnect makes Run command a disconnect and immediate reconnect.
func (c *Controller) ForceReconnect(now time.Time) {
	switch c.state {
	case stateConnecting, stateActive, stateIdle:
		c.state = stateReconnect
		c.hasDeadline = false
	}
}

func (c *Controller) enterBackoff(now time.Time, wait time.Duration) {
	if wait < 0 {
		wait = maxBackoff
	}
	c.state = stateBackoff
	c.deadline = now.Add(wait)
	c.hasDeadline = true
}

// Run returns the command the caller should execute now. Commands that
// change state (Probe) do so here; Connect and Disconnect expect the caller
// to answer with a Connecting/ConnectFailed or Disconnected event.
func (c *Controller) Run(now time.Time) Command {
	switch c.state {
	case stateBackoff:
		if c.maxTries == 0 {
			return None
		}
		if !now.Before(c.deadline) {
			return Connect
		}
	case stateConnecting:
		if !now.Before(c.deadline) {
			return Disconnect
		}
	case stateActive:
		if c.probeInterval > 0 && !now.Before(c.lastReceived.Add(c.probeInterval)) {
			c.state = stateIdle
			c.deadline = now.Add(c.probeInterval)
			c.hasDeadline = true
			return Probe
		}
	case stateIdle:
		if !now.Before(c.deadline) {
			return Disconnect
		}
	case stateReconnect:
		c.state = stateBackoff
		c.deadline = now
		c.hasDeadline = true
		return Disconnect
	}
	return None
}

// Wait registers the controller's next deadline with the readiness layer.
func (c *Controller) Wait(w *poll.Waiter, now time.Time) {
	switch c.state {
	case stateActive:
		if c.probeInterval > 0 {
			w.Deadline(c.lastReceived.Add(c.probeInterval))
		}
	case stateReconnect:
		w.Immediate()
	default:
		if c.hasDeadline && !(c.state == stateBackoff && c.maxTries == 0) {
			w.Deadline(c.deadline)
		}
	}
}
