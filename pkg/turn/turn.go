// Package turn decides, frame by frame, whether caller audio may reach the model.
package turn

import "time"

// State is the bot's position in its speaking cycle.
type State int

const (
	// Idle: no response in flight.
	Idle State = iota
	// Responding: a response was requested or started but no audio has arrived yet.
	Responding
	// Speaking: response audio is streaming to the caller.
	Speaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Responding:
		return "responding"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Controller tracks the turn state and the post-speech suppression window.
// It is not safe for concurrent use; the owning session serializes access.
type Controller struct {
	tail          time.Duration
	state         State
	suppressUntil time.Time
}

// NewController creates a controller that extends suppression by tail on every bot event.
func NewController(tail time.Duration) *Controller {
	if tail < 0 {
		tail = 0
	}
	return &Controller{tail: tail}
}

// State returns the current turn state.
func (c *Controller) State() State { return c.state }

// Active reports whether a response is in flight.
func (c *Controller) Active() bool { return c.state != Idle }

// Speaking reports whether bot audio is streaming.
func (c *Controller) Speaking() bool { return c.state == Speaking }

// SuppressUntil returns the end of the suppression window.
func (c *Controller) SuppressUntil() time.Time { return c.suppressUntil }

// Requested records a directive injection.
func (c *Controller) Requested() {
	c.state = Responding
}

// Started records a response-created event.
func (c *Controller) Started(now time.Time) {
	c.state = Responding
	c.extend(now)
}

// Audio records an outbound audio delta.
func (c *Controller) Audio(now time.Time) {
	c.state = Speaking
	c.extend(now)
}

// Completed records a response that finished or was cancelled. The suppression window is
// left to run out on its own.
func (c *Controller) Completed() {
	c.state = Idle
}

// Reset returns to Idle and drops the suppression window.
func (c *Controller) Reset() {
	c.state = Idle
	c.suppressUntil = time.Time{}
}

// Allow reports whether an inbound frame arriving at now may be forwarded. With barge-in
// enabled every frame passes and the model's own VAD handles interruption.
func (c *Controller) Allow(now time.Time, bargeIn bool) bool {
	if bargeIn {
		return true
	}
	if c.state != Idle {
		return false
	}
	return !now.Before(c.suppressUntil)
}

func (c *Controller) extend(now time.Time) {
	if until := now.Add(c.tail); until.After(c.suppressUntil) {
		c.suppressUntil = until
	}
}
