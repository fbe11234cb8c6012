// Package pause implements the global circuit breaker that stops every
// scheduler tick while the system is on hold.
package pause

import (
	"time"

	"github.com/NethermindEth/agent-lounge/core"
)

// Gate is the view schedulers and operators have of the pause state.
type Gate interface {
	RequestPause(d time.Duration, scheduled bool)
	RequestResume(scheduled bool)
	IsPaused() bool
	State() State
}

// State is a point-in-time snapshot of the controller.
type State struct {
	Paused    bool      `json:"paused"`
	ResumeAt  time.Time `json:"resume_at,omitempty"`
	HoldCount int       `json:"hold_count"`
	Scheduled bool      `json:"scheduled"`
}

// Controller tracks counted manual holds and a single scheduled hold. Manual
// holds with a positive duration lapse on their own; a zero duration holds
// until RequestResume. It is not safe for concurrent use.
type Controller struct {
	clock          core.Clock
	holds          []time.Time
	scheduled      bool
	scheduledUntil time.Time
}

func NewController(clock core.Clock) *Controller {
	return &Controller{clock: clock}
}

func (c *Controller) RequestPause(d time.Duration, scheduled bool) {
	now := c.clock.Now()
	var until time.Time
	if d > 0 {
		until = now.Add(d)
	}
	if scheduled {
		c.scheduled = true
		c.scheduledUntil = until
		return
	}
	c.holds = append(c.holds, until)
}

// RequestResume releases the scheduled hold, or the most recent manual hold.
func (c *Controller) RequestResume(scheduled bool) {
	if scheduled {
		c.scheduled = false
		c.scheduledUntil = time.Time{}
		return
	}
	c.expire()
	if n := len(c.holds); n > 0 {
		c.holds = c.holds[:n-1]
	}
}

func (c *Controller) IsPaused() bool {
	c.expire()
	return c.scheduled || len(c.holds) > 0
}

// ManualHolds returns how many manual holds are still in force.
func (c *Controller) ManualHolds() int {
	c.expire()
	return len(c.holds)
}

func (c *Controller) State() State {
	c.expire()
	st := State{
		Paused:    c.scheduled || len(c.holds) > 0,
		HoldCount: len(c.holds),
		Scheduled: c.scheduled,
	}
	if c.scheduled {
		st.ResumeAt = c.scheduledUntil
	}
	for _, until := range c.holds {
		if until.After(st.ResumeAt) {
			st.ResumeAt = until
		}
	}
	return st
}

func (c *Controller) expire() {
	now := c.clock.Now()
	kept := c.holds[:0]
	for _, until := range c.holds {
		if until.IsZero() || now.Before(until) {
			kept = append(kept, until)
		}
	}
	c.holds = kept
}
