package pause

import "time"

// Cycle alternates fixed active and cooldown windows on top of a Controller
// using its scheduled hold. A flip that comes due while a manual hold is in
// force is pushed back by Retry instead of being dropped.
type Cycle struct {
	Active   time.Duration
	Cooldown time.Duration
	Retry    time.Duration

	inCooldown bool
	nextFlip   time.Time
}

func NewCycle(active, cooldown, retry time.Duration) *Cycle {
	if retry <= 0 {
		retry = 30 * time.Second
	}
	return &Cycle{Active: active, Cooldown: cooldown, Retry: retry}
}

// Start opens the first active window at now.
func (cy *Cycle) Start(now time.Time) time.Time {
	cy.inCooldown = false
	cy.nextFlip = now.Add(cy.Active)
	return cy.nextFlip
}

func (cy *Cycle) InCooldown() bool { return cy.inCooldown }

func (cy *Cycle) NextFlip() time.Time { return cy.nextFlip }

// Step applies a due flip to c and returns the time Step should run next.
func (cy *Cycle) Step(c *Controller, now time.Time) time.Time {
	if now.Before(cy.nextFlip) {
		return cy.nextFlip
	}
	if c.ManualHolds() > 0 {
		cy.nextFlip = now.Add(cy.Retry)
		return cy.nextFlip
	}
	if cy.inCooldown {
		c.RequestResume(true)
		cy.inCooldown = false
		cy.nextFlip = now.Add(cy.Active)
	} else {
		c.RequestPause(cy.Cooldown, true)
		cy.inCooldown = true
		cy.nextFlip = now.Add(cy.Cooldown)
	}
	return cy.nextFlip
}
