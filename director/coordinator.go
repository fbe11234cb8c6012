package director

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NethermindEth/agent-lounge/communication"
	"github.com/NethermindEth/agent-lounge/core"
	"github.com/NethermindEth/agent-lounge/keypool"
	"github.com/NethermindEth/agent-lounge/metrics"
	"github.com/NethermindEth/agent-lounge/pause"
)

// Coordinator owns the pause controller and the key pool server. Both
// schedulers reach them only through its methods, which are message passes
// into the owning goroutines.
type Coordinator struct {
	keys       *keypool.Server
	controller *pause.Controller
	cycle      *pause.Cycle
	reqs       chan func()
	done       chan struct{}
	poll       time.Duration
	paused     bool

	notify  communication.Notifier
	clock   core.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewCoordinator wires a coordinator. cycle may be nil to disable the
// scheduled active/cooldown windows.
func NewCoordinator(keys *keypool.Server, controller *pause.Controller, cycle *pause.Cycle,
	notify communication.Notifier, clock core.Clock, log *zap.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		keys:       keys,
		controller: controller,
		cycle:      cycle,
		reqs:       make(chan func()),
		done:       make(chan struct{}),
		poll:       time.Second,
		notify:     notify,
		clock:      clock,
		log:        log,
		metrics:    m,
	}
}

// Run serves the key pool and the pause state until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.keys.Run(gctx) })
	g.Go(func() error { return c.loop(gctx) })
	return g.Wait()
}

func (c *Coordinator) loop(ctx context.Context) error {
	defer close(c.done)

	if c.cycle != nil {
		c.cycle.Start(c.clock.Now())
	}
	c.observe()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.reqs:
			fn()
			c.observe()
		case <-ticker.C:
			if c.cycle != nil {
				c.cycle.Step(c.controller, c.clock.Now())
			}
			c.observe()
			c.metrics.SetAvailableCredentials(countAvailable(c.keys.Statuses()))
		}
	}
}

// observe publishes pause transitions, including holds that lapsed.
func (c *Coordinator) observe() {
	st := c.controller.State()
	if st.Paused == c.paused {
		return
	}
	c.paused = st.Paused
	c.metrics.SetPaused(st.Paused)

	topic := communication.TopicDirectorResumed
	if st.Paused {
		topic = communication.TopicDirectorPaused
		c.log.Warn("director paused",
			zap.Time("resume_at", st.ResumeAt),
			zap.Int("holds", st.HoldCount),
			zap.Bool("scheduled", st.Scheduled))
	} else {
		c.log.Info("director resumed")
	}
	c.notify.Publish(topic, communication.PauseChanged{
		Paused:    st.Paused,
		ResumeAt:  st.ResumeAt,
		HoldCount: st.HoldCount,
		Scheduled: st.Scheduled,
	})
}

// do runs fn in the coordinator goroutine. It reports false once Run has
// returned.
func (c *Coordinator) do(fn func()) bool {
	reply := make(chan struct{})
	select {
	case c.reqs <- func() { fn(); close(reply) }:
		<-reply
		return true
	case <-c.done:
		return false
	}
}

func (c *Coordinator) RequestPause(d time.Duration, scheduled bool) {
	c.do(func() { c.controller.RequestPause(d, scheduled) })
}

func (c *Coordinator) RequestResume(scheduled bool) {
	c.do(func() { c.controller.RequestResume(scheduled) })
}

// IsPaused reports true after shutdown so late ticks do nothing.
func (c *Coordinator) IsPaused() bool {
	paused := true
	c.do(func() { paused = c.controller.IsPaused() })
	return paused
}

func (c *Coordinator) State() pause.State {
	st := pause.State{Paused: true}
	c.do(func() { st = c.controller.State() })
	return st
}

func (c *Coordinator) Acquire(forAgent string) (keypool.Credential, bool) {
	return c.keys.Acquire(forAgent)
}

func (c *Coordinator) ReportRateLimited(secret string, cooldown time.Duration) {
	c.keys.ReportRateLimited(secret, cooldown)
}

func (c *Coordinator) AllOnCooldown() bool {
	return c.keys.AllOnCooldown()
}

// Credentials returns the redacted credential states.
func (c *Coordinator) Credentials() []keypool.Status {
	return c.keys.Statuses()
}

func countAvailable(statuses []keypool.Status) int {
	n := 0
	for _, s := range statuses {
		if s.Available {
			n++
		}
	}
	return n
}
