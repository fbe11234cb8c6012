package keypool

import (
	"context"
	"time"
)

// Server owns a Pool inside one goroutine and serves it over a channel, so
// several schedulers can share credentials without sharing memory.
type Server struct {
	pool *Pool
	reqs chan func(*Pool)
	done chan struct{}
}

func NewServer(pool *Pool) *Server {
	return &Server{
		pool: pool,
		reqs: make(chan func(*Pool)),
		done: make(chan struct{}),
	}
}

// Run serves requests until ctx is cancelled. Requests made after Run returns
// behave as if the pool were exhausted.
func (s *Server) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.reqs:
			fn(s.pool)
		}
	}
}

func (s *Server) submit(fn func(*Pool)) bool {
	select {
	case s.reqs <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server) Acquire(forAgent string) (Credential, bool) {
	var (
		cred Credential
		ok   bool
	)
	reply := make(chan struct{})
	if !s.submit(func(p *Pool) {
		cred, ok = p.Acquire(forAgent)
		close(reply)
	}) {
		return Credential{}, false
	}
	<-reply
	return cred, ok
}

func (s *Server) ReportRateLimited(secret string, cooldown time.Duration) {
	s.submit(func(p *Pool) { p.ReportRateLimited(secret, cooldown) })
}

func (s *Server) AllOnCooldown() bool {
	exhausted := true
	reply := make(chan struct{})
	if !s.submit(func(p *Pool) {
		exhausted = p.AllOnCooldown()
		close(reply)
	}) {
		return true
	}
	<-reply
	return exhausted
}

func (s *Server) NextAvailable() time.Time {
	var next time.Time
	reply := make(chan struct{})
	if !s.submit(func(p *Pool) {
		next = p.NextAvailable()
		close(reply)
	}) {
		return time.Time{}
	}
	<-reply
	return next
}

func (s *Server) Statuses() []Status {
	var out []Status
	reply := make(chan struct{})
	if !s.submit(func(p *Pool) {
		out = p.Statuses()
		close(reply)
	}) {
		return nil
	}
	<-reply
	return out
}
