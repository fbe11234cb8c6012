// Package keypool hands out generation-service credentials and withholds the
// ones that were recently rate limited.
package keypool

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NethermindEth/agent-lounge/core"
)

// Credential is one API secret plus its cooldown bookkeeping.
type Credential struct {
	Secret        string    `json:"-"`
	CooldownUntil time.Time `json:"cooldown_until"`
	LastUsed      time.Time `json:"last_used"`
}

// Available reports whether the credential may be handed out at now.
func (c Credential) Available(now time.Time) bool {
	return !now.Before(c.CooldownUntil)
}

// Status is a redacted view of a credential for operators.
type Status struct {
	Label         string    `json:"label"`
	Available     bool      `json:"available"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	LastUsed      time.Time `json:"last_used,omitempty"`
}

// Source is what consumers of credentials depend on. Pool satisfies it for
// single-goroutine use; Server satisfies it for everything else.
type Source interface {
	Acquire(forAgent string) (Credential, bool)
	ReportRateLimited(secret string, cooldown time.Duration)
	AllOnCooldown() bool
}

// Pool is a fixed set of credentials. It is not safe for concurrent use.
type Pool struct {
	creds []*Credential
	clock core.Clock
	log   *zap.Logger
}

// New builds a pool from secrets. Blank and duplicate secrets are dropped.
func New(secrets []string, clock core.Clock, log *zap.Logger) *Pool {
	seen := make(map[string]bool, len(secrets))
	p := &Pool{clock: clock, log: log}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		p.creds = append(p.creds, &Credential{Secret: s})
	}
	return p
}

func (p *Pool) Size() int { return len(p.creds) }

// Acquire returns the least recently used credential whose cooldown has
// passed and stamps its LastUsed. It returns false without touching any state
// when every credential is cooling down.
func (p *Pool) Acquire(forAgent string) (Credential, bool) {
	now := p.clock.Now()
	var best *Credential
	for _, c := range p.creds {
		if !c.Available(now) {
			continue
		}
		if best == nil || c.LastUsed.Before(best.LastUsed) {
			best = c
		}
	}
	if best == nil {
		p.log.Debug("no credential available", zap.String("agent", forAgent))
		return Credential{}, false
	}
	best.LastUsed = now
	return *best, true
}

// ReportRateLimited withholds secret for cooldown. A longer cooldown already
// in place is kept.
func (p *Pool) ReportRateLimited(secret string, cooldown time.Duration) {
	for _, c := range p.creds {
		if c.Secret != secret {
			continue
		}
		until := p.clock.Now().Add(cooldown)
		if until.After(c.CooldownUntil) {
			c.CooldownUntil = until
		}
		p.log.Warn("credential rate limited",
			zap.String("credential", mask(secret)),
			zap.Time("cooldown_until", c.CooldownUntil))
		return
	}
	p.log.Warn("rate limit reported for unknown credential", zap.String("credential", mask(secret)))
}

// AllOnCooldown reports whether no credential can be handed out right now.
// An empty pool counts as exhausted.
func (p *Pool) AllOnCooldown() bool {
	now := p.clock.Now()
	for _, c := range p.creds {
		if c.Available(now) {
			return false
		}
	}
	return true
}

// NextAvailable returns when the earliest cooling credential frees up, or the
// zero time if one is available already.
func (p *Pool) NextAvailable() time.Time {
	now := p.clock.Now()
	var next time.Time
	for _, c := range p.creds {
		if c.Available(now) {
			return time.Time{}
		}
		if next.IsZero() || c.CooldownUntil.Before(next) {
			next = c.CooldownUntil
		}
	}
	return next
}

func (p *Pool) Statuses() []Status {
	now := p.clock.Now()
	out := make([]Status, 0, len(p.creds))
	for _, c := range p.creds {
		out = append(out, Status{
			Label:         mask(c.Secret),
			Available:     c.Available(now),
			CooldownUntil: c.CooldownUntil,
			LastUsed:      c.LastUsed,
		})
	}
	return out
}

func mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "…" + secret[len(secret)-4:]
}
