// Package keypool selects, rate-limits and health-tracks API credentials
// grouped into named scopes.
package keypool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pnw-tools/raidscout/internal/resilience"
)

// Health is the advisory health state of a credential.
type Health string

const (
	Healthy     Health = "healthy"
	Quarantined Health = "quarantined"
)

const (
	defaultHourlyQuota = 1000
	defaultQuarantine  = 300 * time.Second
	window             = time.Hour
)

// Observer receives key usage events. The monitoring package implements it.
type Observer interface {
	KeyUsed(scope, key string, callsThisWindow int)
	KeyQuarantined(scope, key, reason string)
}

// Options configures a Pool.
type Options struct {
	HourlyQuota int
	Quarantine  time.Duration
	Observer    Observer
}

type keyState struct {
	credential       string
	scope            string
	calls            int
	totalCalls       int64
	windowReset      time.Time
	health           Health
	quarantineReason string
	quarantinedAt    time.Time
}

// KeyStats is a read-only view of one credential.
type KeyStats struct {
	Key              string    `json:"key"`
	Scope            string    `json:"scope"`
	CallsThisWindow  int       `json:"calls_this_window"`
	TotalCalls       int64     `json:"total_calls"`
	WindowReset      time.Time `json:"window_reset"`
	Health           Health    `json:"health"`
	QuarantineReason string    `json:"quarantine_reason,omitempty"`
	QuarantinedAt    time.Time `json:"quarantined_at,omitempty"`
}

// Pool holds every credential. A single mutex guards all counters, so
// concurrent pipeline runs can share one Pool.
type Pool struct {
	mu       sync.Mutex
	scopes   map[string][]string
	keys     map[string]*keyState
	rotation map[string]int
	opts     Options

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a pool from scope -> credential lists. A credential listed in
// more than one scope shares one rate window, because the upstream limit is
// per credential. Empty credentials are ignored.
func New(scopes map[string][]string, opts Options) *Pool {
	if opts.HourlyQuota <= 0 {
		opts.HourlyQuota = defaultHourlyQuota
	}
	if opts.Quarantine <= 0 {
		opts.Quarantine = defaultQuarantine
	}
	p := &Pool{
		scopes:   make(map[string][]string, len(scopes)),
		keys:     make(map[string]*keyState),
		rotation: make(map[string]int, len(scopes)),
		opts:     opts,
		nowFunc:  time.Now,
	}
	now := p.nowFunc()
	for scope, creds := range scopes {
		var list []string
		seen := make(map[string]bool, len(creds))
		for _, c := range creds {
			if c == "" || seen[c] {
				continue
			}
			seen[c] = true
			list = append(list, c)
			if _, ok := p.keys[c]; !ok {
				p.keys[c] = &keyState{
					credential:  c,
					scope:       scope,
					windowReset: now.Add(window),
					health:      Healthy,
				}
			}
		}
		p.scopes[scope] = list
	}
	return p
}

// Acquire returns a credential from scope. Credentials with quota left in
// their window come first, then healthy ones, so a quarantined key with
// quota beats a healthy key that is spent. Among the best tier the one with
// the fewest calls in its current window wins; the per-scope rotation index
// breaks ties.
func (p *Pool) Acquire(scope string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	creds, ok := p.scopes[scope]
	if !ok {
		return "", resilience.NewConfigurationError(fmt.Sprintf("unknown key scope %q", scope))
	}
	if len(creds) == 0 {
		return "", resilience.NewConfigurationError(fmt.Sprintf("key scope %q has no credentials", scope))
	}

	now := p.nowFunc()
	var tiers [4][]*keyState
	for _, c := range creds {
		ks := p.keys[c]
		p.resetIfDue(ks, now)
		tier := 0
		if ks.calls >= p.opts.HourlyQuota {
			tier += 2
		}
		if !p.healthy(ks, now) {
			tier++
		}
		tiers[tier] = append(tiers[tier], ks)
	}

	var candidates []*keyState
	for tier, list := range tiers {
		if len(list) == 0 {
			continue
		}
		candidates = list
		if tier > 0 {
			zap.L().Warn("keypool: no healthy key with quota, falling back",
				zap.String("scope", scope),
				zap.Bool("quota_left", tier < 2),
			)
		}
		break
	}

	start := p.rotation[scope] % len(creds)
	p.rotation[scope] = (start + 1) % len(creds)

	best := pickFewest(candidates, creds, start)
	return best.credential, nil
}

// pickFewest returns the candidate with the fewest calls. Ties go to the
// candidate reached first when walking creds from position start.
func pickFewest(candidates []*keyState, creds []string, start int) *keyState {
	byCred := make(map[string]*keyState, len(candidates))
	for _, ks := range candidates {
		byCred[ks.credential] = ks
	}
	var best *keyState
	for i := range creds {
		ks, ok := byCred[creds[(start+i)%len(creds)]]
		if !ok {
			continue
		}
		if best == nil || ks.calls < best.calls {
			best = ks
		}
	}
	return best
}

// CheckWindow reports whether the credential still has quota in its current
// window. When the window has elapsed the counter is reset to zero and the
// reset time advances by exactly one hour.
func (p *Pool) CheckWindow(credential string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ks, ok := p.keys[credential]
	if !ok {
		return false
	}
	p.resetIfDue(ks, p.nowFunc())
	return ks.calls < p.opts.HourlyQuota
}

// resetIfDue must be called with mu held.
func (p *Pool) resetIfDue(ks *keyState, now time.Time) {
	if now.Before(ks.windowReset) {
		return
	}
	ks.calls = 0
	ks.windowReset = ks.windowReset.Add(window)
	zap.L().Debug("keypool: rate window reset",
		zap.String("key", Mask(ks.credential)),
		zap.Time("next_reset", ks.windowReset),
	)
}

// RecordUse counts one successful outbound call against the credential.
func (p *Pool) RecordUse(credential string) {
	p.mu.Lock()
	ks, ok := p.keys[credential]
	if !ok {
		p.mu.Unlock()
		return
	}
	ks.calls++
	ks.totalCalls++
	scope, calls := ks.scope, ks.calls
	p.mu.Unlock()

	if p.opts.Observer != nil {
		p.opts.Observer.KeyUsed(scope, Mask(credential), calls)
	}
}

// Quarantine marks the credential unhealthy. Quarantine is advisory: it only
// lowers the credential's priority in Acquire.
func (p *Pool) Quarantine(credential, reason string) {
	p.mu.Lock()
	ks, ok := p.keys[credential]
	if !ok {
		p.mu.Unlock()
		return
	}
	ks.health = Quarantined
	ks.quarantineReason = reason
	ks.quarantinedAt = p.nowFunc()
	scope := ks.scope
	p.mu.Unlock()

	zap.L().Warn("keypool: key quarantined",
		zap.String("key", Mask(credential)),
		zap.String("scope", scope),
		zap.String("reason", reason),
	)
	if p.opts.Observer != nil {
		p.opts.Observer.KeyQuarantined(scope, Mask(credential), reason)
	}
}

// IsHealthy reports whether the credential is healthy, clearing an expired
// quarantine as a side effect. Unknown credentials are unhealthy.
func (p *Pool) IsHealthy(credential string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ks, ok := p.keys[credential]
	if !ok {
		return false
	}
	return p.healthy(ks, p.nowFunc())
}

// healthy must be called with mu held.
func (p *Pool) healthy(ks *keyState, now time.Time) bool {
	if ks.health == Healthy {
		return true
	}
	if now.Sub(ks.quarantinedAt) >= p.opts.Quarantine {
		ks.health = Healthy
		ks.quarantineReason = ""
		ks.quarantinedAt = time.Time{}
		zap.L().Info("keypool: key recovered", zap.String("key", Mask(ks.credential)))
		return true
	}
	return false
}

// Stats returns a snapshot of every credential, sorted by scope then key.
// Keys are masked.
func (p *Pool) Stats() []KeyStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	states := make([]*keyState, 0, len(p.keys))
	for _, ks := range p.keys {
		states = append(states, ks)
	}
	// Short credentials all mask to the same string, so order on the raw value.
	sort.Slice(states, func(i, j int) bool {
		if states[i].scope != states[j].scope {
			return states[i].scope < states[j].scope
		}
		return states[i].credential < states[j].credential
	})

	out := make([]KeyStats, 0, len(states))
	for _, ks := range states {
		out = append(out, KeyStats{
			Key:              Mask(ks.credential),
			Scope:            ks.scope,
			CallsThisWindow:  ks.calls,
			TotalCalls:       ks.totalCalls,
			WindowReset:      ks.windowReset,
			Health:           ks.health,
			QuarantineReason: ks.quarantineReason,
			QuarantinedAt:    ks.quarantinedAt,
		})
	}
	return out
}

// Scopes returns the configured scope names, sorted.
func (p *Pool) Scopes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.scopes))
	for s := range p.scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ResetAll clears every counter and quarantine and restarts all windows.
func (p *Pool) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFunc()
	for _, ks := range p.keys {
		ks.calls = 0
		ks.windowReset = now.Add(window)
		ks.health = Healthy
		ks.quarantineReason = ""
		ks.quarantinedAt = time.Time{}
	}
	for s := range p.rotation {
		p.rotation[s] = 0
	}
	zap.L().Info("keypool: all keys reset", zap.Int("keys", len(p.keys)))
}

// Mask shortens a credential for logs and stats.
func Mask(credential string) string {
	if len(credential) <= 8 {
		return "****"
	}
	return credential[:4] + "..." + credential[len(credential)-4:]
}
