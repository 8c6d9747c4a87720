// Package balancer selects the upstream account serving each request and
// tracks recent upstream failures.
package balancer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/polyrelay/polyrelay/internal/config"
)

const (
	// FailThreshold is how many recent failures exclude an account.
	FailThreshold = 3
	// RecoveryTime is how long an excluded account stays out of rotation.
	RecoveryTime = 60 * time.Second
)

// Strategy names accepted in configuration.
const (
	StrategyRoundRobin = "round-robin"
	StrategyFillFirst  = "fill-first"
	StrategyFailover   = "failover"
)

// Selection is the triple handed to the forwarder.
type Selection struct {
	Account     config.Account
	Provider    config.Provider
	ActualModel string
}

// ConfigSource is the read side of the configuration the balancer consumes.
type ConfigSource interface {
	GetProviders() []config.Provider
	GetAccountsByProviderID(providerID string, includeCredentials bool) []config.Account
	GetSettings() config.Settings
}

type failureRecord struct {
	count       int
	lastFailure time.Time
}

// Balancer arbitrates account selection across providers. One exclusive lock
// protects the round-robin cursors and the failure map; selections are short.
type Balancer struct {
	source ConfigSource

	mu         sync.Mutex
	roundRobin map[string]int
	failures   map[string]*failureRecord
}

// New creates a balancer over the given configuration source.
func New(source ConfigSource) *Balancer {
	return &Balancer{
		source:     source,
		roundRobin: make(map[string]int),
		failures:   make(map[string]*failureRecord),
	}
}

// SelectAccount resolves the request model and picks an account for it.
func (b *Balancer) SelectAccount(requestModel string) (*Selection, error) {
	settings := b.source.GetSettings()
	resolved := ResolveModel(settings.ModelMappings, requestModel)

	// Preferred account short-circuit. The failure window still applies.
	if resolved.PreferredAccountID != "" {
		if sel := b.preferredSelection(resolved); sel != nil {
			return sel, nil
		}
		logrus.Debugf("preferred account %s unavailable for model %s, falling back",
			resolved.PreferredAccountID, requestModel)
	}

	candidates := b.enumerate(resolved, false)
	if len(candidates) == 0 {
		// Failover degrades to the least-bad account when every candidate
		// sits inside the failure window.
		if settings.LoadBalanceStrategy == StrategyFailover {
			if sel := b.pickLeastFailed(b.enumerate(resolved, true)); sel != nil {
				logrus.Debugf("all accounts failing for model %s, serving %s",
					requestModel, sel.Account.ID)
				return sel, nil
			}
		}
		return nil, fmt.Errorf("no available account for model %s", requestModel)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch settings.LoadBalanceStrategy {
	case StrategyFillFirst:
		return pickFillFirst(candidates), nil
	default: // round-robin; failover round-robins over the healthy subset
		key := cursorKey(candidates)
		idx := b.roundRobin[key] % len(candidates)
		b.roundRobin[key]++
		return &candidates[idx], nil
	}
}

// cursorKey identifies one round-robin cursor by the sorted provider ids of
// the candidate pool.
func cursorKey(candidates []Selection) string {
	ids := make([]string, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if !seen[c.Provider.ID] {
			seen[c.Provider.ID] = true
			ids = append(ids, c.Provider.ID)
		}
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// preferredSelection honors a mapping's pinned account when it is selectable
// and outside the failure window.
func (b *Balancer) preferredSelection(resolved ResolvedModel) *Selection {
	for _, p := range b.source.GetProviders() {
		if !p.Enabled {
			continue
		}
		if resolved.PreferredProviderID != "" && p.ID != resolved.PreferredProviderID {
			continue
		}
		for _, a := range b.source.GetAccountsByProviderID(p.ID, true) {
			if a.ID != resolved.PreferredAccountID {
				continue
			}
			if !a.Selectable() || b.inFailureWindow(a.ID) {
				return nil
			}
			return &Selection{Account: a, Provider: p, ActualModel: upstreamModel(p, resolved.ActualModel)}
		}
	}
	return nil
}

// enumerate builds the candidate list in configuration order. Disabled
// providers, non-active accounts and capped accounts never appear; accounts
// inside the failure window are kept only when includeFailed is set.
func (b *Balancer) enumerate(resolved ResolvedModel, includeFailed bool) []Selection {
	providers := b.source.GetProviders()

	build := func(restrictTo string) []Selection {
		var out []Selection
		for _, p := range providers {
			if !p.Enabled {
				continue
			}
			if restrictTo != "" && p.ID != restrictTo {
				continue
			}
			if !p.SupportsModel(resolved.ActualModel) {
				continue
			}
			for _, a := range b.source.GetAccountsByProviderID(p.ID, true) {
				if !a.Selectable() {
					continue
				}
				if !includeFailed && b.inFailureWindow(a.ID) {
					continue
				}
				out = append(out, Selection{Account: a, Provider: p, ActualModel: upstreamModel(p, resolved.ActualModel)})
			}
		}
		return out
	}

	// A preferred provider restricts the pool only while it can serve.
	if resolved.PreferredProviderID != "" {
		if out := build(resolved.PreferredProviderID); len(out) > 0 {
			return out
		}
	}
	return build("")
}

// pickFillFirst selects the least-loaded candidate, ties broken by the
// oldest lastUsed.
func pickFillFirst(candidates []Selection) *Selection {
	best := 0
	for i := 1; i < len(candidates); i++ {
		a, cur := candidates[i].Account, candidates[best].Account
		if a.TodayUsed < cur.TodayUsed ||
			(a.TodayUsed == cur.TodayUsed && a.LastUsed.Before(cur.LastUsed)) {
			best = i
		}
	}
	return &candidates[best]
}

// pickLeastFailed selects the candidate with the fewest recorded failures,
// ties broken by the oldest last failure.
func (b *Balancer) pickLeastFailed(candidates []Selection) *Selection {
	if len(candidates) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	best := 0
	for i := 1; i < len(candidates); i++ {
		if failLess(b.failures[candidates[i].Account.ID], b.failures[candidates[best].Account.ID]) {
			best = i
		}
	}
	return &candidates[best]
}

// failLess orders failure records by count, then by older last failure. A
// missing record sorts first.
func failLess(a, b *failureRecord) bool {
	var ac, bc int
	var at, bt time.Time
	if a != nil {
		ac, at = a.count, a.lastFailure
	}
	if b != nil {
		bc, bt = b.count, b.lastFailure
	}
	if ac != bc {
		return ac < bc
	}
	return at.Before(bt)
}

// upstreamModel applies the provider's own model mapping on top of the
// globally resolved name.
func upstreamModel(p config.Provider, model string) string {
	if mapped, ok := p.ModelMappings[model]; ok && mapped != "" {
		return mapped
	}
	return model
}

// MarkAccountFailed records one upstream failure for the account.
func (b *Balancer) MarkAccountFailed(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.failures[accountID]
	if !ok {
		rec = &failureRecord{}
		b.failures[accountID] = rec
	}
	rec.count++
	rec.lastFailure = time.Now()

	if rec.count >= FailThreshold {
		logrus.Warnf("account %s excluded after %d failures", accountID, rec.count)
	}
}

// ClearAccountFailure forgets the account's failure history.
func (b *Balancer) ClearAccountFailure(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, accountID)
}

// FailureCount returns the account's current failure count.
func (b *Balancer) FailureCount(accountID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.failures[accountID]; ok {
		return rec.count
	}
	return 0
}

// inFailureWindow reports whether the account is currently excluded. Expired
// records are dropped lazily.
func (b *Balancer) inFailureWindow(accountID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.failures[accountID]
	if !ok {
		return false
	}
	if time.Since(rec.lastFailure) >= RecoveryTime {
		delete(b.failures, accountID)
		return false
	}
	return rec.count >= FailThreshold
}
