package hub

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

type grantState int

const (
	grantImplicit grantState = iota
	grantExplicit
	grantRevoked
)

// grantTable tracks per auth key, per channel access. Channels the policy
// allows are implicitly granted until revoked; a revoked channel needs an
// explicit Grant before it can be subscribed again.
type grantTable struct {
	mu      sync.RWMutex
	grants  map[string]map[string]grantState
	policy  GrantPolicy
	limiter *rate.Limiter
}

func newGrantTable(policy GrantPolicy, limiter *rate.Limiter) *grantTable {
	return &grantTable{
		grants:  make(map[string]map[string]grantState),
		policy:  policy,
		limiter: limiter,
	}
}

func (g *grantTable) state(authKey, channel string) grantState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.grants[authKey][channel]
}

func (g *grantTable) set(authKey, channel string, state grantState) {
	g.mu.Lock()
	defer g.mu.Unlock()

	channels, ok := g.grants[authKey]
	if !ok {
		channels = make(map[string]grantState)
		g.grants[authKey] = channels
	}
	channels[channel] = state
}

// allows reports whether a session may subscribe to channel.
func (g *grantTable) allows(userID, authKey, channel string) bool {
	switch g.state(authKey, channel) {
	case grantExplicit:
		return true
	case grantRevoked:
		return false
	default:
		return g.policy(userID, channel)
	}
}

// grant waits for the rate limiter, consults the policy and records an
// explicit grant.
func (g *grantTable) grant(ctx context.Context, userID, authKey, channel string) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("grant rate limit: %w", err)
		}
	}

	if !g.policy(userID, channel) {
		return fmt.Errorf("%w: %s", transport.ErrGrantDenied, channel)
	}

	g.set(authKey, channel, grantExplicit)
	return nil
}

func (g *grantTable) revoke(authKey, channel string) {
	g.set(authKey, channel, grantRevoked)
}

func (g *grantTable) explicit(authKey string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var channels []string
	for channel, state := range g.grants[authKey] {
		if state == grantExplicit {
			channels = append(channels, channel)
		}
	}
	return channels
}
