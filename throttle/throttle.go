// Package throttle provides per-region claim rate limiting. It protects the
// job store's contended claim path from poll storms: a fleet of workers in
// one region backing off and retrying in lockstep cannot monopolize the
// store. Denied claims are indistinguishable from "no job available" to the
// worker, which simply backs off and polls again.
package throttle

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/voxeval/dispatch"
)

// Config defines claim limits for a single region.
type Config struct {
	// Region is the region the limits apply to.
	Region dispatch.Region

	// ClaimRate is the maximum sustained claim attempts per second
	// admitted for this region. Zero disables rate limiting.
	ClaimRate float64

	// ClaimBurst is the burst size for the token-bucket limiter.
	// Defaults to 1 if ClaimRate is set but ClaimBurst is zero.
	ClaimBurst int
}

// regionState tracks runtime state for a single region.
type regionState struct {
	config  Config
	limiter *rate.Limiter
}

// Limiter admits or denies claim attempts per region. It is safe for
// concurrent use. Regions without a configuration have no limits.
type Limiter struct {
	mu      sync.Mutex
	regions map[dispatch.Region]*regionState
}

// NewLimiter creates a Limiter with the given per-region configurations.
func NewLimiter(configs ...Config) *Limiter {
	l := &Limiter{
		regions: make(map[dispatch.Region]*regionState, len(configs)),
	}
	for _, cfg := range configs {
		l.regions[cfg.Region] = newRegionState(cfg)
	}
	return l
}

func newRegionState(cfg Config) *regionState {
	rs := &regionState{config: cfg}
	if cfg.ClaimRate > 0 {
		burst := cfg.ClaimBurst
		if burst <= 0 {
			burst = 1
		}
		rs.limiter = rate.NewLimiter(rate.Limit(cfg.ClaimRate), burst)
	}
	return rs
}

// Allow reports whether a claim attempt for the region may proceed now.
func (l *Limiter) Allow(region dispatch.Region) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rs := l.regions[region]
	if rs == nil || rs.limiter == nil {
		return true
	}
	return rs.limiter.Allow()
}
