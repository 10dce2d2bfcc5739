package connpool

import (
	"sort"
	"time"
)

// KeyStats describes the pool of one endpoint
type KeyStats struct {
	Endpoint    string    `json:"endpoint"`
	Open        int       `json:"open"`
	Idle        int       `json:"idle"`
	Failures    int       `json:"consecutive_failures"`
	CircuitOpen bool      `json:"circuit_open"`
	RetryAt     time.Time `json:"retry_at,omitempty"`
}

// Stats is a point-in-time view of the whole pool
type Stats struct {
	Endpoints    []KeyStats `json:"endpoints"`
	TotalOpen    int        `json:"total_open"`
	OpenCircuits int        `json:"open_circuits"`
}

// Stats returns a snapshot of every endpoint, sorted by host:port
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var out Stats
	for _, kp := range p.pools {
		ks := KeyStats{
			Endpoint: kp.label,
			Open:     len(kp.sessions),
			Idle:     len(kp.idle),
			Failures: kp.failures,
		}
		if kp.failures >= p.cfg.FailureThreshold {
			retryAt := kp.lastFailure.Add(p.backoff(kp.failures))
			if now.Before(retryAt) {
				ks.CircuitOpen = true
				ks.RetryAt = retryAt
				out.OpenCircuits++
			}
		}
		out.TotalOpen += ks.Open
		out.Endpoints = append(out.Endpoints, ks)
	}
	sort.Slice(out.Endpoints, func(i, j int) bool {
		return out.Endpoints[i].Endpoint < out.Endpoints[j].Endpoint
	})
	return out
}
