// Package probe implements the generic "try ordered candidates, cache the
// winner, retry on loss" connection strategy, applied to node RPC ports.
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultRetryInterval is the reconnect-attempt cadence while disconnected.
// Status-facing freshness is provided by the health monitor's faster poll,
// which is deliberately decoupled from this interval.
const DefaultRetryInterval = 30 * time.Second

// Attempt records the outcome of probing one candidate.
type Attempt struct {
	Port      int    `json:"port"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Result is the outcome of a Connect call.
type Result struct {
	Connected bool      `json:"connected"`
	Port      int       `json:"port,omitempty"`
	LatencyMS int64     `json:"latencyMs,omitempty"`
	Attempts  []Attempt `json:"attempts,omitempty"`
}

// ProbeFunc checks whether a single candidate port is reachable.
type ProbeFunc func(ctx context.Context, port int) error

// Prober probes an ordered list of candidate ports. The first candidate is
// the user's explicit configuration and wins whenever it is reachable at
// all, so probing is strictly sequential, never parallel.
type Prober struct {
	candidates    []int
	probe         ProbeFunc
	retryInterval time.Duration

	mu          sync.Mutex
	cached      int // 0 means no cached winner
	retryCancel context.CancelFunc
}

// NewProber creates a prober over the given candidates, in priority order.
func NewProber(candidates []int, fn ProbeFunc, retryInterval time.Duration) *Prober {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	return &Prober{
		candidates:    append([]int(nil), candidates...),
		probe:         fn,
		retryInterval: retryInterval,
	}
}

// Connect attempts the cached winner first, then each candidate strictly
// in order, short-circuiting at the first success. The winner is cached so
// subsequent calls skip straight to it; a full re-probe happens only when
// the cached candidate fails or after ClearCache.
func (p *Prober) Connect(ctx context.Context) Result {
	p.mu.Lock()
	cached := p.cached
	p.mu.Unlock()

	var res Result

	if cached != 0 {
		start := time.Now()
		err := p.probe(ctx, cached)
		latency := time.Since(start).Milliseconds()
		if err == nil {
			res.Connected = true
			res.Port = cached
			res.LatencyMS = latency
			return res
		}
		log.Debug().Int("port", cached).Err(err).Msg("Cached RPC port lost, re-probing full candidate list")
		res.Attempts = append(res.Attempts, Attempt{Port: cached, LatencyMS: latency, Error: err.Error()})
		p.ClearCache()
	}

	for _, port := range p.candidates {
		if ctx.Err() != nil {
			return res
		}
		start := time.Now()
		err := p.probe(ctx, port)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			res.Attempts = append(res.Attempts, Attempt{Port: port, LatencyMS: latency, Error: err.Error()})
			continue
		}

		p.mu.Lock()
		p.cached = port
		p.mu.Unlock()

		res.Connected = true
		res.Port = port
		res.LatencyMS = latency
		if port != p.candidates[0] {
			log.Info().Int("port", port).Int("configured", p.candidates[0]).Msg("Connected on fallback RPC port")
		}
		return res
	}

	return res
}

// CachedPort returns the cached winning candidate, or 0 when disconnected.
func (p *Prober) CachedPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached
}

// ClearCache forces a full ordered re-probe on the next Connect.
func (p *Prober) ClearCache() {
	p.mu.Lock()
	p.cached = 0
	p.mu.Unlock()
}

// StartRetry re-attempts the full ordered probe on a fixed interval until
// one candidate succeeds, then invokes onRecovered and stops. Repeated
// calls restart the loop. Cancel via StopRetry or the parent context.
func (p *Prober) StartRetry(ctx context.Context, onRecovered func(Result)) {
	p.StopRetry()

	retryCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.retryCancel = cancel
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(p.retryInterval)
		defer ticker.Stop()

		log.Info().Dur("interval", p.retryInterval).Msg("RPC reconnect loop started")

		for {
			select {
			case <-retryCtx.Done():
				return
			case <-ticker.C:
				res := p.Connect(retryCtx)
				if res.Connected {
					log.Info().Int("port", res.Port).Msg("RPC connection recovered")
					p.StopRetry()
					onRecovered(res)
					return
				}
			}
		}
	}()
}

// StopRetry cancels a running retry loop, if any.
func (p *Prober) StopRetry() {
	p.mu.Lock()
	cancel := p.retryCancel
	p.retryCancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
