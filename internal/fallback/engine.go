// Package fallback implements the recovery state machine that reacts to
// sustained failure of a foundational service by redirecting its
// dependents to an alternate endpoint, troubleshooting, retrying, or
// skipping the dependency.
package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"dagstack/internal/catalog"
	"dagstack/internal/events"
	"dagstack/internal/health"
	"dagstack/internal/state"
)

// State is the engine's position in the recovery flow.
type State string

const (
	StateHealthy              State = "healthy"
	StateDegraded             State = "degraded"
	StateAwaitingDecision     State = "awaiting-decision"
	StatePublicFallbackActive State = "public-fallback-active"
	StateTroubleshooting      State = "troubleshooting"
	StateRetrying             State = "retrying"
	StateSkipped              State = "skipped"
)

// Strategy is one of the four mutually exclusive recovery choices
// surfaced to the operator.
type Strategy string

const (
	StrategyUsePublic    Strategy = "use-public"
	StrategyTroubleshoot Strategy = "troubleshoot"
	StrategyRetry        Strategy = "retry"
	StrategySkip         Strategy = "skip"
)

// Strategies returns the operator choices in recommendation order.
func Strategies() []Strategy {
	return []Strategy{StrategyUsePublic, StrategyTroubleshoot, StrategyRetry, StrategySkip}
}

// ParseStrategy validates an operator-supplied strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyUsePublic, StrategyTroubleshoot, StrategyRetry, StrategySkip:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown fallback strategy %q", s)
}

const (
	retryBackoffBase = time.Minute
	retryBackoffCap  = 15 * time.Minute
)

// Persister is the slice of the state store the engine needs to record
// decisions. Only the installer process supplies a writable one.
type Persister interface {
	Read() (*state.InstallationState, error)
	Update(fn func(*state.InstallationState) error) error
}

// CheckFunc re-runs a health check for the retry strategy.
type CheckFunc func(ctx context.Context, service string) health.Verdict

// DiagnosticsFunc fetches logs and container state for troubleshooting.
type DiagnosticsFunc func(ctx context.Context, service string) (string, error)

// Engine is the fallback state machine. Entry to degraded requires the
// failure to persist across a configured number of consecutive checks, so
// a single blip never triggers a decision prompt.
type Engine struct {
	catalog     *catalog.Catalog
	store       Persister
	bus         events.EventBus
	check       CheckFunc
	diagnostics DiagnosticsFunc

	threshold      int
	publicEndpoint string

	mu          sync.Mutex
	current     State
	target      string         // failing foundational service
	failures    map[string]int // consecutive unhealthy counts
	retryCount  int
	nextRetryAt time.Time
}

// NewEngine creates a fallback engine watching for sustained failures.
func NewEngine(cat *catalog.Catalog, store Persister, bus events.EventBus, check CheckFunc, diagnostics DiagnosticsFunc, threshold int, publicEndpoint string) *Engine {
	if threshold < 1 {
		threshold = 3
	}
	return &Engine{
		catalog:        cat,
		store:          store,
		bus:            bus,
		check:          check,
		diagnostics:    diagnostics,
		threshold:      threshold,
		publicEndpoint: publicEndpoint,
		current:        StateHealthy,
		failures:       make(map[string]int),
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Target returns the failing service, when degraded.
func (e *Engine) Target() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target
}

// Handle implements events.EventHandler: the engine consumes health
// verdicts from the bus.
func (e *Engine) Handle(event events.Event) error {
	verdict, ok := event.Data.(health.Verdict)
	if !ok {
		return nil
	}
	e.Observe(verdict)
	return nil
}

// CanHandle implements events.EventHandler.
func (e *Engine) CanHandle(t events.EventType) bool {
	return t == events.ServiceStatusChanged
}

// Observe feeds one health verdict into the consecutive-failure counter.
// Only foundational node services can trip the state machine.
func (e *Engine) Observe(v health.Verdict) {
	spec, ok := e.catalog.Service(v.Service)
	if !ok || spec.HealthCheck == nil || !spec.HealthCheck.Node {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if v.Healthy() {
		e.failures[v.Service] = 0
		// A restored service never silently flips dependents back; the
		// operator must Revert explicitly. Only the pre-decision states
		// recover automatically.
		if e.target == v.Service && (e.current == StateDegraded || e.current == StateAwaitingDecision || e.current == StateRetrying) {
			e.transitionLocked(StateHealthy, "service recovered before a decision was applied")
			e.target = ""
			e.retryCount = 0
			e.nextRetryAt = time.Time{}
		}
		return
	}

	e.failures[v.Service]++
	count := e.failures[v.Service]
	log.Debug().Str("service", v.Service).Int("consecutive", count).Int("threshold", e.threshold).Msg("Unhealthy verdict recorded")

	if count < e.threshold || e.current != StateHealthy {
		return
	}

	e.target = v.Service
	e.transitionLocked(StateDegraded, fmt.Sprintf("%d consecutive failed checks", count))
	e.transitionLocked(StateAwaitingDecision, "operator decision required")
}

// Arm puts the engine directly into awaiting-decision for a known failing
// service. The installer uses it to resume a decision the monitor handed
// off through a launch context.
func (e *Engine) Arm(target string) error {
	if _, ok := e.catalog.Service(target); !ok {
		return fmt.Errorf("unknown service %q", target)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.target = target
	e.failures[target] = e.threshold
	e.transitionLocked(StateAwaitingDecision, "decision handed off by monitor")
	return nil
}

// Restore places the engine in the post-decision state a persisted record
// proves it was in, so a fresh process can Revert a decision made earlier.
func (e *Engine) Restore(target string, strategy Strategy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.target = target
	switch strategy {
	case StrategyUsePublic:
		e.transitionLocked(StatePublicFallbackActive, "restored from persisted record")
	case StrategySkip:
		e.transitionLocked(StateSkipped, "restored from persisted record")
	default:
		return fmt.Errorf("strategy %q leaves nothing to restore", strategy)
	}
	return nil
}

// Decision is the outcome of applying a strategy.
type Decision struct {
	Strategy    Strategy              `json:"strategy"`
	State       State                 `json:"state"`
	Record      *state.FallbackRecord `json:"record,omitempty"`
	Diagnostics string                `json:"diagnostics,omitempty"`
	NextRetryAt time.Time             `json:"nextRetryAt,omitempty"`
}

// Decide applies one of the four operator strategies. Choosing the public
// fallback computes the closure of dependent services and rewrites their
// effective endpoints; the decision is persisted so it survives a restart.
func (e *Engine) Decide(ctx context.Context, strategy Strategy) (*Decision, error) {
	e.mu.Lock()
	if e.current != StateAwaitingDecision && e.current != StateTroubleshooting && e.current != StateRetrying {
		current := e.current
		e.mu.Unlock()
		return nil, fmt.Errorf("no decision pending (engine is %s)", current)
	}
	target := e.target
	e.mu.Unlock()

	switch strategy {
	case StrategyUsePublic:
		return e.decideUsePublic(ctx, target)
	case StrategyTroubleshoot:
		return e.decideTroubleshoot(ctx, target)
	case StrategyRetry:
		return e.decideRetry(ctx, target)
	case StrategySkip:
		return e.decideSkip(ctx, target)
	default:
		return nil, fmt.Errorf("unknown fallback strategy %q", strategy)
	}
}

func (e *Engine) decideUsePublic(ctx context.Context, target string) (*Decision, error) {
	if e.publicEndpoint == "" {
		return nil, fmt.Errorf("no public endpoint configured for fallback")
	}

	st, err := e.store.Read()
	if err != nil {
		return nil, fmt.Errorf("cannot read installation state: %w", err)
	}

	dependents := e.catalog.DependentServicesOf(target, st.Profiles)

	record := &state.FallbackRecord{
		FailedService:      target,
		Strategy:           string(StrategyUsePublic),
		RedirectedServices: dependents,
		AlternateEndpoints: make(map[string]string, len(dependents)),
		ActivatedAt:        time.Now().UTC(),
	}
	for _, svc := range dependents {
		record.AlternateEndpoints[svc] = e.publicEndpoint
	}

	err = e.store.Update(func(s *state.InstallationState) error {
		if s.Config == nil {
			s.Config = make(map[string]string)
		}
		for _, svc := range dependents {
			s.Config["endpoint."+svc] = e.publicEndpoint
		}
		s.Fallback = record
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist fallback record: %w", err)
	}

	e.mu.Lock()
	e.transitionLocked(StatePublicFallbackActive, fmt.Sprintf("%d dependent service(s) redirected to %s", len(dependents), e.publicEndpoint))
	e.mu.Unlock()

	return &Decision{Strategy: StrategyUsePublic, State: StatePublicFallbackActive, Record: record}, nil
}

func (e *Engine) decideTroubleshoot(ctx context.Context, target string) (*Decision, error) {
	var diag string
	if e.diagnostics != nil {
		d, err := e.diagnostics(ctx, target)
		if err != nil {
			diag = fmt.Sprintf("failed to collect diagnostics: %v", err)
		} else {
			diag = d
		}
	}

	// Troubleshooting stays degraded: the operator returns to the same
	// decision with more information.
	e.mu.Lock()
	e.transitionLocked(StateTroubleshooting, "diagnostics collected, awaiting new decision")
	e.mu.Unlock()

	return &Decision{Strategy: StrategyTroubleshoot, State: StateTroubleshooting, Diagnostics: diag}, nil
}

func (e *Engine) decideRetry(ctx context.Context, target string) (*Decision, error) {
	e.mu.Lock()
	if now := time.Now(); now.Before(e.nextRetryAt) {
		next := e.nextRetryAt
		e.mu.Unlock()
		return &Decision{Strategy: StrategyRetry, State: StateAwaitingDecision, NextRetryAt: next},
			fmt.Errorf("retry backoff in effect until %s", next.Format(time.RFC3339))
	}
	e.transitionLocked(StateRetrying, "re-running health check")
	e.mu.Unlock()

	verdict := e.check(ctx, target)

	e.mu.Lock()
	defer e.mu.Unlock()

	if verdict.Healthy() {
		e.failures[target] = 0
		e.retryCount = 0
		e.nextRetryAt = time.Time{}
		e.target = ""
		e.transitionLocked(StateHealthy, "health check passed on manual retry")
		return &Decision{Strategy: StrategyRetry, State: StateHealthy}, nil
	}

	// Exponential backoff across repeated manual retries.
	e.retryCount++
	backoff := computeBackoff(e.retryCount)
	e.nextRetryAt = time.Now().Add(backoff)
	e.transitionLocked(StateAwaitingDecision, fmt.Sprintf("retry failed, next retry allowed in %s", backoff))

	return &Decision{Strategy: StrategyRetry, State: StateAwaitingDecision, NextRetryAt: e.nextRetryAt}, nil
}

func (e *Engine) decideSkip(ctx context.Context, target string) (*Decision, error) {
	err := e.store.Update(func(s *state.InstallationState) error {
		if s.Config == nil {
			s.Config = make(map[string]string)
		}
		s.Config["skipped."+target] = "true"
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist skip decision: %w", err)
	}

	e.mu.Lock()
	e.transitionLocked(StateSkipped, "dependency skipped by operator")
	e.mu.Unlock()

	return &Decision{Strategy: StrategySkip, State: StateSkipped}, nil
}

// Revert restores dependents to the local endpoint after the operator has
// confirmed the local service is healthy again. The engine never reverts
// on its own.
func (e *Engine) Revert(ctx context.Context) error {
	e.mu.Lock()
	target := e.target
	current := e.current
	e.mu.Unlock()

	if current != StatePublicFallbackActive && current != StateSkipped {
		return fmt.Errorf("nothing to revert (engine is %s)", current)
	}

	if target != "" {
		verdict := e.check(ctx, target)
		if !verdict.Healthy() {
			return fmt.Errorf("service %q is still %s, refusing to revert", target, verdict.Status)
		}
	}

	err := e.store.Update(func(s *state.InstallationState) error {
		if s.Fallback != nil {
			for _, svc := range s.Fallback.RedirectedServices {
				delete(s.Config, "endpoint."+svc)
			}
		}
		delete(s.Config, "skipped."+target)
		s.Fallback = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear fallback record: %w", err)
	}

	e.mu.Lock()
	e.failures[target] = 0
	e.retryCount = 0
	e.nextRetryAt = time.Time{}
	e.target = ""
	e.transitionLocked(StateHealthy, "operator reverted to local endpoint")
	e.mu.Unlock()

	return nil
}

// transitionLocked moves to a new state and publishes the transition.
// Caller holds e.mu.
func (e *Engine) transitionLocked(to State, reason string) {
	from := e.current
	e.current = to

	log.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("service", e.target).
		Str("reason", reason).
		Msg("Fallback state transition")

	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(events.Event{
		Type:    events.FallbackTransition,
		Service: e.target,
		Data: map[string]string{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		},
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to publish fallback transition")
	}
}

// computeBackoff doubles the wait per consecutive manual retry, capped.
func computeBackoff(retries int) time.Duration {
	shift := retries - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 4 {
		shift = 4
	}
	backoff := retryBackoffBase << uint(shift)
	if backoff > retryBackoffCap {
		backoff = retryBackoffCap
	}
	return backoff
}
