package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"dagstack/internal/events"
	"dagstack/internal/probe"
)

const (
	defaultServiceInterval = 10 * time.Second
	defaultNodeInterval    = 5 * time.Second
)

// Monitor polls the health of every installed service on a fixed cadence
// and publishes verdicts on the event bus. Node endpoint state is probed
// on its own, faster schedule, decoupled from the prober's 30s reconnect
// loop so recoveries surface within the 5s freshness bound.
type Monitor struct {
	checker *Checker
	prober  *probe.Prober
	bus     events.EventBus

	serviceInterval time.Duration
	nodeInterval    time.Duration

	mu        sync.RWMutex
	services  []string
	nodeAlive bool

	stopCh  chan struct{}
	stopped chan struct{}
}

// NewMonitor creates a monitor. Services to watch are supplied via
// SetServices, typically from a state-store watch.
func NewMonitor(checker *Checker, prober *probe.Prober, bus events.EventBus, serviceInterval, nodeInterval time.Duration) *Monitor {
	if serviceInterval <= 0 {
		serviceInterval = defaultServiceInterval
	}
	if nodeInterval <= 0 {
		nodeInterval = defaultNodeInterval
	}
	return &Monitor{
		checker:         checker,
		prober:          prober,
		bus:             bus,
		serviceInterval: serviceInterval,
		nodeInterval:    nodeInterval,
		nodeAlive:       true,
		stopCh:          make(chan struct{}),
		stopped:         make(chan struct{}),
	}
}

// SetServices replaces the set of services being monitored. Called when
// the installation state changes.
func (m *Monitor) SetServices(services []string) {
	m.mu.Lock()
	m.services = append([]string(nil), services...)
	m.mu.Unlock()
}

// Start begins the background polling loops.
func (m *Monitor) Start(ctx context.Context) {
	log.Info().
		Dur("service_interval", m.serviceInterval).
		Dur("node_interval", m.nodeInterval).
		Msg("Health monitor started")

	go m.run(ctx)
}

// Stop signals the monitor to stop and waits for it to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.stopped
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.stopped)

	serviceTicker := time.NewTicker(m.serviceInterval)
	defer serviceTicker.Stop()
	nodeTicker := time.NewTicker(m.nodeInterval)
	defer nodeTicker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-serviceTicker.C:
			m.checkServices(ctx)
		case <-nodeTicker.C:
			m.checkNode(ctx)
		}
	}
}

func (m *Monitor) checkServices(ctx context.Context) {
	m.mu.RLock()
	services := append([]string(nil), m.services...)
	m.mu.RUnlock()

	for _, svc := range services {
		verdict := m.checker.Status(ctx, svc)

		if err := m.bus.Publish(events.Event{
			Type:    events.ServiceStatusChanged,
			Service: svc,
			Data:    verdict,
		}); err != nil {
			log.Warn().Err(err).Str("service", svc).Msg("Failed to publish health verdict")
		}
	}
}

// checkNode keeps the status-facing view of the RPC connection fresh: the
// cached candidate is re-verified every tick, and loss of connection kicks
// off the prober's slower reconnect loop.
func (m *Monitor) checkNode(ctx context.Context) {
	res := m.prober.Connect(ctx)

	m.mu.Lock()
	wasAlive := m.nodeAlive
	m.nodeAlive = res.Connected
	m.mu.Unlock()

	if res.Connected == wasAlive {
		return
	}

	if err := m.bus.Publish(events.Event{
		Type:    events.NodeConnection,
		Service: "dag-node",
		Data:    res,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to publish node connection change")
	}

	if !res.Connected {
		log.Warn().Msg("Node RPC connection lost, starting reconnect loop")
		m.prober.StartRetry(ctx, func(recovered probe.Result) {
			m.mu.Lock()
			m.nodeAlive = true
			m.mu.Unlock()
			if err := m.bus.Publish(events.Event{
				Type:    events.NodeConnection,
				Service: "dag-node",
				Data:    recovered,
			}); err != nil {
				log.Warn().Err(err).Msg("Failed to publish node recovery")
			}
		})
	}
}
