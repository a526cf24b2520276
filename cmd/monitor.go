package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"dagstack/internal/broadcast"
	"dagstack/internal/catalog"
	"dagstack/internal/config"
	"dagstack/internal/container"
	"dagstack/internal/events"
	"dagstack/internal/fallback"
	"dagstack/internal/health"
	"dagstack/internal/launch"
	"dagstack/internal/logging"
	"dagstack/internal/probe"
	"dagstack/internal/state"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the monitor console",
	Long: `Watch the installed services, probe the node's RPC endpoint, and
serve live status and log streams to observers over WebSocket. The
monitor never modifies the installation; recovery decisions are handed
off to the installer.`,
	Run: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := logging.Setup(cfg); err != nil {
		log.Warn().Err(err).Msg("File logging unavailable, continuing on stderr")
	}

	cat, err := catalog.Load(cfg.State.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load profile catalog")
	}

	store := state.NewStore(cfg.State.Path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := container.NewRuntime(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid container runtime configuration")
	}
	if err := rt.Ping(ctx); err != nil {
		// Health checks degrade per service until the daemon is reachable
		// again; the console still serves state, logs and node probes.
		log.Warn().Err(err).Msg("Container runtime unreachable, monitoring in degraded mode")
	}

	bus := events.NewInMemoryEventBus(100)
	if err := bus.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start event bus")
	}

	manager := container.NewManager(cat, rt, store, bus)

	rpc := probe.NewRPCClient("127.0.0.1")
	prober := probe.NewProber(cfg.RPCCandidates(), rpc.ProbePort, cfg.Monitor.RetryInterval)
	checker := health.NewChecker(cat, rt, rpc, prober, cfg.Node.P2PPort)
	monitor := health.NewMonitor(checker, prober, bus,
		cfg.Monitor.ServiceInterval, cfg.Monitor.NodeProbeInterval)

	// The hub and the log multiplexer reference each other: the mux pushes
	// lines through the hub, the hub acquires tails from the mux.
	var hub *broadcast.Hub
	logs := broadcast.NewLogMux(manager.TailLogs, func(service, line string) int {
		return hub.PublishLogLine(service, line)
	}, 0)
	hub = broadcast.NewHub(logs)

	// Detection-only engine: it counts failures and surfaces the decision,
	// but the decision itself runs in the installer, which holds the
	// writer lock.
	engine := fallback.NewEngine(cat, store, bus,
		func(ctx context.Context, service string) health.Verdict {
			return checker.Status(ctx, service)
		},
		manager.Diagnostics, cfg.Monitor.FailureThreshold, cfg.Node.PublicEndpoint)
	if err := bus.Subscribe(engine); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe fallback engine")
	}

	// Forward bus events to connected observers.
	forwarder := &events.HandlerFunc{
		Fn: func(ev events.Event) error {
			topic := broadcast.TopicStatus
			if ev.Type == events.ResourceUpdate {
				topic = broadcast.TopicResources
			}
			hub.BroadcastToTopic(topic, broadcast.Message{
				Type:      string(ev.Type),
				Topic:     topic,
				Service:   ev.Service,
				Data:      ev.Data,
				Timestamp: time.Now().UTC(),
			})
			if ev.Type == events.FallbackTransition {
				announceDecisionHandoff(ev)
			}
			return nil
		},
	}
	if err := bus.Subscribe(forwarder); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe broadcast forwarder")
	}

	// Seed the monitored service set, then follow installation changes.
	if st, err := store.Read(); err == nil {
		monitor.SetServices(serviceNames(st))
	} else {
		log.Warn().Err(err).Msg("No readable installation yet, waiting for one")
	}
	go store.Watch(ctx, func(st *state.InstallationState) {
		monitor.SetServices(serviceNames(st))
		hub.BroadcastToTopic(broadcast.TopicStatus, broadcast.Message{
			Type:      string(events.InstallationChanged),
			Topic:     broadcast.TopicStatus,
			Data:      st.Summary,
			Timestamp: time.Now().UTC(),
		})
	})

	go hub.Run()
	monitor.Start(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.GET("/ws", hub.HandleWS)
	e.GET("/api/status", statusHandler(store, prober, engine))

	go func() {
		log.Info().Str("listen", cfg.Monitor.Listen).Msg("Monitor console listening")
		if err := e.Start(cfg.Monitor.Listen); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Monitor server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down monitor...")
	cancel()
	monitor.Stop()
	hub.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Monitor server shutdown error")
	}
	if err := bus.Stop(); err != nil {
		log.Warn().Err(err).Msg("Event bus stop error")
	}

	log.Info().Msg("Monitor stopped")
}

// announceDecisionHandoff prints the installer command that resumes a
// pending fallback decision.
func announceDecisionHandoff(ev events.Event) {
	data, ok := ev.Data.(map[string]string)
	if !ok || data["to"] != string(fallback.StateAwaitingDecision) {
		return
	}
	lc := launch.Context{Action: launch.ActionFallbackDecision, Target: ev.Service}
	token, err := lc.Encode()
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode launch context")
		return
	}
	log.Warn().
		Str("service", ev.Service).
		Str("command", "dagstack install --resume "+token).
		Msg("Operator decision required")
}

func statusHandler(store *state.Store, prober *probe.Prober, engine *fallback.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := map[string]interface{}{
			"fallbackState": engine.State(),
			"rpcPort":       prober.CachedPort(),
		}
		if target := engine.Target(); target != "" {
			resp["fallbackTarget"] = target
		}

		st, err := store.Read()
		if err != nil {
			resp["installation"] = nil
			resp["error"] = err.Error()
			return c.JSON(http.StatusOK, resp)
		}
		resp["installation"] = st
		return c.JSON(http.StatusOK, resp)
	}
}

func serviceNames(st *state.InstallationState) []string {
	names := make([]string, 0, len(st.Services))
	for _, s := range st.Services {
		names = append(names, s.Name)
	}
	return names
}
