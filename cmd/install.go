package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

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

var (
	installProfiles []string
	addProfile      string
	removeProfile   string
	resumeContext   string
	revertFallback  bool
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install or modify the node stack",
	Long: `Resolve the selected profiles against the catalog, bring up their
service containers in dependency order, and record the installation.
With --add or --remove, modify an existing installation instead.`,
	Run: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	installCmd.Flags().StringSliceVar(&installProfiles, "profiles", []string{"core"}, "profiles to install")
	installCmd.Flags().StringVar(&addProfile, "add", "", "add one profile to an existing installation")
	installCmd.Flags().StringVar(&removeProfile, "remove", "", "remove one profile from an existing installation")
	installCmd.Flags().StringVar(&resumeContext, "resume", "", "encoded launch context handed off by the monitor")
	installCmd.Flags().BoolVar(&revertFallback, "revert", false, "revert an active endpoint fallback to the local node")
}

func runInstall(cmd *cobra.Command, args []string) {
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
	if err := store.AcquireWriterLock(); err != nil {
		log.Fatal().Err(err).Msg("Failed to acquire writer lock; is another installer running?")
	}
	defer store.ReleaseWriterLock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := container.CreateRuntime(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Container runtime unavailable")
	}

	bus := events.NewInMemoryEventBus(100)
	if err := bus.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start event bus")
	}
	defer bus.Stop()

	manager := container.NewManager(cat, rt, store, bus)

	if resumeContext != "" {
		lc, err := launch.Decode(resumeContext)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid launch context")
		}
		runResumed(ctx, cfg, cat, store, manager, lc)
		return
	}

	if revertFallback {
		runRevert(ctx, cfg, cat, store, manager)
		return
	}

	switch {
	case addProfile != "":
		if err := manager.Add(ctx, addProfile); err != nil {
			log.Fatal().Err(err).Str("profile", addProfile).Msg("Failed to add profile")
		}
		color.Green("Profile %q added.", addProfile)

	case removeProfile != "":
		if err := manager.Remove(ctx, removeProfile); err != nil {
			log.Fatal().Err(err).Str("profile", removeProfile).Msg("Failed to remove profile")
		}
		color.Green("Profile %q removed.", removeProfile)

	default:
		if err := ensureFreshTarget(store, askConfirm); err != nil {
			log.Fatal().Err(err).Msg("Cannot install")
		}
		if err := manager.Install(ctx, installProfiles); err != nil {
			log.Fatal().Err(err).Msg("Installation failed")
		}
		color.Green("Installed profiles: %s", strings.Join(installProfiles, ", "))
	}
}

// ensureFreshTarget verifies the store can receive a from-scratch install.
// A readable installation refuses outright. An unreadable record is never
// replaced silently: the operator must confirm reconfiguration, and the bad
// file is moved aside as a backup first.
func ensureFreshTarget(store *state.Store, confirm func(message string) bool) error {
	_, err := store.Read()
	switch {
	case err == nil:
		return fmt.Errorf("an installation already exists; use --add or --remove to modify it")

	case errors.Is(err, state.ErrNotFound):
		return nil

	case errors.Is(err, state.ErrCorrupt), errors.Is(err, state.ErrIncompatible):
		msg := fmt.Sprintf("The installation record at %s cannot be read (%v). Move it aside and reconfigure from scratch?", store.Path(), err)
		if !confirm(msg) {
			return fmt.Errorf("refusing to overwrite the unreadable record at %s; restore it from a backup or confirm reconfiguration", store.Path())
		}
		backup, berr := store.BackupCorrupt()
		if berr != nil {
			return fmt.Errorf("failed to move the unreadable record aside: %w", berr)
		}
		color.Yellow("Unreadable record saved to %s", backup)
		return nil

	default:
		return err
	}
}

func askConfirm(message string) bool {
	confirmed := false
	if err := survey.AskOne(&survey.Confirm{Message: message}, &confirmed); err != nil {
		return false
	}
	return confirmed
}

// runResumed executes an action handed off by the monitor console.
func runResumed(ctx context.Context, cfg *config.Config, cat *catalog.Catalog, store *state.Store, manager *container.Manager, lc launch.Context) {
	log.Info().Str("action", lc.Action).Str("target", lc.Target).Msg("Resuming handed-off action")

	switch lc.Action {
	case launch.ActionInstallProfile:
		if err := manager.Add(ctx, lc.Target); err != nil {
			log.Fatal().Err(err).Str("profile", lc.Target).Msg("Failed to add profile")
		}
		color.Green("Profile %q added.", lc.Target)

	case launch.ActionRemoveProfile:
		if err := manager.Remove(ctx, lc.Target); err != nil {
			log.Fatal().Err(err).Str("profile", lc.Target).Msg("Failed to remove profile")
		}
		color.Green("Profile %q removed.", lc.Target)

	case launch.ActionFallbackDecision:
		engine := buildEngine(cfg, cat, store, manager)
		if err := engine.Arm(lc.Target); err != nil {
			log.Fatal().Err(err).Msg("Cannot resume fallback decision")
		}
		promptDecision(ctx, engine, lc.Target)

	default:
		log.Fatal().Str("action", lc.Action).Msg("Unknown launch action")
	}

	if lc.ReturnURL != "" {
		fmt.Printf("Return to: %s\n", lc.ReturnURL)
	}
}

func runRevert(ctx context.Context, cfg *config.Config, cat *catalog.Catalog, store *state.Store, manager *container.Manager) {
	st, err := store.Read()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read installation state")
	}
	if st.Fallback == nil {
		log.Fatal().Msg("No fallback record to revert")
	}

	strategy, err := fallback.ParseStrategy(st.Fallback.Strategy)
	if err != nil {
		log.Fatal().Err(err).Msg("Corrupt fallback record")
	}

	engine := buildEngine(cfg, cat, store, manager)
	if err := engine.Restore(st.Fallback.FailedService, strategy); err != nil {
		log.Fatal().Err(err).Msg("Cannot revert")
	}
	if err := engine.Revert(ctx); err != nil {
		log.Fatal().Err(err).Msg("Revert refused")
	}
	color.Green("Reverted to the local node endpoint.")
}

// buildEngine wires a fallback engine with a live health checker, for the
// installer-side decision flow.
func buildEngine(cfg *config.Config, cat *catalog.Catalog, store *state.Store, manager *container.Manager) *fallback.Engine {
	rpc := probe.NewRPCClient("127.0.0.1")
	prober := probe.NewProber(cfg.RPCCandidates(), rpc.ProbePort, cfg.Monitor.RetryInterval)

	rt := manager.Runtime()
	checker := health.NewChecker(cat, rt, rpc, prober, cfg.Node.P2PPort)

	check := func(ctx context.Context, service string) health.Verdict {
		return checker.Status(ctx, service)
	}
	return fallback.NewEngine(cat, store, nil, check, manager.Diagnostics,
		cfg.Monitor.FailureThreshold, cfg.Node.PublicEndpoint)
}

// promptDecision walks the operator through the fallback strategies until a
// terminal decision is reached. Troubleshooting prints diagnostics and asks
// again.
func promptDecision(ctx context.Context, engine *fallback.Engine, target string) {
	color.Yellow("Service %q has failed repeated health checks.", target)

	options := []string{
		"Use public endpoint (redirect dependent services)",
		"Troubleshoot (show container state and recent logs)",
		"Retry the health check",
		"Skip this dependency",
	}
	strategies := fallback.Strategies()

	for {
		var idx int
		prompt := &survey.Select{
			Message: "How do you want to proceed?",
			Options: options,
		}
		if err := survey.AskOne(prompt, &idx); err != nil {
			log.Fatal().Err(err).Msg("Decision aborted")
		}

		decision, err := engine.Decide(ctx, strategies[idx])
		if err != nil {
			color.Red("%v", err)
			continue
		}

		switch decision.Strategy {
		case fallback.StrategyUsePublic:
			color.Green("Public fallback active. %d service(s) redirected.", len(decision.Record.RedirectedServices))
			for _, svc := range decision.Record.RedirectedServices {
				fmt.Printf("  %s -> %s\n", svc, decision.Record.AlternateEndpoints[svc])
			}
			color.Yellow("Run 'dagstack install --revert' once the local node is healthy again.")
			return

		case fallback.StrategyTroubleshoot:
			fmt.Println()
			fmt.Println(decision.Diagnostics)
			fmt.Println()
			// back to the prompt

		case fallback.StrategyRetry:
			if decision.State == fallback.StateHealthy {
				color.Green("Health check passed; no fallback needed.")
				return
			}
			color.Red("Health check still failing. Next retry allowed at %s.", decision.NextRetryAt.Format("15:04:05"))
			// back to the prompt

		case fallback.StrategySkip:
			color.Yellow("Dependency %q skipped. Dependent services may degrade.", target)
			return
		}
	}
}
