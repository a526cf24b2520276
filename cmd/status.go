package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"dagstack/internal/catalog"
	"dagstack/internal/config"
	"dagstack/internal/container"
	"dagstack/internal/health"
	"dagstack/internal/probe"
	"dagstack/internal/state"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the installation and node status",
	Long: `Read the installation record, check each service's health once, and
probe the node's RPC endpoint. One-shot: for continuous observation use
the monitor.`,
	Run: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print machine-readable JSON")
}

func runStatus(cmd *cobra.Command, args []string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	store := state.NewStore(cfg.State.Path)
	st, err := store.Read()
	if err != nil {
		switch {
		case errors.Is(err, state.ErrNotFound):
			fmt.Println("No installation found. Run 'dagstack install' first.")
			os.Exit(1)
		case errors.Is(err, state.ErrCorrupt), errors.Is(err, state.ErrIncompatible):
			color.Red("Cannot read the installation record at %s: %v", store.Path(), err)
			fmt.Println(readFailureRemedy(err))
			os.Exit(1)
		default:
			log.Fatal().Err(err).Msg("Failed to read installation state")
		}
	}

	cat, err := catalog.Load(cfg.State.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load profile catalog")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rpc := probe.NewRPCClient("127.0.0.1")
	prober := probe.NewProber(cfg.RPCCandidates(), rpc.ProbePort, 0)
	node := prober.Connect(ctx)

	verdicts := make(map[string]health.Verdict, len(st.Services))
	if rt, err := container.CreateRuntime(ctx, cfg); err == nil {
		checker := health.NewChecker(cat, rt, rpc, prober, cfg.Node.P2PPort)
		for _, svc := range st.Services {
			verdicts[svc.Name] = checker.Status(ctx, svc.Name)
		}
	} else {
		log.Warn().Err(err).Msg("Container runtime unavailable, showing recorded state only")
	}

	if statusJSON {
		out := map[string]interface{}{
			"installation": st,
			"node":         node,
			"health":       verdicts,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			log.Fatal().Err(err).Msg("Failed to encode status")
		}
		return
	}

	printStatus(st, node, verdicts)
}

func printStatus(st *state.InstallationState, node probe.Result, verdicts map[string]health.Verdict) {
	bold := color.New(color.Bold)

	bold.Println("Installation")
	fmt.Printf("  Phase:     %s\n", phaseColored(st.Phase))
	fmt.Printf("  Profiles:  %d installed\n", st.ProfileCount)
	for _, p := range st.Profiles {
		fmt.Printf("    - %s\n", p)
	}
	fmt.Printf("  Installed: %s\n", st.InstalledAt.Local().Format(time.RFC1123))

	fmt.Println()
	bold.Println("Services")
	for _, svc := range st.Services {
		marker := color.YellowString("?")
		detail := "not checked"
		if v, ok := verdicts[svc.Name]; ok {
			detail = string(v.Status)
			if v.Healthy() {
				marker = color.GreenString("✓")
			} else {
				marker = color.RedString("✗")
			}
			if len(v.Warnings) > 0 {
				detail += " (" + v.Warnings[0] + ")"
			}
		} else if svc.Running {
			detail = "recorded running"
		} else {
			detail = "recorded stopped"
		}
		fmt.Printf("  %s %-20s %s\n", marker, svc.Name, detail)
	}

	fmt.Println()
	bold.Println("Node")
	if node.Connected {
		color.Green("  RPC reachable on port %d (%dms)", node.Port, node.LatencyMS)
	} else {
		color.Red("  RPC unreachable on all candidate ports")
		for _, a := range node.Attempts {
			fmt.Printf("    port %d: %s\n", a.Port, a.Error)
		}
	}

	if st.Fallback != nil {
		fmt.Println()
		bold.Println("Fallback")
		color.Yellow("  Active since %s: %s failed, %d service(s) redirected",
			st.Fallback.ActivatedAt.Local().Format(time.RFC1123),
			st.Fallback.FailedService, len(st.Fallback.RedirectedServices))
		fmt.Println("  Run 'dagstack install --revert' once the local node is healthy.")
	}
}

// readFailureRemedy names the operator's next step for a record the store
// refuses to parse. The record is never repaired or discarded here.
func readFailureRemedy(err error) string {
	if errors.Is(err, state.ErrIncompatible) {
		return "The record was written by an incompatible version. Upgrade dagstack, or restore the record from a backup."
	}
	return "Restore the record from a backup, or run 'dagstack install' to reconfigure; the bad file is moved aside, not deleted."
}

func phaseColored(p state.Phase) string {
	switch p {
	case state.PhaseComplete:
		return color.GreenString(string(p))
	case state.PhaseError:
		return color.RedString(string(p))
	default:
		return color.YellowString(string(p))
	}
}
