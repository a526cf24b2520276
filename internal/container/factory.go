package container

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"dagstack/internal/config"
	"dagstack/pkg/runtime"
)

// CreateRuntime creates a container runtime based on configuration and
// verifies connectivity. The installer uses it: deployments cannot proceed
// without a reachable daemon.
func CreateRuntime(ctx context.Context, cfg *config.Config) (runtime.Runtime, error) {
	rt, err := NewRuntime(cfg)
	if err != nil {
		return nil, err
	}
	if err := rt.Ping(ctx); err != nil {
		return nil, fmt.Errorf("container runtime not available: %w", err)
	}
	if version, err := rt.Version(ctx); err == nil {
		log.Info().Str("runtime", "docker").Str("version", version).Msg("Container runtime connected")
	}
	return rt, nil
}

// NewRuntime builds the configured runtime without checking connectivity.
// The monitor uses it: an unreachable daemon degrades per-service health
// checks and surfaces on the console instead of stopping the process.
func NewRuntime(cfg *config.Config) (runtime.Runtime, error) {
	socketPath := getSocketPath(cfg.Runtime.SocketPath)

	switch cfg.Runtime.Runtime {
	case "auto", "docker":
		return NewDockerRuntime(socketPath)
	default:
		return nil, fmt.Errorf("unsupported runtime: %s", cfg.Runtime.Runtime)
	}
}

// getSocketPath determines the socket path to use
func getSocketPath(configPath string) string {
	if configPath != "" {
		log.Debug().Str("path", configPath).Msg("Using socket path from config")
		return configPath
	}

	if envPath := os.Getenv("CONTAINER_HOST"); envPath != "" {
		log.Debug().Str("path", envPath).Msg("Using socket path from CONTAINER_HOST")
		return envPath
	}

	return ""
}
