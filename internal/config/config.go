package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Node    NodeConfig    `mapstructure:"node"`
	State   StateConfig   `mapstructure:"state"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type NodeConfig struct {
	Network        string `mapstructure:"network"`
	RPCPort        int    `mapstructure:"rpc_port"`
	FallbackPorts  []int  `mapstructure:"fallback_ports"`
	P2PPort        int    `mapstructure:"p2p_port"`
	PublicEndpoint string `mapstructure:"public_endpoint"`
}

type StateConfig struct {
	Path        string `mapstructure:"path"`
	CatalogPath string `mapstructure:"catalog_path"`
}

type MonitorConfig struct {
	Listen            string        `mapstructure:"listen"`
	ServiceInterval   time.Duration `mapstructure:"service_interval"`
	NodeProbeInterval time.Duration `mapstructure:"node_probe_interval"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
}

type RuntimeConfig struct {
	Runtime    string `mapstructure:"runtime"`
	SocketPath string `mapstructure:"socket_path"`
}

type LoggingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Level       string `mapstructure:"level"`
	Dir         string `mapstructure:"dir"`
	MainLogFile string `mapstructure:"main_log_file"`
	MaxSize     int    `mapstructure:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"`
	Compress    bool   `mapstructure:"compress"`
}

func Load() (*Config, error) {
	// Optional .env next to the config file, for secrets and local overrides
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env file")
	}

	defaultDataDir := getDefaultDataDir()

	viper.SetDefault("node.network", "mainnet")
	viper.SetDefault("node.rpc_port", 16112)
	viper.SetDefault("node.fallback_ports", []int{16110, 16111})
	viper.SetDefault("node.p2p_port", 16111)
	viper.SetDefault("node.public_endpoint", "")

	viper.SetDefault("state.path", filepath.Join(defaultDataDir, "installation.json"))
	viper.SetDefault("state.catalog_path", "")

	viper.SetDefault("monitor.listen", ":8585")
	viper.SetDefault("monitor.service_interval", "10s")
	viper.SetDefault("monitor.node_probe_interval", "5s")
	viper.SetDefault("monitor.retry_interval", "30s")
	viper.SetDefault("monitor.failure_threshold", 3)

	viper.SetDefault("runtime.runtime", "auto")
	viper.SetDefault("runtime.socket_path", "")

	viper.SetDefault("logging.enabled", true)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.dir", filepath.Join(defaultDataDir, "logs"))
	viper.SetDefault("logging.main_log_file", "dagstack.log")
	viper.SetDefault("logging.max_size", 10)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.State.Path == "" {
		cfg.State.Path = filepath.Join(defaultDataDir, "installation.json")
		log.Debug().Str("path", cfg.State.Path).Msg("Config had empty state path, using default")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the loaded configuration for values that would make the
// installer or monitor misbehave at runtime.
func (c *Config) Validate() error {
	var problems []string

	validNetworks := []string{"mainnet", "testnet", "devnet", "simnet"}
	if !contains(validNetworks, c.Node.Network) {
		problems = append(problems, fmt.Sprintf("node.network must be one of: %s", strings.Join(validNetworks, ", ")))
	}

	if c.Node.RPCPort <= 0 || c.Node.RPCPort > 65535 {
		problems = append(problems, fmt.Sprintf("node.rpc_port %d is out of range", c.Node.RPCPort))
	}
	for _, p := range c.Node.FallbackPorts {
		if p <= 0 || p > 65535 {
			problems = append(problems, fmt.Sprintf("node.fallback_ports entry %d is out of range", p))
		}
	}

	validRuntimes := []string{"auto", "docker"}
	if !contains(validRuntimes, c.Runtime.Runtime) {
		problems = append(problems, fmt.Sprintf("runtime.runtime must be one of: %s", strings.Join(validRuntimes, ", ")))
	}

	if c.Monitor.FailureThreshold < 1 {
		problems = append(problems, "monitor.failure_threshold must be at least 1")
	}
	if c.Monitor.ServiceInterval < time.Second {
		problems = append(problems, "monitor.service_interval must be at least 1s")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RPCCandidates returns the ordered list of ports the prober should try:
// the configured RPC port first, then the declared fallbacks.
func (c *Config) RPCCandidates() []int {
	candidates := []int{c.Node.RPCPort}
	for _, p := range c.Node.FallbackPorts {
		if p != c.Node.RPCPort {
			candidates = append(candidates, p)
		}
	}
	return candidates
}

func getDefaultDataDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/dagstack"
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".local", "share", "dagstack")
	}
	return "./data"
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
