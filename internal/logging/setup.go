package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"dagstack/internal/config"
)

// Setup initializes the logging system based on the configuration
func Setup(cfg *config.Config) error {
	if !cfg.Logging.Enabled {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return nil
	}

	// Logs directory readable only by the owner
	if err := os.MkdirAll(cfg.Logging.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
		log.Warn().Str("invalid_level", cfg.Logging.Level).Msg("Invalid log level, using info")
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	mainLogFile := filepath.Join(cfg.Logging.Dir, cfg.Logging.MainLogFile)
	fileWriter := &lumberjack.Logger{
		Filename:   mainLogFile,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	}

	if err := os.Chmod(mainLogFile, 0600); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", mainLogFile).Msg("Failed to set secure permissions on log file")
	}

	// Log to both the console and the rotated file
	multi := io.MultiWriter(zerolog.ConsoleWriter{Out: os.Stderr}, fileWriter)
	log.Logger = zerolog.New(multi).With().Timestamp().Logger()

	log.Info().
		Str("level", level.String()).
		Str("file", mainLogFile).
		Msg("Logging initialized")

	return nil
}
