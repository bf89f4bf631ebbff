// Package main implements the dicomindex binary.
// It runs the index services with their background workers, or only one
// side of them, based on the --mode flag.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/arkilian/dicomindex/internal/app"
	"github.com/arkilian/dicomindex/internal/config"
	"github.com/arkilian/dicomindex/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

type flags struct {
	configFile string
	envFile    string
	dataDir    string
	mode       string
	httpAddr   string
	logLevel   string
}

func main() {
	var (
		f           flags
		showVersion bool
	)

	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&f.envFile, "env-file", ".env", "Optional dotenv file loaded before the environment is read")
	flag.StringVar(&f.dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&f.mode, "mode", "", "Service mode: all, index, worker")
	flag.StringVar(&f.httpAddr, "http-addr", "", "Address of the /health and /metrics endpoint")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "dicomindex - DICOM metadata index with extended query tags\n\n")
		fmt.Fprintf(os.Stderr, "Usage: dicomindex [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  DICOMINDEX_MODE        Service mode (all, index, worker)\n")
		fmt.Fprintf(os.Stderr, "  DICOMINDEX_DATA_DIR    Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  DICOMINDEX_BLOB_TYPE   Blob storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  DICOMINDEX_AMQP_URL    Enables the change feed relay\n")
		fmt.Fprintf(os.Stderr, "  DICOMINDEX_REDIS_ADDR  Shares the cleanup health cache through Redis\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("dicomindex version %s (commit: %s)\n", version, commit)
		return
	}

	if err := run(f); err != nil {
		fmt.Fprintf(os.Stderr, "dicomindex: %v\n", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := logging.Init(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	log := logging.Component("main")

	application, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("version", version).Str("commit", commit).Str("mode", string(cfg.Mode)).Str("data_dir", cfg.DataDir).Msg("running")

	<-ctx.Done()
	log.Info().Msg("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return application.Stop(shutdownCtx)
}

// loadConfig layers the configuration: defaults or file, then the
// environment (including the dotenv file), then flags.
func loadConfig(f flags) (*config.Config, error) {
	if err := godotenv.Load(f.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", f.envFile, err)
	}

	cfg := config.DefaultConfig()
	if f.configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(f.configFile); err != nil {
			return nil, err
		}
	}

	config.LoadFromEnv(cfg)

	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.mode != "" {
		cfg.Mode = config.Mode(f.mode)
	}
	if f.httpAddr != "" {
		cfg.HTTP.Addr = f.httpAddr
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	return cfg, nil
}
