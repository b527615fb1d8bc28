// Package main implements the tabulard server binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tabulard/tabulard/internal/app"
	"github.com/tabulard/tabulard/internal/config"
	"github.com/tabulard/tabulard/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		secretsFile string
		envFile     string
		database    string
		port        int
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", config.DefaultConfigFile, "Path to configuration file (YAML or JSON)")
	flag.StringVar(&secretsFile, "secrets", "secrets.yml", "Path to object store secrets file")
	flag.StringVar(&envFile, "env", ".env", "Path to .env file")
	flag.StringVar(&database, "database", "", "Database directory or file")
	flag.IntVar(&port, "port", 0, "HTTP listen port")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tabulard - load tabular files into SQL tables and query them\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tabulard [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tabulard --database ./data --port 8000\n")
		fmt.Fprintf(os.Stderr, "  tabulard --config /etc/tabulard/config.yml --secrets /etc/tabulard/secrets.yml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  TABULARD_DATABASE       Database directory or file\n")
		fmt.Fprintf(os.Stderr, "  TABULARD_PORT           HTTP listen port\n")
		fmt.Fprintf(os.Stderr, "  TABULARD_STORAGE_TYPE   Object storage type (s3, local)\n")
		fmt.Fprintf(os.Stderr, "  TABULARD_INDEX_TTL      Object index lifetime, e.g. 10m\n")
		fmt.Fprintf(os.Stderr, "  TABULARD_LOG_LEVEL      Log level (debug, info, warn, error)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("tabulard version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	configSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			configSet = true
		}
	})

	cfg, err := loadConfig(configFile, configSet, envFile, database, port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, flush := logging.SetupLogger(cfg.Log)
	defer flush()
	slog.SetDefault(logger)

	secrets, err := config.LoadSecrets(secretsFile)
	if err != nil {
		logger.Error("failed to load secrets", "path", secretsFile, "error", err)
		os.Exit(1)
	}
	config.LoadSecretsFromEnv(secrets)
	if !secrets.HasStaticCredentials() {
		logger.Info("no static object store credentials, using the default AWS chain", "path", secretsFile)
	}

	printBanner(logger, cfg)

	application, err := app.New(cfg, secrets, logger)
	if err != nil {
		logger.Error("failed to create application", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		logger.Error("failed to start application", "error", err)
		os.Exit(1)
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		flush()
		os.Exit(1)
	}
}

// loadConfig layers the config file (or defaults when the default file is
// absent), then .env and TABULARD_ variables, then command line flags. A
// config file named on the command line must exist.
func loadConfig(configFile string, required bool, envFile, database string, port int) (*config.Config, error) {
	load := config.LoadOptional
	if required {
		load = config.LoadFromFile
	}
	cfg, err := load(configFile)
	if err != nil {
		return nil, err
	}

	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	config.LoadFromEnv(cfg)

	if database != "" {
		cfg.Database = database
	}
	if port != 0 {
		cfg.Port = port
	}

	return cfg, nil
}

// printBanner logs the configuration summary.
func printBanner(logger *slog.Logger, cfg *config.Config) {
	logger.Info("tabulard starting",
		"version", version,
		"commit", commit,
		"addr", cfg.Addr(),
		"database", cfg.Database,
		"storage", cfg.Storage.Type,
		"index_ttl", cfg.Index.TTL,
		"static_dir", cfg.StaticDir)
}
