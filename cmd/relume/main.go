package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/app"
	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/server"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	serverHost   = flag.String("host", "", "Server host (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Relume version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	// Auto-discover a config file when none is given
	if len(configFiles) == 0 {
		if _, err := os.Stat("relume.toml"); err == nil {
			configFiles = append(configFiles, "relume.toml")
		} else if _, err := os.Stat("deployments/local/relume.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/relume.toml")
		}
	}

	// Load order: defaults -> config files -> env -> CLI flags
	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	if *serverPort != 0 {
		config.Server.Port = *serverPort
	}
	if *serverHost != "" {
		config.Server.Host = *serverHost
	}

	logger := common.InitLogger(config)

	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Str("environment", config.Environment).
		Int("port", config.Server.Port).
		Str("host", config.Server.Host).
		Msg("Application configuration loaded")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}

	if err := application.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start background workers")
		os.Exit(1)
	}

	srv := server.New(application)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Fatal().Str("panic", fmt.Sprintf("%v", r)).Msg("Server goroutine panicked")
			}
		}()

		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Interrupt signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	if err := application.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Application shutdown failed")
	}

	logger.Info().Msg("Server stopped")
}
