// Command memproxy runs the memory tool proxy over the configured
// transports.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/localmem/memproxy"
	"github.com/localmem/memproxy/internal/config"
	"github.com/localmem/memproxy/internal/errortypes"
	"github.com/localmem/memproxy/internal/logger"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	initConfig := flag.Bool("init-config", false, "write a default config file and exit")
	flag.Parse()

	configPath := os.Getenv("MEMPROXY_CONFIG")
	if configPath == "" {
		configPath = config.DefaultConfigFilename
	}

	if *initConfig {
		return writeDefaultConfig(configPath)
	}

	cfg, err := config.LoadConfigWithPath(configPath)
	if err != nil {
		errortypes.LogError(nil, err)
		return err
	}

	appLogger := logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	appLogger.Info("memproxy starting",
		"transport", cfg.Proxy.Transport,
		"direct_mode", cfg.DirectMode())

	srv, err := memproxy.NewServer(memproxy.ServerOptions{
		Config: cfg,
		Logger: appLogger,
	})
	if err != nil {
		errortypes.LogError(appLogger, err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		errortypes.LogError(appLogger, err)
		return err
	}
	appLogger.Info("memproxy stopped")
	return nil
}

// writeDefaultConfig saves the default configuration so operators have a
// file to edit instead of starting from the env reference.
func writeDefaultConfig(path string) error {
	appLogger := logger.Setup(config.DefaultLogLevel, config.DefaultLogFormat)
	cfg := config.NewConfig()
	if err := cfg.SaveToFile(path); err != nil {
		errortypes.LogError(appLogger, err)
		return err
	}
	appLogger.Info("wrote default configuration", "path", cfg.GetConfigPath())
	return nil
}
