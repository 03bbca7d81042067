// Satpid is the capture station daemon. It loads configuration, takes the
// single-instance lock, and runs the scheduler, processing pipeline, upload
// queue, storage reclaimer and connectivity monitor behind an HTTP/WebSocket
// API. Shutdown is handled gracefully on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/large-farva/satpi/internal/app"
	"github.com/large-farva/satpi/internal/config"
	"github.com/large-farva/satpi/internal/logging"
	"github.com/large-farva/satpi/internal/ws"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "/etc/satpi/satpi.toml", "Path to config TOML")
		bind       = pflag.String("bind", "", "HTTP bind address (overrides server.bind)")
		logLevel   = pflag.String("log-level", "", "Log level (overrides logging.level)")
		simulate   = pflag.Bool("simulate", false, "Use the simulated receiver instead of rtl_sdr")
		check      = pflag.Bool("check", false, "Validate the configuration and exit")
		version    = pflag.Bool("version", false, "Print version and exit")
	)
	pflag.Parse()

	if *version {
		fmt.Println("satpid", app.VersionString())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "satpid: config load failed: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *simulate {
		cfg.Receiver.Simulate = true
	}
	if *check {
		fmt.Printf("%s: ok\n", *configPath)
		return
	}

	hub := ws.NewHub()
	logger, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
		Hub:    hub,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "satpid: logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	os.Exit(run(logger, closeLog, app.Options{
		Logger:     logger,
		Config:     cfg,
		ConfigPath: *configPath,
		Bind:       *bind,
		Hub:        hub,
	}))
}

func run(logger *slog.Logger, closeLog func() error, opts app.Options) int {
	defer func() { _ = closeLog() }()

	a, err := app.New(opts)
	if err != nil {
		logger.Error("startup failed", logging.Error(err))
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown cleanup failed", logging.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("satpid starting", slog.String("version", app.VersionString()), slog.String("config", opts.ConfigPath))
	if err := a.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		logger.Error("satpid failed", logging.Error(err))
		return 1
	}
	logger.Info("satpid stopped")

	// Brief pause so in-flight hub writes can flush before exit.
	time.Sleep(50 * time.Millisecond)
	return 0
}
