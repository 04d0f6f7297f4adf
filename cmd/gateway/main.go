package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/edgekit/gateway/gateway"
	"github.com/edgekit/gateway/internal/config"
	"github.com/edgekit/gateway/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("edgekit gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	defer watcher.Stop()
	cfg := watcher.GetConfig()

	if *validateOnly {
		if err := validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	engine := gateway.New()
	snap, err := cfg.Snapshot()
	if err != nil {
		logging.Error("Failed to build snapshot", zap.Error(err))
		os.Exit(1)
	}
	if err := engine.Reload(context.Background(), snap); err != nil {
		logging.Error("Failed to load routes", zap.Error(err))
		os.Exit(1)
	}

	server := gateway.NewServer(engine, gateway.StaticClusters(cfg.Clusters), nil)

	watcher.OnChange(func(next *config.Config) {
		snap, err := next.Snapshot()
		if err != nil {
			logging.Error("Rejected config change", zap.Error(err))
			return
		}
		if err := engine.Reload(context.Background(), snap); err != nil {
			logging.Error("Rejected config change", zap.Error(err))
			return
		}
		logging.Info("Applied config change",
			zap.Int("virtual_hosts", len(snap.VirtualHosts)),
			zap.Int("auth_configs", len(snap.AuthConfigs)),
		)
	})
	if err := watcher.Start(); err != nil {
		logging.Error("Failed to watch config", zap.Error(err))
		os.Exit(1)
	}

	addr := cfg.Server.Listen
	if *listenAddr != "" {
		addr = *listenAddr
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logging.Info("Starting gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("listen", addr),
		zap.Int("virtual_hosts", len(snap.VirtualHosts)),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	case sig := <-sigCh:
		logging.Info("Shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logging.Error("Shutdown error", zap.Error(err))
		os.Exit(1)
	}
}

// validate checks everything that can be checked without dialing out: config
// parse, snapshot conversion, and the static auth config rules.
func validate(cfg *config.Config) error {
	snap, err := cfg.Snapshot()
	if err != nil {
		return err
	}
	if snap.Settings != nil {
		if err := snap.Settings.Validate(); err != nil {
			return err
		}
	}
	for _, ac := range snap.AuthConfigs {
		if err := ac.Validate(); err != nil {
			return err
		}
	}
	return nil
}
