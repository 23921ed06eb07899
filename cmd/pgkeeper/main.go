package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/pgkeeper/config"
	"github.com/migadu/pgkeeper/logger"
	pkgerrors "github.com/migadu/pgkeeper/pkg/errors"
	"github.com/migadu/pgkeeper/pkg/resilient"
	"github.com/migadu/pgkeeper/server/healthapi"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.NewDefaultConfig()

	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	fDatabaseURL := flag.String("database-url", "", "Database URL (overrides config and DATABASE_URL)")
	fEnvironment := flag.String("environment", "", "Environment: 'production' or 'development' (overrides config)")
	fHTTPAddr := flag.String("http-addr", "", "Health/metrics listen address (overrides config)")
	fShowVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *fShowVersion {
		fmt.Printf("pgkeeper %s\n", version)
		return 0
	}

	errorHandler := pkgerrors.NewErrorHandler()

	// A missing default config file is fine; an explicit one must exist.
	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || isFlagPassed("config") {
			errorHandler.ConfigError(*configPath, err)
			return errorHandler.ExitCode()
		}
	}
	config.ApplyEnvironment(&cfg, nil)

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "database-url":
			cfg.Database.URL = *fDatabaseURL
		case "environment":
			cfg.Database.Environment = *fEnvironment
		case "http-addr":
			cfg.HTTP.Addr = *fHTTPAddr
		}
	})

	if err := cfg.Validate(); err != nil {
		errorHandler.ConfigError(*configPath, err)
		return errorHandler.ExitCode()
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("Starting pgkeeper", "version", version, "environment", cfg.Database.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signalChan:
			logger.Info("Received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	manager, err := resilient.New(&cfg)
	if err != nil {
		errorHandler.FatalError("create connection pool manager", err)
		return errorHandler.ExitCode()
	}
	defer manager.Shutdown()

	startCtx, startCancel := context.WithTimeout(ctx, 5*time.Minute)
	_, err = manager.Initialize(startCtx)
	startCancel()
	if err != nil {
		errorHandler.FatalError("initialize database", err)
		return errorHandler.ExitCode()
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		srv, err := healthapi.New(manager, healthapi.ServerOptions{
			Addr:           cfg.HTTP.Addr,
			APIKey:         cfg.HTTP.APIKey,
			AllowedHosts:   cfg.HTTP.AllowedHosts,
			TrustedProxies: cfg.HTTP.TrustedProxies,
		})
		if err != nil {
			errorHandler.FatalError("create health API server", err)
			return errorHandler.ExitCode()
		}
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		errorHandler.FatalError("serve", err)
	}

	manager.Shutdown()
	logger.Info("Shutdown complete")
	return errorHandler.ExitCode()
}

func isFlagPassed(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
