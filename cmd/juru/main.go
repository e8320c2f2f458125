package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/juru/pkg/juru"
	"github.com/harunnryd/juru/pkg/logging"
	"github.com/harunnryd/juru/pkg/runner"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/juru.example.yaml", "path to the relay config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "juru:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := juru.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	runner.EngineVersion = version

	providers := juru.NewProviderRegistry()
	registerProviders(providers)

	app, err := juru.NewEngine(juru.EngineOptions{
		Config:    cfg,
		Providers: providers,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	slog.Info("shutdown_requested")
	return app.Stop()
}
