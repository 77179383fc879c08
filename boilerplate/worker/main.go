package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"modsync/boilerplate/worker/controllers"
	"modsync/internal"
	"modsync/pkg/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to app config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		internal.NewLogger("worker-boilerplate").Fatal("load config", "err", err)
	}
	internal.SetupLogging(cfg.Log)
	logger := internal.NewLogger("worker-boilerplate")

	wk, err := worker.FromConfig(cfg)
	if err != nil {
		logger.Fatal("worker", "err", err)
	}
	defer func() {
		if err := wk.Close(); err != nil {
			logger.Warn("worker close", "err", err)
		}
	}()

	wk.OnChanged(controllers.HandleModuleChanged)
	wk.OnRemoved(controllers.HandleModuleRemoved)
	for _, rule := range cfg.Rules {
		wk.OnTopic(rule.Emit, controllers.HandleRuleMatch)
	}

	if err := wk.Run(ctx); err != nil {
		logger.Fatal("worker", "err", err)
	}
}
