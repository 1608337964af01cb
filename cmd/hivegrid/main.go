// Command hivegrid runs the orchestrator: three WebSocket hubs for agents,
// clients and services, plus the managed MCP tool servers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/hivegrid/hivegrid/internal/common/config"
	"github.com/hivegrid/hivegrid/internal/common/logger"
	"github.com/hivegrid/hivegrid/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(orchestrator.Version)
		return
	}

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	svc, err := orchestrator.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to assemble orchestrator", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting orchestrator",
		zap.String("version", orchestrator.Version),
		zap.Int("agent_port", cfg.Endpoints.AgentPort),
		zap.Int("client_port", cfg.Endpoints.ClientPort),
		zap.Int("service_port", cfg.Endpoints.ServicePort))

	if err := svc.Run(ctx); err != nil {
		log.Fatal("Orchestrator exited with error", zap.Error(err))
	}
}
