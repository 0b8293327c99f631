package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"pvloadctl/internal/bus"
	"pvloadctl/internal/clock"
	"pvloadctl/internal/config"
	"pvloadctl/internal/service"
	"pvloadctl/internal/statusapi"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	busURL := os.Getenv("BUS_URL")
	busToken := os.Getenv("BUS_TOKEN")
	readOnly := os.Getenv("READ_ONLY") == "true"

	if busURL == "" || busToken == "" {
		logger.Fatal("BUS_URL and BUS_TOKEN environment variables must be set")
	}

	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		if _, err := os.Stat("./configs"); err == nil {
			configDir = "./configs"
		} else {
			configDir = "../configs"
		}
	}
	logger.Info("Using config directory", zap.String("path", configDir))

	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9100"
	}

	logger.Info("Starting pvloadctl",
		zap.String("bus_url", busURL),
		zap.Bool("read_only", readOnly))

	client := bus.NewClient(busURL, busToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to bus", zap.Error(err))
	}
	defer client.Disconnect()
	logger.Info("Connected to bus")

	loader := config.NewLoader(configDir, logger)
	if err := loader.LoadAll(); err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	sys := loader.System()

	clk := clock.NewRealClock()
	registry := service.NewRegistry()

	svc, err := service.New(sys, registry, client, clk, logger, readOnly)
	if err != nil {
		logger.Fatal("Failed to build service", zap.Error(err))
	}
	svc.Start()
	defer svc.Stop()
	logger.Info("Supervisor started", zap.Int("devices", len(svc.Devices())))

	statusServer := statusapi.NewServer(svc.Devices(), svc.Supervisor(), logger, metricsAddr)
	if err := statusServer.Start(); err != nil {
		logger.Fatal("Failed to start status API server", zap.Error(err))
	}
	defer statusServer.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("pvloadctl running. Press Ctrl+C to exit.")
	if readOnly {
		logger.Info("Running in READ-ONLY mode - no commands will be sent to the bus")
	}

	<-sigChan
	logger.Info("Shutting down gracefully...")
}
