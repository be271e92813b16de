package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/config"
	"github.com/cocovax/cuveris/internal/logger"
	"github.com/cocovax/cuveris/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.New(cfg.Log.Level, cfg.Log.Format, "cuveris-gateway")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting cuveris-gateway",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.Bool("mock_enabled", cfg.Gateway.EnableMock),
		zap.String("data_provider", cfg.DataProvider),
	)

	srv, err := service.NewServer(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start server", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	cancel()
	if err := srv.Stop(ctx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}
}
