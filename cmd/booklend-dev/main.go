package main

import (
	"context"
	"log"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"go.uber.org/zap"

	"booklend/internal/app"
	"booklend/internal/storage/ch"
)

func main() {
	ctx := context.Background()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("Starting ClickHouse testcontainer...")

	// Start ClickHouse container
	clickhouseContainer, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.3.102-alpine",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword("devpassword"),
		clickhouse.WithDatabase("default"),
	)
	if err != nil {
		logger.Fatal("Failed to start ClickHouse container", zap.Error(err))
	}

	// Ensure container cleanup on exit
	defer func() {
		logger.Info("Stopping ClickHouse container...")
		if err := clickhouseContainer.Terminate(ctx); err != nil {
			logger.Warn("Failed to terminate container", zap.Error(err))
		}
	}()

	host, err := clickhouseContainer.Host(ctx)
	if err != nil {
		logger.Fatal("Failed to get container host", zap.Error(err))
	}
	port, err := clickhouseContainer.MappedPort(ctx, "9000/tcp")
	if err != nil {
		logger.Fatal("Failed to get container port", zap.Error(err))
	}
	logger.Info("ClickHouse started", zap.String("host", host), zap.String("port", port.Port()))

	journal, err := ch.NewClickHouseDB(host, port.Int(), "default", "default", "devpassword", false)
	if err != nil {
		logger.Fatal("Failed to connect to ClickHouse", zap.Error(err))
	}
	if err := journal.Migrate(ctx, logger); err != nil {
		logger.Fatal("Failed to migrate ClickHouse", zap.Error(err))
	}
	journal.Close()

	// Set environment variables for the application
	os.Setenv("JOURNAL_BACKEND", "clickhouse")
	os.Setenv("CLICKHOUSE_HOST", host)
	os.Setenv("CLICKHOUSE_PORT", port.Port())
	os.Setenv("CLICKHOUSE_DATABASE", "default")
	os.Setenv("CLICKHOUSE_USER", "default")
	os.Setenv("CLICKHOUSE_PASSWORD", "devpassword")
	os.Setenv("CLICKHOUSE_USE_TLS", "false")
	if os.Getenv("USE_MOCK_DB") == "" {
		os.Setenv("USE_MOCK_DB", "true")
	}
	if os.Getenv("LOG_LEVEL") == "" {
		os.Setenv("LOG_LEVEL", "debug")
	}

	if os.Getenv("TELEGRAM_BOT_TOKEN") == "" {
		logger.Info("TELEGRAM_BOT_TOKEN not set, offline relay disabled")
	}

	logger.Info("Starting application with ClickHouse journal...")

	application, err := app.New()
	if err != nil {
		logger.Error("Failed to create application", zap.Error(err))
		return
	}

	// Run blocks until SIGINT or SIGTERM, then shuts down
	if err := application.Run(); err != nil {
		logger.Error("Application error", zap.Error(err))
	}
}
