package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"booklend/internal/api"
	"booklend/internal/config"
	"booklend/internal/hub"
	"booklend/internal/lending"
	"booklend/internal/messaging"
	"booklend/internal/storage"
	"booklend/internal/storage/ch"
	"booklend/internal/storage/sqlite"
	"booklend/internal/storage/stubs"
	"booklend/internal/telegram"
)

// App represents the application
type App struct {
	config *config.Config
	logger *zap.Logger

	db      storage.Storage
	journal storage.Journal

	hub       *hub.Hub
	messaging *messaging.Service
	lending   *lending.Service
	sweeper   *lending.Sweeper
	relay     *telegram.Relay

	server *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLogger builds the JSON production logger, or the console one for debug
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if level != "" {
		if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
		}
	}
	return cfg.Build()
}

// New creates and initializes a new application instance
func New() (*App, error) {
	// Load .env file if it exists
	envErr := godotenv.Load()

	// Load configuration from environment variables
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if envErr != nil {
		logger.Debug("No .env file found, using system environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{config: cfg, logger: logger, ctx: ctx, cancel: cancel}

	logger.Info("Starting booklend...")

	if err := app.initDatabase(); err != nil {
		cancel()
		return nil, err
	}
	if err := app.initJournal(); err != nil {
		cancel()
		app.db.Close()
		return nil, err
	}

	app.initServices()

	if err := app.initRelay(); err != nil {
		cancel()
		app.closeStores()
		return nil, err
	}

	if err := app.initHTTPServer(); err != nil {
		cancel()
		app.closeStores()
		return nil, err
	}

	return app, nil
}

// initDatabase initializes the primary store
func (a *App) initDatabase() error {
	var db storage.Storage
	if a.config.UseMockDB {
		a.logger.Info("Using mock database")
		db = stubs.NewMockDB()
	} else {
		a.logger.Info("Opening SQLite database", zap.String("path", a.config.SQLitePath))
		sqliteDB, err := sqlite.Open(a.config.SQLitePath, a.logger)
		if err != nil {
			return fmt.Errorf("failed to open SQLite: %w", err)
		}
		db = sqliteDB
	}

	// Initialize database schema
	if err := db.Initialize(a.ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.logger.Info("Database initialized successfully")

	a.db = db
	return nil
}

// initJournal connects the activity journal
func (a *App) initJournal() error {
	if a.config.JournalBackend != config.JournalClickHouse {
		a.logger.Info("Using in-memory activity journal")
		a.journal = stubs.NewMockJournal()
		return nil
	}

	tlsStatus := "without TLS"
	if a.config.ClickHouseUseTLS {
		tlsStatus = "with TLS"
	}
	a.logger.Info("Connecting to ClickHouse",
		zap.String("host", a.config.ClickHouseHost),
		zap.Int("port", a.config.ClickHousePort),
		zap.String("database", a.config.ClickHouseDatabase),
		zap.String("user", a.config.ClickHouseUser),
		zap.String("tls", tlsStatus),
	)
	journal, err := ch.NewClickHouseDB(
		a.config.ClickHouseHost,
		a.config.ClickHousePort,
		a.config.ClickHouseDatabase,
		a.config.ClickHouseUser,
		a.config.ClickHousePassword,
		a.config.ClickHouseUseTLS,
	)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	a.journal = journal
	return nil
}

// initServices wires the hub, the ledger and the loan service together
func (a *App) initServices() {
	opts := hub.DefaultOptions()
	opts.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || a.config.AllowsOrigin(origin)
	}
	a.hub = hub.NewHub(hub.NewRegistry(), a.logger.Named("hub"), opts)

	a.messaging = messaging.NewService(a.db, a.hub, a.logger.Named("messaging"))
	a.hub.SetBackend(a.messaging)

	a.lending = lending.NewService(a.db, a.journal, a.hub, a.messaging, lending.Policy{
		ReservationTTL:  a.config.ReservationTTL,
		DefaultLoanDays: a.config.DefaultLoanDays,
		MaxLoanDays:     a.config.MaxLoanDays,
		AutoMessages:    a.config.AutoMessages,
	}, a.logger.Named("lending"))

	if a.config.SweepInterval > 0 {
		a.sweeper = lending.NewSweeper(a.lending, a.config.SweepInterval, a.logger.Named("sweeper"))
	}
}

// initRelay starts the Telegram relay when a token is configured
func (a *App) initRelay() error {
	if a.config.TelegramToken == "" {
		return nil
	}
	relay, err := telegram.NewRelay(a.config.TelegramToken, a.config.TelegramChatIDs, a.logger.Named("telegram"))
	if err != nil {
		return fmt.Errorf("failed to create Telegram relay: %w", err)
	}
	a.logger.Info("Telegram relay enabled", zap.Int("linked_chats", len(a.config.TelegramChatIDs)))

	a.relay = relay
	a.hub.SetOfflineSink(relay)
	return nil
}

// initHTTPServer initializes the HTTP server
func (a *App) initHTTPServer() error {
	server, err := api.NewServer(api.Deps{
		Lending:     a.lending,
		Messaging:   a.messaging,
		Users:       a.db,
		Journal:     a.journal,
		Hub:         a.hub,
		AuthHeader:  a.config.AuthHeader,
		AllowOrigin: a.config.AllowsOrigin,
		Logger:      a.logger.Named("http"),
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	a.server = &http.Server{
		Addr:              ":" + a.config.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Run starts the application and blocks until shutdown
func (a *App) Run() error {
	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if a.sweeper != nil {
		a.sweeper.Start(a.ctx)
	}
	if a.relay != nil {
		a.relay.Start(a.ctx)
	}

	errChan := make(chan error, 1)
	go func() {
		a.logger.Info("Starting HTTP server", zap.String("port", a.config.Port))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var runErr error
	select {
	case <-sigChan:
		a.logger.Info("Received shutdown signal")
	case err := <-errChan:
		runErr = fmt.Errorf("HTTP server error: %w", err)
	}

	a.logger.Info("Shutting down...")
	if err := a.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown() error {
	// Shutdown HTTP server gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	a.cancel()
	a.hub.Close()
	if a.sweeper != nil {
		a.sweeper.Wait()
	}
	if a.relay != nil {
		a.relay.Stop()
	}

	err := a.closeStores()
	if err != nil {
		a.logger.Error("Error closing storage", zap.Error(err))
	} else {
		a.logger.Info("Shutdown complete")
	}
	a.logger.Sync()
	return err
}

func (a *App) closeStores() error {
	var errs []error
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}
