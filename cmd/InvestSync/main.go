package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/sgrodzki/InvestSync/internal/auth"
	"github.com/sgrodzki/InvestSync/internal/events"
	"github.com/sgrodzki/InvestSync/internal/ledger"
	"github.com/sgrodzki/InvestSync/internal/logging"
	"github.com/sgrodzki/InvestSync/internal/notification"
	"github.com/sgrodzki/InvestSync/internal/realtime"
	"github.com/sgrodzki/InvestSync/internal/store"
	"github.com/sgrodzki/InvestSync/internal/store/memstore"
	"github.com/sgrodzki/InvestSync/internal/store/pgstore"
)

func checkConfiguration(logger *logrus.Logger) error {
	err := godotenv.Load()
	if err != nil {
		logger.Info("Error loading .env file, continuing with system environment variables")
	}

	if os.Getenv("JWT_SECRET") == "" {
		return errors.New("no JWT_SECRET provided")
	}
	return nil
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ready",
	})
}

func main() {
	logger := logging.New()

	if err := checkConfiguration(logger); err != nil {
		logger.Fatalf("Missing configuration, update to start server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var docStore store.Store
	if connStr := os.Getenv("DB_CONNECTION_STRING"); connStr != "" {
		pg, err := pgstore.New(ctx, connStr, logger)
		if err != nil {
			logger.Fatalf("Could not initialize document store: %v", err)
		}
		defer pg.Close()
		docStore = pg
	} else {
		logger.Info("DB_CONNECTION_STRING not set, running with the in-memory store")
		docStore = memstore.New()
	}

	jwtManager := auth.NewJWTManager(os.Getenv("JWT_SECRET"))

	hub := realtime.NewHub(logger)
	go hub.Run(ctx)

	notificationService := notification.NewService(docStore, hub, logger)
	ledgerRepo := ledger.NewRepository(docStore)
	ledgerService := ledger.NewService(ledgerRepo, hub, notificationService, logger)

	watcher := realtime.NewWatcher(docStore, hub, ledgerService, logger)
	if err := watcher.Run(ctx); err != nil {
		logger.Fatalf("Change-stream watcher didn't start, stopping the app: %v", err)
	}

	if err := startSnapshotScheduler(ctx, hub, ledgerService, logger); err != nil {
		logger.Fatalf("Scheduler didn't start, stopping the app: %v", err)
	}

	wsHandler := realtime.NewWSHandler(hub, jwtManager, logger)

	mux := http.NewServeMux()
	mux.Handle("GET /ws", wsHandler)
	mux.Handle("GET /api/ready", http.HandlerFunc(handleReady))

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Server starting on port 8080...")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("Server failed to start: %v", err)
	}
}

// startSnapshotScheduler periodically re-pushes portfolio aggregates to
// every connected user, so dashboards converge even when an event was
// missed.
func startSnapshotScheduler(ctx context.Context, hub *realtime.Hub, ledgerService *ledger.Service, logger *logrus.Logger) error {
	c := cron.New()
	_, err := c.AddFunc("@every 1m", func() {
		for _, userID := range hub.ConnectedUsers() {
			snap, err := ledgerService.Snapshot(ctx, userID)
			if err != nil {
				logger.WithError(err).WithField("user", userID).Warn("could not refresh portfolio snapshot")
				continue
			}
			hub.SendToUser(userID, events.PortfolioUpdate, snap)
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}
