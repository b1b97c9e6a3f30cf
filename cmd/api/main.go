package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Maheshthanniru/finance-sub000/pkg/config"
	"github.com/Maheshthanniru/finance-sub000/pkg/ledger"
	"github.com/Maheshthanniru/finance-sub000/pkg/logging"
	"github.com/Maheshthanniru/finance-sub000/pkg/store"
	"github.com/bwmarrin/snowflake"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

func openStore(cfg *config.Config, logger *logrus.Logger) (store.Storage, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		return store.NewPostgresStore(cfg.DBDSN, logger)
	case config.DriverSQLite:
		return store.NewSQLiteStore(cfg.DBDSN, logger)
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.DBDriver)
}

// scheduleSnapshots refreshes the cached loan figures on the configured cron
// expression. An empty expression disables the job.
func scheduleSnapshots(expr string, l *ledger.Ledger, logger *logrus.Logger) (*cron.Cron, error) {
	c := cron.New()
	if expr == "" {
		return c, nil
	}
	_, err := c.AddFunc(expr, func() {
		logger.Info("Running snapshot refresh...")
		report, err := l.RefreshSnapshots(context.Background(), time.Time{})
		if err != nil {
			logger.WithError(err).Error("Snapshot refresh failed")
			return
		}
		logger.WithField("refreshed", report.Refreshed).
			WithField("failed", report.Failed).
			Info("Snapshot refresh complete.")
	})
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot schedule %q: %w", expr, err)
	}
	return c, nil
}

func newRouter(server *Server, reg *prometheus.Registry) *mux.Router {
	router := mux.NewRouter()
	server.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	return router
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		logrus.Fatalf("Failed to set up logging: %v", err)
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize %s store: %v", cfg.DBDriver, err)
	}
	defer st.Close()

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		logger.Fatalf("Failed to create receipt node: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	l := ledger.NewLedger(st,
		ledger.WithLogger(logger),
		ledger.WithMetrics(ledger.NewMetrics(reg)),
		ledger.WithWriteTimeout(cfg.WriteTimeout),
		ledger.WithReceiptNode(node),
		ledger.WithOperator(cfg.OperatorName),
		ledger.WithSnapshotWorkers(cfg.SnapshotWorkers),
	)
	server := NewServer(l, st, logger)
	router := newRouter(server, reg)

	scheduler, err := scheduleSnapshots(cfg.SnapshotSchedule, l, logger)
	if err != nil {
		logger.Fatal(err)
	}
	scheduler.Start()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("Server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}
	logger.Info("Server stopped")
}
