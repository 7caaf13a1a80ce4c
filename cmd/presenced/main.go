// Command presenced runs one presence tracker node: it loads
// configuration, dials NATS, starts the tracker actor and the admin HTTP
// surface, and runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ruvnet/presence/internal/config"
	"github.com/ruvnet/presence/internal/httpapi"
	"github.com/ruvnet/presence/internal/metrics"
	"github.com/ruvnet/presence/internal/transport"
	"github.com/ruvnet/presence/internal/tracker"
	"github.com/ruvnet/presence/internal/wsnotify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger := mustLogger(cfg.Logging.Level)
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	recorder := metrics.New(reg)

	tr, err := transport.DialNATS(cfg.NATS.URL, cfg.Node.Name)
	if err != nil {
		logger.Fatal("failed to dial NATS", zap.Error(err))
	}
	defer tr.Close()

	notifier := wsnotify.NewHub(logger)

	srv, err := tracker.New(cfg.Tracker, cfg.Node.Name, "default", tr, notifier, logger, recorder)
	if err != nil {
		logger.Fatal("failed to construct tracker server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("failed to start tracker server", zap.Error(err))
	}
	defer srv.Close()

	router := httpapi.NewRouter(srv, reg, logger)
	router.GET("/ws", gin.WrapF(notifier.ServeWS))
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("presenced: admin HTTP surface listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("admin HTTP surface failed", zap.Error(err))
		}
	}()

	logger.Info("presenced started",
		zap.String("node", cfg.Node.Name),
		zap.Uint64("vsn", srv.SelfRef().Vsn),
		zap.String("nats_url", cfg.NATS.URL),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("presenced: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.WriteTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin HTTP surface forced to shutdown", zap.Error(err))
	}

	logger.Info("presenced: exited gracefully")
}

func mustLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
