package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/voxgate/voxgate/internal/api"
	"github.com/voxgate/voxgate/internal/cdr"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/gateway"
	"github.com/voxgate/voxgate/internal/media"
	"github.com/voxgate/voxgate/internal/metrics"
	"github.com/voxgate/voxgate/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voxgate",
		"listen_addr", cfg.ListenAddr,
		"http_port", cfg.HTTPPort,
		"cdr_backend", cfg.CDRBackend,
	)

	// CDR recorder: the store (if any) doubles as the recorder.
	var (
		recorder cdr.Recorder
		store    cdr.Store
	)
	switch cfg.CDRBackend {
	case "sqlite":
		st, err := cdr.OpenSQLite(cfg.DataDir)
		if err != nil {
			slog.Error("failed to open cdr store", "error", err)
			os.Exit(1)
		}
		store, recorder = st, st
	case "postgres":
		st, err := cdr.OpenPG(cfg.CDRDSN)
		if err != nil {
			slog.Error("failed to open cdr store", "error", err)
			os.Exit(1)
		}
		store, recorder = st, st
	default:
		recorder = cdr.NewLogRecorder(logger)
	}
	if store != nil {
		defer store.Close()
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	registry := session.NewRegistry(recorder, cfg.RecorderWait, logger)
	registry.SetIdleTimeout(cfg.SessionIdle)
	registry.StartReaper(appCtx)

	stats := &gateway.Stats{}
	opts := gateway.Options{
		Media: media.Config{
			FrameBytes:    cfg.FrameBytes,
			FrameInterval: cfg.FrameInterval,
		},
		AllowImplicitSession: cfg.ImplicitOK,
		EventRate:            rate.Limit(cfg.EventRate),
		EventBurst:           cfg.EventBurst,
		Stats:                stats,
	}
	if cfg.AnswerDelay >= 0 {
		opts.Handler = &autoResponder{delay: cfg.AnswerDelay, logger: logger}
	}

	gw := gateway.NewServer(cfg.ListenAddr, registry, opts, logger)
	gwErr := gw.Start(appCtx)

	// Admin API and metrics.
	collector := metrics.NewCollector(registry, stats, storeCounter(store), time.Now())
	handler := api.NewServer(registry, store, []byte(cfg.JWTSecret), collector)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("admin http server error", "error", err)
	case err := <-gwErr:
		slog.Error("gateway error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	gw.Stop()
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("admin http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("voxgate stopped")
}

// storeCounter adapts a possibly-nil store to the metrics provider.
func storeCounter(store cdr.Store) metrics.CDRCounter {
	if store == nil {
		return nil
	}
	return store
}

// autoResponder is the demo call-flow handler: it answers each offered
// call after a fixed delay and logs digits. Real deployments replace it
// with their own gateway.Handler.
type autoResponder struct {
	delay  time.Duration
	logger *slog.Logger
}

func (a *autoResponder) OnOffered(c *gateway.Conn, s *session.Session) {
	a.logger.Info("call offered, scheduling answer",
		"session_id", s.ID,
		"caller_id", s.CallerID,
		"delay", a.delay,
	)
	go func() {
		time.Sleep(a.delay)
		if err := c.AnswerSession(s.ID); err != nil {
			a.logger.Warn("auto-answer failed", "session_id", s.ID, "error", err)
		}
	}()
}

func (a *autoResponder) OnDTMF(c *gateway.Conn, s *session.Session, digit string, duration int) {
	a.logger.Info("digit received", "session_id", s.ID, "digit", digit, "duration_ms", duration)
}
