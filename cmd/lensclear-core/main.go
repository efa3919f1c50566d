package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Coder-HNP/LensClear/internal/broker"
	"github.com/Coder-HNP/LensClear/internal/config"
	"github.com/Coder-HNP/LensClear/internal/db"
	"github.com/Coder-HNP/LensClear/internal/dispatch"
	"github.com/Coder-HNP/LensClear/internal/httpapi"
	"github.com/Coder-HNP/LensClear/internal/metrics"
	"github.com/Coder-HNP/LensClear/internal/realtime"
	"github.com/Coder-HNP/LensClear/internal/registry"
	"github.com/Coder-HNP/LensClear/internal/store"
	"github.com/Coder-HNP/LensClear/internal/trigger"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		// No logger yet; config failures go straight to stderr.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := httpapi.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *db.Pool
	var st store.Store
	if cfg.DatabaseURL != "" {
		p, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer p.Close()
		pool = p
		st = store.NewPostgres(p.Pgx())
		logger.Info().Msg("using postgres store")
	} else {
		st = store.NewMemory()
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
	}

	m := metrics.New()

	hub := realtime.NewHub(logger)
	go hub.Run()

	reg := registry.New(logger, st)

	gw := broker.New(logger, reg, st, st, hub, m, cfg.MQTTAddr)
	if err := gw.Start(); err != nil {
		// Command push degrades to pull-only delivery; the process stays up.
		logger.Warn().Err(err).Msg("mqtt broker failed to start, continuing without push delivery")
		gw = nil
	}

	var publisher dispatch.CommandPublisher
	if gw != nil {
		publisher = gw
		defer gw.Close()
	}

	disp := dispatch.New(logger, st, st, publisher, hub, m)
	eng := trigger.New(logger, st, st, disp, hub, m, trigger.Options{Tick: cfg.SchedulerTick})
	go eng.Run(ctx)

	janitor := store.NewJanitor(logger, st, cfg.TelemetryRetention)
	go janitor.Run(ctx)

	h := httpapi.NewHandler(logger, httpapi.Deps{
		Pool:       pool,
		Registry:   reg,
		Dispatcher: disp,
		Engine:     eng,
		Telemetry:  st,
		Logs:       st,
		Bus:        hub,
		Metrics:    m,
		Realtime:   hub,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("lensclear-core listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}
