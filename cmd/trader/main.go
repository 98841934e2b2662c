package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autotrader/internal/executor"
	"autotrader/internal/ledger"
	"autotrader/internal/logger"
	"autotrader/internal/scheduler"
	"autotrader/internal/server"
	"autotrader/internal/subs"
)

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	must(initializeSystem())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(ctx)
	must(err)

	stateStore, err := initializeStateStore(ctx, cfg)
	must(err)
	defer stateStore.Close()

	md, err := initializeMarketData(ctx, cfg)
	must(err)
	defer md.Close()

	brk := initializeBroker(ctx, cfg, md)
	cal := initializeCalendar(cfg)
	streamer := initializeStreamer(cfg, md)
	registry := initializeRegistry(md, stateStore)

	exec := executor.New(brk, stateStore)
	subsMgr := subs.NewManager(streamer)
	sched := scheduler.New(stateStore, registry, exec, cal, subsMgr, scheduler.Config{
		Buffer:          time.Duration(cfg.Scheduler.BufferSeconds) * time.Second,
		ClosedPoll:      time.Duration(cfg.Scheduler.ClosedPollMinutes) * time.Minute,
		InstanceTimeout: time.Duration(cfg.Scheduler.InstanceTimeoutSec) * time.Second,
	})

	must(streamer.Start(ctx))
	if err := subsMgr.Restore(ctx, stateStore); err != nil {
		logger.ErrorWithErr(ctx, "Subscription restore incomplete, scheduler will retry", err)
	}

	cards := ledger.NewBuilder(stateStore, md)
	srv := server.New(stateStore, brk, cal, registry, cards, exec, sched, subsMgr)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Router(),
	}
	go func() {
		logger.Info(ctx, "API server listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorWithErr(ctx, "API server stopped", err)
			cancel()
		}
	}()

	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorWithErr(ctx, "Scheduler stopped", err)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
		logger.Info(ctx, "Shutting down")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	streamer.Stop(shutdownCtx)
	_ = logger.Shutdown(shutdownCtx)
}
