// Command relayprint is the print agent process. It connects to the print
// server's event stream, delivers ZPL payloads to the configured printer, and
// acknowledges every outcome.
//
// Usage:
//
//	relayprint [--config path/to/config.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/relayprint/relayprint/internal/api"
	"github.com/relayprint/relayprint/internal/backoff"
	"github.com/relayprint/relayprint/internal/config"
	"github.com/relayprint/relayprint/internal/dedup"
	"github.com/relayprint/relayprint/internal/dispatch"
	"github.com/relayprint/relayprint/internal/history"
	"github.com/relayprint/relayprint/internal/identity"
	"github.com/relayprint/relayprint/internal/job"
	"github.com/relayprint/relayprint/internal/metrics"
	"github.com/relayprint/relayprint/internal/printer"
	"github.com/relayprint/relayprint/internal/queue"
	"github.com/relayprint/relayprint/internal/single"
	"github.com/relayprint/relayprint/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relayprint: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. One agent per data directory ──────────────────────────────────────
	lock, err := single.Acquire(cfg.Agent.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("release lockfile", "err", err)
		}
	}()

	// ── 4. Initialise agent identity ─────────────────────────────────────────
	agent, err := identity.New(cfg.Agent.DataDir, cfg.Agent.ID)
	if err != nil {
		return fmt.Errorf("init identity: %w", err)
	}

	slog.Info("relayprint starting",
		"agent_id", agent.ID(),
		"server_url", cfg.Server.URL,
		"printer_addr", cfg.Printer.Addr,
		"data_dir", agent.DataDir(),
	)

	// ── 5. Open print history ────────────────────────────────────────────────
	store, err := history.Open(filepath.Join(cfg.Agent.DataDir, "history.db"))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("close history", "err", err)
		}
	}()

	// ── 6. Dedup ledger, warm-started from history ───────────────────────────
	ledger := dedup.New(cfg.Dedup.Window(), cfg.Dedup.Capacity)
	defer ledger.Close()
	warmLedger(store, ledger, cfg.Dedup.Window())

	// ── 7. Queue, sink, metrics ──────────────────────────────────────────────
	q := queue.New(cfg.Queue.MaxDepth)
	sink := printer.NewTCPSink(cfg.Printer.Addr, cfg.Printer.DialTimeout())
	metricsReg := &metrics.Registry{QueueDepth: q.Len}

	outcomes := make(chan job.Outcome, cfg.Queue.MaxDepth)

	// ── 8. Dispatcher ────────────────────────────────────────────────────────
	disp := dispatch.New(dispatch.Options{
		Queue:         q,
		Sink:          sink,
		History:       store,
		Metrics:       metricsReg,
		Logger:        logger,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		SubmitTimeout: cfg.Printer.SubmitTimeout(),
		Backoff:       backoff.NewExponential(cfg.Queue.RetryDelay(), cfg.Queue.RetryMaxDelay()),
		RequeuePolicy: queue.Policy(cfg.Queue.RequeuePolicy),
		Outcomes:      outcomes,
	})

	// ── 9. Event-stream client ───────────────────────────────────────────────
	client := stream.New(stream.Options{
		URL:     cfg.Server.URL,
		APIKey:  cfg.Server.APIKey,
		AgentID: agent.ID().String(),
		Queue:   q,
		Ledger:  ledger,
		History: store,
		Metrics: metricsReg,
		Logger:  logger,
		Backoff: backoff.NewExponentialWithJitter(cfg.Stream.BackoffInitial(), cfg.Stream.BackoffMax()),
		WriteTimeout:            cfg.Stream.WriteTimeout(),
		FlushAcksOnReconnect:    cfg.Stream.FlushAcksOnReconnect,
		RequestMissingOnConnect: cfg.Stream.RequestMissingOnConnect,
		Outcomes:                outcomes,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 2)
	go func() { runErr <- disp.Run(ctx) }()
	go func() { runErr <- client.Run(ctx) }()

	// ── 10. Local control API ────────────────────────────────────────────────
	var ctrl *api.Server
	if cfg.API.Enabled {
		ctrl = api.New(api.Options{
			Host:    cfg.API.Host,
			Port:    cfg.API.Port,
			APIKey:  cfg.API.APIKey,
			RateRPS: cfg.API.RateRPS,
			Burst:   cfg.API.RateBurst,
			AgentID: agent.ID().String(),
			Queue:   q,
			Stream:  client,
			History: store,
			Metrics: metricsReg,
			Logger:  logger,
		})
		go func() {
			if err := ctrl.ListenAndServe(); err != nil {
				slog.Warn("control api error", "err", err)
			}
		}()
	}

	// ── 11. Graceful shutdown on SIGINT / SIGTERM ────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-runErr:
		if err != nil {
			return fmt.Errorf("agent loop: %w", err)
		}
		return nil
	}

	// Stop admitting jobs, release the dispatcher, close the stream.
	q.Close()
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if ctrl != nil {
		if err := ctrl.Shutdown(shutCtx); err != nil {
			slog.Warn("control api shutdown error", "err", err)
		}
	}

	slog.Info("relayprint stopped")
	return nil
}

// warmLedger replays ids processed within the dedup window into the ledger,
// so a quick restart does not double-print server redeliveries.
func warmLedger(store *history.Store, ledger *dedup.Ledger, window time.Duration) {
	recs, err := store.CompletedSince(time.Now().Add(-window))
	if err != nil {
		slog.Warn("warm dedup ledger", "err", err)
		return
	}
	entries := make([]dedup.Entry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, dedup.Entry{JobID: rec.JobID, SeenAt: rec.CompletedAt})
	}
	ledger.Warm(entries)
	if len(entries) > 0 {
		slog.Info("dedup ledger warmed", "entries", len(entries))
	}
}
