// Command oarsd assembles the OARS platform from the environment and runs
// its background loops (SIEM retry scheduler and, in queue mode, the
// execution worker) until interrupted. The HTTP edge binds against the
// assembled platform; transport wiring lives outside the core.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oars-platform/oars/pkg/platform"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := platform.Load()
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := platform.New(ctx, cfg, logger)
	if err != nil {
		// Ledger integrity failures land here; the operator must intervene.
		logger.Error("platform startup failed", "error", err)
		return 1
	}
	p.Start(ctx)

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.Close(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return 1
	}
	return 0
}
