// Daemon: incrementally backfills weekly 15-minute klines, refreshes the
// current week, and rebuilds the merged and training datasets on a cron
// schedule.
//
// Usage:
//
//	klinefeed [-once]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"klinefeed/internal/config"
	"klinefeed/internal/domain"
	"klinefeed/internal/exchange/bybit"
	"klinefeed/internal/httpapi"
	"klinefeed/internal/partition"
	"klinefeed/internal/pipeline"
	"klinefeed/internal/reference"
	"klinefeed/internal/scheduler"
	"klinefeed/internal/store"
	"klinefeed/internal/util"
)

func main() {
	once := flag.Bool("once", false, "run one backfill and one recent pass, then exit")
	flag.Parse()

	if err := run(*once); err != nil {
		log.Fatalf("klinefeed: %v", err)
	}
}

// run wires the daemon and blocks until shutdown, or until the one-shot pass
// is done. Deferred closes run before main exits.
func run(once bool) error {
	cfgPath := "config/klinefeed.yaml"
	if p := os.Getenv("KLINEFEED_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logging.
	logOut := util.NewLogWriter(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
	defer logOut.Close()
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, logOut)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := bybit.NewClient(cfg.Bybit.BaseURL,
		bybit.WithHTTPClient(&http.Client{Timeout: cfg.Bybit.RequestTimeout}),
		bybit.WithRateLimit(cfg.Bybit.RequestsPerSecond, 1),
		bybit.WithLogger(logger),
	)

	symbols, err := loadSymbols(ctx, client, cfg)
	if err != nil {
		return fmt.Errorf("loading symbols: %w", err)
	}

	// Create stores.
	ps := store.NewParquetStore(cfg.Storage.DataDir)
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer db.Close()

	space := partition.NewSpace(symbols.Names(), cfg.StartDate(), cfg.WeekDay())
	runner := pipeline.NewRunner(
		bybit.NewRangeFetcher(client, cfg.RetryPolicy()),
		ps, db, symbols, space,
		pipeline.Config{
			Workers:          cfg.Pipeline.Workers,
			Category:         domain.Category(cfg.Bybit.Category),
			Interval:         domain.Granularity(cfg.Pipeline.Interval),
			TrainDays:        cfg.Model.NDaysHistoryTrain,
			TrainMinDays:     cfg.Model.NDaysHistoryTrainMin,
			MaxPartitionsRun: cfg.Pipeline.MaxPartitionsPerRun,
		},
	)
	backfill := pipeline.NewBackfillJob(runner, db)
	recent := pipeline.NewRecentJob(runner, db)

	sched := scheduler.New(ctx, cfg.Pipeline.RunTimeout)

	if once {
		if err := sched.RunOnce(ctx, backfill, recent); err != nil {
			return fmt.Errorf("one-shot run: %w", err)
		}
		return nil
	}

	if err := sched.Register(cfg.Schedule.Backfill, backfill); err != nil {
		return err
	}
	if err := sched.Register(cfg.Schedule.Recent, recent); err != nil {
		return err
	}

	// Start status server.
	var httpServer *http.Server
	if cfg.Server.Addr != "" {
		api := httpapi.NewServer(runner, db, db, ps, symbols, logger)
		httpServer = &http.Server{Addr: cfg.Server.Addr, Handler: api.Handler()}
		go func() {
			logger.Info("status server listening", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", "error", err)
			}
		}()
	}

	sched.Start()
	logger.Info("klinefeed started",
		"symbols", symbols.Len(), "baseURL", client.BaseURL(), "dataDir", cfg.Storage.DataDir)

	<-ctx.Done()
	logger.Info("shutting down")
	sched.Stop()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}
	return nil
}

// loadSymbols reads the reference table, bootstrapping it from the exchange
// when the file does not exist yet.
func loadSymbols(ctx context.Context, client *bybit.Client, cfg *config.Config) (reference.Table, error) {
	t, err := reference.Load(cfg.Storage.SymbolsFile)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return t, err
	}

	slog.Warn("symbol table missing, fetching instruments", "file", cfg.Storage.SymbolsFile)
	instruments, err := client.GetInstrumentsInfo(ctx, domain.Category(cfg.Bybit.Category), "")
	if err != nil {
		return reference.Table{}, err
	}
	t = reference.NewTable(bybit.Symbols(instruments))
	if err := reference.Write(cfg.Storage.SymbolsFile, t); err != nil {
		return reference.Table{}, err
	}
	return t, nil
}
