// One-shot tool: fetch the closed klines of one symbol over a time range and
// print them, or write them to a parquet file.
//
// Usage:
//
//	kline-fetch -symbol BTCUSDT [-start 2025-01-06] [-end 2025-01-13] [-interval 15] [-mark] [-out DIR]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"klinefeed/internal/config"
	"klinefeed/internal/domain"
	"klinefeed/internal/exchange/bybit"
	"klinefeed/internal/store"
	"klinefeed/internal/util"
)

func main() {
	symbol := flag.String("symbol", "BTCUSDT", "instrument symbol")
	startFlag := flag.String("start", "", "range start, date or RFC 3339 (default: end minus 7 days)")
	endFlag := flag.String("end", "", "range end, exclusive, date or RFC 3339 (default: now)")
	interval := flag.String("interval", string(domain.Granularity15m), "kline interval")
	category := flag.String("category", "", "market category (default from config)")
	mark := flag.Bool("mark", false, "fetch mark-price klines")
	out := flag.String("out", "", "write a parquet file under this directory instead of printing")
	flag.Parse()

	cfgPath := "config/klinefeed.yaml"
	if p := os.Getenv("KLINEFEED_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, "text", os.Stderr)
	util.SetDefault(logger)

	g, err := domain.ParseGranularity(*interval)
	if err != nil {
		log.Fatalf("%v", err)
	}
	cat := domain.Category(cfg.Bybit.Category)
	if *category != "" {
		cat = domain.Category(*category)
	}

	end := time.Now().UTC()
	if *endFlag != "" {
		if end, err = parseTime(*endFlag); err != nil {
			log.Fatalf("-end: %v", err)
		}
	}
	start := end.AddDate(0, 0, -7)
	if *startFlag != "" {
		if start, err = parseTime(*startFlag); err != nil {
			log.Fatalf("-start: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := bybit.NewClient(cfg.Bybit.BaseURL,
		bybit.WithHTTPClient(&http.Client{Timeout: cfg.Bybit.RequestTimeout}),
		bybit.WithRateLimit(cfg.Bybit.RequestsPerSecond, 1),
		bybit.WithLogger(logger),
	)
	fetcher := bybit.NewRangeFetcher(client, cfg.RetryPolicy())

	sym := strings.ToUpper(*symbol)
	rows, err := fetcher.Fetch(ctx, bybit.Request{
		Symbol:    sym,
		Category:  cat,
		Interval:  g,
		Start:     start,
		End:       end,
		MarkPrice: *mark,
	})
	if err != nil {
		log.Fatalf("fetching %s: %v", sym, err)
	}

	if *out != "" {
		asset := "kline_fetch"
		if *mark {
			asset = "kline_fetch_mark"
		}
		if err := store.NewParquetStore(*out).WriteSymbol(ctx, asset, sym, rows); err != nil {
			log.Fatalf("writing parquet: %v", err)
		}
		fmt.Fprintf(os.Stderr, "wrote %d rows for %s to %s\n", len(rows), sym, *out)
		return
	}

	fmt.Printf("%-20s %14s %14s %14s %14s %16s\n", "start_time_utc", "open", "high", "low", "close", "volume")
	for _, r := range rows {
		fmt.Printf("%-20s %14.4f %14.4f %14.4f %14.4f %16.4f\n",
			r.StartTime.Format("2006-01-02 15:04"), r.Open, r.High, r.Low, r.Close, r.Volume)
	}
	fmt.Fprintf(os.Stderr, "%d rows [%s, %s)\n", len(rows), start.Format(time.RFC3339), end.Format(time.RFC3339))
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}
