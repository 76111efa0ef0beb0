// One-shot tool: regenerate the symbol reference table from the exchange's
// instruments-info endpoint.
//
// Usage:
//
//	klinefeed-symbols [-category linear] [-quote USDT] [-out config/symbols.csv]
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

	"klinefeed/internal/config"
	"klinefeed/internal/domain"
	"klinefeed/internal/exchange/bybit"
	"klinefeed/internal/reference"
	"klinefeed/internal/util"
)

func main() {
	category := flag.String("category", "", "market category (default from config)")
	quote := flag.String("quote", "USDT", "keep only instruments quoted in this coin; empty keeps all")
	out := flag.String("out", "", "output CSV (default: storage.symbols_file)")
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

	cat := domain.Category(cfg.Bybit.Category)
	if *category != "" {
		cat = domain.Category(*category)
	}
	path := cfg.Storage.SymbolsFile
	if *out != "" {
		path = *out
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := bybit.NewClient(cfg.Bybit.BaseURL,
		bybit.WithHTTPClient(&http.Client{Timeout: cfg.Bybit.RequestTimeout}),
		bybit.WithLogger(logger),
	)
	instruments, err := client.GetInstrumentsInfo(ctx, cat, "")
	if err != nil {
		log.Fatalf("listing instruments: %v", err)
	}

	if *quote != "" {
		kept := instruments[:0]
		for _, inst := range instruments {
			if strings.EqualFold(inst.QuoteCoin, *quote) {
				kept = append(kept, inst)
			}
		}
		instruments = kept
	}

	t := reference.NewTable(bybit.Symbols(instruments))
	if err := reference.Write(path, t); err != nil {
		log.Fatalf("writing %s: %v", path, err)
	}
	fmt.Printf("wrote %d symbols to %s\n", t.Len(), path)
}
