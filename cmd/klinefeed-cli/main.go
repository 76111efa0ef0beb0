package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"klinefeed/pkg/klinefeed"
)

const version = "0.1.0"

func main() {
	addr := flag.String("addr", "http://localhost:9102", "klinefeed status server")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: klinefeed-cli [-addr URL] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version             Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  plan                Show the next backfill batch\n")
		fmt.Fprintf(os.Stderr, "  symbols             List tracked symbols\n")
		fmt.Fprintf(os.Stderr, "  partitions SYMBOL   List materialized weekly partitions\n")
		fmt.Fprintf(os.Stderr, "  runs                Show recent ticks\n")
		fmt.Fprintf(os.Stderr, "\n")
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c := klinefeed.NewClient(*addr)

	var err error
	switch flag.Arg(0) {
	case "version":
		fmt.Printf("klinefeed-cli %s\n", version)

	case "plan":
		err = printPlan(ctx, c)

	case "symbols":
		err = printSymbols(ctx, c)

	case "partitions":
		if flag.NArg() < 2 {
			flag.Usage()
			os.Exit(1)
		}
		err = printPartitions(ctx, c, strings.ToUpper(flag.Arg(1)))

	case "runs":
		err = printRuns(ctx, c)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printPlan(ctx context.Context, c *klinefeed.Client) error {
	plan, err := c.GetPlan(ctx)
	if err != nil {
		return err
	}
	s := plan.Stats
	fmt.Printf("all=%d materialized=%d missing=%d valid=%d selected=%d\n",
		s.All, s.Materialized, s.Missing, s.Valid, s.Selected)
	if plan.SkipReason != "" {
		fmt.Printf("skip: %s\n", plan.SkipReason)
	}
	for _, k := range plan.Keys {
		fmt.Println(k)
	}
	return nil
}

func printSymbols(ctx context.Context, c *klinefeed.Client) error {
	syms, err := c.GetSymbols(ctx)
	if err != nil {
		return err
	}
	for _, s := range syms {
		fmt.Printf("%-16s %s\n", s.Symbol, s.LaunchTime.Format(time.RFC3339))
	}
	return nil
}

func printPartitions(ctx context.Context, c *klinefeed.Client, symbol string) error {
	parts, err := c.GetPartitions(ctx, symbol, "")
	if err != nil {
		return err
	}
	for _, p := range parts {
		fmt.Printf("%-24s %5d rows  %s  %s\n", p.PartitionKey, p.RowCount,
			p.MaterializedAt.Format(time.RFC3339), p.RunID)
	}
	fmt.Printf("%d partitions\n", len(parts))
	return nil
}

func printRuns(ctx context.Context, c *klinefeed.Client) error {
	runs, err := c.GetRuns(ctx, 20)
	if err != nil {
		return err
	}
	for _, r := range runs {
		status := "running"
		if r.FinishedAt != nil {
			status = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("%s  %-8s %-10s planned=%d ok=%d failed=%d %s%s\n",
			r.StartedAt.Format(time.RFC3339), r.Kind, status, r.Planned, r.Succeeded, r.Failed,
			r.SkipReason, r.Error)
	}
	return nil
}
