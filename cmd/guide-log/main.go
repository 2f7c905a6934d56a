// Command guide-log prints recent guide-log rows for a night's sanity check.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/telescope-ops/donutsbridge/internal/config"
	"github.com/telescope-ops/donutsbridge/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	limit := flag.Int("limit", 50, "maximum rows to print")
	sinceHours := flag.Int("since-hours", 24, "only rows newer than this many hours")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := store.Open(ctx, cfg.Database.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	since := time.Now().UTC().Add(-time.Duration(*sinceHours) * time.Hour)
	entries, err := st.RecentLogs(ctx, *limit, since)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, e := range entries {
		flags := ""
		if e.CulledOversize {
			flags += " oversize"
		}
		if e.CulledOutlier {
			flags += " outlier"
		}
		fmt.Printf("%s  raw=(%.2f, %.2f)  final=(%.2f, %.2f)  stab=%t%s  %s\n",
			e.Timestamp.Format(time.RFC3339), e.RawX, e.RawY,
			e.FinalX, e.FinalY, e.Stabilised, flags, e.TargetPath)
	}
	fmt.Printf("%d row(s)\n", len(entries))
}
