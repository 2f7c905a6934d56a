// Command ref-disable retires reference-image records so the next frame for
// an observing configuration is promoted as a fresh reference.
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
	all := flag.Bool("all", false, "retire every active reference record")
	field := flag.String("field", "", "field name")
	filter := flag.String("filter", "", "filter name")
	xbin := flag.Int("xbin", 1, "x binning")
	ybin := flag.Int("ybin", 1, "y binning")
	xsize := flag.Int("xsize", 0, "subframe width")
	ysize := flag.Int("ysize", 0, "subframe height")
	xorigin := flag.Int("xorigin", 0, "subframe x origin")
	yorigin := flag.Int("yorigin", 0, "subframe y origin")
	flip := flag.Int("flip", 2, "flip status (0=before, 1=after, 2=fork)")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		os.Exit(1)
	}
	if !*all && (*field == "" || *filter == "") {
		fmt.Fprintln(os.Stderr, "Error: -field and -filter are required unless -all is given")
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

	var n int64
	if *all {
		n, err = st.RetireAll(ctx)
	} else {
		n, err = st.Retire(ctx, store.RefKey{
			Field:      *field,
			Filter:     *filter,
			XBin:       *xbin,
			YBin:       *ybin,
			XSize:      *xsize,
			YSize:      *ysize,
			XOrigin:    *xorigin,
			YOrigin:    *yorigin,
			FlipStatus: *flip,
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Retired %d reference record(s)\n", n)
}
