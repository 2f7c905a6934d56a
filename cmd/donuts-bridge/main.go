package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/telescope-ops/donutsbridge/internal/config"
	"github.com/telescope-ops/donutsbridge/internal/donuts"
	"github.com/telescope-ops/donutsbridge/internal/events"
	"github.com/telescope-ops/donutsbridge/internal/fitshdr"
	"github.com/telescope-ops/donutsbridge/internal/guide"
	"github.com/telescope-ops/donutsbridge/internal/guider"
	otelwrap "github.com/telescope-ops/donutsbridge/internal/otel"
	"github.com/telescope-ops/donutsbridge/internal/paths"
	"github.com/telescope-ops/donutsbridge/internal/store"
)

// Exit codes by failure category.
const (
	exitSocket      = 1
	exitMountType   = 2
	exitStabilise   = 3
	exitUnhandled   = 4
	exitFileMissing = 5
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		os.Exit(exitUnhandled)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitUnhandled)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitUnhandled)
	}
	events.SetGlobal(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics, err := otelwrap.NewMetrics(ctx, &otelwrap.MetricsConfig{
		Enabled:      cfg.Telemetry.MetricsEnabled,
		ServiceName:  "donuts-bridge",
		ExporterType: otelwrap.ExporterType(cfg.Telemetry.Exporter),
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitUnhandled)
	}
	otelwrap.SetGlobalMetrics(metrics)
	defer metrics.Shutdown(context.Background())

	tracer, err := otelwrap.NewTracer(ctx, &otelwrap.TracerConfig{
		Enabled:      cfg.Telemetry.TracingEnabled,
		ServiceName:  "donuts-bridge",
		ExporterType: otelwrap.ExporterType(cfg.Telemetry.Exporter),
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRate:   1.0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitUnhandled)
	}
	otelwrap.SetGlobalTracer(tracer)
	defer tracer.Shutdown(context.Background())

	// A configured mask that is not on disk is a setup error; refuse to
	// guide rather than silently guide unmasked.
	var fullMask [][]bool
	if maskPath := cfg.MaskPath(); maskPath != "" {
		fullMask, err = donuts.LoadMask(maskPath)
		if err != nil {
			logger.Raw().Error("mask_load_failed", "path", maskPath, "error", err)
			os.Exit(exitFileMissing)
		}
	}

	st, err := store.Open(ctx, cfg.Database.DSN())
	if err != nil {
		logger.Raw().Error("database_open_failed", "error", err)
		os.Exit(exitUnhandled)
	}
	defer st.Close()

	sink := store.NewLogSink(st, 1000)
	defer sink.Close(10 * time.Second)

	mapper := paths.NewMapper(
		cfg.DataRoot, cfg.CalibrationRoot, cfg.ReferenceRoot,
		cfg.DataRootHost, cfg.CalibrationRootHost, cfg.ReferenceRootHost,
	)

	pipeline := guide.NewPipeline(guide.Config{
		MaxErrorPixels:    cfg.MaxErrorPixels,
		BufferLength:      cfg.GuideBufferLength,
		BufferSigma:       cfg.GuideBufferSigma,
		ImagesToStabilise: cfg.NImagesToStabilise,
		RAAxis:            cfg.RAAxis,
		PX:                cfg.PIDCoeffs.X.P,
		IX:                cfg.PIDCoeffs.X.I,
		DX:                cfg.PIDCoeffs.X.D,
		PY:                cfg.PIDCoeffs.Y.P,
		IY:                cfg.PIDCoeffs.Y.I,
		DY:                cfg.PIDCoeffs.Y.D,
		SetX:              cfg.PIDCoeffs.SetX,
		SetY:              cfg.PIDCoeffs.SetY,
	}, guide.Tables{PixelsToTime: cfg.PixelsToTime, GuideDirections: cfg.GuideDirections})

	newAnalyzer := func(refPath string, mask [][]bool) (guider.ShiftAnalyzer, error) {
		return donuts.New(refPath, donuts.Options{
			SubtractBackground: cfg.DonutsSubtractBkg,
			PixelMask:          mask,
		})
	}

	worker := guider.NewWorker(guider.WorkerConfig{
		Pipeline:    pipeline,
		Refs:        st,
		Sink:        sink,
		Log:         logger,
		Keys:        headerKeywords(cfg),
		RefRoot:     cfg.ReferenceRoot,
		NewAnalyzer: newAnalyzer,
		FullMask:    fullMask,
	})

	calib := guider.NewCalibrator(cfg, logger, mapper, newAnalyzer, fullMask)
	engine := guider.NewEngine(cfg, logger, metrics, tracer, mapper, worker, calib)

	go sampleHostStats(ctx, metrics, time.Duration(cfg.Telemetry.HostSampleEvery)*time.Second)

	if err := engine.Run(ctx); err != nil {
		logger.Raw().Error("bridge_exited", "error", err)
		os.Exit(exitCode(err))
	}
	logger.Raw().Info("bridge_exited")
}

func headerKeywords(cfg *config.Config) fitshdr.Keywords {
	return fitshdr.Keywords{
		Filter:  cfg.FilterKeyword,
		Field:   cfg.FieldKeyword,
		RA:      cfg.RAKeyword,
		Dec:     cfg.DecKeyword,
		XBin:    cfg.XBinKeyword,
		YBin:    cfg.YBinKeyword,
		XSize:   cfg.XSizeKeyword,
		YSize:   cfg.YSizeKeyword,
		XOrigin: cfg.XOriginKeyword,
		YOrigin: cfg.YOriginKeyword,
	}
}

func buildLogger(cfg *config.Config) (*events.EventLogger, error) {
	level := slog.LevelInfo
	if cfg.LoggingLevel == "debug" {
		level = slog.LevelDebug
	}
	if cfg.LoggingLocation == "stdout" {
		return events.New(cfg.Host, level), nil
	}
	logPath := filepath.Join(cfg.LoggingRoot, paths.Tonight()+"_donuts.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}
	return events.NewWithWriter(cfg.Host, f, level), nil
}

// sampleHostStats feeds host cpu/mem and process RSS into the otel gauges.
func sampleHostStats(ctx context.Context, metrics *otelwrap.Metrics, every time.Duration) {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cpuPct := 0.0
		if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
			cpuPct = pcts[0]
		}
		memPct := 0.0
		if vm, err := mem.VirtualMemory(); err == nil {
			memPct = vm.UsedPercent
		}
		var rss int64
		if proc != nil {
			if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
				rss = int64(mi.RSS)
			}
		}
		metrics.SetHostSample(cpuPct, memPct, rss)
	}
}

func exitCode(err error) int {
	var be *guider.BridgeError
	if !errors.As(err, &be) {
		return exitUnhandled
	}
	switch be.Kind {
	case guider.ErrKindSocket:
		return exitSocket
	case guider.ErrKindMountType:
		return exitMountType
	case guider.ErrKindStabilise:
		return exitStabilise
	case guider.ErrKindFileMissing:
		return exitFileMissing
	default:
		return exitUnhandled
	}
}
