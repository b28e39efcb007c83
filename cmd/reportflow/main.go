package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"reportflow/internal/artifact"
	"reportflow/internal/batch"
	"reportflow/internal/config"
	"reportflow/internal/logging"
	"reportflow/internal/metrics"
	"reportflow/internal/pipeline"
	"reportflow/internal/progress"
	"reportflow/internal/registry"
	"reportflow/internal/runner"
	"reportflow/internal/server"
)

const usage = `usage: reportflow <command> [flags]

commands:
  run -pdf PATH [-run-id ID]   run the full pipeline for one PDF
  bootstrap [-no-run]          register PDFs and run those without a report
  rescore -report PATH         re-run scoring for an existing report
  files [add PATH...]          list or register files
  serve [-addr ADDR]           serve the HTTP API and progress websocket
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stderr})

	switch cmd {
	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		pdf := fs.String("pdf", "", "path to the source PDF")
		runID := fs.String("run-id", "", "run id (generated when empty)")
		_ = fs.Parse(args)
		if *pdf == "" {
			return errors.New("-pdf is required")
		}
		app, err := newApp(cfg, logger, eventPrinter(os.Stderr), false)
		if err != nil {
			return err
		}
		defer app.Close()
		res, err := app.orch.RunForPDF(ctx, *pdf, pipeline.RunOptions{RunID: *runID})
		if err != nil {
			return err
		}
		return printJSON(res)

	case "bootstrap":
		fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)
		noRun := fs.Bool("no-run", false, "only register and link existing reports")
		_ = fs.Parse(args)
		app, err := newApp(cfg, logger, eventPrinter(os.Stderr), false)
		if err != nil {
			return err
		}
		defer app.Close()
		res, err := app.batch.Bootstrap(ctx, batch.Options{AutoRunMissing: !*noRun})
		if err != nil {
			return err
		}
		return printJSON(res)

	case "rescore":
		fs := flag.NewFlagSet("rescore", flag.ExitOnError)
		report := fs.String("report", "", "path to an existing report json")
		_ = fs.Parse(args)
		if *report == "" {
			return errors.New("-report is required")
		}
		app, err := newApp(cfg, logger, eventPrinter(os.Stderr), false)
		if err != nil {
			return err
		}
		defer app.Close()
		res, err := app.orch.Rescore(ctx, *report, pipeline.RunOptions{})
		if err != nil {
			return err
		}
		return printJSON(res)

	case "files":
		reg := registry.Open(cfg.Registry, cfg.SamplePDF, logger)
		defer reg.Close()
		if len(args) > 0 && args[0] == "add" {
			res, err := reg.AddPaths(args[1:])
			if err != nil {
				return err
			}
			return printJSON(res)
		}
		files, err := reg.Ensure()
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"files": files})

	case "serve":
		fs := flag.NewFlagSet("serve", flag.ExitOnError)
		addr := fs.String("addr", cfg.HTTPAddr, "listen address")
		_ = fs.Parse(args)
		return serve(ctx, cfg, logger, *addr)

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type app struct {
	reg     *registry.Store
	store   artifact.Store
	orch    *pipeline.Orchestrator
	batch   *batch.Coordinator
	metrics *metrics.Metrics
	closers []io.Closer
}

// newApp wires the shared components. With keepArtifacts an in-memory artifact
// store stands in when no object storage is configured.
func newApp(cfg *config.Config, logger *slog.Logger, events runner.Emitter, keepArtifacts bool) (*app, error) {
	a := &app{metrics: metrics.New()}
	a.reg = registry.Open(cfg.Registry, cfg.SamplePDF, logger)
	a.closers = append(a.closers, a.reg)

	if cfg.Progress.RedisURL != "" {
		pub, err := progress.NewRedisPublisherFromURL(cfg.Progress.RedisURL, cfg.Progress.RedisChannel, logger)
		if err != nil {
			logger.Warn("redis progress disabled", "err", err)
		} else {
			events = runner.Multi(events, pub)
			a.closers = append(a.closers, pub)
		}
	}

	store, err := artifact.NewFromConfig(cfg.Artifact)
	if err != nil {
		logger.Warn("artifact upload disabled", "err", err)
		store = nil
	}
	if store == nil && keepArtifacts {
		store = artifact.NewMemoryStore()
	}
	var publisher pipeline.Publisher
	if store != nil {
		a.store = store
		publisher = artifact.Publisher{Store: store}
	}

	a.orch, err = pipeline.New(cfg, pipeline.Options{
		Registry:  a.reg,
		Events:    events,
		Publisher: publisher,
		Metrics:   a.metrics,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.batch = batch.New(cfg, a.reg, a.orch, events, logger).WithObserver(a.metrics)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, addr string) error {
	broker := progress.NewBroker()
	a, err := newApp(cfg, logger, broker, true)
	if err != nil {
		return err
	}
	defer a.Close()

	h := server.NewHandler(server.Deps{
		Pipeline: a.orch,
		Batch:    a.batch,
		Files:    a.reg,
		Broker:   broker,
		Metrics:  a.metrics,
		Logger:   logger,

		Artifacts:   a.store,
		ReportsRoot: cfg.ReportOutputDir,
	})
	srv := server.New(addr, h.Routes(), logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		h.Close()
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	h.Close()
	return err
}

// eventPrinter writes one JSON object per event.
func eventPrinter(w io.Writer) runner.Emitter {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return runner.EmitterFunc(func(e runner.Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(e)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
