package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"jsoncsv/internal/config"
	"jsoncsv/internal/metadata"
	"jsoncsv/internal/metrics"
	"jsoncsv/internal/metrics/datadog"
	"jsoncsv/internal/metrics/prompush"
	"jsoncsv/internal/scheduler"
)

// main is the entry point for the jsoncsv binary. It loads the conversion
// config, optionally installs a metrics backend, and executes the run.
// The actual work happens in run so deferred cleanup still fires before a
// non-zero exit.
func main() {
	if err := run(); err != nil {
		log.Fatalf("%v", err)
	}
}

func run() error {
	var (
		cfgPath           string
		inputPath         string
		outputDir         string
		workersFlg        int
		resumeFlg         bool
		forceOffsetFlg    int64
		metricsBackendFlg string
		pushGatewayURLFlg string
		statsdAddrFlg     string
		validate          bool
	)

	flag.StringVar(&cfgPath, "config", "", "conversion job JSON path")
	flag.StringVar(&inputPath, "input", "", "input file path (overrides source.path; \"-\" reads stdin)")
	flag.StringVar(&outputDir, "output", "", "output directory (overrides output.dir)")
	flag.IntVar(&workersFlg, "workers", 0, "worker count (overrides parallel_workers and JSONCSV_WORKERS)")
	flag.BoolVar(&resumeFlg, "resume", false, "continue from the checkpoint in the output directory")
	flag.Int64Var(&forceOffsetFlg, "force-offset", 0, "start a single worker at this byte offset, ignoring any checkpoint")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "", "metrics backend to use (pushgateway, datadog, none)")
	flag.StringVar(&pushGatewayURLFlg, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	flag.StringVar(&statsdAddrFlg, "statsd-addr", "", "DogStatsD address (overrides env JSONCSV_STATSD_ADDR)")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	cfg := config.Default()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
	}
	if inputPath != "" {
		cfg.Source.Path = inputPath
	}
	if outputDir != "" {
		cfg.Output.Dir = outputDir
	}
	if resumeFlg {
		cfg.Resume = true
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return fmt.Errorf("configuration is invalid")
	}
	if validate {
		log.Printf("configuration is valid")
		return nil
	}

	runID := metadata.NewRunID()
	jobName := cfg.Job
	if jobName == "" {
		jobName = "jsoncsv"
	}

	// Decide metrics backend: flag → env → disabled.
	backendName := metricsBackendFlg
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	switch backendName {
	case "pushgateway":
		gwURL := pushGatewayURLFlg
		if gwURL == "" {
			gwURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}
		b, err := prompush.NewBackend(jobName, gwURL, runID)
		if err != nil {
			log.Printf("metrics: failed to init pushgateway backend: %v; metrics disabled", err)
		} else {
			log.Printf("metrics: backend=%s url=%s job=%s", backendName, gwURL, jobName)
			metrics.SetBackend(b)
			defer func() {
				if err := metrics.Flush(); err != nil {
					log.Printf("metrics: flush error: %v", err)
				}
			}()
		}

	case "datadog":
		addr := statsdAddrFlg
		if addr == "" {
			addr = os.Getenv("JSONCSV_STATSD_ADDR")
		}
		if addr == "" {
			addr = "127.0.0.1:8125"
		}
		b, err := datadog.NewBackend(datadog.Config{
			Addr:       addr,
			Namespace:  "jsoncsv.",
			GlobalTags: []string{"job:" + jobName, "run_id:" + runID},
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; metrics disabled", err)
		} else {
			log.Printf("metrics: backend=%s addr=%s job=%s", backendName, addr, jobName)
			metrics.SetBackend(b)
			defer func() {
				if err := metrics.Flush(); err != nil {
					log.Printf("metrics: flush error: %v", err)
				}
			}()
		}

	case "", "none":
		if *verbose {
			log.Printf("metrics: disabled")
		}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}

	// SIGINT/SIGTERM cancel the context; workers stop at the next record
	// boundary and commit, so an interrupted run resumes cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *verbose {
		log.Printf("conversion: source=%s output=%s policy=%s resume=%v",
			cfg.Source.Path, cfg.Output.Dir, cfg.ErrorPolicy, cfg.Resume)
	}

	start := time.Now()
	res, runErr := scheduler.Run(ctx, cfg, scheduler.Options{
		RunID:       runID,
		Workers:     workersFlg,
		ForceOffset: forceOffsetFlg,
	})
	metrics.RecordStep("run", runErr, time.Since(start))

	if res != nil {
		rep := buildReport(res, start, time.Now(), runErr)
		if err := rep.CheckConsistency(); err != nil {
			log.Printf("WARNING: %v", err)
		}
		if err := writeReports(cfg.Output.Dir, res, rep); err != nil {
			if runErr == nil {
				runErr = err
			} else {
				log.Printf("write reports: %v", err)
			}
		}
	}

	if runErr != nil {
		return fmt.Errorf("conversion failed: %w", runErr)
	}
	if *verbose {
		log.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
	return nil
}

// buildReport assembles metadata.json content from the run result. A
// failed run still gets a report, with the fatal error recorded and the
// durable partial progress described.
func buildReport(res *scheduler.Result, start, end time.Time, runErr error) *metadata.Report {
	rep := &metadata.Report{
		RunID:              res.RunID,
		Source:             res.Source,
		Start:              start,
		End:                end,
		Workers:            res.Workers,
		Resumed:            res.Resumed,
		RecordsProcessed:   res.Counters.Processed.Load(),
		RecordsSkipped:     res.Counters.Skipped.Load(),
		RecordsQuarantined: res.Counters.Quarantined.Load(),
		ErrorCounts:        res.Counters.ErrorCounts(),
		ErrorSamples:       res.Sampler.Samples(),
		ChunkManifest:      res.Manifest,
		SchemaLog:          res.Schemas,
	}
	if runErr != nil {
		rep.Fatal = runErr.Error()
	}
	return rep
}

func writeReports(dir string, res *scheduler.Result, rep *metadata.Report) error {
	if err := rep.Write(filepath.Join(dir, "metadata.json")); err != nil {
		return err
	}
	doc := &metadata.SchemaDoc{
		RunID:   res.RunID,
		Source:  res.Source,
		Workers: res.Schemas,
	}
	return doc.Write(filepath.Join(dir, "schema.json"))
}
