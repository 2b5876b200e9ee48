package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/evalbench/evalbench/internal/admission"
	"github.com/evalbench/evalbench/internal/config"
	"github.com/evalbench/evalbench/internal/invoker/bedrock"
	"github.com/evalbench/evalbench/internal/invoker/contracts"
	"github.com/evalbench/evalbench/internal/invoker/httpinvoker"
	"github.com/evalbench/evalbench/internal/scheduler"
	"github.com/evalbench/evalbench/internal/store"
	"github.com/evalbench/evalbench/internal/telemetry"
)

const AppName = "evalbench"

// App is the evalbench command-line application.
type App struct {
	logger zerolog.Logger
	cli    *cli.App
}

// New constructs the CLI with run, validate, and replay commands.
func New() *App {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger := log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339Nano,
	})

	app := &App{
		logger: logger,
		cli: &cli.App{
			Name:  AppName,
			Usage: "Run batches of model tests in parallel with live progress",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging",
				},
				&cli.StringFlag{
					Name:  "config",
					Usage: "Path to the YAML configuration file",
				},
			},
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
		},
	}

	app.cli.Commands = []*cli.Command{
		{
			Name:      "run",
			Usage:     "Submit job files and stream progress until every job settles",
			ArgsUsage: "JOB_FILE [JOB_FILE...]",
			Action:    app.run,
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "global-max-concurrent",
					Usage: "Cap concurrent test executions across all jobs (0 = per-job caps only)",
				},
				&cli.DurationFlag{
					Name:  "cancel-after",
					Usage: "Request cancellation of every job after this duration (0 = never)",
				},
			},
		},
		{
			Name:      "validate",
			Usage:     "Validate job files against the submission schema without running them",
			ArgsUsage: "JOB_FILE [JOB_FILE...]",
			Action:    app.validate,
		},
		{
			Name:      "replay",
			Usage:     "Rebuild per-job counters from the durable result log",
			ArgsUsage: "JOB_ID",
			Action:    app.replay,
		},
		{
			Name:   "stats",
			Usage:  "Summarize recorded counters for every job in the result log",
			Action: app.stats,
		},
	}
	return app
}

// Run executes the CLI with the given arguments.
func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

func (a *App) loadConfig(ctx *cli.Context) (config.Config, error) {
	return config.Load(ctx.String("config"))
}

func (a *App) buildInvoker(cfg config.Config) (contracts.ModelInvoker, error) {
	switch cfg.Invoker.Kind {
	case "", "bedrock":
		bcfg := bedrock.ConfigFromEnv()
		if cfg.Invoker.Bedrock.Region != "" {
			bcfg.Region = cfg.Invoker.Bedrock.Region
		}
		if cfg.Invoker.Bedrock.MaxTokens > 0 {
			bcfg.MaxTokens = cfg.Invoker.Bedrock.MaxTokens
		}
		return bedrock.NewAdapter(bcfg), nil
	case "http":
		apiKey := ""
		if env := strings.TrimSpace(cfg.Invoker.HTTP.APIKeyEnv); env != "" {
			apiKey = os.Getenv(env)
		}
		return httpinvoker.New(httpinvoker.Config{
			Endpoint: cfg.Invoker.HTTP.Endpoint,
			APIKey:   apiKey,
		})
	case "static":
		return contracts.StaticInvoker{ID: "static"}, nil
	default:
		return nil, fmt.Errorf("unsupported invoker kind %q", cfg.Invoker.Kind)
	}
}

func (a *App) buildStore(cfg config.Config) (store.Store, error) {
	if strings.TrimSpace(cfg.Store.Path) == "" {
		return store.Discard{}, nil
	}
	return store.NewSQLiteStore(cfg.Store.Path)
}

func (a *App) run(ctx *cli.Context) error {
	if ctx.Args().Len() == 0 {
		return fmt.Errorf("at least one job file is required")
	}
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	if override := ctx.Int("global-max-concurrent"); override > 0 {
		cfg.Scheduler.GlobalMaxConcurrent = override
	}

	pipeline, err := telemetry.NewPipelineFromEnv()
	if err != nil {
		return err
	}
	if pipeline != nil {
		telemetry.SetDefaultEmitter(pipeline)
		defer pipeline.Close()
	}

	invoker, err := a.buildInvoker(cfg)
	if err != nil {
		return err
	}
	st, err := a.buildStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sched, err := scheduler.New(scheduler.Config{
		GlobalMaxConcurrent: cfg.Scheduler.GlobalMaxConcurrent,
		Retention:           cfg.Retention(),
		Debounce:            cfg.Debounce(),
	}, invoker, st, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sched.Close(closeCtx); err != nil {
			a.logger.Warn().Err(err).Msg("scheduler close timed out")
		}
	}()

	evaluator, err := admission.NewEvaluator()
	if err != nil {
		return err
	}

	jobIDs := make([]string, 0, ctx.Args().Len())
	for _, path := range ctx.Args().Slice() {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read job file: %w", err)
		}
		job, err := evaluator.AdmitDocument(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		id, err := sched.Submit(job)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		a.logger.Info().Str("job_id", id).Str("file", path).Msg("job submitted")
		jobIDs = append(jobIDs, id)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	go func() {
		<-sigCtx.Done()
		for _, id := range jobIDs {
			sched.RequestCancellation(id, "interrupted")
		}
	}()
	if after := ctx.Duration("cancel-after"); after > 0 {
		time.AfterFunc(after, func() {
			for _, id := range jobIDs {
				sched.RequestCancellation(id, "cancel-after elapsed")
			}
		})
	}

	var wg sync.WaitGroup
	for _, id := range jobIDs {
		sub, err := sched.Subscribe(id)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			defer sub.Unsubscribe()
			for snapshot := range sub.C {
				event := a.logger.Info().
					Str("job_id", jobID).
					Str("status", string(snapshot.Status)).
					Int("completed", snapshot.CompletedTests).
					Int("failed", snapshot.FailedTests).
					Int("cancelled", snapshot.CancelledTests).
					Int("total", snapshot.TotalTests).
					Float64("percent", snapshot.OverallProgressPercent)
				if snapshot.EstimatedTimeRemaining > 0 {
					event = event.Dur("eta", snapshot.EstimatedTimeRemaining)
				}
				if snapshot.Reason != "" {
					event = event.Str("reason", snapshot.Reason)
				}
				event.Msg("progress")
			}
		}(id)
	}
	wg.Wait()

	stats := sched.QueueStats()
	a.logger.Info().
		Int("completed", stats.Completed).
		Int("failed", stats.Failed).
		Int("cancelled", stats.Cancelled).
		Msg("all jobs settled")

	if stats.Failed > 0 {
		return cli.Exit("one or more jobs failed", 1)
	}
	return nil
}

func (a *App) validate(ctx *cli.Context) error {
	if ctx.Args().Len() == 0 {
		return fmt.Errorf("at least one job file is required")
	}
	evaluator, err := admission.NewEvaluator()
	if err != nil {
		return err
	}
	for _, path := range ctx.Args().Slice() {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read job file: %w", err)
		}
		job, err := evaluator.AdmitDocument(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		a.logger.Info().Str("file", path).Int("tests", len(job.Tests)).Msg("job file valid")
	}
	return nil
}

func (a *App) replay(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return fmt.Errorf("exactly one job id is required")
	}
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Store.Path) == "" {
		return fmt.Errorf("store.path must be configured for replay")
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	jobID := ctx.Args().First()
	replayCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	counters, err := st.Replay(replayCtx, jobID)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(map[string]any{
		"job_id":    jobID,
		"completed": counters.Completed,
		"failed":    counters.Failed,
		"discarded": counters.Discarded,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, string(out))
	return nil
}

func (a *App) stats(ctx *cli.Context) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Store.Path) == "" {
		return fmt.Errorf("store.path must be configured for stats")
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	statsCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	jobs, err := st.Jobs(statsCtx)
	if err != nil {
		return err
	}

	summary := make([]map[string]any, 0, len(jobs))
	for _, jobID := range jobs {
		counters, err := st.Replay(statsCtx, jobID)
		if err != nil {
			return err
		}
		summary = append(summary, map[string]any{
			"job_id":    jobID,
			"completed": counters.Completed,
			"failed":    counters.Failed,
			"discarded": counters.Discarded,
		})
	}
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, string(out))
	return nil
}
