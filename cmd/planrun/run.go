package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/metalagman/planrun/internal/engine"
	"github.com/metalagman/planrun/internal/model"
	"github.com/metalagman/planrun/internal/plan"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

type runOptions struct {
	owner          string
	idempotencyKey string
	maxConcurrency int
	pricingPath    string
	wait           bool
	timeout        time.Duration
	jsonOut        bool
}

func runCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <plan>",
		Short: "Execute a plan file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPlan(ctx, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.owner, "owner", "", "owner the run is accounted to")
	cmd.Flags().StringVar(&opts.idempotencyKey, "idempotency-key", "", "deduplicate submissions with the same key")
	cmd.Flags().IntVar(&opts.maxConcurrency, "max-concurrency", 0, "override engine.max_concurrency for this run")
	cmd.Flags().StringVar(&opts.pricingPath, "pricing", "", "pricing table file (json or yaml)")
	cmd.Flags().BoolVar(&opts.wait, "wait", true, "wait until the run finishes")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "how long to wait when --wait=false (default engine.run_sync_timeout)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the run as JSON")
	return cmd
}

func runPlan(ctx context.Context, path string, opts runOptions) error {
	root, err := workDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	p, err := plan.Load(path)
	if err != nil {
		return err
	}
	pricing, err := loadPricing(opts.pricingPath)
	if err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(bgCtx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := a.engine.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("engine shutdown")
		}
	}()

	submit := engine.SubmitOptions{
		Owner:          opts.owner,
		IdempotencyKey: opts.idempotencyKey,
		Pricing:        pricing,
		MaxConcurrency: opts.maxConcurrency,
		SyncTimeout:    opts.timeout,
	}
	var run *model.Run
	if opts.wait {
		id, err := a.engine.Submit(ctx, *p, submit)
		if err != nil {
			return err
		}
		log.Debug().Str("run_id", id).Msg("waiting for run")
		run, err = a.engine.Wait(ctx, id, 0)
		if err != nil {
			return err
		}
	} else {
		res, err := a.engine.SubmitSync(ctx, *p, submit)
		if err != nil {
			return err
		}
		run = res.Run
		if !res.Done {
			log.Warn().Str("run_id", res.RunID).Msg("run still in progress, it will be cancelled on exit")
		}
	}

	if opts.jsonOut {
		if err := printJSON(run); err != nil {
			return err
		}
	} else {
		renderRun(os.Stdout, run)
	}
	if run.Status == model.StatusFailed && run.Error != nil {
		return fmt.Errorf("run %s failed: %w", run.ID, run.Error)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
