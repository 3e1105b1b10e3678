package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/metalagman/planrun/internal/config"
	"github.com/metalagman/planrun/internal/db"
	"github.com/metalagman/planrun/internal/model"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and prune archived runs",
	}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsShowCmd())
	cmd.AddCommand(runsPruneCmd())
	return cmd
}

// openArchive opens the run archive named by the config. The archive is read
// even when persistence is switched off for new runs.
func openArchive(ctx context.Context) (*db.Archive, config.Config, func(), error) {
	root, err := workDir()
	if err != nil {
		return nil, config.Config{}, func() {}, err
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, config.Config{}, func() {}, err
	}
	storeDB, closeFn, err := openDB(ctx, cfg.Store.DBPath)
	if err != nil {
		return nil, config.Config{}, func() {}, err
	}
	return db.NewArchive(storeDB), cfg, closeFn, nil
}

func runsListCmd() *cobra.Command {
	var owner, status string
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, _, closeFn, err := openArchive(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			runs, err := archive.List(cmd.Context(), db.ListFilter{
				Owner:  owner,
				Status: model.Status(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(runs)
			}
			renderSummaries(os.Stdout, runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only runs of this owner")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print as JSON")
	return cmd
}

func runsShowCmd() *cobra.Command {
	var events, jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show an archived run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, _, closeFn, err := openArchive(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			run, err := archive.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if events {
				if run.Logs, err = archive.Events(cmd.Context(), run.ID); err != nil {
					return err
				}
			}
			if jsonOut {
				return printJSON(run)
			}
			renderRun(os.Stdout, run)
			if events {
				renderEvents(os.Stdout, run.Logs)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "include the retained event log")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print as JSON")
	return cmd
}

func runsPruneCmd() *cobra.Command {
	var keepLast int
	var keepDays int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune old runs from the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := db.RetentionPolicy{KeepLast: keepLast, KeepDays: keepDays}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				return fmt.Errorf("set --keep-last or --keep-days")
			}
			archive, _, closeFn, err := openArchive(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := archive.Prune(cmd.Context(), policy, time.Now(), dryRun)
			if err != nil {
				return err
			}
			mode := "deleted"
			if dryRun {
				mode = "would delete"
			}
			log.Info().Msgf("%s %d runs (kept %d of %d)", mode, res.Deleted, res.Kept, res.Considered)
			return nil
		},
	}
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "keep the newest N runs")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "keep runs newer than N days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be pruned without deleting")
	return cmd
}
