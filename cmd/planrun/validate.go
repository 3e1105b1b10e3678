package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/metalagman/planrun/internal/plan"
	"github.com/metalagman/planrun/internal/tools"
	"github.com/spf13/cobra"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan>",
		Short: "Check a plan file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := workDir()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			reg, err := tools.NewBuiltin(cfg, nil)
			if err != nil {
				return err
			}
			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			plan.ApplyDefaults(p, cfg.Budgets)
			if err := plan.Validate(p, reg); err != nil {
				return err
			}
			order, err := plan.TopoOrder(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s %d tasks: %s\n", okStyle.Render("valid"), len(p.Tasks), strings.Join(order, " -> "))
			return nil
		},
	}
}
