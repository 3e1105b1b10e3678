package main

import (
	"fmt"
	"os"

	"github.com/metalagman/planrun/internal/tools"
	"github.com/spf13/cobra"
)

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List registered tools and whether they are allowed",
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
			for _, name := range reg.Names() {
				if !reg.Allowed(name) {
					fmt.Fprintf(os.Stdout, "%-16s %s\n", name, mutedStyle.Render("disabled"))
					continue
				}
				desc := ""
				if specs := reg.Specs([]string{name}); len(specs) == 1 {
					desc = specs[0].Description
				}
				fmt.Fprintf(os.Stdout, "%-16s %s %s\n", name, okStyle.Render("allowed"), desc)
			}
			return nil
		},
	}
}
