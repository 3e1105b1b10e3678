package main

import (
	"fmt"
	runtimedebug "runtime/debug"

	"github.com/spf13/cobra"
)

var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the planrun version",
		Run: func(cmd *cobra.Command, args []string) {
			v := version
			if info, ok := runtimedebug.ReadBuildInfo(); ok && v == "dev" && info.Main.Version != "" {
				v = info.Main.Version
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
		},
	}
}
