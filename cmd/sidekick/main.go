package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	runFlags := &RunFlags{}
	checkFlags := &CheckFlags{}

	root := &cobra.Command{
		Use:           "sidekick",
		Short:         "sidekick supervises an application's backend subprocesses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		createRunCommand(runFlags),
		createCheckCommand(checkFlags),
		createVersionCommand(),
	)
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sidekick version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}
