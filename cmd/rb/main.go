package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "railbot.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rb",
		Short: "Railbot — queued chat bot for LLM conversations",
		Long:  "Railbot ingests chat platform events into a durable queue and answers them with a pool of workers.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newWorkersCmd())
	cmd.AddCommand(newListenCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMonitorCmd())
	cmd.AddCommand(newCleanupCmd())
	cmd.AddCommand(newCronCmd())
	cmd.AddCommand(newPoolCmd())
	cmd.AddCommand(newQueueCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rb %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
