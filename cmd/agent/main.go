// Command agent runs one per-host Lydian agent daemon: it receives rule
// registrations over its RPC surface, dispatches TCP/UDP/HTTP client and
// server tasks, and records outcomes through the recording pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "agent",
		Short: "Lydian per-host traffic agent",
		Long:  "Run a Lydian agent: registers traffic rules, drives probe clients/servers, and records outcomes.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to daemon config file")
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
