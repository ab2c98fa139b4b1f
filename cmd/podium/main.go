// Command podium runs the Lydian orchestrator: it programs agents with
// traffic rules, fans RPC calls out across the fleet in parallel, and
// aggregates their results.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "podium",
		Short: "Lydian traffic orchestrator",
		Long:  "Run the Lydian Podium: programs per-host agents with traffic rules and aggregates their results.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to daemon config file")
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
