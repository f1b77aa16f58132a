// Command kssh is the CLI surface around the dispatcher core. Argument
// parsing and configuration loading are themselves out of the core's scope;
// this package is thin ambient wiring around the library in internal/.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scoky/kssh/internal/klog"
)

var rootCmd = &cobra.Command{
	Use:   "kssh",
	Short: "kssh dispatches a bulk workload across a fleet of remote workers",
	Long: `kssh splits a bulk workload into blocks and dispatches them across a
fleet of worker machines reachable over an opaque shell transport,
load-balancing by measured performance and retrying transient failures.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(machinesCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	klog.Init(klog.Config{
		Level:      klog.Level(level),
		JSONOutput: jsonOut,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
