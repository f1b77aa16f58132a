package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scoky/kssh/internal/config"
)

var machinesCmd = &cobra.Command{
	Use:   "machines",
	Short: "Inspect the machines configuration",
}

var machinesDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Load the machines file and print resolved config as YAML",
	RunE:  runMachinesDump,
}

func init() {
	machinesDumpCmd.Flags().String("machines", ".machines", "Path to the machines JSON config")
	machinesCmd.AddCommand(machinesDumpCmd)
}

func runMachinesDump(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("machines")

	machines, err := config.LoadMachines(path)
	if err != nil {
		return err
	}

	out, err := config.DumpMachinesYAML(machines)
	if err != nil {
		return err
	}

	fmt.Print(out)
	return nil
}
