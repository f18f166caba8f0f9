package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vmstats-agent/internal/agent"
	"vmstats-agent/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "vmstats [config-file]",
		Short:         "Monitor disk, memory and CPU usage of the VMs running on this hypervisor",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vmstats:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	path := os.Getenv("VMSTATS_CONFIG")
	if len(args) == 1 {
		path = args[0]
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := agent.BuildLogger(cfg)
	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("agent initialization failed", "error", err)
		return err
	}

	if err := a.Run(cmd.Context()); err != nil {
		logger.Error("agent runtime failed", "error", err)
		return err
	}
	return nil
}
