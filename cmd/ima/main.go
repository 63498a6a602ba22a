// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// Sets GOMAXPROCS to the CPU quota for containerized environments
	_ "go.uber.org/automaxprocs"
)

var (
	version   = "v0.0.0-dev"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ima",
	Short: "IMA - Interchain messaging relayer",
	Long: `IMA relays messages posted to the outgoing log of one chain to the
message proxy of its peer chain, in order and exactly once.

This CLI runs the relayer and provides tools for validator keys and batch digests.`,
	Version:      fmt.Sprintf("%s (built %s)", version, buildDate),
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("ima %s\n", version)
		cmd.Printf("Built: %s\n", buildDate)
	},
}
