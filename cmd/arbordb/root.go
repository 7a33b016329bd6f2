package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.9.0"

var rootCmd = &cobra.Command{
	Use:   "arbordb",
	Short: "embeddable replicated graph database",
	Long: fmt.Sprintf(`arbordb (v%s)

An embeddable graph database with a transactional fixed-record store, a
write-ahead logical log, and leader/follower replication around a single
elected primary.`, version),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("arbordb v%s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}
