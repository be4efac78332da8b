package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "botadmin",
	Short: "Operate the chatbot administration database",
	Long: `botadmin manages the storage behind the chatbot administration platform.

Examples:
  botadmin migrate up           # Apply pending migrations
  botadmin migrate down         # Revert every migration
  botadmin ping                 # Check that the database is reachable
  botadmin stats --metrics      # Row counts per model and operation metrics`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statsCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to the YAML config file")
}
