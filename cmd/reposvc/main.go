package main

import (
	"fmt"
	"os"

	"github.com/cuemby/snapvault/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reposvc",
	Short: "reposvc operates a content-addressed, generationally-versioned snapshot repository",
	Long: `reposvc runs and administers a blob-store snapshot repository core:
the generation protocol, shard-level dedup, and the concurrent snapshot,
restore, delete, and clone pipelines sitting on top of a pluggable blob
store and an external linearizable metadata store.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(repoCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
