// Command etl runs the weather domain ETL: it fetches hourly observations,
// repairs and enriches them, and loads the partitioned result into the
// relational and document stores.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run())
}

func run() int {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "etl",
		Short:         "Weather domain ETL: source, repair, enrich, partition, dual-store load.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newRetryCmd(),
		newRerunCmd(),
		newStatusCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCode(err)
	}
	return 0
}
