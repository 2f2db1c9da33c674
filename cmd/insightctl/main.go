// insightctl is the operator CLI for a running insights API: ask
// questions, inspect usage statistics and pre-warm the answer cache.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	// Set by LDFLAGS
	version = "dev"

	apiAddr string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:     "insightctl",
	Short:   "CLI for the retail insights API",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://localhost:8080", "base address of the insights API")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose mode - show debug logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
