package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blehost",
	Short: "Bluetooth Low Energy sensor host",
	Long: `Bluetooth Low Energy (BLE) sensor host that manages many peripheral sessions at once:

- Scan for sensors advertising a given name
- Connect, discover services and stream notifications
- Write characteristics without response
- Drive the Syncsense motion, battery and LED profile

Every result is reported as a host event; use --format json to get the raw event stream.`,
	Version: formatVersion(version),
}

// Global flags
var (
	configPath  string
	logLevel    string
	backendName string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("blehost {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(sensorCmd)
	rootCmd.AddCommand(ledCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default blehost.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "", "Transport backend (goble, tinygo)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
