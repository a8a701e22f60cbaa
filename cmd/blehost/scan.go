package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blehost/internal/event"
	"github.com/srg/blehost/pkg/config"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE sensors",
	Long: `Scan for peripherals advertising the configured name (scan.name_filter,
Cadence_Sensor by default) and print every advertisement, then a summary table.

Use --name to scan for another name, or --all to report every advertiser.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanName     string
	scanAll      bool
	scanWatch    bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default scan.duration from the config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", formatText, "Output format (text, json)")
	scanCmd.Flags().StringVarP(&scanName, "name", "n", "", "Advertised name to match (default scan.name_filter from the config)")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Report every advertiser regardless of name")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Scan until interrupted")
}

func runScan(cmd *cobra.Command, _ []string) error {
	h, err := newHost(cmd, scanFormat, func(cfg *config.Config) {
		switch {
		case scanAll:
			cfg.Scan.NameFilter = ""
		case scanName != "":
			cfg.Scan.NameFilter = scanName
		}
	})
	if err != nil {
		return err
	}
	defer h.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := h.cfg.Scan.Duration
	if scanDuration > 0 {
		duration = scanDuration
	}
	if scanWatch {
		duration = 0
	}

	ctx, stop := withInterrupt(cmd.Context(), cmd.ErrOrStderr())
	defer stop()
	ctx, cancel := withDuration(ctx, duration)
	defer cancel()

	devices := orderedmap.New[string, event.ScanResult]()
	collect := func(msg event.Message) (bool, error) {
		switch msg.Name {
		case event.ScanResultEvent:
			var r event.ScanResult
			if err := msg.Decode(&r); err != nil {
				return false, err
			}
			devices.Set(r.Address, r)
		case event.ScanErrorEvent:
			var e event.ScanError
			if err := msg.Decode(&e); err != nil {
				return false, err
			}
			return true, scanFailure(e.ErrorCode)
		}
		return false, nil
	}

	if !h.mgr.StartScan(int(duration / time.Millisecond)) {
		// A failed precondition is already queued as OnScanError.
		if err := h.drain(collect); err != nil {
			return err
		}
		return fmt.Errorf("start scan: %w", ErrRequestRejected)
	}
	h.out.Status("Scanning for %s...", scanTarget(h.cfg.Scan.NameFilter))

	err = h.await(ctx, collect)
	if h.mgr.IsScanning() {
		h.mgr.StopScan()
	}
	// Running out of time or being interrupted both end the scan normally.
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	h.out.Devices(devices)
	return nil
}

func scanTarget(name string) string {
	if name == "" {
		return "all devices"
	}
	return name
}
