package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show radio and permission state",
	Long: `Report whether the Bluetooth radio is usable and the scan and location
permissions are granted. With --enable, ask the platform to power the radio on
first.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var (
	statusEnable bool
	statusWait   time.Duration
)

func init() {
	statusCmd.Flags().BoolVar(&statusEnable, "enable", false, "Ask the platform to enable the radio first")
	statusCmd.Flags().DurationVar(&statusWait, "wait", 2*time.Second, "How long to wait for the radio after --enable")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	h, err := newHost(cmd, formatText, nil)
	if err != nil {
		return err
	}
	defer h.Close()

	if statusEnable && !h.mgr.IsRadioEnabled() {
		h.mgr.RequestPermissions()
		h.mgr.RequestRadioEnable()
		deadline := time.Now().Add(statusWait)
		for !h.mgr.IsRadioEnabled() && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "backend:     %s\n", h.cfg.Transport.Backend)
	fmt.Fprintf(out, "radio:       %s\n", enabledWord(h.mgr.IsRadioEnabled()))
	fmt.Fprintf(out, "permissions: %s\n", grantedWord(h.mgr.HasPermissions()))
	return nil
}

func enabledWord(ok bool) string {
	if ok {
		return "enabled"
	}
	return "disabled"
}

func grantedWord(ok bool) string {
	if ok {
		return "granted"
	}
	return "denied"
}
