package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// sensorCmd represents the sensor command
var sensorCmd = &cobra.Command{
	Use:   "sensor <device-address>",
	Short: "Stream Syncsense motion and battery data",
	Long: `Connect to a Syncsense sensor and stream its accelerometer/gyroscope
notifications, and optionally its battery level, until the duration elapses or
the command is interrupted.

Examples:
  blehost sensor C4:7F:0E:11:22:33 --battery
  blehost sensor C4:7F:0E:11:22:33 -d 30s --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runSensor,
}

// ledCmd represents the led command
var ledCmd = &cobra.Command{
	Use:   "led <device-address>",
	Short: "Switch the Syncsense LEDs",
	Long: `Connect to a Syncsense sensor and switch its red and/or green LED.

Examples:
  blehost led C4:7F:0E:11:22:33 --red on
  blehost led C4:7F:0E:11:22:33 --red off --green on`,
	Args: cobra.ExactArgs(1),
	RunE: runLED,
}

var (
	sensorBattery  bool
	sensorDuration time.Duration
	sensorFormat   string

	ledRed   string
	ledGreen string
)

func init() {
	sensorCmd.Flags().BoolVar(&sensorBattery, "battery", false, "Also subscribe to battery level")
	sensorCmd.Flags().DurationVarP(&sensorDuration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	sensorCmd.Flags().StringVarP(&sensorFormat, "format", "f", formatText, "Output format (text, json)")

	ledCmd.Flags().StringVar(&ledRed, "red", "", "Red LED state (on, off)")
	ledCmd.Flags().StringVar(&ledGreen, "green", "", "Green LED state (on, off)")
}

func runSensor(cmd *cobra.Command, args []string) error {
	address := args[0]

	h, err := newHost(cmd, sensorFormat, nil)
	if err != nil {
		return err
	}
	defer h.Close()
	cmd.SilenceUsage = true

	ctx, stop := withInterrupt(cmd.Context(), cmd.ErrOrStderr())
	defer stop()

	if err := h.open(ctx, address); err != nil {
		return err
	}
	if !h.mgr.SubscribeSensorData(address) {
		return fmt.Errorf("subscribe to sensor data: %w", ErrRequestRejected)
	}
	if sensorBattery && !h.mgr.SubscribeBatteryData(address) {
		return fmt.Errorf("subscribe to battery data: %w", ErrRequestRejected)
	}
	h.out.Status("Streaming sensor data from %s", address)

	ctx, cancel := withDuration(ctx, sensorDuration)
	defer cancel()
	err = h.stream(ctx, address)

	h.mgr.UnsubscribeSensorData(address)
	if sensorBattery {
		h.mgr.UnsubscribeBatteryData(address)
	}
	return err
}

func runLED(cmd *cobra.Command, args []string) error {
	address := args[0]
	if ledRed == "" && ledGreen == "" {
		return fmt.Errorf("at least one of --red or --green is required")
	}
	red, err := parseSwitch("red", ledRed)
	if err != nil {
		return err
	}
	green, err := parseSwitch("green", ledGreen)
	if err != nil {
		return err
	}

	h, err := newHost(cmd, formatText, nil)
	if err != nil {
		return err
	}
	defer h.Close()
	cmd.SilenceUsage = true

	ctx, stop := withInterrupt(cmd.Context(), cmd.ErrOrStderr())
	defer stop()

	if err := h.open(ctx, address); err != nil {
		return err
	}
	if ledRed != "" {
		if !h.mgr.EnableRedLED(address, red) {
			return fmt.Errorf("switch red LED: %w", ErrRequestRejected)
		}
		h.out.Status("Red LED %s", ledRed)
	}
	if ledGreen != "" {
		if !h.mgr.EnableGreenLED(address, green) {
			return fmt.Errorf("switch green LED: %w", ErrRequestRejected)
		}
		h.out.Status("Green LED %s", ledGreen)
	}
	return nil
}

// parseSwitch accepts on/off in any case. An empty value means off and is
// only meaningful when the caller skips the LED.
func parseSwitch(flag, value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on":
		return true, nil
	case "off", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid --%s value %q: must be on or off", flag, value)
}
