package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blehost/internal/device"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor <device-address>",
	Short: "Stream notifications from one characteristic",
	Long: `Connect to a device, discover its services and subscribe to one
characteristic. Every notification is printed until the duration elapses or
the command is interrupted.

When --service is omitted, the service is looked up from the discovered tree.

Examples:
  blehost monitor C4:7F:0E:11:22:33 --char 2a19
  blehost monitor C4:7F:0E:11:22:33 --service 180f --char 2a19 --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <data>",
	Short: "Write a characteristic without response",
	Long: `Connect to a device, discover its services and write data to one
characteristic without response. Data is text unless --hex is given.

Examples:
  blehost write C4:7F:0E:11:22:33 --char 49730001-0f51-43fc-be01-5ce169d39b47 --hex 01
  blehost write C4:7F:0E:11:22:33 --service ffe0 --char ffe1 "hello"`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

var (
	monitorServiceUUID string
	monitorCharUUID    string
	monitorDuration    time.Duration
	monitorFormat      string

	writeServiceUUID string
	writeCharUUID    string
	writeHex         bool
)

func init() {
	monitorCmd.Flags().StringVar(&monitorServiceUUID, "service", "", "Service UUID (looked up when omitted)")
	monitorCmd.Flags().StringVar(&monitorCharUUID, "char", "", "Characteristic UUID")
	monitorCmd.Flags().DurationVarP(&monitorDuration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	monitorCmd.Flags().StringVarP(&monitorFormat, "format", "f", formatText, "Output format (text, json)")
	_ = monitorCmd.MarkFlagRequired("char")

	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (looked up when omitted)")
	writeCmd.Flags().StringVar(&writeCharUUID, "char", "", "Characteristic UUID")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Data is hex encoded")
	_ = writeCmd.MarkFlagRequired("char")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	address := args[0]
	if _, err := device.ValidateUUID(monitorCharUUID); err != nil {
		return fmt.Errorf("invalid characteristic UUID: %w", err)
	}

	h, err := newHost(cmd, monitorFormat, nil)
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
	serviceUUID, err := h.resolveService(address, monitorServiceUUID, monitorCharUUID)
	if err != nil {
		return err
	}

	if !h.mgr.Subscribe(address, serviceUUID, monitorCharUUID) {
		return fmt.Errorf("subscribe to %s: %w", monitorCharUUID, ErrRequestRejected)
	}
	h.out.Status("Monitoring %s on %s", monitorCharUUID, address)

	ctx, cancel := withDuration(ctx, monitorDuration)
	defer cancel()
	err = h.stream(ctx, address)
	h.mgr.Unsubscribe(address, serviceUUID, monitorCharUUID)
	return err
}

func runWrite(cmd *cobra.Command, args []string) error {
	address := args[0]
	data, err := parseWriteData(args[1], writeHex)
	if err != nil {
		return err
	}
	if _, err := device.ValidateUUID(writeCharUUID); err != nil {
		return fmt.Errorf("invalid characteristic UUID: %w", err)
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
	serviceUUID, err := h.resolveService(address, writeServiceUUID, writeCharUUID)
	if err != nil {
		return err
	}

	if !h.mgr.WriteNoResponse(address, serviceUUID, writeCharUUID, data) {
		return fmt.Errorf("write to %s: %w", writeCharUUID, ErrRequestRejected)
	}
	h.out.Status("Wrote %d bytes to %s", len(data), writeCharUUID)
	return nil
}

// parseWriteData decodes command-line data. Hex input may contain spaces,
// colons, dashes and 0x prefixes.
func parseWriteData(dataStr string, isHex bool) ([]byte, error) {
	if !isHex {
		return []byte(dataStr), nil
	}

	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(dataStr)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

// resolveService returns the service that owns charUUID on a discovered
// device. An explicit serviceUUID is only checked; otherwise exactly one
// service must carry the characteristic.
func (h *host) resolveService(address, serviceUUID, charUUID string) (string, error) {
	s, err := h.mgr.Session(address)
	if err != nil {
		return "", err
	}
	catalog := s.Catalog()

	if serviceUUID != "" {
		svc, _, err := catalog.Characteristic(serviceUUID, charUUID)
		if err != nil {
			return "", err
		}
		return svc.UUID, nil
	}

	var owners []string
	for _, svc := range catalog.Services() {
		for _, ch := range svc.Characteristics {
			if device.EqualUUID(ch.UUID, charUUID) {
				owners = append(owners, svc.UUID)
				break
			}
		}
	}
	switch len(owners) {
	case 0:
		return "", &device.NotFoundError{Resource: "characteristic", UUIDs: []string{charUUID}}
	case 1:
		return owners[0], nil
	default:
		return "", fmt.Errorf("characteristic %s is in %d services (%s); use --service", charUUID, len(owners), strings.Join(owners, ", "))
	}
}
