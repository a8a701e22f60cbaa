package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/transport"
)

// NormalizeError maps known go-ble error strings to the device sentinels.
// The original error stays wrapped for context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", device.ErrNotInitialized, err)
	default:
		return err
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// connectStatus is the status reported with the disconnected state when a dial fails.
func connectStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.StatusConnectionTimeout
	}
	return transport.StatusFailure
}

// scanFailureCode maps a scan error to an OnScanFailed code.
func scanFailureCode(err error) int {
	switch {
	case errors.Is(err, device.ErrUnsupported):
		return transport.ScanFailedFeatureUnsupported
	case errors.Is(err, device.ErrBluetoothOff):
		return transport.ScanFailedApplicationRegistration
	default:
		return transport.ScanFailedInternalError
	}
}
