package tinygo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/transport"
)

// normalizeError maps BlueZ and CoreBluetooth failures reported by
// tinygo.org/x/bluetooth to the device sentinels.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "org.bluez.error.notready"),
		strings.Contains(msg, "powered off"),
		strings.Contains(msg, "no bluetooth adapter"),
		strings.Contains(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case strings.Contains(msg, "org.bluez.error.notpermitted"),
		strings.Contains(msg, "unauthorized"):
		return fmt.Errorf("%w: %v", device.ErrMissingScanPermission, err)
	case strings.Contains(msg, "not connected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case strings.Contains(msg, "org.bluez.error.notsupported"):
		return fmt.Errorf("%w: %v", device.ErrUnsupported, err)
	default:
		return err
	}
}

func connectStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.StatusConnectionTimeout
	}
	return transport.StatusFailure
}

func scanFailureCode(err error) int {
	switch {
	case errors.Is(err, device.ErrUnsupported):
		return transport.ScanFailedFeatureUnsupported
	case errors.Is(err, device.ErrBluetoothOff), errors.Is(err, device.ErrMissingScanPermission):
		return transport.ScanFailedApplicationRegistration
	default:
		return transport.ScanFailedInternalError
	}
}
