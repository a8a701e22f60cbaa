package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/event"
	"github.com/srg/blehost/internal/transport"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the device dropped the link while a command
	// was still using it.
	ErrConnectionLost = errors.New("connection lost")

	// ErrRequestRejected indicates the manager refused a request outright;
	// the reason is in the log.
	ErrRequestRejected = errors.New("request rejected")

	// ErrConnectTimeout indicates the device did not answer the connection attempt.
	ErrConnectTimeout = errors.New("connection attempt timed out")
)

// StatusError carries a non-success GATT status reported for an operation.
type StatusError struct {
	Op      string
	Address string
	Status  int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d", e.Op, e.Address, e.Status)
}

// Unwrap maps well-known statuses to their sentinel.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case transport.StatusConnectionTimeout:
		return ErrConnectTimeout
	case transport.StatusPeerTerminated:
		return ErrConnectionLost
	}
	return nil
}

// scanFailure maps an OnScanError code to an error.
func scanFailure(code int) error {
	switch code {
	case event.ScanErrorRadioDisabled:
		return device.ErrBluetoothOff
	case event.ScanErrorMissingScanPermission:
		return device.ErrMissingScanPermission
	case event.ScanErrorMissingLocationPermission:
		return device.ErrMissingLocationPermission
	}
	return fmt.Errorf("scan failed with code %d", code)
}

// FormatUserError returns a one-line message suitable for the terminal.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is off or no adapter is available; enable it and retry"
	case errors.Is(err, device.ErrMissingScanPermission):
		return "scan permission is not granted (see permissions.scan in the config file)"
	case errors.Is(err, device.ErrMissingLocationPermission):
		return "location permission is not granted (see permissions.location in the config file)"
	case errors.Is(err, ErrConnectTimeout):
		return fmt.Sprintf("%s: the device did not respond; check that it is powered and in range", err)
	case errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("%s: the device disconnected", err)
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out waiting for the device"
	}
	return err.Error()
}
