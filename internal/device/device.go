package device

import (
	"errors"
	"fmt"
)

// NotFoundError represents an error when a GATT resource is missing from a session catalog
type NotFoundError struct {
	Resource string   // "service", "characteristic", "descriptor"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	// For GATT hierarchy: characteristic is in service, descriptor is in characteristic
	parentResource := "service"
	if e.Resource == "descriptor" {
		parentResource = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parentResource, e.UUIDs[len(e.UUIDs)-2])
}

// ConnectionState represents the specific kind of session state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
	NotDiscovered    ConnectionState = "not_discovered"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrNotDiscovered    = &ConnectionError{State: NotDiscovered}
)

// Precondition errors
var (
	ErrBluetoothOff              = errors.New("bluetooth is turned off")
	ErrMissingScanPermission     = errors.New("missing scan permission")
	ErrMissingLocationPermission = errors.New("missing location permission")
	ErrUnknownAddress            = errors.New("address cannot be resolved to a remote device")
	ErrNoSession                 = errors.New("no session for address")
)

// Operation errors
var (
	ErrDiscoveryInProgress = errors.New("service discovery already in progress")
	ErrTransportRejected   = errors.New("request rejected by transport")
	ErrUnsupported         = errors.New("unsupported")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// IsNotFound reports whether err is a NotFoundError, optionally for a specific resource kind.
// An empty resource matches any kind.
func IsNotFound(err error, resource string) bool {
	var nerr *NotFoundError
	if !errors.As(err, &nerr) {
		return false
	}
	return resource == "" || nerr.Resource == resource
}
