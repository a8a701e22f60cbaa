// Package transport defines the contract between the session core and a radio
// driver. A Transport exposes scan/connect/discover/notify/write primitives whose
// results arrive later through Callbacks.
//
// Implementations must honour two rules:
//   - callbacks are never invoked synchronously from inside a request method
//   - callbacks for a single link are delivered in the order the operations were issued
package transport

import "fmt"

// Handle is an opaque reference to a link, assigned by the transport on Connect.
// The zero Handle never names a live link.
type Handle uint64

// ConnectionState mirrors the link states reported by the radio stack.
type ConnectionState int

const (
	StateDisconnected  ConnectionState = 0
	StateConnecting    ConnectionState = 1
	StateConnected     ConnectionState = 2
	StateDisconnecting ConnectionState = 3
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// GATT status codes carried in connection and discovery callbacks.
const (
	StatusSuccess           = 0
	StatusConnectionTimeout = 8
	StatusPeerTerminated    = 19
	StatusFailure           = 257
)

// Scan failure codes reported through Callbacks.OnScanFailed.
const (
	ScanFailedAlreadyStarted          = 1
	ScanFailedApplicationRegistration = 2
	ScanFailedInternalError           = 3
	ScanFailedFeatureUnsupported      = 4
	ScanFailedOutOfHardwareResources  = 5
	ScanFailedScanningTooFrequently   = 6
)

// Descriptor is one descriptor of a discovered characteristic.
type Descriptor struct {
	UUID string
}

// Characteristic is one characteristic of a discovered service.
type Characteristic struct {
	UUID        string
	Descriptors []Descriptor
}

// Service is one node of the service tree a transport reports after discovery.
type Service struct {
	UUID            string
	Type            int // 0 primary, 1 secondary
	InstanceID      int
	Characteristics []Characteristic
}

// Service types.
const (
	ServiceTypePrimary   = 0
	ServiceTypeSecondary = 1
)

// ScanFilter narrows a scan to advertisers matching the given local name.
// An empty DeviceName matches every advertiser.
type ScanFilter struct {
	DeviceName string
}

// Matches reports whether an advertised name passes the filter.
func (f ScanFilter) Matches(name string) bool {
	return f.DeviceName == "" || f.DeviceName == name
}

// RemoteDevice is the result of resolving an address before connecting.
type RemoteDevice struct {
	Address string
	Name    string
}

// Notification-configuration descriptor values (little-endian CCCD payloads).
var (
	EnableNotificationValue  = []byte{0x01, 0x00}
	EnableIndicationValue    = []byte{0x02, 0x00}
	DisableNotificationValue = []byte{0x00, 0x00}
)

// ClientCharacteristicConfigUUID is the well-known notification-configuration descriptor.
const ClientCharacteristicConfigUUID = "2902"

// Callbacks receives asynchronous transport results.
type Callbacks interface {
	OnScanResult(name, address string, rssi int)
	OnScanFailed(code int)
	OnConnectionStateChange(h Handle, status int, newState ConnectionState)
	OnServicesDiscovered(h Handle, status int)
	OnCharacteristicChanged(h Handle, serviceUUID, charUUID string, payload []byte)
}

// Transport is the opaque radio driver. Request methods return immediately; a
// true/nil result means "accepted", never "completed".
type Transport interface {
	// SetCallbacks installs the receiver of asynchronous results. Must be called before any request.
	SetCallbacks(cb Callbacks)

	RadioEnabled() bool
	RequestRadioEnable()

	StartScan(filter ScanFilter) error
	StopScan() error

	// ResolveDevice maps an address to a remote device handle the transport can dial.
	ResolveDevice(address string) (RemoteDevice, bool)
	// Connect starts a link attempt; the outcome arrives via OnConnectionStateChange.
	Connect(address string) (Handle, error)
	// Disconnect asks the link to drop. Returns false for unknown handles.
	Disconnect(h Handle) bool
	// Close releases the link; no callbacks are delivered for h afterwards.
	Close(h Handle)

	DiscoverServices(h Handle) bool
	// Services returns a copy of the service tree known for h.
	Services(h Handle) []Service

	SetCharacteristicNotification(h Handle, serviceUUID, charUUID string, enable bool) bool
	WriteDescriptor(h Handle, serviceUUID, charUUID, descUUID string, value []byte) bool
	// WriteCharacteristic issues a write without response.
	WriteCharacteristic(h Handle, serviceUUID, charUUID string, value []byte) bool
}

// CallbackFuncs adapts plain functions to Callbacks. Nil fields are ignored.
type CallbackFuncs struct {
	ScanResult            func(name, address string, rssi int)
	ScanFailed            func(code int)
	ConnectionStateChange func(h Handle, status int, newState ConnectionState)
	ServicesDiscovered    func(h Handle, status int)
	CharacteristicChanged func(h Handle, serviceUUID, charUUID string, payload []byte)
}

func (f CallbackFuncs) OnScanResult(name, address string, rssi int) {
	if f.ScanResult != nil {
		f.ScanResult(name, address, rssi)
	}
}

func (f CallbackFuncs) OnScanFailed(code int) {
	if f.ScanFailed != nil {
		f.ScanFailed(code)
	}
}

func (f CallbackFuncs) OnConnectionStateChange(h Handle, status int, newState ConnectionState) {
	if f.ConnectionStateChange != nil {
		f.ConnectionStateChange(h, status, newState)
	}
}

func (f CallbackFuncs) OnServicesDiscovered(h Handle, status int) {
	if f.ServicesDiscovered != nil {
		f.ServicesDiscovered(h, status)
	}
}

func (f CallbackFuncs) OnCharacteristicChanged(h Handle, serviceUUID, charUUID string, payload []byte) {
	if f.CharacteristicChanged != nil {
		f.CharacteristicChanged(h, serviceUUID, charUUID, payload)
	}
}

// CloneServices deep-copies a service tree.
func CloneServices(in []Service) []Service {
	if in == nil {
		return nil
	}
	out := make([]Service, len(in))
	for i, svc := range in {
		out[i] = svc
		out[i].Characteristics = make([]Characteristic, len(svc.Characteristics))
		for j, ch := range svc.Characteristics {
			out[i].Characteristics[j] = ch
			out[i].Characteristics[j].Descriptors = append([]Descriptor(nil), ch.Descriptors...)
		}
	}
	return out
}
