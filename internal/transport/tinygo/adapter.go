package tinygo

import (
	"tinygo.org/x/bluetooth"
)

// Advertisement is one scan result.
type Advertisement struct {
	Name    string
	Address string
	RSSI    int
}

// Adapter is the part of bluetooth.Adapter the backend drives.
type Adapter interface {
	Enable() error
	// Scan blocks, calling h for every advertisement, until StopScan is called.
	Scan(h func(Advertisement)) error
	StopScan() error
	// Connect blocks until the peripheral is connected or the stack gives up.
	Connect(address string) (Peripheral, error)
	// SetDisconnectHandler installs the adapter-wide link loss handler.
	SetDisconnectHandler(h func(address string))
}

// Peripheral is a connected bluetooth.Device.
type Peripheral interface {
	DiscoverServices() ([]RemoteService, error)
	Disconnect() error
}

// RemoteService is a discovered bluetooth.DeviceService.
type RemoteService interface {
	UUID() string
	DiscoverCharacteristics() ([]RemoteCharacteristic, error)
}

// RemoteCharacteristic is a discovered bluetooth.DeviceCharacteristic.
type RemoteCharacteristic interface {
	UUID() string
	// EnableNotifications with a nil handler turns notifications off.
	EnableNotifications(h func(buf []byte)) error
	WriteWithoutResponse(p []byte) (int, error)
}

// NewAdapter wraps the platform's default adapter.
func NewAdapter() Adapter {
	return &tinyAdapter{adapter: bluetooth.DefaultAdapter}
}

type tinyAdapter struct {
	adapter *bluetooth.Adapter
}

func (a *tinyAdapter) Enable() error {
	return a.adapter.Enable()
}

func (a *tinyAdapter) Scan(h func(Advertisement)) error {
	return a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		h(Advertisement{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		})
	})
}

func (a *tinyAdapter) StopScan() error {
	return a.adapter.StopScan()
}

// Connect parses address as a MAC, or as a CoreBluetooth UUID on macOS.
func (a *tinyAdapter) Connect(address string) (Peripheral, error) {
	var addr bluetooth.Address
	addr.Set(address)
	d, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &tinyPeripheral{device: d}, nil
}

func (a *tinyAdapter) SetDisconnectHandler(h func(address string)) {
	a.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if !connected {
			h(d.Address.String())
		}
	})
}

type tinyPeripheral struct {
	device bluetooth.Device
}

func (p *tinyPeripheral) DiscoverServices() ([]RemoteService, error) {
	svcs, err := p.device.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}
	out := make([]RemoteService, 0, len(svcs))
	for i := range svcs {
		out = append(out, &tinyService{svc: svcs[i]})
	}
	return out, nil
}

func (p *tinyPeripheral) Disconnect() error {
	return p.device.Disconnect()
}

type tinyService struct {
	svc bluetooth.DeviceService
}

func (s *tinyService) UUID() string {
	return s.svc.UUID().String()
}

func (s *tinyService) DiscoverCharacteristics() ([]RemoteCharacteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, err
	}
	out := make([]RemoteCharacteristic, 0, len(chars))
	for i := range chars {
		out = append(out, &tinyCharacteristic{char: chars[i]})
	}
	return out, nil
}

type tinyCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyCharacteristic) UUID() string {
	return c.char.UUID().String()
}

func (c *tinyCharacteristic) EnableNotifications(h func(buf []byte)) error {
	return c.char.EnableNotifications(h)
}

func (c *tinyCharacteristic) WriteWithoutResponse(p []byte) (int, error) {
	return c.char.WriteWithoutResponse(p)
}
