package mocks

import (
	"sync"

	"github.com/srg/blehost/internal/transport"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a testify mock of transport.Transport.
//
// Request methods are recorded through mock.Mock; set expectations with On.
// SetCallbacks is not mocked: the installed receiver is kept so tests can
// play the radio's part through the Fire* helpers.
type MockTransport struct {
	mock.Mock

	cbMu sync.RWMutex
	cb   transport.Callbacks
}

var _ transport.Transport = (*MockTransport)(nil)

func (m *MockTransport) SetCallbacks(cb transport.Callbacks) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.cb = cb
}

func (m *MockTransport) callbacks() transport.Callbacks {
	m.cbMu.RLock()
	defer m.cbMu.RUnlock()
	return m.cb
}

func (m *MockTransport) RadioEnabled() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockTransport) RequestRadioEnable() {
	m.Called()
}

func (m *MockTransport) StartScan(filter transport.ScanFilter) error {
	args := m.Called(filter)
	return args.Error(0)
}

func (m *MockTransport) StopScan() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockTransport) ResolveDevice(address string) (transport.RemoteDevice, bool) {
	args := m.Called(address)
	return args.Get(0).(transport.RemoteDevice), args.Bool(1)
}

func (m *MockTransport) Connect(address string) (transport.Handle, error) {
	args := m.Called(address)
	return args.Get(0).(transport.Handle), args.Error(1)
}

func (m *MockTransport) Disconnect(h transport.Handle) bool {
	args := m.Called(h)
	return args.Bool(0)
}

func (m *MockTransport) Close(h transport.Handle) {
	m.Called(h)
}

func (m *MockTransport) DiscoverServices(h transport.Handle) bool {
	args := m.Called(h)
	return args.Bool(0)
}

func (m *MockTransport) Services(h transport.Handle) []transport.Service {
	args := m.Called(h)
	if args.Get(0) == nil {
		return nil
	}
	return transport.CloneServices(args.Get(0).([]transport.Service))
}

func (m *MockTransport) SetCharacteristicNotification(h transport.Handle, serviceUUID, charUUID string, enable bool) bool {
	args := m.Called(h, serviceUUID, charUUID, enable)
	return args.Bool(0)
}

func (m *MockTransport) WriteDescriptor(h transport.Handle, serviceUUID, charUUID, descUUID string, value []byte) bool {
	args := m.Called(h, serviceUUID, charUUID, descUUID, value)
	return args.Bool(0)
}

func (m *MockTransport) WriteCharacteristic(h transport.Handle, serviceUUID, charUUID string, value []byte) bool {
	args := m.Called(h, serviceUUID, charUUID, value)
	return args.Bool(0)
}

// FireScanResult delivers an advertisement to the installed callbacks.
func (m *MockTransport) FireScanResult(name, address string, rssi int) {
	if cb := m.callbacks(); cb != nil {
		cb.OnScanResult(name, address, rssi)
	}
}

// FireScanFailed delivers a scan failure code.
func (m *MockTransport) FireScanFailed(code int) {
	if cb := m.callbacks(); cb != nil {
		cb.OnScanFailed(code)
	}
}

// FireConnectionStateChange delivers a link state transition.
func (m *MockTransport) FireConnectionStateChange(h transport.Handle, status int, state transport.ConnectionState) {
	if cb := m.callbacks(); cb != nil {
		cb.OnConnectionStateChange(h, status, state)
	}
}

// FireServicesDiscovered delivers a discovery completion.
func (m *MockTransport) FireServicesDiscovered(h transport.Handle, status int) {
	if cb := m.callbacks(); cb != nil {
		cb.OnServicesDiscovered(h, status)
	}
}

// FireCharacteristicChanged delivers a notification value.
func (m *MockTransport) FireCharacteristicChanged(h transport.Handle, serviceUUID, charUUID string, payload []byte) {
	if cb := m.callbacks(); cb != nil {
		cb.OnCharacteristicChanged(h, serviceUUID, charUUID, payload)
	}
}
