package mocks

import (
	"sync"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/transport"
	"github.com/srg/blehost/internal/transport/tinygo"
	"github.com/stretchr/testify/mock"
)

// MockAdapter is a testify mock of tinygo.Adapter.
//
// Scan expectations return the advertisements to replay and an error. With a
// nil error the scan blocks until StopScan, like the real stack.
type MockAdapter struct {
	mock.Mock

	mu         sync.Mutex
	stop       chan struct{}
	disconnect func(address string)
}

var _ tinygo.Adapter = (*MockAdapter)(nil)

func (m *MockAdapter) Enable() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockAdapter) Scan(h func(tinygo.Advertisement)) error {
	stop := make(chan struct{})
	m.mu.Lock()
	m.stop = stop
	m.mu.Unlock()

	args := m.Called()
	if advs, ok := args.Get(0).([]tinygo.Advertisement); ok {
		for _, adv := range advs {
			h(adv)
		}
	}
	if err := args.Error(1); err != nil {
		return err
	}
	<-stop
	return nil
}

func (m *MockAdapter) StopScan() error {
	m.mu.Lock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.mu.Unlock()

	args := m.Called()
	return args.Error(0)
}

func (m *MockAdapter) Connect(address string) (tinygo.Peripheral, error) {
	args := m.Called(address)
	if p, ok := args.Get(0).(tinygo.Peripheral); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAdapter) SetDisconnectHandler(h func(address string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnect = h
}

// DropLink fires the disconnect handler for address, as the stack does when a
// peripheral goes away.
func (m *MockAdapter) DropLink(address string) {
	m.mu.Lock()
	h := m.disconnect
	m.mu.Unlock()
	if h != nil {
		h(address)
	}
}

// MockPeripheral is a testify mock of tinygo.Peripheral.
type MockPeripheral struct {
	mock.Mock
}

var _ tinygo.Peripheral = (*MockPeripheral)(nil)

func (m *MockPeripheral) DiscoverServices() ([]tinygo.RemoteService, error) {
	args := m.Called()
	svcs, _ := args.Get(0).([]tinygo.RemoteService)
	return svcs, args.Error(1)
}

func (m *MockPeripheral) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

// FakeService is a fixed tinygo.RemoteService.
type FakeService struct {
	ServiceUUID string
	Chars       []tinygo.RemoteCharacteristic
	Err         error
}

func (s *FakeService) UUID() string { return s.ServiceUUID }

func (s *FakeService) DiscoverCharacteristics() ([]tinygo.RemoteCharacteristic, error) {
	return s.Chars, s.Err
}

// MockCharacteristic is a testify mock of tinygo.RemoteCharacteristic.
// EnableNotifications is matched on whether the handler is set.
type MockCharacteristic struct {
	mock.Mock

	uuid    string
	mu      sync.Mutex
	handler func([]byte)
}

var _ tinygo.RemoteCharacteristic = (*MockCharacteristic)(nil)

// NewMockCharacteristic creates a characteristic reporting uuid.
func NewMockCharacteristic(uuid string) *MockCharacteristic {
	return &MockCharacteristic{uuid: uuid}
}

func (m *MockCharacteristic) UUID() string { return m.uuid }

func (m *MockCharacteristic) EnableNotifications(h func(buf []byte)) error {
	args := m.Called(h != nil)
	if err := args.Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
	return nil
}

func (m *MockCharacteristic) WriteWithoutResponse(p []byte) (int, error) {
	args := m.Called(p)
	return len(p), args.Error(0)
}

// Notify delivers value through the enabled handler. It reports false when
// notifications are off.
func (m *MockCharacteristic) Notify(value []byte) bool {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(value)
	return true
}

// RemoteTree converts a service tree to fake remote services. Characteristics
// are returned by normalized UUID so tests can set expectations on them.
func RemoteTree(services []transport.Service) ([]tinygo.RemoteService, map[string]*MockCharacteristic) {
	chars := make(map[string]*MockCharacteristic)
	out := make([]tinygo.RemoteService, 0, len(services))
	for _, svc := range services {
		fs := &FakeService{ServiceUUID: device.ExpandUUID(svc.UUID)}
		for _, ch := range svc.Characteristics {
			mc := NewMockCharacteristic(device.ExpandUUID(ch.UUID))
			fs.Chars = append(fs.Chars, mc)
			if _, ok := chars[device.NormalizeUUID(ch.UUID)]; !ok {
				chars[device.NormalizeUUID(ch.UUID)] = mc
			}
		}
		out = append(out, fs)
	}
	return out, chars
}
