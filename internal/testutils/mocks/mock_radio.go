package mocks

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/transport/goble"
	"github.com/stretchr/testify/mock"
)

// MockRadio is a testify mock of goble.Radio.
//
// Scan expectations return the advertisements to replay and an error. With a
// nil error the scan then blocks until its context is cancelled, like a real
// radio does.
type MockRadio struct {
	mock.Mock
}

var _ goble.Radio = (*MockRadio)(nil)

func (m *MockRadio) Scan(ctx context.Context, allowDup bool, h func(goble.Advertisement)) error {
	args := m.Called(allowDup)
	if advs, ok := args.Get(0).([]goble.Advertisement); ok {
		for _, adv := range advs {
			h(adv)
		}
	}
	if err := args.Error(1); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *MockRadio) Dial(ctx context.Context, address string) (goble.GATTClient, error) {
	args := m.Called(address)
	if c, ok := args.Get(0).(goble.GATTClient); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRadio) Stop() error {
	args := m.Called()
	return args.Error(0)
}

// MockGATTClient is a testify mock of goble.GATTClient. Characteristics and
// descriptors are matched by their UUID string in expectations.
//
// Subscribe keeps the notification handler so tests can push values with
// Notify; Drop closes the Disconnected channel.
type MockGATTClient struct {
	mock.Mock

	mu       sync.Mutex
	handlers map[string]ble.NotificationHandler
	lost     chan struct{}
	dropOnce sync.Once
}

var _ goble.GATTClient = (*MockGATTClient)(nil)

// NewMockGATTClient creates a client whose Disconnected channel is open.
func NewMockGATTClient() *MockGATTClient {
	return &MockGATTClient{
		handlers: make(map[string]ble.NotificationHandler),
		lost:     make(chan struct{}),
	}
}

func (m *MockGATTClient) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockGATTClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *MockGATTClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	args := m.Called(c.UUID.String(), value, noRsp)
	return args.Error(0)
}

func (m *MockGATTClient) WriteDescriptor(d *ble.Descriptor, value []byte) error {
	args := m.Called(d.UUID.String(), value)
	return args.Error(0)
}

func (m *MockGATTClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	args := m.Called(c.UUID.String(), ind)
	if err := args.Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	m.handlers[device.NormalizeUUID(c.UUID.String())] = h
	m.mu.Unlock()
	return nil
}

func (m *MockGATTClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	args := m.Called(c.UUID.String(), ind)
	if args.Error(0) == nil {
		m.mu.Lock()
		delete(m.handlers, device.NormalizeUUID(c.UUID.String()))
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *MockGATTClient) CancelConnection() error {
	args := m.Called()
	return args.Error(0)
}

// Disconnected mirrors the darwin client's link-loss channel.
func (m *MockGATTClient) Disconnected() <-chan struct{} {
	return m.lost
}

// Drop simulates the peripheral going away.
func (m *MockGATTClient) Drop() {
	m.dropOnce.Do(func() { close(m.lost) })
}

// Notify delivers a value through the handler registered for charUUID. It
// reports false when nothing is subscribed.
func (m *MockGATTClient) Notify(charUUID string, value []byte) bool {
	m.mu.Lock()
	h, ok := m.handlers[device.NormalizeUUID(charUUID)]
	m.mu.Unlock()
	if !ok {
		return false
	}
	h(value)
	return true
}
