// Package session tracks connected peripherals: one Session per device address,
// owned by a Registry that routes transport callbacks to it by handle.
//
// Every state-changing call either stays local or issues an asynchronous
// transport request and returns once the request is accepted. Completion is
// observed later through a callback, which updates the session and emits a host
// event.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/event"
	"github.com/srg/blehost/internal/transport"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Pair names a characteristic within a service.
type Pair struct {
	ServiceUUID string
	CharUUID    string
}

// key returns the normalized form used for set membership.
func (p Pair) key() Pair {
	return Pair{ServiceUUID: device.NormalizeUUID(p.ServiceUUID), CharUUID: device.NormalizeUUID(p.CharUUID)}
}

func (p Pair) String() string {
	return fmt.Sprintf("%s/%s", p.ServiceUUID, p.CharUUID)
}

// Session is the state of one connecting or connected peripheral.
type Session struct {
	address   string
	name      string
	transport transport.Transport
	emitter   *event.Emitter
	logger    *logrus.Logger

	// catalog is replaced whole on every discovery; readers load it once per operation.
	catalog atomic.Pointer[Catalog]

	mu            sync.Mutex
	handle        transport.Handle
	state         transport.ConnectionState
	discovering   bool
	released      bool
	subscriptions *orderedmap.OrderedMap[Pair, Pair] // normalized key -> pair as requested

	// emitMu is taken before mu is released so events leave in state-change order.
	emitMu sync.Mutex
}

func newSession(address, name string, t transport.Transport, emitter *event.Emitter, logger *logrus.Logger) *Session {
	return &Session{
		address:       address,
		name:          name,
		transport:     t,
		emitter:       emitter,
		logger:        logger,
		state:         transport.StateConnecting,
		subscriptions: orderedmap.New[Pair, Pair](),
	}
}

// Address returns the device address the session is keyed by.
func (s *Session) Address() string { return s.address }

// Name returns the device name resolved at connect time. It may be empty.
func (s *Session) Name() string { return s.name }

// Handle returns the transport handle of the link.
func (s *Session) Handle() transport.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// State returns the last reported connection state.
func (s *Session) State() transport.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Catalog returns the current catalog snapshot, or nil before the first discovery.
func (s *Session) Catalog() *Catalog {
	return s.catalog.Load()
}

// Discovering reports whether a discovery request is outstanding.
func (s *Session) Discovering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discovering
}

// Subscriptions returns the subscribed pairs in subscription order.
func (s *Session) Subscriptions() []Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pair, 0, s.subscriptions.Len())
	for pair := s.subscriptions.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// IsSubscribed reports whether the pair is in the subscription set.
func (s *Session) IsSubscribed(serviceUUID, charUUID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions.Get(Pair{ServiceUUID: serviceUUID, CharUUID: charUUID}.key())
	return ok
}

func (s *Session) fields() logrus.Fields {
	return logrus.Fields{
		"address": s.address,
		"handle":  s.handle,
	}
}

// requireConnectedLocked returns the catalog snapshot when the session may
// operate on it. The caller holds s.mu.
func (s *Session) requireConnectedLocked() (*Catalog, error) {
	if s.released || s.state != transport.StateConnected {
		return nil, &device.ConnectionError{State: device.NotConnected, Msg: fmt.Sprintf("%s is %s", s.address, s.state)}
	}
	cat := s.catalog.Load()
	if cat == nil {
		return nil, &device.ConnectionError{State: device.NotDiscovered, Msg: s.address}
	}
	return cat, nil
}

// DiscoverServices asks the transport to discover the service tree. The result
// arrives through OnServicesDiscovered. A second request while one is
// outstanding fails with device.ErrDiscoveryInProgress.
func (s *Session) DiscoverServices() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released || s.state != transport.StateConnected {
		return &device.ConnectionError{State: device.NotConnected, Msg: fmt.Sprintf("%s is %s", s.address, s.state)}
	}
	if s.discovering {
		return device.ErrDiscoveryInProgress
	}
	if !s.transport.DiscoverServices(s.handle) {
		s.logger.WithFields(s.fields()).Warn("Transport rejected service discovery")
		return device.ErrTransportRejected
	}
	s.discovering = true
	s.logger.WithFields(s.fields()).Debug("Service discovery requested")
	return nil
}

// OnServicesDiscovered replaces the catalog with whatever the transport now
// reports, even when status signals a failure, and emits OnServicesDiscovered.
// Subscriptions that no longer match the catalog are dropped.
func (s *Session) OnServicesDiscovered(status int) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	tree := s.transport.Services(s.handle)
	cat := NewCatalog(tree)
	s.catalog.Store(cat)
	s.discovering = false

	for pair := s.subscriptions.Oldest(); pair != nil; {
		next := pair.Next()
		if !cat.Contains(pair.Value) {
			s.subscriptions.Delete(pair.Key)
			s.logger.WithFields(s.fields()).WithField("pair", pair.Value.String()).Debug("Dropping subscription absent from new catalog")
		}
		pair = next
	}

	s.logger.WithFields(s.fields()).WithFields(logrus.Fields{
		"status":   status,
		"services": cat.Len(),
	}).Info("Services discovered")

	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()

	s.emitter.Emit(event.ServicesDiscoveredEvent, event.NewServicesDiscovered(status, s.name, s.address, tree))
}

// Subscribe enables notifications for a characteristic: first locally, then by
// writing the enable value to its configuration descriptor. Both requests must
// be accepted; the pair is recorded only then.
func (s *Session) Subscribe(serviceUUID, charUUID string) error {
	return s.setNotification(serviceUUID, charUUID, true)
}

// Unsubscribe mirrors Subscribe with the disable value. The pair is removed only
// once the descriptor write is accepted.
func (s *Session) Unsubscribe(serviceUUID, charUUID string) error {
	return s.setNotification(serviceUUID, charUUID, false)
}

func (s *Session) setNotification(serviceUUID, charUUID string, enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cat, err := s.requireConnectedLocked()
	if err != nil {
		return err
	}
	svc, ch, err := cat.Characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	desc, ok := ch.ConfigDescriptor()
	if !ok {
		return &device.NotFoundError{Resource: "descriptor", UUIDs: []string{serviceUUID, charUUID}}
	}

	logger := s.logger.WithFields(s.fields()).WithFields(logrus.Fields{
		"service_uuid": svc.UUID,
		"char_uuid":    ch.UUID,
		"desc_uuid":    desc,
		"enable":       enable,
	})

	if !s.transport.SetCharacteristicNotification(s.handle, svc.UUID, ch.UUID, enable) {
		logger.Warn("Transport rejected local notification change")
		return fmt.Errorf("set characteristic notification: %w", device.ErrTransportRejected)
	}

	value := transport.EnableNotificationValue
	if !enable {
		value = transport.DisableNotificationValue
	}
	if !s.transport.WriteDescriptor(s.handle, svc.UUID, ch.UUID, desc, value) {
		logger.Warn("Transport rejected configuration descriptor write")
		return fmt.Errorf("write configuration descriptor: %w", device.ErrTransportRejected)
	}

	pair := Pair{ServiceUUID: serviceUUID, CharUUID: charUUID}
	if enable {
		s.subscriptions.Set(pair.key(), pair)
		logger.Info("Subscribed to characteristic")
	} else {
		s.subscriptions.Delete(pair.key())
		logger.Info("Unsubscribed from characteristic")
	}
	return nil
}

// WriteCharacteristic issues a write without response. Success means the
// transport accepted the request, not that the peripheral received it.
func (s *Session) WriteCharacteristic(serviceUUID, charUUID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cat, err := s.requireConnectedLocked()
	if err != nil {
		return err
	}
	svc, ch, err := cat.Characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}

	value := append([]byte(nil), payload...)
	if !s.transport.WriteCharacteristic(s.handle, svc.UUID, ch.UUID, value) {
		s.logger.WithFields(s.fields()).WithField("char_uuid", ch.UUID).Warn("Transport rejected characteristic write")
		return device.ErrTransportRejected
	}
	s.logger.WithFields(s.fields()).WithFields(logrus.Fields{
		"char_uuid": ch.UUID,
		"bytes":     len(value),
	}).Debug("Characteristic write queued")
	return nil
}

// OnCharacteristicChanged emits the raw notification value.
func (s *Session) OnCharacteristicChanged(charUUID string, payload []byte) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()

	s.emitter.Emit(event.DataReceivedEvent, event.NewDataReceived(s.address, s.name, charUUID, payload))
}

// onConnectionStateChange records the new state and emits the state-change
// event. A disconnected state releases the session and its handle.
func (s *Session) onConnectionStateChange(status int, newState transport.ConnectionState) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.state = newState
	terminal := newState == transport.StateDisconnected
	if terminal {
		s.releaseLocked()
	}
	h := s.handle

	s.logger.WithFields(s.fields()).WithFields(logrus.Fields{
		"status":    status,
		"new_state": newState.String(),
	}).Info("Connection state changed")

	s.emitMu.Lock()
	s.mu.Unlock()

	s.emitter.Emit(event.ConnectionStateChangeEvent, event.ConnectionStateChange{
		Status:        status,
		NewState:      int(newState),
		DeviceName:    s.name,
		DeviceAddress: s.address,
	})
	s.emitMu.Unlock()

	if terminal {
		s.transport.Close(h)
	}
}

// teardown disconnects and releases the link. It reports false if the session
// was already released.
func (s *Session) teardown() bool {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return false
	}
	s.releaseLocked()
	s.state = transport.StateDisconnected
	h := s.handle
	s.mu.Unlock()

	if !s.transport.Disconnect(h) {
		s.logger.WithField("handle", h).Debug("Transport reported no link to disconnect")
	}
	s.transport.Close(h)
	s.logger.WithField("address", s.address).Info("Session torn down")
	return true
}

func (s *Session) releaseLocked() {
	s.released = true
	s.discovering = false
	s.subscriptions = orderedmap.New[Pair, Pair]()
}
