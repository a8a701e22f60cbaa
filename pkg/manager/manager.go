// Package manager is the host-facing entry point: one Manager owns the
// capability gate, the scan controller and the session registry, and is the
// transport's callback receiver.
//
// Every request method returns whether the request was accepted. Completion is
// reported later as an event on the Sink.
package manager

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/capability"
	"github.com/srg/blehost/internal/event"
	"github.com/srg/blehost/internal/scan"
	"github.com/srg/blehost/internal/session"
	"github.com/srg/blehost/internal/transport"
	"github.com/srg/blehost/pkg/config"
)

// Manager routes host requests to the core components and transport callbacks
// back to them. All methods are safe for concurrent use, including from inside
// the Sink.
type Manager struct {
	transport transport.Transport
	emitter   *event.Emitter
	gate      *capability.Gate
	scans     *scan.Controller
	sessions  *session.Registry
	scanFor   time.Duration
	logger    *logrus.Logger
}

var _ transport.Callbacks = (*Manager)(nil)

// New wires a Manager over t and installs it as t's callback receiver.
func New(cfg *config.Config, t transport.Transport, sink event.Sink, logger *logrus.Logger) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	emitter := event.NewEmitter(sink, cfg.Receiver, logger)
	perms := capability.StaticPermissions{Location: cfg.Permissions.Location, Scan: cfg.Permissions.Scan}
	gate := capability.NewGate(perms, t, logger)

	m := &Manager{
		transport: t,
		emitter:   emitter,
		gate:      gate,
		scans:     scan.NewController(gate, t, emitter, cfg.Scan.NameFilter, logger),
		sessions:  session.NewRegistry(t, emitter, logger),
		scanFor:   cfg.Scan.Duration,
		logger:    logger,
	}
	t.SetCallbacks(m)
	return m
}

// HasPermissions reports whether location and scan permission are granted.
func (m *Manager) HasPermissions() bool {
	return m.gate.HasRequiredPermissions()
}

// IsRadioEnabled queries the radio on every call.
func (m *Manager) IsRadioEnabled() bool {
	return m.gate.IsRadioEnabled()
}

// RequestPermissions asks the platform for permissions; the result is not reported.
func (m *Manager) RequestPermissions() {
	m.gate.RequestPermissions()
}

// RequestRadioEnable asks the platform to power the radio on.
func (m *Manager) RequestRadioEnable() {
	m.gate.RequestRadioEnable()
}

// StartScan scans for ms milliseconds, or until StopScan when ms <= 0. A failed
// precondition is also reported as OnScanError.
func (m *Manager) StartScan(ms int) bool {
	return m.accepted("start scan", "", m.scans.StartScan(time.Duration(ms)*time.Millisecond))
}

// StartDefaultScan scans for the configured duration.
func (m *Manager) StartDefaultScan() bool {
	return m.accepted("start scan", "", m.scans.StartScan(m.scanFor))
}

// StopScan ends the current scan. Stopping while idle is a no-op.
func (m *Manager) StopScan() {
	m.scans.StopScan()
}

// IsScanning reports whether a scan is active.
func (m *Manager) IsScanning() bool {
	return m.scans.IsScanning()
}

// Connect starts a connection. OnDeviceConnectionStateChange reports the outcome.
func (m *Manager) Connect(address string) bool {
	_, err := m.sessions.Connect(address)
	return m.accepted("connect", address, err)
}

// Disconnect drops the session immediately; no event follows.
func (m *Manager) Disconnect(address string) bool {
	return m.accepted("disconnect", address, m.sessions.Disconnect(address))
}

// DiscoverServices starts discovery. OnServicesDiscovered reports the tree.
func (m *Manager) DiscoverServices(address string) bool {
	return m.withSession("discover services", address, func(s *session.Session) error {
		return s.DiscoverServices()
	})
}

// Subscribe enables notifications. Values arrive as OnDataReceived.
func (m *Manager) Subscribe(address, serviceUUID, charUUID string) bool {
	return m.withSession("subscribe", address, func(s *session.Session) error {
		return s.Subscribe(serviceUUID, charUUID)
	})
}

// Unsubscribe disables notifications and drops the subscription.
func (m *Manager) Unsubscribe(address, serviceUUID, charUUID string) bool {
	return m.withSession("unsubscribe", address, func(s *session.Session) error {
		return s.Unsubscribe(serviceUUID, charUUID)
	})
}

// WriteNoResponse queues a write without response. True means the transport
// accepted it, not that the peripheral received it.
func (m *Manager) WriteNoResponse(address, serviceUUID, charUUID string, payload []byte) bool {
	return m.withSession("write", address, func(s *session.Session) error {
		return s.WriteCharacteristic(serviceUUID, charUUID, payload)
	})
}

// Sessions returns a snapshot of every live session.
func (m *Manager) Sessions() []session.Info {
	return m.sessions.Snapshot()
}

// Session returns the live session for address.
func (m *Manager) Session(address string) (*session.Session, error) {
	return m.sessions.Session(address)
}

// Close stops scanning and tears down every session.
func (m *Manager) Close() {
	if m.scans.IsScanning() {
		m.scans.StopScan()
	}
	m.sessions.Close()
}

func (m *Manager) withSession(op, address string, fn func(s *session.Session) error) bool {
	s, err := m.sessions.Session(address)
	if err != nil {
		return m.accepted(op, address, err)
	}
	return m.accepted(op, address, fn(s))
}

// accepted logs a rejected request and reports whether err is nil.
func (m *Manager) accepted(op, address string, err error) bool {
	if err == nil {
		return true
	}
	fields := logrus.Fields{"op": op, "error": err}
	if address != "" {
		fields["address"] = address
	}
	m.logger.WithFields(fields).Warn("Request rejected")
	return false
}

// OnScanResult implements transport.Callbacks.
func (m *Manager) OnScanResult(name, address string, rssi int) {
	m.scans.OnScanResult(name, address, rssi)
}

// OnScanFailed implements transport.Callbacks.
func (m *Manager) OnScanFailed(code int) {
	m.scans.OnScanFailed(code)
}

// OnConnectionStateChange implements transport.Callbacks.
func (m *Manager) OnConnectionStateChange(h transport.Handle, status int, newState transport.ConnectionState) {
	m.sessions.RouteConnectionState(h, status, newState)
}

// OnServicesDiscovered implements transport.Callbacks.
func (m *Manager) OnServicesDiscovered(h transport.Handle, status int) {
	m.sessions.RouteServicesDiscovered(h, status)
}

// OnCharacteristicChanged implements transport.Callbacks.
func (m *Manager) OnCharacteristicChanged(h transport.Handle, _, charUUID string, payload []byte) {
	m.sessions.RouteCharacteristicChanged(h, charUUID, payload)
}
