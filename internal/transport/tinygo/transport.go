// Package tinygo implements transport.Transport on top of
// tinygo.org/x/bluetooth, which drives BlueZ over D-Bus on Linux, WinRT on
// Windows and CoreBluetooth on macOS.
//
// The stack calls back on its own goroutines, so every link runs a worker that
// serializes connect, GATT ops and notification delivery.
package tinygo

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/groutine"
	"github.com/srg/blehost/internal/transport"
)

// Options tunes the backend. Zero fields take their defaults.
type Options struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"10s"`
	OpQueueSize       int           `yaml:"op_queue_size" default:"64"`
	NotificationQueue uint32        `yaml:"notification_queue" default:"256"`
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	var o Options
	defaults.SetDefaults(&o)
	return o
}

var addressPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$|^[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}$`)

// Transport is the tinygo bluetooth backend.
type Transport struct {
	opts    Options
	logger  *logrus.Logger
	adapter Adapter

	enableMu sync.Mutex
	enabled  bool

	cbMu sync.RWMutex
	cb   transport.Callbacks

	links      *hashmap.Map[transport.Handle, *link]
	seen       *hashmap.Map[string, Advertisement]
	nextHandle atomic.Uint64

	scanMu   sync.Mutex
	scanning bool
	scanID   uint64
}

var _ transport.Transport = (*Transport)(nil)

// New creates a Transport over the platform's default adapter.
func New(opts Options, logger *logrus.Logger) *Transport {
	return NewWithAdapter(NewAdapter(), opts, logger)
}

// NewWithAdapter creates a Transport over adapter. The adapter is enabled on
// first use.
func NewWithAdapter(adapter Adapter, opts Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)
	return &Transport{
		opts:    opts,
		logger:  logger,
		adapter: adapter,
		links:   hashmap.New[transport.Handle, *link](),
		seen:    hashmap.New[string, Advertisement](),
	}
}

func (t *Transport) SetCallbacks(cb transport.Callbacks) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.cb = cb
}

func (t *Transport) callbacks() transport.Callbacks {
	t.cbMu.RLock()
	defer t.cbMu.RUnlock()
	return t.cb
}

// ensureEnabled enables the adapter once. A failure is retried on the next call.
func (t *Transport) ensureEnabled() error {
	t.enableMu.Lock()
	defer t.enableMu.Unlock()
	if t.enabled {
		return nil
	}
	if err := t.adapter.Enable(); err != nil {
		return normalizeError(err)
	}
	t.adapter.SetDisconnectHandler(t.onLinkLost)
	t.enabled = true
	return nil
}

func (t *Transport) RadioEnabled() bool {
	err := t.ensureEnabled()
	if err != nil {
		t.logger.WithError(err).Debug("BLE adapter unavailable")
	}
	return err == nil
}

// RequestRadioEnable retries enabling the adapter; powering it on is left to the OS.
func (t *Transport) RequestRadioEnable() {
	if t.RadioEnabled() {
		return
	}
	t.logger.Warn("Bluetooth is unavailable, enable it in the system settings")
}

func (t *Transport) StartScan(filter transport.ScanFilter) error {
	if err := t.ensureEnabled(); err != nil {
		return err
	}

	t.scanMu.Lock()
	defer t.scanMu.Unlock()

	if t.scanning {
		groutine.Go(context.Background(), t.logger, "tinygo-scan-failed", func(context.Context) {
			t.deliverScanFailed(transport.ScanFailedAlreadyStarted)
		})
		return nil
	}
	t.scanning = true
	t.scanID++
	id := t.scanID

	t.logger.WithField("name_filter", filter.DeviceName).Info("Starting BLE scan...")

	groutine.Go(context.Background(), t.logger, "tinygo-scan", func(context.Context) {
		err := t.adapter.Scan(func(adv Advertisement) {
			if !t.scanActive(id) {
				// StopScan ran before the stack started scanning.
				_ = t.adapter.StopScan()
				return
			}
			if !filter.Matches(adv.Name) {
				return
			}
			t.seen.Set(normalizeAddress(adv.Address), adv)
			if cb := t.callbacks(); cb != nil {
				cb.OnScanResult(adv.Name, adv.Address, adv.RSSI)
			}
		})
		active := t.clearScan(id)

		if err != nil && active {
			err = normalizeError(err)
			t.logger.WithError(err).Warn("BLE scan failed")
			t.deliverScanFailed(scanFailureCode(err))
			return
		}
		t.logger.Debug("BLE scan finished")
	})
	return nil
}

// StopScan stops the running scan, if any. Local state is cleared even when
// the stack refuses.
func (t *Transport) StopScan() error {
	t.scanMu.Lock()
	wasScanning := t.scanning
	t.scanning = false
	t.scanMu.Unlock()

	if !wasScanning {
		return nil
	}
	if err := t.adapter.StopScan(); err != nil {
		t.logger.WithError(normalizeError(err)).Debug("Adapter refused to stop scanning")
	}
	t.logger.Info("BLE scan stopped")
	return nil
}

func (t *Transport) scanActive(id uint64) bool {
	t.scanMu.Lock()
	defer t.scanMu.Unlock()
	return t.scanning && t.scanID == id
}

// clearScan ends scan id and reports whether it was still wanted.
func (t *Transport) clearScan(id uint64) bool {
	t.scanMu.Lock()
	defer t.scanMu.Unlock()
	if t.scanning && t.scanID == id {
		t.scanning = false
		return true
	}
	return false
}

func (t *Transport) deliverScanFailed(code int) {
	if cb := t.callbacks(); cb != nil {
		cb.OnScanFailed(code)
	}
}

// ResolveDevice accepts MAC addresses and CoreBluetooth identifiers.
func (t *Transport) ResolveDevice(address string) (transport.RemoteDevice, bool) {
	addr := strings.TrimSpace(address)
	if !addressPattern.MatchString(addr) {
		return transport.RemoteDevice{}, false
	}
	adv, _ := t.seen.Get(normalizeAddress(addr))
	return transport.RemoteDevice{Address: addr, Name: adv.Name}, true
}

func (t *Transport) Connect(address string) (transport.Handle, error) {
	if err := t.ensureEnabled(); err != nil {
		return 0, err
	}
	addr := strings.TrimSpace(address)
	if addr == "" {
		return 0, fmt.Errorf("device address is empty")
	}

	h := transport.Handle(t.nextHandle.Add(1))
	l := newLink(h, addr, t.opts)
	t.links.Set(h, l)

	groutine.Go(context.Background(), t.logger, fmt.Sprintf("tinygo-link-%d", h), func(context.Context) {
		t.runLink(l)
	})
	return h, nil
}

func (t *Transport) Disconnect(h transport.Handle) bool {
	l, ok := t.links.Get(h)
	if !ok {
		return false
	}
	if l.disconnecting.CompareAndSwap(false, true) {
		l.cancel(errDisconnectRequested)
	}
	return true
}

func (t *Transport) Close(h transport.Handle) {
	l, ok := t.links.Get(h)
	if !ok {
		return
	}
	l.closed.Store(true)
	t.links.Del(h)
	l.cancel(errLinkClosed)
}

func (t *Transport) DiscoverServices(h transport.Handle) bool {
	l, ok := t.links.Get(h)
	if !ok {
		return false
	}
	return l.submit(op{name: "discover", run: func(p Peripheral) {
		status := transport.StatusSuccess
		services, chars, err := discoverTree(p)
		if err != nil {
			status = transport.StatusFailure
			t.linkLogger(l).WithError(normalizeError(err)).Warn("Failed to discover services")
		} else {
			l.setTree(services, chars)
			t.linkLogger(l).WithField("services", len(services)).Debug("Services discovered")
		}
		t.deliver(l, func(cb transport.Callbacks) {
			cb.OnServicesDiscovered(l.handle, status)
		})
	}})
}

func (t *Transport) Services(h transport.Handle) []transport.Service {
	l, ok := t.links.Get(h)
	if !ok {
		return nil
	}
	return l.servicesCopy()
}

// SetCharacteristicNotification toggles local delivery only.
func (t *Transport) SetCharacteristicNotification(h transport.Handle, serviceUUID, charUUID string, enable bool) bool {
	l, ok := t.links.Get(h)
	if !ok {
		return false
	}
	k := newCharKey(serviceUUID, charUUID)
	if l.characteristic(k) == nil {
		return false
	}
	l.setNotify(k, enable)
	return true
}

// WriteDescriptor supports the notification-configuration descriptor only,
// mapped onto EnableNotifications.
func (t *Transport) WriteDescriptor(h transport.Handle, serviceUUID, charUUID, descUUID string, value []byte) bool {
	l, ok := t.links.Get(h)
	if !ok || !device.EqualUUID(descUUID, transport.ClientCharacteristicConfigUUID) {
		return false
	}
	k := newCharKey(serviceUUID, charUUID)
	c := l.characteristic(k)
	if c == nil {
		return false
	}
	disable := bytes.Equal(value, transport.DisableNotificationValue)
	return l.submit(op{name: "cccd", run: func(Peripheral) {
		if disable {
			t.unsubscribe(l, k, c)
			return
		}
		t.subscribe(l, k, serviceUUID, charUUID, c)
	}})
}

func (t *Transport) WriteCharacteristic(h transport.Handle, serviceUUID, charUUID string, value []byte) bool {
	l, ok := t.links.Get(h)
	if !ok {
		return false
	}
	c := l.characteristic(newCharKey(serviceUUID, charUUID))
	if c == nil {
		return false
	}
	v := append([]byte(nil), value...)
	return l.submit(op{name: "write", run: func(Peripheral) {
		if _, err := c.WriteWithoutResponse(v); err != nil {
			t.linkLogger(l).WithFields(logrus.Fields{
				"char_uuid": charUUID,
				"error":     normalizeError(err),
			}).Warn("Characteristic write failed")
		}
	}})
}

func (t *Transport) subscribe(l *link, k charKey, serviceUUID, charUUID string, c RemoteCharacteristic) {
	logger := t.linkLogger(l).WithFields(logrus.Fields{
		"service_uuid": serviceUUID,
		"char_uuid":    charUUID,
	})
	err := c.EnableNotifications(func(buf []byte) {
		n := notification{serviceUUID: serviceUUID, charUUID: charUUID, value: append([]byte(nil), buf...)}
		if err := l.push(n); err != nil {
			logger.WithError(err).Warn("Failed to queue notification")
		}
	})
	if err != nil {
		logger.WithError(normalizeError(err)).Warn("Failed to enable notifications")
		return
	}
	l.setRemote(k, true)
	logger.Debug("Notifications enabled")
}

func (t *Transport) unsubscribe(l *link, k charKey, c RemoteCharacteristic) {
	l.setRemote(k, false)
	if err := c.EnableNotifications(nil); err != nil {
		t.linkLogger(l).WithFields(logrus.Fields{
			"char_uuid": c.UUID(),
			"error":     normalizeError(err),
		}).Warn("Failed to disable notifications")
	}
}

type dialResult struct {
	peripheral Peripheral
	err        error
}

// dial connects with the configured timeout. The stack's Connect cannot be
// cancelled, so a peripheral that connects after we gave up is disconnected.
func (t *Transport) dial(l *link) (Peripheral, error) {
	ch := make(chan dialResult, 1)
	groutine.Go(context.Background(), t.logger, fmt.Sprintf("tinygo-dial-%d", l.handle), func(context.Context) {
		p, err := t.adapter.Connect(l.address)
		ch <- dialResult{peripheral: p, err: err}
	})

	ctx, cancel := context.WithTimeout(l.ctx, t.opts.ConnectTimeout)
	defer cancel()

	select {
	case r := <-ch:
		return r.peripheral, normalizeError(r.err)
	case <-ctx.Done():
		groutine.Go(context.Background(), t.logger, fmt.Sprintf("tinygo-dial-abandon-%d", l.handle), func(context.Context) {
			if r := <-ch; r.peripheral != nil {
				_ = r.peripheral.Disconnect()
			}
		})
		return nil, ctx.Err()
	}
}

func (t *Transport) runLink(l *link) {
	logger := t.linkLogger(l)

	logger.Debug("Connecting to BLE device...")
	p, err := t.dial(l)
	if err != nil {
		if l.ctx.Err() != nil {
			logger.WithField("cause", context.Cause(l.ctx)).Debug("Connect abandoned")
			t.deliverState(l, transport.StatusSuccess, transport.StateDisconnected)
			return
		}
		logger.WithError(err).Warn("Failed to connect to BLE device")
		t.deliverState(l, connectStatus(err), transport.StateDisconnected)
		return
	}
	if l.ctx.Err() != nil {
		_ = p.Disconnect()
		t.deliverState(l, transport.StatusSuccess, transport.StateDisconnected)
		return
	}

	logger.Info("BLE device connected")
	t.deliverState(l, transport.StatusSuccess, transport.StateConnected)

	for {
		select {
		case <-l.ctx.Done():
			t.shutdown(l, p)
			t.deliverState(l, transport.StatusSuccess, transport.StateDisconnected)
			return
		case <-l.lost:
			logger.Warn("Peripheral dropped the link")
			l.cancel(errLinkLost)
			t.deliverState(l, transport.StatusPeerTerminated, transport.StateDisconnected)
			return
		case o := <-l.ops:
			logger.WithField("op", o.name).Trace("Running GATT operation")
			o.run(p)
		case <-l.wake:
			t.drainNotifications(l)
		}
	}
}

func (t *Transport) shutdown(l *link, p Peripheral) {
	for k, c := range l.remoteSubscriptions() {
		t.unsubscribe(l, k, c)
	}
	if err := p.Disconnect(); err != nil {
		t.linkLogger(l).WithError(normalizeError(err)).Warn("BLE device disconnected with errors")
		return
	}
	t.linkLogger(l).WithField("cause", context.Cause(l.ctx)).Info("BLE device disconnected")
}

// onLinkLost is the adapter's disconnect handler.
func (t *Transport) onLinkLost(address string) {
	addr := normalizeAddress(address)
	t.links.Range(func(_ transport.Handle, l *link) bool {
		if normalizeAddress(l.address) == addr {
			l.markLost()
		}
		return true
	})
}

func (t *Transport) drainNotifications(l *link) {
	for !l.notifications.IsEmpty() {
		n, err := l.notifications.Dequeue()
		if err != nil {
			return
		}
		if !l.notifyEnabled(newCharKey(n.serviceUUID, n.charUUID)) {
			continue
		}
		t.deliver(l, func(cb transport.Callbacks) {
			cb.OnCharacteristicChanged(l.handle, n.serviceUUID, n.charUUID, n.value)
		})
	}
}

func (t *Transport) deliverState(l *link, status int, state transport.ConnectionState) {
	t.deliver(l, func(cb transport.Callbacks) {
		cb.OnConnectionStateChange(l.handle, status, state)
	})
}

func (t *Transport) deliver(l *link, fn func(cb transport.Callbacks)) {
	if l.closed.Load() {
		return
	}
	if cb := t.callbacks(); cb != nil {
		fn(cb)
	}
}

func (t *Transport) linkLogger(l *link) *logrus.Entry {
	return t.logger.WithFields(logrus.Fields{
		"address": l.address,
		"handle":  l.handle,
	})
}

// Overwritten returns how many notifications were dropped on h.
func (t *Transport) Overwritten(h transport.Handle) uint64 {
	l, ok := t.links.Get(h)
	if !ok {
		return 0
	}
	return l.overwritten.Load()
}

// Shutdown stops scanning and drops every link.
func (t *Transport) Shutdown() {
	_ = t.StopScan()
	var handles []transport.Handle
	t.links.Range(func(h transport.Handle, _ *link) bool {
		handles = append(handles, h)
		return true
	})
	for _, h := range handles {
		t.Close(h)
	}
}

func normalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
