// Package goble implements transport.Transport on top of github.com/go-ble/ble.
//
// Every link gets a worker goroutine that dials, then runs GATT operations and
// delivers notifications one at a time, so callbacks for a link arrive in the
// order their requests were accepted. Request methods only validate and queue.
package goble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
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
	FilterDuplicates  bool          `yaml:"filter_duplicates"`
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	var o Options
	defaults.SetDefaults(&o)
	return o
}

var addressPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$|^[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}$`)

// Transport is the go-ble backend.
type Transport struct {
	opts     Options
	logger   *logrus.Logger
	newRadio func() (Radio, error)

	radioMu sync.Mutex
	radio   Radio

	cbMu sync.RWMutex
	cb   transport.Callbacks

	links      *hashmap.Map[transport.Handle, *link]
	seen       *hashmap.Map[string, Advertisement]
	nextHandle atomic.Uint64

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanID     uint64
}

var _ transport.Transport = (*Transport)(nil)

// New creates a Transport that opens the platform device on first use.
func New(opts Options, logger *logrus.Logger) *Transport {
	return newTransport(NewRadio, opts, logger)
}

// NewWithRadio creates a Transport over an already opened radio.
func NewWithRadio(radio Radio, opts Options, logger *logrus.Logger) *Transport {
	return newTransport(func() (Radio, error) { return radio, nil }, opts, logger)
}

func newTransport(newRadio func() (Radio, error), opts Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)
	return &Transport{
		opts:     opts,
		logger:   logger,
		newRadio: newRadio,
		links:    hashmap.New[transport.Handle, *link](),
		seen:     hashmap.New[string, Advertisement](),
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

// ensureRadio opens the device once. A failed open is retried on the next call.
func (t *Transport) ensureRadio() (Radio, error) {
	t.radioMu.Lock()
	defer t.radioMu.Unlock()
	if t.radio != nil {
		return t.radio, nil
	}
	r, err := t.newRadio()
	if err != nil {
		return nil, err
	}
	t.radio = r
	return r, nil
}

// RadioEnabled reports whether the platform device could be opened.
func (t *Transport) RadioEnabled() bool {
	_, err := t.ensureRadio()
	if err != nil {
		t.logger.WithError(err).Debug("BLE radio unavailable")
	}
	return err == nil
}

// RequestRadioEnable cannot power the adapter on from user space; it only
// retries opening the device.
func (t *Transport) RequestRadioEnable() {
	if t.RadioEnabled() {
		return
	}
	t.logger.Warn("Bluetooth is unavailable, enable it in the system settings")
}

// StartScan starts a scan goroutine. A second start while scanning is reported
// as ScanFailedAlreadyStarted through the callbacks.
func (t *Transport) StartScan(filter transport.ScanFilter) error {
	radio, err := t.ensureRadio()
	if err != nil {
		return err
	}

	t.scanMu.Lock()
	defer t.scanMu.Unlock()

	if t.scanCancel != nil {
		groutine.Go(context.Background(), t.logger, "goble-scan-failed", func(context.Context) {
			t.deliverScanFailed(transport.ScanFailedAlreadyStarted)
		})
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.scanID++
	id := t.scanID
	t.scanCancel = cancel

	t.logger.WithField("name_filter", filter.DeviceName).Info("Starting BLE scan...")

	groutine.Go(ctx, t.logger, "goble-scan", func(ctx context.Context) {
		err := radio.Scan(ctx, !t.opts.FilterDuplicates, func(adv Advertisement) {
			if !filter.Matches(adv.Name) {
				return
			}
			t.seen.Set(normalizeAddress(adv.Address), adv)
			if cb := t.callbacks(); cb != nil {
				cb.OnScanResult(adv.Name, adv.Address, adv.RSSI)
			}
		})
		t.clearScan(id)

		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.logger.WithError(err).Warn("BLE scan failed")
			t.deliverScanFailed(scanFailureCode(err))
			return
		}
		t.logger.Debug("BLE scan finished")
	})
	return nil
}

// StopScan cancels the running scan, if any. It does not wait for the scan
// goroutine, so it may be called from a scan result callback.
func (t *Transport) StopScan() error {
	t.scanMu.Lock()
	cancel := t.scanCancel
	t.scanCancel = nil
	t.scanMu.Unlock()

	if cancel != nil {
		cancel()
		t.logger.Info("BLE scan stopped")
	}
	return nil
}

func (t *Transport) clearScan(id uint64) {
	t.scanMu.Lock()
	defer t.scanMu.Unlock()
	if t.scanID == id && t.scanCancel != nil {
		t.scanCancel()
		t.scanCancel = nil
	}
}

func (t *Transport) deliverScanFailed(code int) {
	if cb := t.callbacks(); cb != nil {
		cb.OnScanFailed(code)
	}
}

// ResolveDevice accepts MAC addresses and CoreBluetooth identifiers. The name
// is known only for devices seen by an earlier scan.
func (t *Transport) ResolveDevice(address string) (transport.RemoteDevice, bool) {
	addr := strings.TrimSpace(address)
	if !addressPattern.MatchString(addr) {
		return transport.RemoteDevice{}, false
	}
	adv, _ := t.seen.Get(normalizeAddress(addr))
	return transport.RemoteDevice{Address: addr, Name: adv.Name}, true
}

// Connect allocates a handle and dials on the link worker.
func (t *Transport) Connect(address string) (transport.Handle, error) {
	radio, err := t.ensureRadio()
	if err != nil {
		return 0, err
	}
	addr := strings.TrimSpace(address)
	if addr == "" {
		return 0, fmt.Errorf("device address is empty")
	}

	h := transport.Handle(t.nextHandle.Add(1))
	l := newLink(h, addr, t.opts)
	t.links.Set(h, l)

	groutine.Go(context.Background(), t.logger, fmt.Sprintf("goble-link-%d", h), func(context.Context) {
		t.runLink(radio, l)
	})
	return h, nil
}

// Disconnect asks the worker to drop the link. The disconnected state is
// reported unless the handle is closed first.
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

// Close forgets the handle. No callbacks are delivered for it afterwards.
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
	return l.submit(op{name: "discover", run: func(client GATTClient) {
		status := transport.StatusSuccess
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			status = transport.StatusFailure
			t.linkLogger(l).WithError(NormalizeError(err)).Warn("Failed to discover profile")
		} else {
			l.setProfile(profile)
			t.linkLogger(l).WithField("services", len(profile.Services)).Debug("Profile discovered")
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

// SetCharacteristicNotification toggles local delivery only; the peripheral is
// not contacted.
func (t *Transport) SetCharacteristicNotification(h transport.Handle, serviceUUID, charUUID string, enable bool) bool {
	l, ok := t.links.Get(h)
	if !ok || l.characteristic(serviceUUID, charUUID) == nil {
		return false
	}
	l.setNotify(newCharKey(serviceUUID, charUUID), enable)
	return true
}

// WriteDescriptor queues a descriptor write. Writes to the client
// characteristic configuration descriptor become go-ble Subscribe/Unsubscribe
// calls, which own the CCCD on every platform.
func (t *Transport) WriteDescriptor(h transport.Handle, serviceUUID, charUUID, descUUID string, value []byte) bool {
	l, ok := t.links.Get(h)
	if !ok {
		return false
	}
	c := l.characteristic(serviceUUID, charUUID)
	if c == nil {
		return false
	}
	key := newCharKey(serviceUUID, charUUID)
	v := append([]byte(nil), value...)

	if device.EqualUUID(descUUID, transport.ClientCharacteristicConfigUUID) {
		return l.submit(op{name: "cccd", run: func(client GATTClient) {
			if bytes.Equal(v, transport.DisableNotificationValue) {
				t.unsubscribe(l, client, key, c)
				return
			}
			t.subscribe(l, client, key, serviceUUID, charUUID, c, bytes.Equal(v, transport.EnableIndicationValue))
		}})
	}

	d := findDescriptor(c, descUUID)
	if d == nil {
		return false
	}
	return l.submit(op{name: "write-descriptor", run: func(client GATTClient) {
		if err := client.WriteDescriptor(d, v); err != nil {
			t.linkLogger(l).WithFields(logrus.Fields{
				"desc_uuid": descUUID,
				"error":     NormalizeError(err),
			}).Warn("Descriptor write failed")
		}
	}})
}

func (t *Transport) WriteCharacteristic(h transport.Handle, serviceUUID, charUUID string, value []byte) bool {
	l, ok := t.links.Get(h)
	if !ok {
		return false
	}
	c := l.characteristic(serviceUUID, charUUID)
	if c == nil {
		return false
	}
	v := append([]byte(nil), value...)
	return l.submit(op{name: "write", run: func(client GATTClient) {
		if err := client.WriteCharacteristic(c, v, true); err != nil {
			t.linkLogger(l).WithFields(logrus.Fields{
				"char_uuid": charUUID,
				"error":     NormalizeError(err),
			}).Warn("Characteristic write failed")
		}
	}})
}

func (t *Transport) subscribe(l *link, client GATTClient, key charKey, serviceUUID, charUUID string, c *ble.Characteristic, indicate bool) {
	logger := t.linkLogger(l).WithFields(logrus.Fields{
		"service_uuid": serviceUUID,
		"char_uuid":    charUUID,
		"indicate":     indicate,
	})
	err := NormalizeError(client.Subscribe(c, indicate, func(data []byte) {
		n := notification{serviceUUID: serviceUUID, charUUID: charUUID, value: append([]byte(nil), data...)}
		if err := l.push(n); err != nil {
			logger.WithError(err).Warn("Failed to queue notification")
		}
	}))
	if err != nil {
		logger.WithError(err).Warn("Failed to subscribe to characteristic notifications")
		return
	}
	l.setRemote(key, true)
	logger.Debug("Subscribed to characteristic notifications")
}

// unsubscribe drops both notify and indicate subscriptions; either succeeding is enough.
func (t *Transport) unsubscribe(l *link, client GATTClient, key charKey, c *ble.Characteristic) {
	errNotify := NormalizeError(client.Unsubscribe(c, false))
	errIndicate := NormalizeError(client.Unsubscribe(c, true))
	l.setRemote(key, false)
	if errNotify != nil && errIndicate != nil {
		t.linkLogger(l).WithFields(logrus.Fields{
			"char_uuid":   c.UUID.String(),
			"notifyErr":   errNotify,
			"indicateErr": errIndicate,
		}).Warn("Failed to unsubscribe from characteristic notifications")
	}
}

// runLink is the link worker: dial, report, then serve ops and notifications
// until the link is dropped from either side.
func (t *Transport) runLink(radio Radio, l *link) {
	logger := t.linkLogger(l)

	dialCtx, cancel := context.WithTimeout(l.ctx, t.opts.ConnectTimeout)
	logger.Debug("Dialing BLE device...")
	client, err := radio.Dial(dialCtx, l.address)
	cancel()
	if err != nil {
		logger.WithError(err).Warn("Failed to dial BLE device")
		t.deliverState(l, connectStatus(err), transport.StateDisconnected)
		return
	}
	if l.ctx.Err() != nil {
		// Dropped while dialing.
		_ = client.CancelConnection()
		t.deliverState(l, transport.StatusSuccess, transport.StateDisconnected)
		return
	}

	logger.Info("BLE device connected")
	t.deliverState(l, transport.StatusSuccess, transport.StateConnected)

	var lost <-chan struct{}
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		lost = dc.Disconnected()
	} else {
		logger.Debug("Client does not support Disconnected() channel")
	}

	for {
		select {
		case <-l.ctx.Done():
			t.shutdown(l, client)
			t.deliverState(l, transport.StatusSuccess, transport.StateDisconnected)
			return
		case <-lost:
			logger.Warn("Peripheral dropped the link")
			l.cancel(errLinkLost)
			if err := client.CancelConnection(); err != nil {
				logger.WithError(NormalizeError(err)).Debug("Cancel after link loss failed")
			}
			t.deliverState(l, transport.StatusPeerTerminated, transport.StateDisconnected)
			return
		case o := <-l.ops:
			logger.WithField("op", o.name).Trace("Running GATT operation")
			o.run(client)
		case <-l.wake:
			t.drainNotifications(l)
		}
	}
}

// shutdown releases remote subscriptions and the connection.
func (t *Transport) shutdown(l *link, client GATTClient) {
	logger := t.linkLogger(l)
	for k, c := range l.remoteSubscriptions() {
		t.unsubscribe(l, client, k, c)
	}
	if err := client.CancelConnection(); err != nil {
		logger.WithError(NormalizeError(err)).Warn("BLE device disconnected with errors")
		return
	}
	logger.WithField("cause", context.Cause(l.ctx)).Info("BLE device disconnected")
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

// deliver invokes fn unless the link was closed.
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

// Overwritten returns how many notifications were dropped on h because the
// worker fell behind.
func (t *Transport) Overwritten(h transport.Handle) uint64 {
	l, ok := t.links.Get(h)
	if !ok {
		return 0
	}
	return l.overwritten.Load()
}

// Shutdown stops scanning, drops every link and stops the device.
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

	t.radioMu.Lock()
	radio := t.radio
	t.radio = nil
	t.radioMu.Unlock()
	if radio != nil {
		if err := radio.Stop(); err != nil {
			t.logger.WithError(err).Debug("Failed to stop BLE device")
		}
	}
}

func normalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
