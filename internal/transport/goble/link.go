package goble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/transport"
)

var (
	errDisconnectRequested = errors.New("disconnect requested")
	errLinkClosed          = errors.New("link closed")
	errLinkLost            = errors.New("peripheral dropped the link")
)

type charKey struct {
	service string
	char    string
}

func newCharKey(serviceUUID, charUUID string) charKey {
	return charKey{service: device.NormalizeUUID(serviceUUID), char: device.NormalizeUUID(charUUID)}
}

type notification struct {
	serviceUUID string
	charUUID    string
	value       []byte
}

// op is one GATT operation run on the link worker.
type op struct {
	name string
	run  func(client GATTClient)
}

// link is one connection attempt and, once dialed, one live GATT client. All
// radio traffic for a link runs on its worker goroutine, in submission order.
type link struct {
	handle  transport.Handle
	address string

	ctx    context.Context
	cancel context.CancelCauseFunc

	ops           chan op
	notifications mpmc.RichOverlappedRingBuffer[notification]
	wake          chan struct{}
	overwritten   atomic.Uint64

	closed        atomic.Bool
	disconnecting atomic.Bool

	mu       sync.RWMutex
	profile  *ble.Profile
	services []transport.Service
	chars    map[charKey]*ble.Characteristic
	notify   map[charKey]bool // notifications enabled locally
	remote   map[charKey]bool // subscribed on the peripheral
}

func newLink(h transport.Handle, address string, opts Options) *link {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &link{
		handle:        h,
		address:       address,
		ctx:           ctx,
		cancel:        cancel,
		ops:           make(chan op, opts.OpQueueSize),
		notifications: mpmc.NewOverlappedRingBuffer[notification](opts.NotificationQueue),
		wake:          make(chan struct{}, 1),
		chars:         make(map[charKey]*ble.Characteristic),
		notify:        make(map[charKey]bool),
		remote:        make(map[charKey]bool),
	}
}

// submit queues an op without blocking. It reports false when the link is
// going away or the queue is full.
func (l *link) submit(o op) bool {
	if l.closed.Load() || l.ctx.Err() != nil {
		return false
	}
	select {
	case l.ops <- o:
		return true
	default:
		return false
	}
}

// setProfile replaces the discovered profile and the service tree derived from it.
func (l *link) setProfile(p *ble.Profile) {
	services, chars := convertProfile(p)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.profile = p
	l.services = services
	l.chars = chars
}

func (l *link) servicesCopy() []transport.Service {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return transport.CloneServices(l.services)
}

func (l *link) characteristic(serviceUUID, charUUID string) *ble.Characteristic {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chars[newCharKey(serviceUUID, charUUID)]
}

func (l *link) setNotify(k charKey, enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if enable {
		l.notify[k] = true
	} else {
		delete(l.notify, k)
	}
}

func (l *link) notifyEnabled(k charKey) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.notify[k]
}

func (l *link) setRemote(k charKey, subscribed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if subscribed {
		l.remote[k] = true
	} else {
		delete(l.remote, k)
	}
}

// remoteSubscriptions returns the characteristics subscribed on the peripheral.
func (l *link) remoteSubscriptions() map[charKey]*ble.Characteristic {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[charKey]*ble.Characteristic, len(l.remote))
	for k := range l.remote {
		if c, ok := l.chars[k]; ok {
			out[k] = c
		}
	}
	return out
}

// push queues a notification for the worker. The oldest queued value is
// overwritten when the consumer falls behind.
func (l *link) push(n notification) error {
	overwrites, err := l.notifications.EnqueueM(n)
	if err != nil {
		return err
	}
	if overwrites > 0 {
		l.overwritten.Add(uint64(overwrites))
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// convertProfile flattens a go-ble profile into the transport service tree and
// a characteristic index. Repeated service UUIDs get increasing instance ids.
func convertProfile(p *ble.Profile) ([]transport.Service, map[charKey]*ble.Characteristic) {
	chars := make(map[charKey]*ble.Characteristic)
	if p == nil {
		return nil, chars
	}

	instances := make(map[string]int)
	services := make([]transport.Service, 0, len(p.Services))
	for _, s := range p.Services {
		svcUUID := s.UUID.String()
		norm := device.NormalizeUUID(svcUUID)
		svc := transport.Service{
			UUID:       svcUUID,
			Type:       transport.ServiceTypePrimary,
			InstanceID: instances[norm],
		}
		instances[norm]++

		for _, c := range s.Characteristics {
			ch := transport.Characteristic{UUID: c.UUID.String()}
			hasCCCD := false
			for _, d := range c.Descriptors {
				if d.UUID.Equal(ble.ClientCharacteristicConfigUUID) {
					hasCCCD = true
				}
				ch.Descriptors = append(ch.Descriptors, transport.Descriptor{UUID: d.UUID.String()})
			}
			if !hasCCCD && c.CCCD != nil {
				ch.Descriptors = append(ch.Descriptors, transport.Descriptor{UUID: c.CCCD.UUID.String()})
			}
			svc.Characteristics = append(svc.Characteristics, ch)

			k := newCharKey(svcUUID, ch.UUID)
			if _, exists := chars[k]; !exists {
				chars[k] = c
			}
		}
		services = append(services, svc)
	}
	return services, chars
}

func findDescriptor(c *ble.Characteristic, descUUID string) *ble.Descriptor {
	for _, d := range c.Descriptors {
		if device.EqualUUID(d.UUID.String(), descUUID) {
			return d
		}
	}
	if c.CCCD != nil && device.EqualUUID(c.CCCD.UUID.String(), descUUID) {
		return c.CCCD
	}
	return nil
}
