package tinygo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/transport"
)

var (
	errDisconnectRequested = errors.New("disconnect requested")
	errLinkClosed          = errors.New("link closed")
	errLinkLost            = errors.New("peripheral dropped the link")
)

// cccdUUID is reported for every characteristic: the stack manages the
// descriptor itself and does not expose descriptor discovery.
var cccdUUID = device.ExpandUUID(transport.ClientCharacteristicConfigUUID)

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

type op struct {
	name string
	run  func(p Peripheral)
}

// link owns one peripheral. Its worker goroutine connects, runs ops and
// delivers notifications, so callbacks for the link stay in order.
type link struct {
	handle  transport.Handle
	address string

	ctx    context.Context
	cancel context.CancelCauseFunc

	ops           chan op
	notifications mpmc.RichOverlappedRingBuffer[notification]
	wake          chan struct{}
	overwritten   atomic.Uint64

	lost     chan struct{}
	lostOnce sync.Once

	closed        atomic.Bool
	disconnecting atomic.Bool

	mu       sync.RWMutex
	services []transport.Service
	chars    map[charKey]RemoteCharacteristic
	notify   map[charKey]bool
	remote   map[charKey]bool
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
		lost:          make(chan struct{}),
		chars:         make(map[charKey]RemoteCharacteristic),
		notify:        make(map[charKey]bool),
		remote:        make(map[charKey]bool),
	}
}

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

// markLost is called from the adapter's disconnect handler.
func (l *link) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

func (l *link) setTree(services []transport.Service, chars map[charKey]RemoteCharacteristic) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = services
	l.chars = chars
}

func (l *link) servicesCopy() []transport.Service {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return transport.CloneServices(l.services)
}

func (l *link) characteristic(k charKey) RemoteCharacteristic {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chars[k]
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

func (l *link) remoteSubscriptions() map[charKey]RemoteCharacteristic {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[charKey]RemoteCharacteristic, len(l.remote))
	for k := range l.remote {
		if c, ok := l.chars[k]; ok {
			out[k] = c
		}
	}
	return out
}

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

// discoverTree walks every service and characteristic of p. Repeated service
// UUIDs get increasing instance ids; the first instance owns the index entry.
func discoverTree(p Peripheral) ([]transport.Service, map[charKey]RemoteCharacteristic, error) {
	svcs, err := p.DiscoverServices()
	if err != nil {
		return nil, nil, err
	}

	chars := make(map[charKey]RemoteCharacteristic)
	instances := make(map[string]int)
	services := make([]transport.Service, 0, len(svcs))
	for _, s := range svcs {
		svcUUID := s.UUID()
		norm := device.NormalizeUUID(svcUUID)
		svc := transport.Service{
			UUID:       svcUUID,
			Type:       transport.ServiceTypePrimary,
			InstanceID: instances[norm],
		}
		instances[norm]++

		remoteChars, err := s.DiscoverCharacteristics()
		if err != nil {
			return nil, nil, err
		}
		for _, c := range remoteChars {
			svc.Characteristics = append(svc.Characteristics, transport.Characteristic{
				UUID:        c.UUID(),
				Descriptors: []transport.Descriptor{{UUID: cccdUUID}},
			})
			k := newCharKey(svcUUID, c.UUID())
			if _, exists := chars[k]; !exists {
				chars[k] = c
			}
		}
		services = append(services, svc)
	}
	return services, chars, nil
}
