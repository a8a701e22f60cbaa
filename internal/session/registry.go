package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/event"
	"github.com/srg/blehost/internal/transport"
)

// Info is a point-in-time view of one session.
type Info struct {
	Address       string
	Name          string
	Handle        transport.Handle
	State         transport.ConnectionState
	Services      int
	Subscriptions []Pair
}

// Registry owns every session, keyed by address, and routes transport
// callbacks to them by handle. At most one session exists per address.
type Registry struct {
	transport transport.Transport
	emitter   *event.Emitter
	logger    *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	handles  map[transport.Handle]*Session
	// pending holds addresses whose transport connect is in flight.
	pending map[string]struct{}
	settled *sync.Cond
}

// NewRegistry creates an empty registry over t.
func NewRegistry(t transport.Transport, emitter *event.Emitter, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if emitter == nil {
		emitter = event.NewEmitter(nil, "", logger)
	}
	r := &Registry{
		transport: t,
		emitter:   emitter,
		logger:    logger,
		sessions:  make(map[string]*Session),
		handles:   make(map[transport.Handle]*Session),
		pending:   make(map[string]struct{}),
	}
	r.settled = sync.NewCond(&r.mu)
	return r
}

// NormalizeAddress returns the key sessions are stored under.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// Connect starts a link to address and registers a session in the connecting
// state. The outcome arrives later as a connection state change.
//
// The address is reserved while the transport dials, so other sessions stay
// reachable. Callbacks for a handle not yet registered wait for the dial to
// settle.
func (r *Registry) Connect(address string) (*Session, error) {
	key := NormalizeAddress(address)

	r.mu.Lock()
	_, exists := r.sessions[key]
	_, dialing := r.pending[key]
	if exists || dialing {
		r.mu.Unlock()
		return nil, &device.ConnectionError{State: device.AlreadyConnected, Msg: address}
	}
	r.pending[key] = struct{}{}
	r.mu.Unlock()

	remote, h, err := r.dial(address)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, key)
	defer r.settled.Broadcast()

	if err != nil {
		return nil, err
	}

	s := newSession(address, remote.Name, r.transport, r.emitter, r.logger)
	s.handle = h
	r.sessions[key] = s
	r.handles[h] = s

	r.logger.WithFields(logrus.Fields{
		"address": address,
		"name":    remote.Name,
		"handle":  h,
	}).Info("Connecting to device")
	return s, nil
}

func (r *Registry) dial(address string) (transport.RemoteDevice, transport.Handle, error) {
	remote, ok := r.transport.ResolveDevice(address)
	if !ok {
		return remote, 0, fmt.Errorf("%w: %s", device.ErrUnknownAddress, address)
	}

	h, err := r.transport.Connect(address)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Warn("Transport rejected connect")
		return remote, 0, fmt.Errorf("%w: %w", device.ErrTransportRejected, err)
	}
	return remote, h, nil
}

// Disconnect tears the session down and forgets it. No state-change event
// follows an explicit disconnect.
func (r *Registry) Disconnect(address string) error {
	key := NormalizeAddress(address)

	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		r.forgetLocked(key, s)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNoSession, address)
	}
	s.teardown()
	return nil
}

// Session returns the session for address.
func (r *Registry) Session(address string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[NormalizeAddress(address)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrNoSession, address)
	}
	return s, nil
}

// Lookup returns the session that owns h.
func (r *Registry) Lookup(h transport.Handle) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.handles[h]
	return s, ok
}

// Addresses returns the addresses of all sessions.
func (r *Registry) Addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.address)
	}
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot describes every session.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Info{
			Address:       s.Address(),
			Name:          s.Name(),
			Handle:        s.Handle(),
			State:         s.State(),
			Services:      s.Catalog().Len(),
			Subscriptions: s.Subscriptions(),
		})
	}
	return out
}

// RouteConnectionState delivers a connection state change. A disconnected
// session is removed from the registry before its event is emitted, so the
// address may be reconnected from inside the event sink.
func (r *Registry) RouteConnectionState(h transport.Handle, status int, newState transport.ConnectionState) {
	r.mu.Lock()
	s, ok := r.routeLocked(h)
	if ok && newState == transport.StateDisconnected {
		r.forgetLocked(NormalizeAddress(s.address), s)
	}
	r.mu.Unlock()

	if !ok {
		r.dropStale(h, "connection state")
		return
	}
	s.onConnectionStateChange(status, newState)
}

// RouteServicesDiscovered delivers a discovery completion.
func (r *Registry) RouteServicesDiscovered(h transport.Handle, status int) {
	s, ok := r.route(h)
	if !ok {
		r.dropStale(h, "services discovered")
		return
	}
	s.OnServicesDiscovered(status)
}

// RouteCharacteristicChanged delivers a notification value.
func (r *Registry) RouteCharacteristicChanged(h transport.Handle, charUUID string, payload []byte) {
	s, ok := r.route(h)
	if !ok {
		r.dropStale(h, "characteristic changed")
		return
	}
	s.OnCharacteristicChanged(charUUID, payload)
}

// Close tears down every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for key, s := range r.sessions {
		sessions = append(sessions, s)
		r.forgetLocked(key, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.teardown()
	}
}

func (r *Registry) route(h transport.Handle) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routeLocked(h)
}

// routeLocked finds the owner of h, waiting out in-flight dials when h is
// not registered yet.
func (r *Registry) routeLocked(h transport.Handle) (*Session, bool) {
	for {
		if s, ok := r.handles[h]; ok {
			return s, true
		}
		if len(r.pending) == 0 {
			return nil, false
		}
		r.settled.Wait()
	}
}

// forgetLocked removes s if it is still the session registered under key.
func (r *Registry) forgetLocked(key string, s *Session) {
	if cur, ok := r.sessions[key]; ok && cur == s {
		delete(r.sessions, key)
	}
	if cur, ok := r.handles[s.handle]; ok && cur == s {
		delete(r.handles, s.handle)
	}
}

func (r *Registry) dropStale(h transport.Handle, kind string) {
	r.logger.WithFields(logrus.Fields{
		"handle":   h,
		"callback": kind,
	}).Debug("Dropping callback for unknown handle")
}
