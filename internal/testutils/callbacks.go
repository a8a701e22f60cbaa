package testutils

import (
	"sync"
	"time"

	"github.com/srg/blehost/internal/transport"
)

// CallbackKind names which transport callback produced a CallbackRecord.
type CallbackKind string

const (
	ScanResultCallback            CallbackKind = "scan-result"
	ScanFailedCallback            CallbackKind = "scan-failed"
	ConnectionStateChangeCallback CallbackKind = "connection-state"
	ServicesDiscoveredCallback    CallbackKind = "services-discovered"
	CharacteristicChangedCallback CallbackKind = "characteristic-changed"
)

// CallbackRecord is one captured transport callback. Only the fields of its
// kind are set.
type CallbackRecord struct {
	Kind        CallbackKind
	Handle      transport.Handle
	Status      int
	State       transport.ConnectionState
	Name        string
	Address     string
	RSSI        int
	Code        int
	ServiceUUID string
	CharUUID    string
	Payload     []byte
}

// CallbackRecorder implements transport.Callbacks for backend tests. Records
// are kept in arrival order and also fed to a channel for Next.
type CallbackRecorder struct {
	mu      sync.Mutex
	records []CallbackRecord
	ch      chan CallbackRecord
}

var _ transport.Callbacks = (*CallbackRecorder)(nil)

// NewCallbackRecorder creates a recorder buffering up to 1024 unread callbacks.
func NewCallbackRecorder() *CallbackRecorder {
	return &CallbackRecorder{ch: make(chan CallbackRecord, 1024)}
}

func (r *CallbackRecorder) record(rec CallbackRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	select {
	case r.ch <- rec:
	default:
	}
}

func (r *CallbackRecorder) OnScanResult(name, address string, rssi int) {
	r.record(CallbackRecord{Kind: ScanResultCallback, Name: name, Address: address, RSSI: rssi})
}

func (r *CallbackRecorder) OnScanFailed(code int) {
	r.record(CallbackRecord{Kind: ScanFailedCallback, Code: code})
}

func (r *CallbackRecorder) OnConnectionStateChange(h transport.Handle, status int, newState transport.ConnectionState) {
	r.record(CallbackRecord{Kind: ConnectionStateChangeCallback, Handle: h, Status: status, State: newState})
}

func (r *CallbackRecorder) OnServicesDiscovered(h transport.Handle, status int) {
	r.record(CallbackRecord{Kind: ServicesDiscoveredCallback, Handle: h, Status: status})
}

func (r *CallbackRecorder) OnCharacteristicChanged(h transport.Handle, serviceUUID, charUUID string, payload []byte) {
	r.record(CallbackRecord{
		Kind:        CharacteristicChangedCallback,
		Handle:      h,
		ServiceUUID: serviceUUID,
		CharUUID:    charUUID,
		Payload:     append([]byte(nil), payload...),
	})
}

// Next waits up to timeout for the next unread callback.
func (r *CallbackRecorder) Next(timeout time.Duration) (CallbackRecord, bool) {
	select {
	case rec := <-r.ch:
		return rec, true
	case <-time.After(timeout):
		return CallbackRecord{}, false
	}
}

// Records returns every callback seen so far.
func (r *CallbackRecorder) Records() []CallbackRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CallbackRecord(nil), r.records...)
}

// Kinds returns the kinds of every callback seen so far, in order.
func (r *CallbackRecorder) Kinds() []CallbackKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallbackKind, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Kind)
	}
	return out
}
