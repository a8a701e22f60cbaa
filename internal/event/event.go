// Package event turns session and scan state changes into named host events.
//
// An Emitter serializes a payload to JSON and hands it to a Sink together with
// the receiver name and the event name. Emission is synchronous and unbuffered;
// any buffering belongs to the Sink.
package event

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// Name identifies a host-facing event.
type Name string

const (
	ScanResultEvent            Name = "OnScanResult"
	ScanErrorEvent             Name = "OnScanError"
	ConnectionStateChangeEvent Name = "OnDeviceConnectionStateChange"
	ServicesDiscoveredEvent    Name = "OnServicesDiscovered"
	DataReceivedEvent          Name = "OnDataReceived"
)

// Names lists every event an Emitter may produce.
var Names = []Name{
	ScanResultEvent,
	ScanErrorEvent,
	ConnectionStateChangeEvent,
	ServicesDiscoveredEvent,
	DataReceivedEvent,
}

// Emitter serializes payloads and forwards them to a Sink.
type Emitter struct {
	sink     Sink
	receiver string
	logger   *logrus.Logger
}

// NewEmitter creates an Emitter that addresses every event to receiver.
// A nil sink discards events; a nil logger falls back to logrus.New().
func NewEmitter(sink Sink, receiver string, logger *logrus.Logger) *Emitter {
	if sink == nil {
		sink = DiscardSink{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Emitter{sink: sink, receiver: receiver, logger: logger}
}

// Receiver returns the receiver name events are addressed to.
func (e *Emitter) Receiver() string {
	return e.receiver
}

// Emit serializes payload and sends it. A payload that cannot be marshaled is
// logged and dropped.
func (e *Emitter) Emit(name Name, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"event": name,
			"error": err,
		}).Error("Failed to serialize event payload")
		return
	}

	e.logger.WithFields(logrus.Fields{
		"receiver": e.receiver,
		"event":    name,
	}).Debug("Emitting event")

	e.sink.Send(e.receiver, name, string(data))
}
