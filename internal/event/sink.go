package event

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/ringchan"
)

// Sink delivers a serialized event to the host. Implementations must be safe
// for concurrent use and must not block the caller for long: Send runs on
// transport callback goroutines.
type Sink interface {
	Send(receiver string, name Name, payload string)
}

// Message is one delivered event.
type Message struct {
	Receiver string `json:"receiver"`
	Name     Name   `json:"event"`
	Payload  string `json:"payload"`
}

// Decode unmarshals the JSON payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal([]byte(m.Payload), v)
}

// DiscardSink drops every event.
type DiscardSink struct{}

func (DiscardSink) Send(string, Name, string) {}

// FuncSink adapts a function to Sink.
type FuncSink func(receiver string, name Name, payload string)

func (f FuncSink) Send(receiver string, name Name, payload string) {
	f(receiver, name, payload)
}

// MultiSink fans every event out to each sink in order.
type MultiSink []Sink

func (m MultiSink) Send(receiver string, name Name, payload string) {
	for _, s := range m {
		if s != nil {
			s.Send(receiver, name, payload)
		}
	}
}

// LogSink writes every event to a logrus logger.
type LogSink struct {
	Logger *logrus.Logger
	Level  logrus.Level
}

// NewLogSink creates a LogSink logging at Info level.
func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSink{Logger: logger, Level: logrus.InfoLevel}
}

func (s *LogSink) Send(receiver string, name Name, payload string) {
	s.Logger.WithFields(logrus.Fields{
		"receiver": receiver,
		"event":    name,
		"payload":  payload,
	}).Log(s.Level, "Event")
}

// ChannelSink queues events on a bounded channel. When the consumer falls
// behind, the oldest queued events are overwritten so producers never block.
type ChannelSink struct {
	ch *ringchan.RingChannel[Message]
}

// NewChannelSink creates a ChannelSink holding up to capacity undelivered events.
func NewChannelSink(capacity int) *ChannelSink {
	return &ChannelSink{ch: ringchan.New[Message](capacity)}
}

func (s *ChannelSink) Send(receiver string, name Name, payload string) {
	s.ch.Send(Message{Receiver: receiver, Name: name, Payload: payload})
}

// C returns the channel events are delivered on. It is closed by Close.
func (s *ChannelSink) C() <-chan Message {
	return s.ch.C()
}

// Overwritten returns how many events were discarded to make room for newer ones.
func (s *ChannelSink) Overwritten() int64 {
	return s.ch.GetMetrics().Overwritten
}

// Close stops accepting events. Already queued events remain readable from C.
func (s *ChannelSink) Close() {
	s.ch.Close()
}

// RecordingSink keeps every event in memory.
type RecordingSink struct {
	mu       sync.Mutex
	messages []Message
}

func (s *RecordingSink) Send(receiver string, name Name, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Receiver: receiver, Name: name, Payload: payload})
}

// Messages returns a copy of the recorded events in arrival order.
func (s *RecordingSink) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Named returns the recorded events with the given name.
func (s *RecordingSink) Named(name Name) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// Reset drops all recorded events.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}
