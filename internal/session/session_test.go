package session_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/event"
	"github.com/srg/blehost/internal/session"
	"github.com/srg/blehost/internal/testutils"
	"github.com/srg/blehost/internal/testutils/mocks"
	"github.com/srg/blehost/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	testAddress = "AA:BB:CC:DD:EE:01"
	testName    = "Cadence_Sensor"
	testHandle  = transport.Handle(7)
)

type SessionSuite struct {
	suite.Suite

	transport *mocks.MockTransport
	sink      *event.RecordingSink
	registry  *session.Registry
	services  []transport.Service
}

func (s *SessionSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.transport = &mocks.MockTransport{}
	s.sink = &event.RecordingSink{}
	s.services = testutils.CadenceSensorProfile().Services()
	s.registry = session.NewRegistry(s.transport, event.NewEmitter(s.sink, "SensorManager", logger), logger)
}

// connected registers a session and drives it to the connected state.
func (s *SessionSuite) connected(address string, h transport.Handle) *session.Session {
	s.transport.On("ResolveDevice", address).Return(transport.RemoteDevice{Address: address, Name: testName}, true).Once()
	s.transport.On("Connect", address).Return(h, nil).Once()

	sess, err := s.registry.Connect(address)
	s.Require().NoError(err)
	s.registry.RouteConnectionState(h, transport.StatusSuccess, transport.StateConnected)
	s.Require().Equal(transport.StateConnected, sess.State())
	return sess
}

// discovered additionally runs a discovery that reports the Cadence profile.
func (s *SessionSuite) discovered(address string, h transport.Handle) *session.Session {
	sess := s.connected(address, h)
	s.transport.On("DiscoverServices", h).Return(true).Once()
	s.transport.On("Services", h).Return(s.services).Once()

	s.Require().NoError(sess.DiscoverServices())
	s.registry.RouteServicesDiscovered(h, transport.StatusSuccess)
	s.Require().NotNil(sess.Catalog())
	return sess
}

func (s *SessionSuite) TestConnect_EmitsStateChanges() {
	s.connected(testAddress, testHandle)

	msgs := s.sink.Named(event.ConnectionStateChangeEvent)
	s.Require().Len(msgs, 1)
	testutils.NewJSONAsserter(s.T()).AssertMessage(msgs[0], event.ConnectionStateChangeEvent, fmt.Sprintf(`{
		"status": 0,
		"newState": 2,
		"deviceName": %q,
		"deviceAddress": %q
	}`, testName, testAddress))
}

func (s *SessionSuite) TestConnect_Twice() {
	s.connected(testAddress, testHandle)

	_, err := s.registry.Connect(testAddress)
	s.True(device.IsConnectionState(err, device.AlreadyConnected))

	// Case and whitespace do not create a second session.
	_, err = s.registry.Connect(" aa:bb:cc:dd:ee:01 ")
	s.ErrorIs(err, device.ErrAlreadyConnected)
	s.Equal(1, s.registry.Len())
	s.transport.AssertNumberOfCalls(s.T(), "Connect", 1)
}

func (s *SessionSuite) TestConnect_UnknownAddress() {
	s.transport.On("ResolveDevice", "bogus").Return(transport.RemoteDevice{}, false)

	_, err := s.registry.Connect("bogus")

	s.ErrorIs(err, device.ErrUnknownAddress)
	s.Zero(s.registry.Len())
	s.transport.AssertNotCalled(s.T(), "Connect", mock.Anything)
}

func (s *SessionSuite) TestConnect_TransportRejects() {
	s.transport.On("ResolveDevice", testAddress).Return(transport.RemoteDevice{Address: testAddress}, true)
	s.transport.On("Connect", testAddress).Return(transport.Handle(0), assert.AnError)

	_, err := s.registry.Connect(testAddress)

	s.ErrorIs(err, device.ErrTransportRejected)
	s.ErrorIs(err, assert.AnError)
	s.Zero(s.registry.Len())
}

func (s *SessionSuite) TestConnect_DialDoesNotBlockOtherSessions() {
	// GOAL: while one dial is in flight, other sessions stay reachable and an
	// early callback for the dialing handle is delivered once the dial returns.
	other := s.connected("AA:00:00:00:00:02", 2)

	dialing := make(chan struct{})
	release := make(chan struct{})
	s.transport.On("ResolveDevice", testAddress).Return(transport.RemoteDevice{Address: testAddress, Name: testName}, true).Once()
	s.transport.On("Connect", testAddress).Return(testHandle, nil).Once().Run(func(mock.Arguments) {
		close(dialing)
		<-release
	})

	connected := make(chan *session.Session, 1)
	go func() {
		sess, err := s.registry.Connect(testAddress)
		s.NoError(err)
		connected <- sess
	}()
	<-dialing

	got, err := s.registry.Session("AA:00:00:00:00:02")
	s.Require().NoError(err)
	s.Same(other, got)
	_, ok := s.registry.Lookup(2)
	s.True(ok)

	_, err = s.registry.Connect(testAddress)
	s.True(device.IsConnectionState(err, device.AlreadyConnected))

	routed := make(chan struct{})
	go func() {
		s.registry.RouteConnectionState(testHandle, transport.StatusSuccess, transport.StateConnected)
		close(routed)
	}()

	close(release)
	var sess *session.Session
	select {
	case sess = <-connected:
	case <-time.After(2 * time.Second):
		s.FailNow("connect did not return")
	}
	select {
	case <-routed:
	case <-time.After(2 * time.Second):
		s.FailNow("early callback was not delivered")
	}
	s.Equal(transport.StateConnected, sess.State())
	s.transport.AssertNumberOfCalls(s.T(), "Connect", 2)
}

func (s *SessionSuite) TestDisconnect_NoSession() {
	err := s.registry.Disconnect(testAddress)
	s.ErrorIs(err, device.ErrNoSession)
}

func (s *SessionSuite) TestDisconnect_Explicit() {
	sess := s.discovered(testAddress, testHandle)
	s.sink.Reset()
	s.transport.On("Disconnect", testHandle).Return(true).Once()
	s.transport.On("Close", testHandle).Return().Once()

	s.Require().NoError(s.registry.Disconnect(testAddress))

	s.Zero(s.registry.Len())
	s.Equal(transport.StateDisconnected, sess.State())
	s.Empty(s.sink.Messages(), "explicit disconnect emits nothing")
	s.transport.AssertExpectations(s.T())

	// A late callback for the released handle is dropped.
	s.registry.RouteConnectionState(testHandle, transport.StatusSuccess, transport.StateDisconnected)
	s.Empty(s.sink.Messages())
	s.transport.AssertNumberOfCalls(s.T(), "Close", 1)
}

func (s *SessionSuite) TestUnsolicitedDisconnect_ThenReconnect() {
	s.discovered(testAddress, testHandle)
	s.sink.Reset()
	s.transport.On("Close", testHandle).Return().Once()

	s.registry.RouteConnectionState(testHandle, transport.StatusConnectionTimeout, transport.StateDisconnected)

	msgs := s.sink.Named(event.ConnectionStateChangeEvent)
	s.Require().Len(msgs, 1)
	var p event.ConnectionStateChange
	s.Require().NoError(msgs[0].Decode(&p))
	s.Equal(transport.StatusConnectionTimeout, p.Status)
	s.Equal(int(transport.StateDisconnected), p.NewState)
	s.Zero(s.registry.Len())
	s.transport.AssertCalled(s.T(), "Close", testHandle)

	// The address is free again.
	next := s.connected(testAddress, testHandle+1)
	s.Equal(testHandle+1, next.Handle())
	s.Nil(next.Catalog())
}

func (s *SessionSuite) TestReconnectFromSink() {
	// A host reacting to the disconnect event by reconnecting must succeed.
	var (
		once   sync.Once
		retErr error
	)
	logger := logrus.New()
	sink := event.FuncSink(func(_ string, name event.Name, payload string) {
		if name != event.ConnectionStateChangeEvent {
			return
		}
		var p event.ConnectionStateChange
		_ = event.Message{Payload: payload}.Decode(&p)
		if p.NewState == int(transport.StateDisconnected) {
			once.Do(func() { _, retErr = s.registry.Connect(testAddress) })
		}
	})
	s.registry = session.NewRegistry(s.transport, event.NewEmitter(sink, "SensorManager", logger), logger)

	s.connected(testAddress, testHandle)
	s.transport.On("Close", testHandle).Return()
	s.transport.On("ResolveDevice", testAddress).Return(transport.RemoteDevice{Address: testAddress}, true)
	s.transport.On("Connect", testAddress).Return(testHandle+1, nil)

	s.registry.RouteConnectionState(testHandle, transport.StatusFailure, transport.StateDisconnected)

	s.NoError(retErr)
	s.Equal(1, s.registry.Len())
	sess, ok := s.registry.Lookup(testHandle + 1)
	s.True(ok)
	s.Equal(transport.StateConnecting, sess.State())
}

func (s *SessionSuite) TestDiscoverServices_RequiresConnected() {
	s.transport.On("ResolveDevice", testAddress).Return(transport.RemoteDevice{Address: testAddress}, true)
	s.transport.On("Connect", testAddress).Return(testHandle, nil)
	sess, err := s.registry.Connect(testAddress)
	s.Require().NoError(err)

	err = sess.DiscoverServices()

	s.ErrorIs(err, device.ErrNotConnected)
	s.transport.AssertNotCalled(s.T(), "DiscoverServices", mock.Anything)
}

func (s *SessionSuite) TestDiscoverServices_InProgress() {
	sess := s.connected(testAddress, testHandle)
	s.transport.On("DiscoverServices", testHandle).Return(true).Once()

	s.Require().NoError(sess.DiscoverServices())
	s.True(sess.Discovering())
	s.ErrorIs(sess.DiscoverServices(), device.ErrDiscoveryInProgress)
	s.transport.AssertNumberOfCalls(s.T(), "DiscoverServices", 1)
}

func (s *SessionSuite) TestDiscoverServices_TransportRejects() {
	sess := s.connected(testAddress, testHandle)
	s.transport.On("DiscoverServices", testHandle).Return(false)

	s.ErrorIs(sess.DiscoverServices(), device.ErrTransportRejected)
	s.False(sess.Discovering())
}

func (s *SessionSuite) TestServicesDiscovered_Payload() {
	s.discovered(testAddress, testHandle)

	msgs := s.sink.Named(event.ServicesDiscoveredEvent)
	s.Require().Len(msgs, 1)
	testutils.NewJSONAsserter(s.T()).AssertMessage(msgs[0], event.ServicesDiscoveredEvent, fmt.Sprintf(`{
		"status": 0,
		"deviceName": %q,
		"deviceAddress": %q,
		"services": [
			{"serviceUuid": %q, "type": 0, "instanceId": 0, "characteristics": [{"characteristicUuid": %q}]},
			{"serviceUuid": "0000180f-0000-1000-8000-00805f9b34fb", "type": 0, "instanceId": 0, "characteristics": [{"characteristicUuid": "00002a19-0000-1000-8000-00805f9b34fb"}]},
			{"serviceUuid": %q, "type": 0, "instanceId": 0, "characteristics": [{"characteristicUuid": %q}, {"characteristicUuid": %q}]}
		]
	}`, testName, testAddress,
		testutils.MotionServiceUUID, testutils.MotionCharUUID,
		testutils.LEDServiceUUID, testutils.RedLEDCharUUID, testutils.GreenLEDCharUUID))
}

func (s *SessionSuite) TestServicesDiscovered_EmptyTreeStillEmits() {
	sess := s.connected(testAddress, testHandle)
	s.transport.On("DiscoverServices", testHandle).Return(true)
	s.transport.On("Services", testHandle).Return(nil)

	s.Require().NoError(sess.DiscoverServices())
	s.registry.RouteServicesDiscovered(testHandle, transport.StatusFailure)

	msgs := s.sink.Named(event.ServicesDiscoveredEvent)
	s.Require().Len(msgs, 1)
	s.Contains(msgs[0].Payload, `"services":[]`)
	s.NotNil(sess.Catalog())
	s.Zero(sess.Catalog().Len())
	s.False(sess.Discovering())
}

func (s *SessionSuite) TestSubscribe_RoundTrip() {
	sess := s.discovered(testAddress, testHandle)
	s.transport.On("SetCharacteristicNotification", testHandle, testutils.MotionServiceUUID, testutils.MotionCharUUID, true).Return(true)
	s.transport.On("WriteDescriptor", testHandle, testutils.MotionServiceUUID, testutils.MotionCharUUID, "2902", transport.EnableNotificationValue).Return(true)
	s.transport.On("SetCharacteristicNotification", testHandle, testutils.MotionServiceUUID, testutils.MotionCharUUID, false).Return(true)
	s.transport.On("WriteDescriptor", testHandle, testutils.MotionServiceUUID, testutils.MotionCharUUID, "2902", transport.DisableNotificationValue).Return(true)

	s.Require().NoError(sess.Subscribe(testutils.MotionServiceUUID, testutils.MotionCharUUID))
	s.True(sess.IsSubscribed(testutils.MotionServiceUUID, testutils.MotionCharUUID))
	s.Equal([]session.Pair{{ServiceUUID: testutils.MotionServiceUUID, CharUUID: testutils.MotionCharUUID}}, sess.Subscriptions())

	s.Require().NoError(sess.Unsubscribe(testutils.MotionServiceUUID, testutils.MotionCharUUID))
	s.False(sess.IsSubscribed(testutils.MotionServiceUUID, testutils.MotionCharUUID))
	s.Empty(sess.Subscriptions())
	s.transport.AssertExpectations(s.T())
}

func (s *SessionSuite) TestSubscribe_ShortUUIDsMatchCatalog() {
	sess := s.discovered(testAddress, testHandle)
	s.transport.On("SetCharacteristicNotification", testHandle, "180f", "2a19", true).Return(true)
	s.transport.On("WriteDescriptor", testHandle, "180f", "2a19", "2902", transport.EnableNotificationValue).Return(true)

	s.Require().NoError(sess.Subscribe("0000180F-0000-1000-8000-00805F9B34FB", "00002a19-0000-1000-8000-00805f9b34fb"))
	s.True(sess.IsSubscribed("180f", "2a19"))
}

func (s *SessionSuite) TestSubscribe_UnknownCharacteristicNeverMutates() {
	sess := s.discovered(testAddress, testHandle)

	tests := []struct {
		name     string
		svc      string
		char     string
		resource string
	}{
		{"unknown service", "1234", testutils.MotionCharUUID, "service"},
		{"unknown characteristic", testutils.MotionServiceUUID, "ffff", "characteristic"},
		{"characteristic in wrong service", testutils.LEDServiceUUID, testutils.MotionCharUUID, "characteristic"},
		{"no descriptors", testutils.LEDServiceUUID, testutils.RedLEDCharUUID, "descriptor"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.True(device.IsNotFound(sess.Subscribe(tt.svc, tt.char), tt.resource))
			s.True(device.IsNotFound(sess.Unsubscribe(tt.svc, tt.char), tt.resource))
		})
	}
	s.Empty(sess.Subscriptions())
	s.transport.AssertNotCalled(s.T(), "SetCharacteristicNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	s.transport.AssertNotCalled(s.T(), "WriteDescriptor", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *SessionSuite) TestSubscribe_NotDiscovered() {
	sess := s.connected(testAddress, testHandle)

	err := sess.Subscribe(testutils.MotionServiceUUID, testutils.MotionCharUUID)

	s.ErrorIs(err, device.ErrNotDiscovered)
}

func (s *SessionSuite) TestSubscribe_LocalRejectSkipsDescriptorWrite() {
	sess := s.discovered(testAddress, testHandle)
	s.transport.On("SetCharacteristicNotification", testHandle, mock.Anything, mock.Anything, true).Return(false)

	err := sess.Subscribe(testutils.MotionServiceUUID, testutils.MotionCharUUID)

	s.ErrorIs(err, device.ErrTransportRejected)
	s.Empty(sess.Subscriptions())
	s.transport.AssertNotCalled(s.T(), "WriteDescriptor", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *SessionSuite) TestSubscribe_DescriptorRejected() {
	sess := s.discovered(testAddress, testHandle)
	s.transport.On("SetCharacteristicNotification", testHandle, mock.Anything, mock.Anything, true).Return(true)
	s.transport.On("WriteDescriptor", testHandle, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(false)

	err := sess.Subscribe(testutils.MotionServiceUUID, testutils.MotionCharUUID)

	s.ErrorIs(err, device.ErrTransportRejected)
	s.Empty(sess.Subscriptions())
}

func (s *SessionSuite) TestSubscribe_FirstDescriptorFallback() {
	s.services = testutils.NewServiceTreeBuilder().
		WithService("aaaa").
		WithCharacteristic("bbbb", "notify", "2901", "2904").
		Services()
	sess := s.discovered(testAddress, testHandle)
	s.transport.On("SetCharacteristicNotification", testHandle, "aaaa", "bbbb", true).Return(true)
	s.transport.On("WriteDescriptor", testHandle, "aaaa", "bbbb", "2901", transport.EnableNotificationValue).Return(true)

	s.Require().NoError(sess.Subscribe("aaaa", "bbbb"))
	s.transport.AssertExpectations(s.T())
}

func (s *SessionSuite) TestRediscovery_PrunesSubscriptions() {
	sess := s.discovered(testAddress, testHandle)
	s.transport.On("SetCharacteristicNotification", testHandle, mock.Anything, mock.Anything, true).Return(true)
	s.transport.On("WriteDescriptor", testHandle, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true)
	s.Require().NoError(sess.Subscribe(testutils.MotionServiceUUID, testutils.MotionCharUUID))
	s.Require().NoError(sess.Subscribe(testutils.BatteryService, testutils.BatteryLevelChar))

	reduced := testutils.NewServiceTreeBuilder().
		WithService(testutils.BatteryService).
		WithCharacteristic(testutils.BatteryLevelChar, "notify", "2902").
		Services()
	s.transport.On("DiscoverServices", testHandle).Return(true).Once()
	s.transport.On("Services", testHandle).Return(reduced).Once()

	s.Require().NoError(sess.DiscoverServices())
	s.registry.RouteServicesDiscovered(testHandle, transport.StatusSuccess)

	s.Equal([]session.Pair{{ServiceUUID: testutils.BatteryService, CharUUID: testutils.BatteryLevelChar}}, sess.Subscriptions())
	s.Equal(1, sess.Catalog().Len())
}

func (s *SessionSuite) TestWriteCharacteristic_ReturnsTransportAcceptance() {
	sess := s.discovered(testAddress, testHandle)
	payload := []byte{0x01}

	s.transport.On("WriteCharacteristic", testHandle, testutils.LEDServiceUUID, testutils.RedLEDCharUUID, payload).Return(true).Once()
	s.NoError(sess.WriteCharacteristic(testutils.LEDServiceUUID, testutils.RedLEDCharUUID, payload))

	s.transport.On("WriteCharacteristic", testHandle, testutils.LEDServiceUUID, testutils.RedLEDCharUUID, payload).Return(false).Once()
	s.ErrorIs(sess.WriteCharacteristic(testutils.LEDServiceUUID, testutils.RedLEDCharUUID, payload), device.ErrTransportRejected)

	s.True(device.IsNotFound(sess.WriteCharacteristic(testutils.LEDServiceUUID, "dead", payload), "characteristic"))
	s.transport.AssertNumberOfCalls(s.T(), "WriteCharacteristic", 2)
}

func (s *SessionSuite) TestCharacteristicChanged_EmitsBase64() {
	s.discovered(testAddress, testHandle)

	s.registry.RouteCharacteristicChanged(testHandle, "2a19", []byte{0x64})
	s.registry.RouteCharacteristicChanged(testHandle+99, "2a19", []byte{0x01})

	msgs := s.sink.Named(event.DataReceivedEvent)
	s.Require().Len(msgs, 1)
	testutils.NewJSONAsserter(s.T()).AssertMessage(msgs[0], event.DataReceivedEvent, fmt.Sprintf(`{
		"deviceAddress": %q,
		"deviceName": %q,
		"characteristicUuid": "00002a19-0000-1000-8000-00805f9b34fb",
		"dataBase64": "ZA=="
	}`, testAddress, testName))
}

func (s *SessionSuite) TestStaleHandleIgnored() {
	s.registry.RouteConnectionState(42, transport.StatusSuccess, transport.StateConnected)
	s.registry.RouteServicesDiscovered(42, transport.StatusSuccess)
	s.registry.RouteCharacteristicChanged(42, "2a19", []byte{1})

	s.Empty(s.sink.Messages())
	s.transport.AssertNotCalled(s.T(), "Services", mock.Anything)
}

func (s *SessionSuite) TestMultipleDevices() {
	a := s.discovered("AA:00:00:00:00:01", 1)
	b := s.connected("AA:00:00:00:00:02", 2)

	s.ElementsMatch([]string{"AA:00:00:00:00:01", "AA:00:00:00:00:02"}, s.registry.Addresses())
	s.NotNil(a.Catalog())
	s.Nil(b.Catalog())

	infos := s.registry.Snapshot()
	s.Len(infos, 2)

	s.transport.On("Disconnect", mock.Anything).Return(true)
	s.transport.On("Close", mock.Anything).Return()
	s.registry.Close()
	s.Zero(s.registry.Len())
	s.transport.AssertNumberOfCalls(s.T(), "Close", 2)
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func TestSession_ConcurrentRediscovery(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	tr := &mocks.MockTransport{}
	reg := session.NewRegistry(tr, event.NewEmitter(nil, "", logger), logger)

	full := testutils.CadenceSensorProfile().Services()
	tr.On("ResolveDevice", testAddress).Return(transport.RemoteDevice{Address: testAddress}, true)
	tr.On("Connect", testAddress).Return(testHandle, nil)
	tr.On("Services", testHandle).Return(full)
	tr.On("WriteCharacteristic", testHandle, mock.Anything, mock.Anything, mock.Anything).Return(true)

	sess, err := reg.Connect(testAddress)
	require.NoError(t, err)
	reg.RouteConnectionState(testHandle, transport.StatusSuccess, transport.StateConnected)
	reg.RouteServicesDiscovered(testHandle, transport.StatusSuccess)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				reg.RouteServicesDiscovered(testHandle, transport.StatusSuccess)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				cat := sess.Catalog()
				// Every snapshot is complete: never a partially built catalog.
				assert.Equal(t, 3, cat.Len())
				assert.NoError(t, sess.WriteCharacteristic(testutils.LEDServiceUUID, testutils.GreenLEDCharUUID, []byte{1}))
			}
		}()
	}
	wg.Wait()
}
