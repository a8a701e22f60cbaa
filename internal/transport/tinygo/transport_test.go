package tinygo_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/testutils"
	"github.com/srg/blehost/internal/testutils/mocks"
	"github.com/srg/blehost/internal/transport"
	"github.com/srg/blehost/internal/transport/tinygo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	testAddress = "AA:BB:CC:DD:EE:02"
	waitFor     = 2 * time.Second
)

type TinygoSuite struct {
	suite.Suite

	adapter    *mocks.MockAdapter
	peripheral *mocks.MockPeripheral
	services   []tinygo.RemoteService
	chars      map[string]*mocks.MockCharacteristic
	recorder   *testutils.CallbackRecorder
	transport  *tinygo.Transport
}

func (s *TinygoSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.adapter = &mocks.MockAdapter{}
	s.adapter.On("Enable").Return(nil).Maybe()
	s.peripheral = &mocks.MockPeripheral{}
	s.services, s.chars = mocks.RemoteTree(testutils.CadenceSensorProfile().Services())
	s.recorder = testutils.NewCallbackRecorder()
	s.transport = tinygo.NewWithAdapter(s.adapter, tinygo.Options{ConnectTimeout: time.Second}, logger)
	s.transport.SetCallbacks(s.recorder)
}

func (s *TinygoSuite) TearDownTest() {
	s.adapter.On("StopScan").Return(nil).Maybe()
	s.peripheral.On("Disconnect").Return(nil).Maybe()
	for _, c := range s.chars {
		c.On("EnableNotifications", false).Return(nil).Maybe()
	}
	s.transport.Shutdown()
}

func (s *TinygoSuite) char(uuid string) *mocks.MockCharacteristic {
	c, ok := s.chars[device.NormalizeUUID(uuid)]
	s.Require().True(ok, "no characteristic %s", uuid)
	return c
}

func (s *TinygoSuite) next(kind testutils.CallbackKind) testutils.CallbackRecord {
	rec, ok := s.recorder.Next(waitFor)
	s.Require().True(ok, "timed out waiting for %s", kind)
	s.Require().Equal(kind, rec.Kind)
	return rec
}

func (s *TinygoSuite) connect() transport.Handle {
	s.adapter.On("Connect", testAddress).Return(s.peripheral, nil).Once()

	h, err := s.transport.Connect(testAddress)
	s.Require().NoError(err)

	rec := s.next(testutils.ConnectionStateChangeCallback)
	s.Equal(h, rec.Handle)
	s.Equal(transport.StatusSuccess, rec.Status)
	s.Equal(transport.StateConnected, rec.State)
	return h
}

func (s *TinygoSuite) discover(h transport.Handle) {
	s.peripheral.On("DiscoverServices").Return(s.services, nil).Once()

	s.Require().True(s.transport.DiscoverServices(h))
	rec := s.next(testutils.ServicesDiscoveredCallback)
	s.Equal(transport.StatusSuccess, rec.Status)
}

func (s *TinygoSuite) enableNotifications(h transport.Handle, serviceUUID, charUUID string) {
	enabled := make(chan struct{})
	s.char(charUUID).On("EnableNotifications", true).Return(nil).Once().Run(func(mock.Arguments) { close(enabled) })

	s.Require().True(s.transport.WriteDescriptor(h, serviceUUID, charUUID, "2902", transport.EnableNotificationValue))
	select {
	case <-enabled:
	case <-time.After(waitFor):
		s.FailNow("notifications were not enabled")
	}
}

func (s *TinygoSuite) TestConnectAndDiscover() {
	h := s.connect()
	s.discover(h)

	services := s.transport.Services(h)
	s.Require().Len(services, 3)
	s.True(device.EqualUUID(testutils.MotionServiceUUID, services[0].UUID))
	s.True(device.EqualUUID(testutils.BatteryService, services[1].UUID))
	s.Len(services[2].Characteristics, 2)

	// Every characteristic reports the notification-configuration descriptor.
	for _, svc := range services {
		for _, ch := range svc.Characteristics {
			s.Require().Len(ch.Descriptors, 1)
			s.True(device.EqualUUID("2902", ch.Descriptors[0].UUID))
		}
	}
}

func (s *TinygoSuite) TestDiscoverFailureReportsStatus() {
	h := s.connect()
	s.peripheral.On("DiscoverServices").Return(nil, errors.New("org.bluez.Error.Failed")).Once()

	s.Require().True(s.transport.DiscoverServices(h))

	rec := s.next(testutils.ServicesDiscoveredCallback)
	s.Equal(transport.StatusFailure, rec.Status)
	s.Empty(s.transport.Services(h))
}

func (s *TinygoSuite) TestConnectTimeoutAbandonsLateLink() {
	s.transport = tinygo.NewWithAdapter(s.adapter, tinygo.Options{ConnectTimeout: 50 * time.Millisecond}, nil)
	s.transport.SetCallbacks(s.recorder)

	release := make(chan struct{})
	disconnected := make(chan struct{})
	s.adapter.On("Connect", testAddress).Return(s.peripheral, nil).Once().Run(func(mock.Arguments) { <-release })
	s.peripheral.On("Disconnect").Return(nil).Once().Run(func(mock.Arguments) { close(disconnected) })

	h, err := s.transport.Connect(testAddress)
	s.Require().NoError(err)

	rec := s.next(testutils.ConnectionStateChangeCallback)
	s.Equal(h, rec.Handle)
	s.Equal(transport.StatusConnectionTimeout, rec.Status)
	s.Equal(transport.StateDisconnected, rec.State)

	close(release)
	select {
	case <-disconnected:
	case <-time.After(waitFor):
		s.FailNow("late peripheral was not disconnected")
	}
}

func (s *TinygoSuite) TestConnectFailure() {
	s.adapter.On("Connect", testAddress).Return(nil, errors.New("org.bluez.Error.Failed: le-connection-abort-by-local")).Once()

	_, err := s.transport.Connect(testAddress)
	s.Require().NoError(err)

	rec := s.next(testutils.ConnectionStateChangeCallback)
	s.Equal(transport.StatusFailure, rec.Status)
	s.Equal(transport.StateDisconnected, rec.State)
}

func (s *TinygoSuite) TestNotificationFlow() {
	h := s.connect()
	s.discover(h)

	s.Require().True(s.transport.SetCharacteristicNotification(h, testutils.MotionServiceUUID, testutils.MotionCharUUID, true))
	s.enableNotifications(h, testutils.MotionServiceUUID, testutils.MotionCharUUID)

	s.Require().True(s.char(testutils.MotionCharUUID).Notify([]byte{0x0a, 0x0b}))
	rec := s.next(testutils.CharacteristicChangedCallback)
	s.Equal(h, rec.Handle)
	s.Equal(testutils.MotionServiceUUID, rec.ServiceUUID)
	s.Equal(testutils.MotionCharUUID, rec.CharUUID)
	s.Equal([]byte{0x0a, 0x0b}, rec.Payload)

	disabled := make(chan struct{})
	s.char(testutils.MotionCharUUID).On("EnableNotifications", false).Return(nil).Once().Run(func(mock.Arguments) { close(disabled) })
	s.Require().True(s.transport.SetCharacteristicNotification(h, testutils.MotionServiceUUID, testutils.MotionCharUUID, false))
	s.Require().True(s.transport.WriteDescriptor(h, testutils.MotionServiceUUID, testutils.MotionCharUUID, "2902", transport.DisableNotificationValue))

	select {
	case <-disabled:
	case <-time.After(waitFor):
		s.FailNow("notifications were not disabled")
	}
}

func (s *TinygoSuite) TestNotificationWithoutLocalEnableIsDropped() {
	h := s.connect()
	s.discover(h)
	s.enableNotifications(h, testutils.BatteryService, testutils.BatteryLevelChar)

	s.Require().True(s.char(testutils.BatteryLevelChar).Notify([]byte{0x64}))

	_, ok := s.recorder.Next(100 * time.Millisecond)
	s.False(ok)
}

func (s *TinygoSuite) TestWriteCharacteristic() {
	h := s.connect()
	s.discover(h)
	written := make(chan struct{})
	s.char(testutils.RedLEDCharUUID).On("WriteWithoutResponse", []byte{0x01}).Return(nil).Once().Run(func(mock.Arguments) { close(written) })

	s.Require().True(s.transport.WriteCharacteristic(h, testutils.LEDServiceUUID, testutils.RedLEDCharUUID, []byte{0x01}))

	select {
	case <-written:
	case <-time.After(waitFor):
		s.FailNow("write was not issued")
	}
}

func (s *TinygoSuite) TestRejectsUnknownTargets() {
	h := s.connect()
	s.discover(h)

	s.False(s.transport.DiscoverServices(h + 100))
	s.False(s.transport.WriteCharacteristic(h, testutils.LEDServiceUUID, "2a00", []byte{0x01}))
	s.False(s.transport.WriteCharacteristic(h, testutils.BatteryService, testutils.RedLEDCharUUID, []byte{0x01}))
	s.False(s.transport.SetCharacteristicNotification(h, testutils.MotionServiceUUID, "2a00", true))
	s.False(s.transport.WriteDescriptor(h, testutils.MotionServiceUUID, testutils.MotionCharUUID, "2901", []byte{0x01}))
	s.Nil(s.transport.Services(h + 100))
}

func (s *TinygoSuite) TestPeerDropsLink() {
	h := s.connect()

	s.adapter.DropLink(strings.ToLower(testAddress))

	rec := s.next(testutils.ConnectionStateChangeCallback)
	s.Equal(h, rec.Handle)
	s.Equal(transport.StatusPeerTerminated, rec.Status)
	s.Equal(transport.StateDisconnected, rec.State)
	s.False(s.transport.DiscoverServices(h))
}

func (s *TinygoSuite) TestDisconnectReleasesSubscriptions() {
	h := s.connect()
	s.discover(h)
	s.enableNotifications(h, testutils.MotionServiceUUID, testutils.MotionCharUUID)

	s.char(testutils.MotionCharUUID).On("EnableNotifications", false).Return(nil).Once()
	s.peripheral.On("Disconnect").Return(nil).Once()

	s.Require().True(s.transport.Disconnect(h))
	s.True(s.transport.Disconnect(h))

	rec := s.next(testutils.ConnectionStateChangeCallback)
	s.Equal(transport.StatusSuccess, rec.Status)
	s.Equal(transport.StateDisconnected, rec.State)
	s.char(testutils.MotionCharUUID).AssertCalled(s.T(), "EnableNotifications", false)
	s.peripheral.AssertNumberOfCalls(s.T(), "Disconnect", 1)
}

func (s *TinygoSuite) TestCloseSilencesCallbacks() {
	h := s.connect()
	s.peripheral.On("Disconnect").Return(nil).Maybe()

	s.transport.Close(h)

	s.False(s.transport.Disconnect(h))
	_, ok := s.recorder.Next(100 * time.Millisecond)
	s.False(ok)
}

func (s *TinygoSuite) TestScan() {
	s.adapter.On("Scan").Return([]tinygo.Advertisement{
		{Name: "Cadence_Sensor", Address: testAddress, RSSI: -60},
		{Name: "Other", Address: "AA:BB:CC:DD:EE:99", RSSI: -70},
	}, nil).Once()

	s.Require().NoError(s.transport.StartScan(transport.ScanFilter{DeviceName: "Cadence_Sensor"}))

	rec := s.next(testutils.ScanResultCallback)
	s.Equal("Cadence_Sensor", rec.Name)
	s.Equal(testAddress, rec.Address)
	s.Equal(-60, rec.RSSI)

	s.Require().NoError(s.transport.StartScan(transport.ScanFilter{}))
	rec = s.next(testutils.ScanFailedCallback)
	s.Equal(transport.ScanFailedAlreadyStarted, rec.Code)

	s.adapter.On("StopScan").Return(nil).Once()
	s.NoError(s.transport.StopScan())
	s.NoError(s.transport.StopScan())
	s.adapter.AssertNumberOfCalls(s.T(), "StopScan", 1)

	dev, ok := s.transport.ResolveDevice(" aa:bb:cc:dd:ee:02 ")
	s.True(ok)
	s.Equal("Cadence_Sensor", dev.Name)
}

func (s *TinygoSuite) TestScanFailure() {
	s.adapter.On("Scan").Return(nil, errors.New("org.bluez.Error.NotReady: Resource Not Ready")).Once()

	s.Require().NoError(s.transport.StartScan(transport.ScanFilter{}))

	rec := s.next(testutils.ScanFailedCallback)
	s.Equal(transport.ScanFailedApplicationRegistration, rec.Code)
}

func TestTinygoSuite(t *testing.T) {
	suite.Run(t, new(TinygoSuite))
}

func TestRadioUnavailable(t *testing.T) {
	adapter := &mocks.MockAdapter{}
	adapter.On("Enable").Return(errors.New("org.bluez.Error.NotReady")).Twice()
	tr := tinygo.NewWithAdapter(adapter, tinygo.Options{}, nil)

	assert.False(t, tr.RadioEnabled())

	_, err := tr.Connect(testAddress)
	require.ErrorIs(t, err, device.ErrBluetoothOff)

	adapter.On("Enable").Return(nil).Once()
	assert.True(t, tr.RadioEnabled())
	assert.True(t, tr.RadioEnabled())
	adapter.AssertNumberOfCalls(t, "Enable", 3)
}

func TestDefaultOptions(t *testing.T) {
	o := tinygo.DefaultOptions()
	assert.Equal(t, 10*time.Second, o.ConnectTimeout)
	assert.Equal(t, 64, o.OpQueueSize)
	assert.Equal(t, uint32(256), o.NotificationQueue)
}
