package main

import (
	"bytes"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blehost/internal/testutils"
	"github.com/srg/blehost/internal/testutils/mocks"
	"github.com/srg/blehost/internal/transport"
	"github.com/srg/blehost/pkg/config"
	"github.com/srg/blehost/pkg/manager"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// Test device identity for consistent mock peripheral setup
const (
	testAddress = "C4:7F:0E:11:22:33"
	testName    = "Cadence_Sensor"
	testHandle  = transport.Handle(7)
)

// mockBackend is a MockTransport that owns no OS resources.
type mockBackend struct {
	*mocks.MockTransport
}

func (mockBackend) Shutdown() {}

// CommandTestSuite runs commands against a MockTransport installed in place of
// the real radio backend. All cmd/blehost suites embed it.
type CommandTestSuite struct {
	suite.Suite

	Transport *mocks.MockTransport
	Stderr    *bytes.Buffer

	originalBackend func(cfg *config.Config, logger *logrus.Logger) (manager.Backend, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.Transport = &mocks.MockTransport{}
	s.Stderr = new(bytes.Buffer)

	s.originalBackend = newBackend
	newBackend = func(*config.Config, *logrus.Logger) (manager.Backend, error) {
		return mockBackend{s.Transport}, nil
	}

	// Reset flags before each test for proper isolation
	configPath = ""
	logLevel = "error"
	backendName = ""

	statusEnable = false
	statusWait = 2 * time.Second

	scanDuration = 0
	scanFormat = formatText
	scanName = ""
	scanAll = false
	scanWatch = false

	monitorServiceUUID = ""
	monitorCharUUID = ""
	monitorDuration = 0
	monitorFormat = formatText

	writeServiceUUID = ""
	writeCharUUID = ""
	writeHex = false

	sensorBattery = false
	sensorDuration = 0
	sensorFormat = formatText

	ledRed = ""
	ledGreen = ""
}

func (s *CommandTestSuite) TearDownTest() {
	newBackend = s.originalBackend
	if s.T().Failed() {
		s.T().Logf("stderr:\n%s", s.Stderr.String())
	}
}

// ExecuteCommand runs the root command with args and returns what it wrote to
// stdout. Stderr, including the log, is kept in s.Stderr.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(s.Stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// ExpectDevice plays a peripheral at testAddress that accepts the connection
// and reports services on discovery.
func (s *CommandTestSuite) ExpectDevice(services []transport.Service) {
	t := s.Transport
	s.ExpectLink(func() {
		t.FireConnectionStateChange(testHandle, transport.StatusSuccess, transport.StateConnected)
	})
	t.On("DiscoverServices", testHandle).Return(true).Once().Run(func(mock.Arguments) {
		go t.FireServicesDiscovered(testHandle, transport.StatusSuccess)
	})
	t.On("Services", testHandle).Return(services)
}

// ExpectLink resolves and dials testAddress; outcome runs on its own goroutine
// once the dial is accepted.
func (s *CommandTestSuite) ExpectLink(outcome func()) {
	t := s.Transport
	t.On("RadioEnabled").Return(true)
	t.On("ResolveDevice", testAddress).Return(transport.RemoteDevice{Address: testAddress, Name: testName}, true).Once()
	t.On("Connect", testAddress).Return(testHandle, nil).Once().Run(func(mock.Arguments) {
		go outcome()
	})
	t.On("Disconnect", testHandle).Return(true).Maybe()
	t.On("Close", testHandle).Return().Maybe()
}

// ExpectSubscription accepts enabling notifications on the pair and runs
// onEnabled on its own goroutine afterwards. Disabling is accepted too.
func (s *CommandTestSuite) ExpectSubscription(serviceUUID, charUUID string, onEnabled func()) {
	t := s.Transport
	t.On("SetCharacteristicNotification", testHandle, serviceUUID, charUUID, true).Return(true).Once()
	t.On("WriteDescriptor", testHandle, serviceUUID, charUUID, "2902", transport.EnableNotificationValue).Return(true).Once().Run(func(mock.Arguments) {
		go onEnabled()
	})
	t.On("SetCharacteristicNotification", testHandle, serviceUUID, charUUID, false).Return(true).Maybe()
	t.On("WriteDescriptor", testHandle, serviceUUID, charUUID, "2902", transport.DisableNotificationValue).Return(true).Maybe()
}

// CadenceServices is the tree every mock sensor reports.
func (s *CommandTestSuite) CadenceServices() []transport.Service {
	return testutils.CadenceSensorProfile().Services()
}
