package testutils

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/event"
	"github.com/srg/blehost/internal/testutils/mocks"
	"github.com/srg/blehost/internal/transport"
	"github.com/srg/blehost/pkg/config"
	"github.com/srg/blehost/pkg/manager"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// ManagerSuite runs a manager.Manager over a MockTransport. Tests play the
// radio through Transport.Fire* and read emitted events from Sink.
//
// Embedding suites may set Config or Services before calling
// ManagerSuite.SetupTest:
//
//	func (s *LEDSuite) SetupTest() {
//	    s.Services = testutils.NewServiceTreeBuilder().
//	        WithService(manager.LEDServiceUUID).
//	        WithCharacteristic(manager.RedLEDCharUUID, "writenr").
//	        Services()
//	    s.ManagerSuite.SetupTest()
//	}
type ManagerSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Config    *config.Config
	Services  []transport.Service // reported by every discovery
	Transport *mocks.MockTransport
	Sink      *event.RecordingSink
	Manager   *manager.Manager
}

func (s *ManagerSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	if s.Config == nil {
		s.Config = config.DefaultConfig()
	}
	if s.Services == nil {
		s.Services = CadenceSensorProfile().Services()
	}
	s.Transport = &mocks.MockTransport{}
	s.Sink = &event.RecordingSink{}
	s.Manager = manager.New(s.Config, s.Transport, s.Sink, s.Logger)
}

func (s *ManagerSuite) TearDownTest() {
	s.Transport.On("RadioEnabled").Return(true).Maybe()
	s.Transport.On("StopScan").Return(nil).Maybe()
	s.Transport.On("Disconnect", mock.Anything).Return(true).Maybe()
	s.Transport.On("Close", mock.Anything).Return().Maybe()
	s.Manager.Close()
	s.Helper.DumpLogsOnFailure()

	s.Config = nil
	s.Services = nil
}

// ConnectDevice connects address on handle h and reports the link as connected.
func (s *ManagerSuite) ConnectDevice(address, name string, h transport.Handle) {
	s.Transport.On("ResolveDevice", address).Return(transport.RemoteDevice{Address: address, Name: name}, true).Once()
	s.Transport.On("Connect", address).Return(h, nil).Once()

	s.Require().True(s.Manager.Connect(address))
	s.Transport.FireConnectionStateChange(h, transport.StatusSuccess, transport.StateConnected)
}

// DiscoverDevice runs a discovery on a connected device that reports Services.
func (s *ManagerSuite) DiscoverDevice(address string, h transport.Handle) {
	s.Transport.On("DiscoverServices", h).Return(true).Once()
	s.Transport.On("Services", h).Return(s.Services).Once()

	s.Require().True(s.Manager.DiscoverServices(address))
	s.Transport.FireServicesDiscovered(h, transport.StatusSuccess)
}

// ReadyDevice connects and discovers address.
func (s *ManagerSuite) ReadyDevice(address, name string, h transport.Handle) {
	s.ConnectDevice(address, name, h)
	s.DiscoverDevice(address, h)
}
