package main

import (
	"fmt"
	"strings"
	"testing"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/testutils"
	"github.com/srg/blehost/internal/transport"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type CommandsSuite struct {
	CommandTestSuite
}

func (s *CommandsSuite) TestStatus() {
	s.Transport.On("RadioEnabled").Return(true)

	out, err := s.ExecuteCommand(rootCmd, "status")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, `backend:     goble
radio:       enabled
permissions: granted
`)
}

func (s *CommandsSuite) TestScan() {
	// GOAL: every advertisement is printed and the summary keeps one row per
	// address with its latest RSSI, in first-seen order.
	other := "C4:7F:0E:11:22:44"
	s.Transport.On("RadioEnabled").Return(true)
	s.Transport.On("StopScan").Return(nil).Maybe()
	s.Transport.On("StartScan", transport.ScanFilter{DeviceName: testName}).Return(nil).Once().Run(func(mock.Arguments) {
		go func() {
			s.Transport.FireScanResult(testName, testAddress, -58)
			s.Transport.FireScanResult(testName, other, -70)
			s.Transport.FireScanResult(testName, testAddress, -55)
		}()
	})

	out, err := s.ExecuteCommand(rootCmd, "scan", "-d", "200ms")
	s.Require().NoError(err)

	expected := "Scanning for Cadence_Sensor...\n" +
		fmt.Sprintf("found %s Cadence_Sensor rssi=-58\n", testAddress) +
		fmt.Sprintf("found %s Cadence_Sensor rssi=-70\n", other) +
		fmt.Sprintf("found %s Cadence_Sensor rssi=-55\n", testAddress) +
		fmt.Sprintf("%-19s%-16s%s\n", "ADDRESS", "NAME", "RSSI") +
		fmt.Sprintf("%-19s%-16s%s\n", testAddress, "Cadence_Sensor", "-55") +
		fmt.Sprintf("%-19s%-16s%s\n", other, "Cadence_Sensor", "-70")
	testutils.NewTextAsserter(s.T()).Assert(out, expected)
}

func (s *CommandsSuite) TestScan_AllAsJSON() {
	s.Transport.On("RadioEnabled").Return(true)
	s.Transport.On("StopScan").Return(nil).Maybe()
	s.Transport.On("StartScan", transport.ScanFilter{}).Return(nil).Once().Run(func(mock.Arguments) {
		go s.Transport.FireScanResult("", testAddress, -80)
	})

	out, err := s.ExecuteCommand(rootCmd, "scan", "--all", "-d", "150ms", "--format", "json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(jsonLines(out), fmt.Sprintf(`[
		{"receiver": "blehost", "event": "OnScanResult", "payload": {"rssi": -80, "name": "", "address": %q}}
	]`, testAddress))
}

func (s *CommandsSuite) TestScan_RadioOff() {
	s.Transport.On("RadioEnabled").Return(false)

	out, err := s.ExecuteCommand(rootCmd, "scan")
	s.Require().ErrorIs(err, device.ErrBluetoothOff)
	s.Equal("scan error code -5\n", out)
	s.Transport.AssertNotCalled(s.T(), "StartScan", mock.Anything)
}

func (s *CommandsSuite) TestLED() {
	s.ExpectDevice(s.CadenceServices())
	s.Transport.On("WriteCharacteristic", testHandle, testutils.LEDServiceUUID, testutils.RedLEDCharUUID, []byte{1}).Return(true).Once()
	s.Transport.On("WriteCharacteristic", testHandle, testutils.LEDServiceUUID, testutils.GreenLEDCharUUID, []byte{0}).Return(true).Once()

	out, err := s.ExecuteCommand(rootCmd, "led", testAddress, "--red", "on", "--green", "off")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, fmt.Sprintf(`Connecting to %[1]s...
%[1]s connected (status 0)
%[1]s 3 services (status 0)
  49740000-0f51-43fc-be01-5ce169d39b47 (Syncsense Motion)
    49740004-0f51-43fc-be01-5ce169d39b47 (Syncsense Accelerometer/Gyroscope)
  0000180f-0000-1000-8000-00805f9b34fb (Battery Service)
    00002a19-0000-1000-8000-00805f9b34fb (Battery Level)
  49730000-0f51-43fc-be01-5ce169d39b47 (Syncsense LED)
    49730001-0f51-43fc-be01-5ce169d39b47 (Syncsense LED 1)
    49730002-0f51-43fc-be01-5ce169d39b47 (Syncsense LED 2)
Red LED on
Green LED off
`, testAddress))
	s.Transport.AssertExpectations(s.T())
}

func (s *CommandsSuite) TestLED_RequiresAState() {
	_, err := s.ExecuteCommand(rootCmd, "led", testAddress)
	s.Require().EqualError(err, "at least one of --red or --green is required")

	_, err = s.ExecuteCommand(rootCmd, "led", testAddress, "--red", "blink")
	s.Require().EqualError(err, `invalid --red value "blink": must be on or off`)
	s.Transport.AssertNotCalled(s.T(), "Connect", mock.Anything)
}

func (s *CommandsSuite) TestConnectTimeout() {
	s.ExpectLink(func() {
		s.Transport.FireConnectionStateChange(testHandle, transport.StatusConnectionTimeout, transport.StateDisconnected)
	})

	out, err := s.ExecuteCommand(rootCmd, "led", testAddress, "--red", "on")
	s.Require().ErrorIs(err, ErrConnectTimeout)
	s.Contains(out, testAddress+" disconnected (status 8)")
	s.Contains(FormatUserError(err), "did not respond")
}

func (s *CommandsSuite) TestMonitor() {
	s.ExpectDevice(s.CadenceServices())
	s.ExpectSubscription("180f", "2a19", func() {
		s.Transport.FireCharacteristicChanged(testHandle, "180f", "2a19", []byte{0x5a})
	})

	out, err := s.ExecuteCommand(rootCmd, "monitor", testAddress, "--char", "2a19", "-d", "200ms")
	s.Require().NoError(err)

	s.Contains(out, "Monitoring 2a19 on "+testAddress)
	s.Contains(out, testAddress+" Battery Level [5a]\n")
	s.Transport.AssertCalled(s.T(), "WriteDescriptor", testHandle, "180f", "2a19", "2902", transport.DisableNotificationValue)
}

func (s *CommandsSuite) TestMonitor_JSON() {
	s.ExpectDevice(s.CadenceServices())
	s.ExpectSubscription("180f", "2a19", func() {
		s.Transport.FireCharacteristicChanged(testHandle, "180f", "2a19", []byte{0x5a})
	})

	out, err := s.ExecuteCommand(rootCmd, "monitor", testAddress, "--service", "180f", "--char", "2a19", "-d", "200ms", "-f", "json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(jsonLines(out), fmt.Sprintf(`[
		{"event": "OnDeviceConnectionStateChange", "payload": {"status": 0, "newState": 2, "deviceName": %[2]q, "deviceAddress": %[1]q}},
		{"event": "OnServicesDiscovered", "payload": {"status": 0, "deviceAddress": %[1]q}},
		{"event": "OnDataReceived", "payload": {
			"deviceAddress": %[1]q,
			"characteristicUuid": "00002a19-0000-1000-8000-00805f9b34fb",
			"dataBase64": "Wg=="
		}}
	]`, testAddress, testName))
}

func (s *CommandsSuite) TestMonitor_ConnectionLost() {
	s.ExpectDevice(s.CadenceServices())
	s.ExpectSubscription("180f", "2a19", func() {
		s.Transport.FireConnectionStateChange(testHandle, transport.StatusPeerTerminated, transport.StateDisconnected)
	})

	out, err := s.ExecuteCommand(rootCmd, "monitor", testAddress, "--char", "2a19", "-d", "5s")
	s.Require().ErrorIs(err, ErrConnectionLost)
	s.Contains(out, testAddress+" disconnected (status 19)")
}

func (s *CommandsSuite) TestSensor() {
	s.ExpectDevice(s.CadenceServices())
	s.ExpectSubscription(testutils.MotionServiceUUID, testutils.MotionCharUUID, func() {
		s.Transport.FireCharacteristicChanged(testHandle, testutils.MotionServiceUUID, testutils.MotionCharUUID, []byte{1, 2, 3})
	})
	s.ExpectSubscription("180f", "2a19", func() {
		s.Transport.FireCharacteristicChanged(testHandle, "180f", "2a19", []byte{0x64})
	})

	out, err := s.ExecuteCommand(rootCmd, "sensor", testAddress, "--battery", "-d", "200ms")
	s.Require().NoError(err)

	s.Contains(out, testAddress+" Syncsense Accelerometer/Gyroscope [01 02 03]\n")
	s.Contains(out, testAddress+" Battery Level [64]\n")
	s.Transport.AssertExpectations(s.T())
}

func (s *CommandsSuite) TestWrite_Hex() {
	s.ExpectDevice(s.CadenceServices())
	s.Transport.On("WriteCharacteristic", testHandle, testutils.LEDServiceUUID, testutils.RedLEDCharUUID, []byte{0x01, 0x02}).Return(true).Once()

	out, err := s.ExecuteCommand(rootCmd, "write", testAddress, "01:02", "--hex", "--char", testutils.RedLEDCharUUID)
	s.Require().NoError(err)
	s.Contains(out, "Wrote 2 bytes to "+testutils.RedLEDCharUUID)
	s.Transport.AssertExpectations(s.T())
}

func (s *CommandsSuite) TestWrite_UnknownCharacteristic() {
	s.ExpectDevice(s.CadenceServices())

	_, err := s.ExecuteCommand(rootCmd, "write", testAddress, "hi", "--char", "ffe1")
	s.Require().Error(err)
	s.True(device.IsNotFound(err, "characteristic"))
	s.Transport.AssertNotCalled(s.T(), "WriteCharacteristic", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *CommandsSuite) TestWrite_WrongService() {
	s.ExpectDevice(s.CadenceServices())

	_, err := s.ExecuteCommand(rootCmd, "write", testAddress, "hi", "--service", "180f", "--char", testutils.RedLEDCharUUID)
	s.Require().Error(err)
	s.EqualError(err, fmt.Sprintf(`characteristic %q not found in service "180f"`, testutils.RedLEDCharUUID))
}

func TestCommandsSuite(t *testing.T) {
	suite.Run(t, new(CommandsSuite))
}

// jsonLines turns JSON-lines output into one JSON array.
func jsonLines(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return "[" + strings.Join(lines, ",") + "]"
}
