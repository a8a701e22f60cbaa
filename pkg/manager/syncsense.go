package manager

// Syncsense sensor profile.
const (
	MotionServiceUUID  = "49740000-0f51-43fc-be01-5ce169d39b47"
	AcclGyroCharUUID   = "49740004-0f51-43fc-be01-5ce169d39b47"
	BatteryServiceUUID = "0000180f-0000-1000-8000-00805f9b34fb"
	BatteryCharUUID    = "00002a19-0000-1000-8000-00805f9b34fb"
	LEDServiceUUID     = "49730000-0f51-43fc-be01-5ce169d39b47"
	RedLEDCharUUID     = "49730001-0f51-43fc-be01-5ce169d39b47"
	GreenLEDCharUUID   = "49730002-0f51-43fc-be01-5ce169d39b47"
)

// SubscribeSensorData subscribes to the accelerometer/gyroscope stream.
func (m *Manager) SubscribeSensorData(address string) bool {
	return m.Subscribe(address, MotionServiceUUID, AcclGyroCharUUID)
}

// UnsubscribeSensorData stops the accelerometer/gyroscope stream.
func (m *Manager) UnsubscribeSensorData(address string) bool {
	return m.Unsubscribe(address, MotionServiceUUID, AcclGyroCharUUID)
}

// SubscribeBatteryData subscribes to battery level updates.
func (m *Manager) SubscribeBatteryData(address string) bool {
	return m.Subscribe(address, BatteryServiceUUID, BatteryCharUUID)
}

// UnsubscribeBatteryData stops battery level updates.
func (m *Manager) UnsubscribeBatteryData(address string) bool {
	return m.Unsubscribe(address, BatteryServiceUUID, BatteryCharUUID)
}

// EnableRedLED switches the red LED with a one byte write.
func (m *Manager) EnableRedLED(address string, enable bool) bool {
	return m.WriteNoResponse(address, LEDServiceUUID, RedLEDCharUUID, ledValue(enable))
}

// EnableGreenLED switches the green LED with a one byte write.
func (m *Manager) EnableGreenLED(address string, enable bool) bool {
	return m.WriteNoResponse(address, LEDServiceUUID, GreenLEDCharUUID, ledValue(enable))
}

func ledValue(enable bool) []byte {
	if enable {
		return []byte{1}
	}
	return []byte{0}
}
