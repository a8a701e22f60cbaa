package event

import (
	"encoding/base64"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/transport"
)

// Reserved OnScanError codes for local precondition failures. Non-negative
// codes are raw transport scan-failure codes.
const (
	ScanErrorMissingLocationPermission = -3
	ScanErrorMissingScanPermission     = -4
	ScanErrorRadioDisabled             = -5
)

// ScanResult is the OnScanResult payload.
type ScanResult struct {
	RSSI    int    `json:"rssi"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// ScanError is the OnScanError payload.
type ScanError struct {
	ErrorCode int `json:"errorCode"`
}

// ConnectionStateChange is the OnDeviceConnectionStateChange payload.
type ConnectionStateChange struct {
	Status        int    `json:"status"`
	NewState      int    `json:"newState"`
	DeviceName    string `json:"deviceName"`
	DeviceAddress string `json:"deviceAddress"`
}

// CharacteristicItem describes one characteristic inside ServiceItem.
type CharacteristicItem struct {
	CharacteristicUUID string `json:"characteristicUuid"`
}

// ServiceItem describes one discovered service.
type ServiceItem struct {
	ServiceUUID     string               `json:"serviceUuid"`
	Type            int                  `json:"type"`
	InstanceID      int                  `json:"instanceId"`
	Characteristics []CharacteristicItem `json:"characteristics"`
}

// ServicesDiscovered is the OnServicesDiscovered payload.
type ServicesDiscovered struct {
	Status        int           `json:"status"`
	DeviceName    string        `json:"deviceName"`
	DeviceAddress string        `json:"deviceAddress"`
	Services      []ServiceItem `json:"services"`
}

// DataReceived is the OnDataReceived payload. The value is carried base64-encoded
// and never interpreted.
type DataReceived struct {
	DeviceAddress      string `json:"deviceAddress"`
	DeviceName         string `json:"deviceName"`
	CharacteristicUUID string `json:"characteristicUuid"`
	DataBase64         string `json:"dataBase64"`
}

// Data decodes the base64 payload.
func (d DataReceived) Data() ([]byte, error) {
	return base64.StdEncoding.DecodeString(d.DataBase64)
}

// NewServicesDiscovered builds the discovery payload from a service tree.
// UUIDs are reported in canonical 128-bit form. Services and characteristics
// are never null in the serialized form.
func NewServicesDiscovered(status int, name, address string, services []transport.Service) ServicesDiscovered {
	items := make([]ServiceItem, 0, len(services))
	for _, svc := range services {
		chars := make([]CharacteristicItem, 0, len(svc.Characteristics))
		for _, ch := range svc.Characteristics {
			chars = append(chars, CharacteristicItem{CharacteristicUUID: device.ExpandUUID(ch.UUID)})
		}
		items = append(items, ServiceItem{
			ServiceUUID:     device.ExpandUUID(svc.UUID),
			Type:            svc.Type,
			InstanceID:      svc.InstanceID,
			Characteristics: chars,
		})
	}
	return ServicesDiscovered{
		Status:        status,
		DeviceName:    name,
		DeviceAddress: address,
		Services:      items,
	}
}

// NewDataReceived builds the notification payload for a characteristic value.
func NewDataReceived(address, name, charUUID string, value []byte) DataReceived {
	return DataReceived{
		DeviceAddress:      address,
		DeviceName:         name,
		CharacteristicUUID: device.ExpandUUID(charUUID),
		DataBase64:         base64.StdEncoding.EncodeToString(value),
	}
}
