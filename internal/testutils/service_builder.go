package testutils

import (
	"encoding/json"
	"fmt"

	blelib "github.com/go-ble/ble"
	"github.com/srg/blehost/internal/transport"
)

// CharacteristicConfig describes one characteristic of a mocked peripheral.
type CharacteristicConfig struct {
	UUID        string   `json:"uuid"`
	Properties  string   `json:"properties,omitempty"` // e.g. "read,write,notify"
	Descriptors []string `json:"descriptors,omitempty"`
}

// ServiceConfig describes one service of a mocked peripheral.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Secondary       bool                   `json:"secondary,omitempty"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig is the full mocked service tree.
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// ServiceTreeBuilder builds service trees for the mock transport and mocked
// go-ble profiles from the same description.
type ServiceTreeBuilder struct {
	profile DeviceProfileConfig
}

// NewServiceTreeBuilder creates an empty builder.
func NewServiceTreeBuilder() *ServiceTreeBuilder {
	return &ServiceTreeBuilder{profile: DeviceProfileConfig{Services: []ServiceConfig{}}}
}

// WithService appends a primary service.
func (b *ServiceTreeBuilder) WithService(uuid string) *ServiceTreeBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic appends a characteristic to the last service. Descriptor
// UUIDs are kept in the given order.
func (b *ServiceTreeBuilder) WithCharacteristic(uuid, properties string, descriptors ...string) *ServiceTreeBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := &b.profile.Services[len(b.profile.Services)-1]
	last.Characteristics = append(last.Characteristics, CharacteristicConfig{
		UUID:        uuid,
		Properties:  properties,
		Descriptors: descriptors,
	})
	return b
}

// FromJSON replaces the profile with a JSON description.
func (b *ServiceTreeBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ServiceTreeBuilder {
	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &config); err != nil {
		panic(fmt.Sprintf("ServiceTreeBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.profile = config
	return b
}

// Services returns the tree in transport form. Instance IDs count up per
// service UUID, as a radio stack reports duplicated services.
func (b *ServiceTreeBuilder) Services() []transport.Service {
	seen := map[string]int{}
	out := make([]transport.Service, 0, len(b.profile.Services))
	for _, sc := range b.profile.Services {
		svc := transport.Service{
			UUID:       sc.UUID,
			Type:       transport.ServiceTypePrimary,
			InstanceID: seen[sc.UUID],
		}
		seen[sc.UUID]++
		if sc.Secondary {
			svc.Type = transport.ServiceTypeSecondary
		}
		for _, cc := range sc.Characteristics {
			ch := transport.Characteristic{UUID: cc.UUID}
			for _, d := range cc.Descriptors {
				ch.Descriptors = append(ch.Descriptors, transport.Descriptor{UUID: d})
			}
			svc.Characteristics = append(svc.Characteristics, ch)
		}
		out = append(out, svc)
	}
	return out
}

// BLEProfile returns the tree as a go-ble profile, as DiscoverProfile would.
func (b *ServiceTreeBuilder) BLEProfile() *blelib.Profile {
	profile := &blelib.Profile{}
	for _, sc := range b.profile.Services {
		svc := &blelib.Service{UUID: blelib.MustParse(sc.UUID)}
		for _, cc := range sc.Characteristics {
			ch := &blelib.Characteristic{
				UUID:     blelib.MustParse(cc.UUID),
				Property: parseCharacteristicProperties(cc.Properties),
			}
			for _, d := range cc.Descriptors {
				desc := &blelib.Descriptor{UUID: blelib.MustParse(d)}
				ch.Descriptors = append(ch.Descriptors, desc)
				if blelib.ClientCharacteristicConfigUUID.Equal(desc.UUID) {
					ch.CCCD = desc
				}
			}
			svc.Characteristics = append(svc.Characteristics, ch)
		}
		profile.Services = append(profile.Services, svc)
	}
	return profile
}

// parseCharacteristicProperties converts "read,write,notify" style lists to ble.Property flags.
func parseCharacteristicProperties(props string) blelib.Property {
	if props == "" {
		return blelib.CharRead | blelib.CharWrite | blelib.CharNotify
	}
	var property blelib.Property
	start := 0
	for i := 0; i <= len(props); i++ {
		if i < len(props) && props[i] != ',' {
			continue
		}
		switch props[start:i] {
		case "read":
			property |= blelib.CharRead
		case "write":
			property |= blelib.CharWrite
		case "writenr", "write-without-response":
			property |= blelib.CharWriteNR
		case "notify":
			property |= blelib.CharNotify
		case "indicate":
			property |= blelib.CharIndicate
		}
		start = i + 1
	}
	return property
}

// Syncsense vendor UUIDs used across tests.
const (
	MotionServiceUUID = "49740000-0f51-43fc-be01-5ce169d39b47"
	MotionCharUUID    = "49740004-0f51-43fc-be01-5ce169d39b47"
	LEDServiceUUID    = "49730000-0f51-43fc-be01-5ce169d39b47"
	RedLEDCharUUID    = "49730001-0f51-43fc-be01-5ce169d39b47"
	GreenLEDCharUUID  = "49730002-0f51-43fc-be01-5ce169d39b47"
	BatteryService    = "180f"
	BatteryLevelChar  = "2a19"
)

// CadenceSensorProfile is the service tree a Cadence_Sensor peripheral reports.
func CadenceSensorProfile() *ServiceTreeBuilder {
	return NewServiceTreeBuilder().
		WithService(MotionServiceUUID).
		WithCharacteristic(MotionCharUUID, "notify", "2902").
		WithService(BatteryService).
		WithCharacteristic(BatteryLevelChar, "read,notify", "2902").
		WithService(LEDServiceUUID).
		WithCharacteristic(RedLEDCharUUID, "writenr").
		WithCharacteristic(GreenLEDCharUUID, "writenr")
}
