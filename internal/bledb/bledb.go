// Package bledb resolves well-known GATT UUIDs to human-readable names.
//
// The table is intentionally small: the SIG attributes a sensor host meets in
// practice plus the Syncsense vendor profile. Lookups accept any UUID spelling
// NormalizeUUID understands.
package bledb

import "strings"

// sigBaseSuffix is the Bluetooth SIG base UUID tail (0000xxxx-0000-1000-8000-00805f9b34fb).
const sigBaseSuffix = "00001000800000805f9b34fb"

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1816": "Cycling Speed and Cadence",

	"497400000f5143fcbe015ce169d39b47": "Syncsense Motion",
	"497300000f5143fcbe015ce169d39b47": "Syncsense LED",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a19": "Battery Level",
	"2a24": "Model Number String",
	"2a29": "Manufacturer Name String",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a5b": "CSC Measurement",

	"497400040f5143fcbe015ce169d39b47": "Syncsense Accelerometer/Gyroscope",
	"497300010f5143fcbe015ce169d39b47": "Syncsense LED 1",
	"497300020f5143fcbe015ce169d39b47": "Syncsense LED 2",
}

var descriptors = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Descriptor",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
	"2905": "Characteristic Aggregate Format",
}

// NormalizeUUID converts a UUID string to the internal form: lowercase, no dashes,
// braces or 0x prefix. A full 128-bit UUID built on the SIG base collapses to its
// 16-bit short form ("0000180d-0000-1000-8000-00805f9b34fb" -> "180d").
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.NewReplacer("-", "", "{", "", "}", "").Replace(u)

	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// NormalizeUUIDs normalizes every element of uuids.
func NormalizeUUIDs(uuids []string) []string {
	result := make([]string, len(uuids))
	for i, u := range uuids {
		result[i] = NormalizeUUID(u)
	}
	return result
}

// LookupService returns the known name of a service UUID, or "".
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the known name of a characteristic UUID, or "".
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the known name of a descriptor UUID, or "".
func LookupDescriptor(uuid string) string {
	return descriptors[NormalizeUUID(uuid)]
}
