package device

import (
	"fmt"
	"regexp"

	"github.com/srg/blehost/internal/bledb"
)

var hexOnly = regexp.MustCompile(`^[0-9a-f]+$`)

// NormalizeUUID is re-exported from bledb for convenience.
// It converts a UUID string to the internal lookup form (lowercase, no dashes).
// Handles both standard UUID format (with dashes) and already normalized format (without dashes).
// Also strips 0x prefix if present (e.g., "0x2902" -> "2902").
// For full 128-bit UUIDs in Bluetooth SIG base format (0000xxxx-0000-1000-8000-00805f9b34fb),
// extracts the 16-bit short form (xxxx).
func NormalizeUUID(uuid string) string {
	return bledb.NormalizeUUID(uuid)
}

// NormalizeUUIDs is re-exported from bledb for convenience.
func NormalizeUUIDs(uuids []string) []string {
	return bledb.NormalizeUUIDs(uuids)
}

// EqualUUID reports whether two UUID spellings denote the same attribute.
func EqualUUID(a, b string) bool {
	na := NormalizeUUID(a)
	return na != "" && na == NormalizeUUID(b)
}

// ExpandUUID returns the canonical 128-bit dashed form of a UUID, the spelling hosts
// receive in event payloads ("2a19" -> "00002a19-0000-1000-8000-00805f9b34fb").
// Values that are neither 16, 32 nor 128 bits are returned normalized but unexpanded.
func ExpandUUID(uuid string) string {
	u := NormalizeUUID(uuid)
	if !hexOnly.MatchString(u) {
		return u
	}
	switch len(u) {
	case 4:
		u = "0000" + u + "00001000800000805f9b34fb"
	case 8:
		u = u + "00001000800000805f9b34fb"
	case 32:
	default:
		return u
	}
	return fmt.Sprintf("%s-%s-%s-%s-%s", u[0:8], u[8:12], u[12:16], u[16:20], u[20:32])
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if normalized == "" || !hexOnly.MatchString(normalized) {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		switch len(normalized) {
		case 4, 8, 32:
		default:
			return nil, fmt.Errorf("invalid UUID length at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}
