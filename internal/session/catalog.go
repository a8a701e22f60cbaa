package session

import (
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/transport"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// CharacteristicRecord is one characteristic of a discovered service. UUIDs are
// kept as the transport reported them so they can be handed back unchanged.
type CharacteristicRecord struct {
	UUID        string
	Descriptors []string
}

// ConfigDescriptor returns the descriptor that controls notifications: the
// client characteristic configuration descriptor when present, otherwise the
// first descriptor. ok is false when the characteristic has no descriptors.
func (c CharacteristicRecord) ConfigDescriptor() (uuid string, ok bool) {
	for _, d := range c.Descriptors {
		if device.EqualUUID(d, transport.ClientCharacteristicConfigUUID) {
			return d, true
		}
	}
	if len(c.Descriptors) == 0 {
		return "", false
	}
	return c.Descriptors[0], true
}

// ServiceRecord is one discovered service.
type ServiceRecord struct {
	UUID            string
	Type            int
	InstanceID      int
	Characteristics []CharacteristicRecord
}

type serviceEntry struct {
	record ServiceRecord
	chars  *orderedmap.OrderedMap[string, CharacteristicRecord]
}

// Catalog is an immutable snapshot of a session's service tree. A new Catalog
// is built for every discovery and swapped in whole.
type Catalog struct {
	tree     []transport.Service
	services *orderedmap.OrderedMap[string, *serviceEntry]
}

// NewCatalog builds a Catalog from the tree a transport reported. Lookups use
// normalized UUIDs; when a service UUID repeats, the first instance wins.
func NewCatalog(tree []transport.Service) *Catalog {
	c := &Catalog{
		tree:     transport.CloneServices(tree),
		services: orderedmap.New[string, *serviceEntry](),
	}
	for _, svc := range c.tree {
		key := device.NormalizeUUID(svc.UUID)
		if _, exists := c.services.Get(key); exists {
			continue
		}
		entry := &serviceEntry{
			record: ServiceRecord{UUID: svc.UUID, Type: svc.Type, InstanceID: svc.InstanceID},
			chars:  orderedmap.New[string, CharacteristicRecord](),
		}
		for _, ch := range svc.Characteristics {
			rec := CharacteristicRecord{UUID: ch.UUID}
			for _, d := range ch.Descriptors {
				rec.Descriptors = append(rec.Descriptors, d.UUID)
			}
			entry.record.Characteristics = append(entry.record.Characteristics, rec)
			charKey := device.NormalizeUUID(ch.UUID)
			if _, exists := entry.chars.Get(charKey); !exists {
				entry.chars.Set(charKey, rec)
			}
		}
		c.services.Set(key, entry)
	}
	return c
}

// Len returns the number of distinct services.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return c.services.Len()
}

// Tree returns a copy of the tree the catalog was built from, in report order.
func (c *Catalog) Tree() []transport.Service {
	if c == nil {
		return nil
	}
	return transport.CloneServices(c.tree)
}

// Services returns the distinct services in discovery order.
func (c *Catalog) Services() []ServiceRecord {
	if c == nil {
		return nil
	}
	out := make([]ServiceRecord, 0, c.services.Len())
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		rec := pair.Value.record
		rec.Characteristics = append([]CharacteristicRecord(nil), rec.Characteristics...)
		out = append(out, rec)
	}
	return out
}

// Service looks up a service by UUID in any spelling.
func (c *Catalog) Service(serviceUUID string) (ServiceRecord, error) {
	if c != nil {
		if entry, ok := c.services.Get(device.NormalizeUUID(serviceUUID)); ok {
			return entry.record, nil
		}
	}
	return ServiceRecord{}, &device.NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
}

// Characteristic looks up a characteristic and its owning service.
func (c *Catalog) Characteristic(serviceUUID, charUUID string) (ServiceRecord, CharacteristicRecord, error) {
	if c == nil {
		return ServiceRecord{}, CharacteristicRecord{}, &device.NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
	}
	entry, ok := c.services.Get(device.NormalizeUUID(serviceUUID))
	if !ok {
		return ServiceRecord{}, CharacteristicRecord{}, &device.NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
	}
	ch, ok := entry.chars.Get(device.NormalizeUUID(charUUID))
	if !ok {
		return entry.record, CharacteristicRecord{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
	}
	return entry.record, ch, nil
}

// Contains reports whether the pair is present.
func (c *Catalog) Contains(p Pair) bool {
	_, _, err := c.Characteristic(p.ServiceUUID, p.CharUUID)
	return err == nil
}
