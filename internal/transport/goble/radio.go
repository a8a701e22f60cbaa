package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// Advertisement is the part of a go-ble advertisement the transport reports.
type Advertisement struct {
	Name    string
	Address string
	RSSI    int
}

// Radio is the subset of ble.Device the transport drives.
type Radio interface {
	Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error
	Dial(ctx context.Context, address string) (GATTClient, error)
	Stop() error
}

// GATTClient is the subset of ble.Client used on a live link. ble.Client
// satisfies it as is.
type GATTClient interface {
	Name() string
	DiscoverProfile(force bool) (*ble.Profile, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	WriteDescriptor(d *ble.Descriptor, value []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDevice

// NewRadio opens the platform device through DeviceFactory.
func NewRadio() (Radio, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return &bleRadio{dev: dev}, nil
}

// bleRadio adapts ble.Device to Radio.
type bleRadio struct {
	dev ble.Device
}

func (r *bleRadio) Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error {
	err := r.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		h(Advertisement{
			Name:    adv.LocalName(),
			Address: adv.Addr().String(),
			RSSI:    adv.RSSI(),
		})
	})
	return NormalizeError(err)
}

func (r *bleRadio) Dial(ctx context.Context, address string) (GATTClient, error) {
	client, err := r.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, NormalizeError(err)
	}
	return client, nil
}

func (r *bleRadio) Stop() error {
	return NormalizeError(r.dev.Stop())
}
