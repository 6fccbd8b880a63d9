package firmware

import (
	"context"

	"github.com/go-ble/ble/linux/adv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/afterglow-leds/bluetooth"
)

const (
	flagGeneralDiscoverable = 0x02
	flagBREDRNotSupported   = 0x04
)

// AdvertisingPayload encodes the advertising data: flags, the Device
// Information service UUID and the complete local name. A name that does not
// fit is a configuration error; no truncated payload is produced.
func AdvertisingPayload(name string) ([]byte, error) {
	p, err := adv.NewPacket(
		adv.Flags(flagGeneralDiscoverable|flagBREDRNotSupported),
		adv.AllUUID(bluetooth.ServiceUUIDDeviceInformation),
		adv.CompleteName(name),
	)
	if err != nil {
		if errors.Is(err, adv.ErrNotFit) {
			err = errors.Wrapf(bluetooth.ErrAdvertisingDataTooLong, "device name %q", name)
		}
		return nil, &bluetooth.Error{Origin: bluetooth.OriginConfig, Op: "advertising payload", Err: err}
	}

	return p.Bytes(), nil
}

// Advertise advertises as name until a central connects, then binds the
// connection to server.
func Advertise(ctx context.Context, name string, peripheral *bluetooth.Peripheral, server *GattServer) (*bluetooth.GattConnection, error) {
	payload, err := AdvertisingPayload(name)
	if err != nil {
		return nil, err
	}

	advertiser, err := peripheral.Advertise(ctx, bluetooth.DefaultAdvertisementParameters(), bluetooth.Advertisement{
		Kind:    bluetooth.AdvertisingConnectableScannableUndirected,
		AdvData: payload,
	})
	if err != nil {
		return nil, err
	}
	server.log.WithField("name", name).Info("[adv] advertising")

	conn, err := advertiser.Accept(ctx)
	if err != nil {
		return nil, err
	}
	server.log.WithFields(logrus.Fields{
		"peer":    conn.Peer().String(),
		"session": conn.ID().String(),
	}).Info("[adv] connection established")

	return conn.WithAttributeServer(server.server)
}
