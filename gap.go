package bluetooth

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// maxAdvertisingDataLen is the legacy advertising and scan response payload
// limit.
const maxAdvertisingDataLen = 31

// AdvertiseInterval is the advertisement interval in 0.625ms units.
type AdvertiseInterval uint32

// NewAdvertiseInterval returns a new advertisement interval, based on an
// interval in milliseconds.
func NewAdvertiseInterval(intervalMillis uint32) AdvertiseInterval {
	// Convert an interval to units of 0.625ms.
	return AdvertiseInterval(intervalMillis * 8 / 5)
}

// Duration returns the interval as a time.Duration.
func (i AdvertiseInterval) Duration() time.Duration {
	return time.Duration(i) * 625 * time.Microsecond
}

// AdvertisementKind is the PDU type used while advertising.
type AdvertisementKind uint8

const (
	// AdvertisingConnectableScannableUndirected is ADV_IND: anyone may scan or
	// connect.
	AdvertisingConnectableScannableUndirected AdvertisementKind = 0x00
	AdvertisingScannableUndirected            AdvertisementKind = 0x02
	AdvertisingNonConnectableUndirected       AdvertisementKind = 0x03
)

// Advertisement is the data put on air.
type Advertisement struct {
	Kind     AdvertisementKind
	AdvData  []byte
	ScanData []byte
}

// AdvertisementParameters controls the advertising interval and channels.
type AdvertisementParameters struct {
	IntervalMin AdvertiseInterval
	IntervalMax AdvertiseInterval
	// ChannelMap selects channels 37, 38 and 39 with bits 0, 1 and 2.
	ChannelMap uint8
}

// DefaultAdvertisementParameters advertises on all three channels every
// 160ms.
func DefaultAdvertisementParameters() AdvertisementParameters {
	return AdvertisementParameters{
		IntervalMin: NewAdvertiseInterval(160),
		IntervalMax: NewAdvertiseInterval(160),
		ChannelMap:  0x07,
	}
}

// Peripheral is the application half of the host.
type Peripheral struct {
	stack *stack
}

// Address returns the address the peripheral advertises with.
func (p *Peripheral) Address() Address { return p.stack.address }

// Advertise configures and enables advertising. The controller is
// initialized on the first call. The returned Advertiser yields the
// connection that ends the advertising window.
func (p *Peripheral) Advertise(ctx context.Context, params AdvertisementParameters, adv Advertisement) (*Advertiser, error) {
	if len(adv.AdvData) > maxAdvertisingDataLen {
		return nil, configError("advertise", errors.Wrapf(ErrAdvertisingDataTooLong, "%d bytes", len(adv.AdvData)))
	}
	if len(adv.ScanData) > maxAdvertisingDataLen {
		return nil, configError("advertise", errors.Wrapf(ErrAdvertisingDataTooLong, "%d scan response bytes", len(adv.ScanData)))
	}
	if params.ChannelMap == 0 {
		params.ChannelMap = 0x07
	}
	if params.IntervalMax < params.IntervalMin {
		params.IntervalMax = params.IntervalMin
	}

	s := p.stack
	if err := s.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	set, err := s.res.acquireAdvertisingSet()
	if err != nil {
		return nil, hostError("advertise", err)
	}

	if err := p.startAdvertising(ctx, params, adv); err != nil {
		s.res.releaseAdvertisingSet(set)
		return nil, err
	}

	s.log.WithField("interval", params.IntervalMin.Duration()).Debug("advertising")

	return &Advertiser{stack: s, set: set}, nil
}

func (p *Peripheral) startAdvertising(ctx context.Context, params AdvertisementParameters, adv Advertisement) error {
	h := p.stack.hci

	if err := h.leSetAdvertisingParameters(ctx, uint16(params.IntervalMin), uint16(params.IntervalMax),
		uint8(adv.Kind), uint8(AddressTypeRandom), 0x00, [6]byte{}, params.ChannelMap, 0x00); err != nil {
		return err
	}
	if err := h.leSetAdvertisingData(ctx, adv.AdvData); err != nil {
		return err
	}
	if err := h.leSetScanResponseData(ctx, adv.ScanData); err != nil {
		return err
	}
	return h.leSetAdvertiseEnable(ctx, true)
}

// Advertiser is an enabled advertising set.
type Advertiser struct {
	stack   *stack
	set     int
	release sync.Once
}

// Accept waits for a central to connect. The controller stops advertising
// once a connection is established.
func (a *Advertiser) Accept(ctx context.Context) (*Connection, error) {
	defer a.release.Do(func() {
		a.stack.res.releaseAdvertisingSet(a.set)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-a.stack.incoming:
		return r.conn, r.err
	}
}
