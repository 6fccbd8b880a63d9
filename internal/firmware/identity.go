// Package firmware is the light controller's Bluetooth personality: its
// attribute table, advertising payload and the advertise/serve loop.
package firmware

// Device identity, fixed at build time:
//
//	go build -ldflags "-X github.com/afterglow-leds/bluetooth/internal/firmware.SerialNumber=0042"
var (
	ManufacturerName = "Afterglow LEDs"
	ModelNumber      = "Afterglow-01"
	SerialNumber     = "00000001"
	HardwareRevision = "nougat-c3"
	FirmwareRevision = "0.1.0"
)

// Identity is the content of the Device Information service.
type Identity struct {
	ManufacturerName string
	ModelNumber      string
	SerialNumber     string
	HardwareRevision string
	FirmwareRevision string
}

// BuildIdentity returns the identity this binary was built with.
func BuildIdentity() Identity {
	return Identity{
		ManufacturerName: ManufacturerName,
		ModelNumber:      ModelNumber,
		SerialNumber:     SerialNumber,
		HardwareRevision: HardwareRevision,
		FirmwareRevision: FirmwareRevision,
	}
}
