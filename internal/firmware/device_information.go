package firmware

import (
	"github.com/afterglow-leds/bluetooth"
)

const (
	// AttributeCount is the size of the Device Information service: one
	// declaration plus two attributes per read-only characteristic. None of
	// them carries a client characteristic configuration descriptor.
	AttributeCount = 5*2 + 1

	// MaxAttributes sizes the attribute table.
	MaxAttributes = bluetooth.GapAttributeCount + AttributeCount
)

// DeviceInformation holds the handles of the Device Information service.
type DeviceInformation struct {
	Handle uint16

	ManufacturerName bluetooth.Characteristic
	ModelNumber      bluetooth.Characteristic
	SerialNumber     bluetooth.Characteristic
	HardwareRevision bluetooth.Characteristic
	FirmwareRevision bluetooth.Characteristic
}

// NewDeviceInformation adds the service to table. Errors are recorded in the
// table.
func NewDeviceInformation(table *bluetooth.AttributeTable, id Identity) DeviceInformation {
	svc := table.AddService(bluetooth.ServiceUUIDDeviceInformation)

	dis := DeviceInformation{
		ManufacturerName: svc.AddCharacteristicRO(bluetooth.CharacteristicUUIDManufacturerNameString, []byte(id.ManufacturerName)),
		ModelNumber:      svc.AddCharacteristicRO(bluetooth.CharacteristicUUIDModelNumberString, []byte(id.ModelNumber)),
		SerialNumber:     svc.AddCharacteristicRO(bluetooth.CharacteristicUUIDSerialNumberString, []byte(id.SerialNumber)),
		HardwareRevision: svc.AddCharacteristicRO(bluetooth.CharacteristicUUIDHardwareRevisionString, []byte(id.HardwareRevision)),
		FirmwareRevision: svc.AddCharacteristicRO(bluetooth.CharacteristicUUIDFirmwareRevisionString, []byte(id.FirmwareRevision)),
	}
	dis.Handle = svc.Build()

	return dis
}
